package packet

import "github.com/nyxmq/broker/pkg/er"

// Parse determines the packet type from the fixed header and returns the
// appropriately decoded packet.
func Parse(raw []byte) (*ParsedPacket, error) {
	if len(raw) < 1 {
		return nil, &er.Err{
			Context: "Parse",
			Message: er.ErrShortBuffer,
		}
	}

	packetType := PacketType(raw[0] & 0xF0)

	result := &ParsedPacket{
		Type: packetType,
		Raw:  raw,
	}

	switch packetType {
	case CONNECT:
		connectPacket := &ConnectPacket{}
		if err := connectPacket.Parse(raw); err != nil {
			return nil, err
		}
		result.Connect = connectPacket
		return result, nil

	case PUBLISH:
		publishPacket := &PublishPacket{}
		if err := publishPacket.Parse(raw); err != nil {
			return nil, err
		}
		result.Publish = publishPacket
		return result, nil

	case SUBSCRIBE:
		subscribePacket := &SubscribePacket{}
		if err := subscribePacket.Parse(raw); err != nil {
			return nil, err
		}
		result.Subscribe = subscribePacket
		return result, nil

	case UNSUBSCRIBE:
		unsubscribePacket := &UnsubscribePacket{}
		if err := unsubscribePacket.ParseUnsubscribe(raw); err != nil {
			return nil, err
		}
		result.Unsubscribe = unsubscribePacket
		return result, nil

	case PINGREQ:
		pingreqPacket := &PingreqPacket{}
		if err := pingreqPacket.ParsePingreq(raw); err != nil {
			return nil, err
		}
		result.Pingreq = pingreqPacket
		return result, nil

	case DISCONNECT:
		disconnectPacket := &DisconnectPacket{}
		if err := disconnectPacket.Parse(raw); err != nil {
			return nil, err
		}
		result.Disconnect = disconnectPacket
		return result, nil

	case PUBACK, PUBREC, PUBREL, PUBCOMP:
		ackPacket, err := parseAck(raw, packetType, "Parse")
		if err != nil {
			return nil, err
		}
		result.Ack = ackPacket
		return result, nil

	default:
		return nil, &er.Err{
			Context: "Parse",
			Message: er.ErrInvalidPacketType,
		}
	}
}

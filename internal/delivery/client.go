package delivery

import "github.com/nyxmq/broker/internal/packet"

// Client is the per-connection (or persistently-remembered) delivery
// context: the twin ClientDeliveryStates for each direction plus the
// admission and duplicate-suppression configuration the core consults on
// every insert.
type Client struct {
	ID string

	MsgsIn  *ClientDeliveryState
	MsgsOut *ClientDeliveryState

	Policy AdmissionPolicy

	// MaxQoS is the negotiated ceiling a delivery's effective QoS is
	// clamped to (ClientMessage.QoS = min(requested, MaxQoS)).
	MaxQoS packet.QoSLevel

	// ProtocolVersion5 gates duplicate suppression: clients below MQTT 5
	// get it, v5 clients rely on receive-maximum flow control instead.
	ProtocolVersion5 bool
	AllowDuplicates  bool

	IsBridge         bool
	BridgeLazy       bool
	CleanStartLocal  bool
	IsPersisted      bool
	QueueQoS0Offline bool

	Connected bool
	// OutPacketCount is the transport layer's count of writes already
	// pending on the socket, consulted by AdmissionPolicy.ReadyForFlight
	// for outgoing QoS 0 traffic.
	OutPacketCount int

	IsDropping bool

	lastCmsgID uint64
}

// NewClient builds a Client with fresh, empty delivery state for each
// direction.
func NewClient(id string, inflightMaximum int, policy AdmissionPolicy, maxQoS packet.QoSLevel) *Client {
	return &Client{
		ID:      id,
		MsgsIn:  newClientDeliveryState(inflightMaximum),
		MsgsOut: newClientDeliveryState(inflightMaximum),
		Policy:  policy,
		MaxQoS:  maxQoS,
	}
}

// nextCmsgID returns client.last_cmsg_id+1, or cmsgID unchanged if the
// caller already supplied a non-zero one.
func (c *Client) nextCmsgID(cmsgID uint64) uint64 {
	if cmsgID != 0 {
		if cmsgID > c.lastCmsgID {
			c.lastCmsgID = cmsgID
		}
		return cmsgID
	}
	c.lastCmsgID++
	return c.lastCmsgID
}

func (c *Client) effectiveQoS(requested packet.QoSLevel) packet.QoSLevel {
	if requested > c.MaxQoS {
		return c.MaxQoS
	}
	return requested
}

func stateFor(direction Direction, qos packet.QoSLevel) State {
	if direction == DirIn {
		if qos == packet.QoSExactlyOnce {
			return StateWaitForPubrel
		}
		return StateQueued
	}
	switch qos {
	case packet.QoSAtMostOnce:
		return StatePublishQoS0
	case packet.QoSAtLeastOnce:
		return StatePublishQoS1
	default:
		return StatePublishQoS2
	}
}

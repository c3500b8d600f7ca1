package broker

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nyxmq/broker/internal/delivery"
	"github.com/nyxmq/broker/internal/logger"
	"github.com/nyxmq/broker/internal/packet"
	"github.com/nyxmq/broker/pkg/er"
)

// Broker ties the subscription matcher and session map to the delivery
// core: it is the delivery.Transport and delivery.Matcher the core calls
// back into, and it is the thing internal/transport hands parsed packets
// to.
type Broker struct {
	session       atomic.Value
	subscriptions *SubscriptionTree
	retainedMsgs  map[string]*RetainedMessage
	retainedMu    sync.RWMutex
	rwmu          sync.RWMutex
	packetIDSeq   uint32

	engine          *delivery.Engine
	policy          delivery.AdmissionPolicy
	inflightMaximum int
	maxQoS          packet.QoSLevel
}

type RetainedMessage struct {
	Topic   string
	Payload []byte
	QoS     packet.QoSLevel
}

// New builds a Broker wired to engine, using policy/inflightMaximum/maxQoS
// as the defaults for every newly-connected client's delivery.Client.
func New(engine *delivery.Engine, policy delivery.AdmissionPolicy, inflightMaximum int, maxQoS packet.QoSLevel) *Broker {
	b := &Broker{
		subscriptions:   NewSubscriptionTree(),
		retainedMsgs:    make(map[string]*RetainedMessage),
		engine:          engine,
		policy:          policy,
		inflightMaximum: inflightMaximum,
		maxQoS:          maxQoS,
	}
	b.session.Store(make(sessionMap))
	return b
}

// NewClientDeliveryState builds a fresh delivery.Client for a newly
// admitted session, using the broker's default admission policy.
func (b *Broker) NewClientDeliveryState(clientID string) *delivery.Client {
	return delivery.NewClient(clientID, b.inflightMaximum, b.policy, b.maxQoS)
}

// --- delivery.Transport ---

func (b *Broker) IsConnected(clientID string) bool {
	session, ok := b.Get(clientID)
	return ok && session.Connected && session.Conn != nil
}

func (b *Broker) SendPublish(clientID string, mid uint16, topic string, payload []byte, qos packet.QoSLevel, retain, dup bool, subID uint32, props *packet.Properties, expiry uint32) error {
	session, ok := b.Get(clientID)
	if !ok || session.Conn == nil {
		return &er.Err{Context: "Broker.SendPublish", Message: er.ErrNotFound}
	}

	pp := &packet.PublishPacket{
		DUP:     dup,
		QoS:     qos,
		Retain:  retain,
		Topic:   topic,
		Payload: payload,
	}
	if qos > packet.QoSAtMostOnce {
		pid := mid
		pp.PacketID = &pid
	}

	data := pp.Encode()
	if data == nil {
		return &er.Err{Context: "Broker.SendPublish", Message: er.ErrOversizePacket}
	}
	_, err := session.Conn.Write(data)
	return err
}

func (b *Broker) SendPubrec(clientID string, mid uint16, reason byte) error {
	session, ok := b.Get(clientID)
	if !ok || session.Conn == nil {
		return &er.Err{Context: "Broker.SendPubrec", Message: er.ErrNotFound}
	}
	_, err := session.Conn.Write(packet.NewPubRec(mid))
	return err
}

func (b *Broker) SendPubrel(clientID string, mid uint16) error {
	session, ok := b.Get(clientID)
	if !ok || session.Conn == nil {
		return &er.Err{Context: "Broker.SendPubrel", Message: er.ErrNotFound}
	}
	_, err := session.Conn.Write(packet.NewPubRel(mid))
	return err
}

// --- delivery.Matcher ---

// Queue fans base out to every subscription matching topic, handing each
// one off to InsertOutgoing. It is the bridge between the subscription
// trie (out of scope for the delivery core) and insert_outgoing.
func (b *Broker) Queue(sourceID, topic string, qos packet.QoSLevel, retain bool, base *delivery.BaseMessage) error {
	matches := b.subscriptions.Match(topic)
	if len(matches) == 0 {
		return &er.Err{Context: "Broker.Queue", Message: er.ErrNoSubscribers}
	}

	for _, sub := range matches {
		session, ok := b.Get(sub.ClientID)
		if !ok || session.Delivery == nil {
			continue
		}

		deliveryQoS := minQoS(qos, sub.QoS)
		var mid uint16
		if deliveryQoS > packet.QoSAtMostOnce {
			mid = b.generatePacketID()
		}

		if _, err := b.engine.InsertOutgoing(session.Delivery, 0, mid, deliveryQoS, retain, base, 0, true); err != nil {
			logger.Printf("insert_outgoing failed for client %s topic %s: %v", sub.ClientID, topic, err)
		}
	}
	return nil
}

// HandleSubscribe processes a SUBSCRIBE packet and returns a SUBACK packet
func (b *Broker) HandleSubscribe(session *Session, subscribePacket *packet.SubscribePacket) *packet.SubackPacket {
	if subscribePacket == nil || session == nil {
		logger.Printf("Invalid subscribe packet or session")
		return nil
	}

	returnCodes := make([]byte, len(subscribePacket.Filters))

	for i, filter := range subscribePacket.Filters {
		if !IsValidTopicFilter(filter.Topic) {
			logger.Printf("Invalid topic filter: %s", filter.Topic)
			returnCodes[i] = packet.SubackFailure
			continue
		}

		err := b.subscriptions.Subscribe(session.ClientID, session, filter.Topic, filter.QoS)
		if err != nil {
			logger.Printf("Failed to add subscription for client %s, topic %s: %v", session.ClientID, filter.Topic, err)
			returnCodes[i] = packet.SubackFailure
			continue
		}

		grantedQoS := b.getGrantedQoS(filter.QoS)
		switch grantedQoS {
		case packet.QoSAtMostOnce:
			returnCodes[i] = packet.SubackMaxQoS0
		case packet.QoSAtLeastOnce:
			returnCodes[i] = packet.SubackMaxQoS1
		case packet.QoSExactlyOnce:
			returnCodes[i] = packet.SubackMaxQoS2
		default:
			returnCodes[i] = packet.SubackFailure
		}

		logger.Printf("Client %s subscribed to %s with QoS %d", session.ClientID, filter.Topic, grantedQoS)

		b.sendRetainedMessages(session, filter.Topic, grantedQoS)
	}

	return &packet.SubackPacket{
		PacketID:    subscribePacket.PacketID,
		ReturnCodes: returnCodes,
	}
}

// HandleUnsubscribe processes an UNSUBSCRIBE packet and returns an UNSUBACK packet
func (b *Broker) HandleUnsubscribe(session *Session, unsubscribePacket *packet.UnsubscribePacket) *packet.UnsubackPacket {
	if unsubscribePacket == nil || session == nil {
		logger.Printf("Invalid unsubscribe packet or session")
		return nil
	}

	for _, topicFilter := range unsubscribePacket.TopicFilters {
		err := b.subscriptions.Unsubscribe(session.ClientID, topicFilter)
		if err != nil {
			logger.Printf("Failed to remove subscription for client %s, topic %s: %v", session.ClientID, topicFilter, err)
		} else {
			logger.Printf("Client %s unsubscribed from %s", session.ClientID, topicFilter)
		}
	}

	return &packet.UnsubackPacket{
		PacketID: unsubscribePacket.PacketID,
	}
}

// HandlePublish admits publishPacket into the shared store via the delivery
// core. QoS 0/1 publishes are fanned out to matching subscribers at once; a
// QoS 2 publish is parked in the publisher's msgs_in and answered with
// PUBREC, and is fanned out only when its PUBREL arrives.
func (b *Broker) HandlePublish(sourceClientID string, publishPacket *packet.PublishPacket) error {
	if publishPacket == nil {
		return fmt.Errorf("invalid publish packet")
	}
	if !IsValidTopicName(publishPacket.Topic) {
		return fmt.Errorf("invalid topic name: %s", publishPacket.Topic)
	}

	if publishPacket.Retain {
		b.handleRetainedMessage(publishPacket)
	}

	if publishPacket.QoS == packet.QoSExactlyOnce {
		session, ok := b.Get(sourceClientID)
		if !ok || session.Delivery == nil {
			return fmt.Errorf("unknown publisher: %s", sourceClientID)
		}
		var mid uint16
		if publishPacket.PacketID != nil {
			mid = *publishPacket.PacketID
		}
		if _, err := b.engine.AdmitIncoming(session.Delivery, mid, publishPacket.Topic, publishPacket.Payload, publishPacket.Retain, nil); err != nil {
			return err
		}
		return b.SendPubrec(sourceClientID, mid, 0)
	}

	return b.engine.EasyQueue(sourceClientID, publishPacket.Topic, publishPacket.QoS, publishPacket.Payload, publishPacket.Retain, 0, nil, b)
}

// HandleClientDisconnect removes all subscriptions and delivery state for a
// disconnecting client.
func (b *Broker) HandleClientDisconnect(clientID string) {
	b.subscriptions.UnsubscribeAll(clientID)
	if session, ok := b.Get(clientID); ok && session.Delivery != nil {
		b.engine.MessagesDelete(session.Delivery)
	}
	logger.Printf("Removed all subscriptions for disconnected client: %s", clientID)
}

// handleRetainedMessage stores or removes retained messages
func (b *Broker) handleRetainedMessage(publishPacket *packet.PublishPacket) {
	b.retainedMu.Lock()
	defer b.retainedMu.Unlock()

	if len(publishPacket.Payload) == 0 {
		delete(b.retainedMsgs, publishPacket.Topic)
		logger.Printf("Removed retained message for topic: %s", publishPacket.Topic)
	} else {
		b.retainedMsgs[publishPacket.Topic] = &RetainedMessage{
			Topic:   publishPacket.Topic,
			Payload: publishPacket.Payload,
			QoS:     publishPacket.QoS,
		}
		logger.Printf("Stored retained message for topic: %s", publishPacket.Topic)
	}
}

// sendRetainedMessages inserts retained messages matching topicFilter as
// fresh outgoing deliveries for session, the same as any other publish.
func (b *Broker) sendRetainedMessages(session *Session, topicFilter string, maxQoS packet.QoSLevel) {
	if session.Delivery == nil {
		return
	}

	b.retainedMu.RLock()
	var toSend []*RetainedMessage
	for topic, retainedMsg := range b.retainedMsgs {
		if TopicMatches(topicFilter, topic) {
			toSend = append(toSend, retainedMsg)
		}
	}
	b.retainedMu.RUnlock()

	for _, retained := range toSend {
		deliveryQoS := minQoS(retained.QoS, maxQoS)
		base := delivery.NewBaseMessage(retained.Topic, retained.Payload, deliveryQoS, true, delivery.OriginBroker)
		base.ID = b.engine.IDGen.Next()
		if err := b.engine.Store.Add(base); err != nil {
			continue
		}

		var mid uint16
		if deliveryQoS > packet.QoSAtMostOnce {
			mid = b.generatePacketID()
		}
		if _, err := b.engine.InsertOutgoing(session.Delivery, 0, mid, deliveryQoS, true, base, 0, true); err != nil {
			logger.Printf("retained insert_outgoing failed for client %s topic %s: %v", session.ClientID, retained.Topic, err)
		}
	}
}

// ForEachDeliveryClient calls fn once per stored session that has a delivery
// context, connected or not, for internal/housekeeping's periodic expiry sweep.
func (b *Broker) ForEachDeliveryClient(fn func(client *delivery.Client)) {
	current, _ := b.session.Load().(sessionMap)
	for _, session := range current {
		if session.Delivery != nil {
			fn(session.Delivery)
		}
	}
}

// Engine exposes the broker's delivery engine for wiring callers (e.g.
// $SYS publishing) that need direct access to EasyQueue.
func (b *Broker) Engine() *delivery.Engine {
	return b.engine
}

// getGrantedQoS returns the QoS level granted by the broker (could implement downgrading logic)
func (b *Broker) getGrantedQoS(requestedQoS packet.QoSLevel) packet.QoSLevel {
	if requestedQoS > packet.QoSExactlyOnce {
		return packet.QoSExactlyOnce
	}
	return requestedQoS
}

// generatePacketID generates a unique packet ID for QoS 1 and 2 messages
func (b *Broker) generatePacketID() uint16 {
	id := atomic.AddUint32(&b.packetIDSeq, 1)
	if id == 0 {
		id = atomic.AddUint32(&b.packetIDSeq, 1)
	}
	return uint16(id)
}

// minQoS returns the minimum QoS level between two QoS levels
func minQoS(qos1, qos2 packet.QoSLevel) packet.QoSLevel {
	if qos1 < qos2 {
		return qos1
	}
	return qos2
}

// GetClientSubscriptions returns all subscriptions for a specific client
func (b *Broker) GetClientSubscriptions(clientID string) []*Subscription {
	return b.subscriptions.GetSubscriptions(clientID)
}

// RetainedMessageCount returns the number of retained messages, satisfying
// internal/sysinfo.Counters.
func (b *Broker) RetainedMessageCount() int {
	b.retainedMu.RLock()
	defer b.retainedMu.RUnlock()
	return len(b.retainedMsgs)
}

// ConnectedClientCount returns the number of sessions with a live
// connection, satisfying internal/sysinfo.Counters.
func (b *Broker) ConnectedClientCount() int {
	current, _ := b.session.Load().(sessionMap)
	n := 0
	for _, session := range current {
		if session.Connected {
			n++
		}
	}
	return n
}

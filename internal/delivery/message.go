// Package delivery implements the per-client message delivery core: the
// inflight/queued lane bookkeeping, QoS 1/2 handshakes, admission control,
// reconnect renormalization and expiry sweeping that sit between the
// subscription matcher and the wire codec.
package delivery

import "github.com/nyxmq/broker/internal/packet"

// Origin records who originally published a BaseMessage.
type Origin uint8

const (
	OriginClient Origin = iota
	OriginBroker
	OriginBridge
)

// BaseMessage is the canonical, refcounted copy of a published message.
// Exactly one BaseMessage exists per logical publish; every ClientMessage
// delivering it holds an owning reference via RefCount.
type BaseMessage struct {
	ID         uint64
	Topic      string
	Payload    []byte
	Properties *packet.Properties
	QoS        packet.QoSLevel
	Retain     bool
	Origin     Origin

	SourceID       string
	SourceUsername string
	SourceListener string
	SourceMid      uint16

	// ExpiryTime is wall-clock seconds; 0 means never expire.
	ExpiryTime int64

	// DestIDs holds client ids this message has already been sent to, for
	// duplicate-delivery suppression across subscriptions.
	DestIDs map[string]struct{}

	RefCount int
}

// NewBaseMessage builds a BaseMessage with a zero RefCount and an empty
// DestIDs set. The caller still owns assigning ID (via IdGen) and inserting
// it into a MessageStore.
func NewBaseMessage(topic string, payload []byte, qos packet.QoSLevel, retain bool, origin Origin) *BaseMessage {
	return &BaseMessage{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
		Origin:  origin,
		DestIDs: make(map[string]struct{}),
	}
}

// HasBeenSentTo reports whether clientID already appears in DestIDs.
func (b *BaseMessage) HasBeenSentTo(clientID string) bool {
	_, ok := b.DestIDs[clientID]
	return ok
}

// MarkSentTo records clientID in DestIDs.
func (b *BaseMessage) MarkSentTo(clientID string) {
	b.DestIDs[clientID] = struct{}{}
}

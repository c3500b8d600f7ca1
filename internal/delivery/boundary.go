package delivery

import "github.com/nyxmq/broker/internal/packet"

// Transport is how the delivery core hands a ready ClientMessage off to the
// network. Implemented by internal/broker.Broker in production, and by a fake
// in tests — the delivery core never dials a socket itself.
type Transport interface {
	IsConnected(clientID string) bool
	SendPublish(clientID string, mid uint16, topic string, payload []byte, qos packet.QoSLevel, retain, dup bool, subID uint32, props *packet.Properties, expiry uint32) error
	SendPubrec(clientID string, mid uint16, reason byte) error
	SendPubrel(clientID string, mid uint16) error
}

// Matcher fans a published BaseMessage out to every subscriber whose filter
// matches topic. Implemented by internal/broker.Broker.
type Matcher interface {
	Queue(sourceID, topic string, qos packet.QoSLevel, retain bool, base *BaseMessage) error
}

// QuotaAdjuster lets the delivery core and MQTT v5 receive-maximum
// bookkeeping share a single source of truth on a client's send/receive
// quota without the core importing the session type directly.
type QuotaAdjuster interface {
	IncrementSendQuota(clientID string)
	DecrementSendQuota(clientID string)
	IncrementReceiveQuota(clientID string)
	DecrementReceiveQuota(clientID string)
}

// Persistence durably records message state across restarts. Implemented by
// internal/persistence against SQLite; a nil Persistence makes every method
// on MessageStore/Client a pure in-memory operation.
type Persistence interface {
	AddBaseMessage(base *BaseMessage) error
	DeleteBaseMessage(id uint64) error
	AddClientMessage(clientID string, cm *ClientMessage) error
	UpdateClientMessage(clientID string, cm *ClientMessage) error
	DeleteClientMessage(clientID string, cmsgID uint64) error
}

// Clock abstracts wall-clock reads so expiry and id generation are
// deterministic under test. NowRealS returns seconds since the Unix epoch.
type Clock interface {
	NowRealS() int64
}

// SystemClock is the production Clock, backed by time.Now.
type SystemClock struct{}

func (SystemClock) NowRealS() int64 { return nowRealS() }

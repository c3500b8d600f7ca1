package delivery

import "github.com/nyxmq/broker/internal/packet"

// EasyQueue is the convenience path used by callers that never need to
// touch MessageStore directly — $SYS publishers, will-message dispatch,
// and broker-local republishes. It allocates a BaseMessage, assigns it an
// id, inserts it into the store, and hands it to the subscription matcher,
// which itself calls back into InsertOutgoing once per matched subscriber.
func (core *Core) EasyQueue(sourceClientID, topic string, qos packet.QoSLevel, payload []byte, retain bool, expirySeconds int64, props *packet.Properties, matcher Matcher) error {
	origin := OriginBroker
	if sourceClientID != "" {
		origin = OriginClient
	}

	base := NewBaseMessage(topic, payload, qos, retain, origin)
	base.ID = core.IDGen.Next()
	base.SourceID = sourceClientID
	base.Properties = props
	if expirySeconds > 0 {
		base.ExpiryTime = core.Clock.NowRealS() + expirySeconds
	}

	if err := core.Store.Add(base); err != nil {
		return err
	}

	return matcher.Queue(sourceClientID, topic, qos, retain, base)
}

// AdmitIncoming allocates a QoS 2 BaseMessage from a publishing client and
// parks it in that client's msgs_in inflight/queued lane awaiting PUBREL.
// It does not forward to subscribers; MessageReleaseIncoming does that once
// the PUBREL arrives.
func (core *Core) AdmitIncoming(publisher *Client, mid uint16, topic string, payload []byte, retain bool, props *packet.Properties) (InsertResult, error) {
	base := NewBaseMessage(topic, payload, packet.QoSExactlyOnce, retain, OriginClient)
	base.ID = core.IDGen.Next()
	base.SourceID = publisher.ID

	if err := core.Store.Add(base); err != nil {
		return InsertDropped, err
	}

	return core.InsertIncoming(publisher, 0, mid, base, true)
}

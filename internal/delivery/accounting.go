package delivery

import "github.com/nyxmq/broker/internal/packet"

// ClientDeliveryState is the per-client, per-direction bookkeeping: the two
// lane lists (inflight, queued) and the counters that must always equal a
// walk of those lists (spec invariant 3).
type ClientDeliveryState struct {
	inflightHead, inflightTail *ClientMessage
	queuedHead, queuedTail     *ClientMessage

	InflightCount   int
	InflightBytes   int
	InflightCount12 int
	InflightBytes12 int

	QueuedCount   int
	QueuedBytes   int
	QueuedCount12 int
	QueuedBytes12 int

	// InflightMaximum is the configured ceiling on concurrent QoS>0 messages
	// in flight; 0 means unbounded.
	InflightMaximum int
	// InflightQuota is the remaining QoS>0 flight slots; clamped to
	// InflightMaximum on reset.
	InflightQuota int
}

func newClientDeliveryState(inflightMaximum int) *ClientDeliveryState {
	return &ClientDeliveryState{
		InflightMaximum: inflightMaximum,
		InflightQuota:   inflightMaximum,
	}
}

// addInflight and friends are pure accounting mutators: they never touch a
// list, only the counters. Callers splice the ClientMessage into the list
// immediately before or after calling these.
func addInflight(s *ClientDeliveryState, m *ClientMessage) {
	s.InflightCount++
	s.InflightBytes += m.PayloadLen()
	if m.QoS > packet.QoSAtMostOnce {
		s.InflightCount12++
		s.InflightBytes12 += m.PayloadLen()
	}
}

func removeInflight(s *ClientDeliveryState, m *ClientMessage) {
	s.InflightCount--
	s.InflightBytes -= m.PayloadLen()
	if m.QoS > packet.QoSAtMostOnce {
		s.InflightCount12--
		s.InflightBytes12 -= m.PayloadLen()
	}
}

func addQueued(s *ClientDeliveryState, m *ClientMessage) {
	s.QueuedCount++
	s.QueuedBytes += m.PayloadLen()
	if m.QoS > packet.QoSAtMostOnce {
		s.QueuedCount12++
		s.QueuedBytes12 += m.PayloadLen()
	}
}

func removeQueued(s *ClientDeliveryState, m *ClientMessage) {
	s.QueuedCount--
	s.QueuedBytes -= m.PayloadLen()
	if m.QoS > packet.QoSAtMostOnce {
		s.QueuedCount12--
		s.QueuedBytes12 -= m.PayloadLen()
	}
}

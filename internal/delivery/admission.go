package delivery

import "github.com/nyxmq/broker/internal/packet"

// AdmissionPolicy is the set of budgets a ClientDeliveryState must respect.
// A zero value for any field means "unbounded" for that field, matching the
// mosquitto convention this logic is lifted from.
type AdmissionPolicy struct {
	MaxQueuedMessages int
	MaxQueuedBytes    int
	MaxInflightBytes  int
	// QueueQoS0 controls whether a QoS 0 message may occupy the queued lane
	// at all once it cannot go straight to flight.
	QueueQoS0 bool
}

// ReadyForFlight decides whether a newly-matched message may be marked
// inflight right now. outPacketCount is the transport-level count of writes
// already pending on the socket for outgoing direction; it is ignored for
// incoming.
//
// The byte-budget check is intentionally asymmetric between the QoS 0 and
// QoS>0 branches: QoS 0 readiness is sized against max_queued_bytes while
// QoS>0 readiness is sized against max_inflight_bytes. This mirrors the
// admission check it is grounded on bit for bit and is preserved rather
// than "fixed" — see DESIGN.md.
func (p *AdmissionPolicy) ReadyForFlight(s *ClientDeliveryState, direction Direction, qos packet.QoSLevel, outPacketCount int) bool {
	if s.InflightMaximum == 0 && p.MaxInflightBytes == 0 {
		return true
	}

	if qos == packet.QoSAtMostOnce {
		if p.MaxQueuedMessages == 0 && p.MaxInflightBytes == 0 {
			return true
		}
		validBytes := s.InflightBytes-p.MaxInflightBytes < p.MaxQueuedBytes
		var validCount bool
		if direction == DirOut {
			validCount = outPacketCount < p.MaxQueuedMessages
		} else {
			validCount = s.InflightCount-s.InflightMaximum < p.MaxQueuedMessages
		}

		switch {
		case p.MaxQueuedMessages == 0:
			return validBytes
		case p.MaxInflightBytes == 0:
			return validCount
		default:
			return validBytes && validCount
		}
	}

	validBytes := s.InflightBytes12 < p.MaxInflightBytes
	validCount := s.InflightQuota > 0

	switch {
	case s.InflightMaximum == 0:
		return validBytes
	case p.MaxInflightBytes == 0:
		return validCount
	default:
		return validBytes && validCount
	}
}

// ReadyForQueue is consulted only once ReadyForFlight has already returned
// false; it decides whether to queue rather than drop. connected reports
// whether the client currently has a live socket — an offline client has
// no inflight budget to subtract when sizing its queue headroom.
func (p *AdmissionPolicy) ReadyForQueue(s *ClientDeliveryState, qos packet.QoSLevel, connected bool) bool {
	if p.MaxQueuedMessages == 0 && p.MaxQueuedBytes == 0 {
		return true
	}
	if qos == packet.QoSAtMostOnce && !p.QueueQoS0 {
		return false
	}

	adjustBytes := p.MaxInflightBytes
	adjustCount := s.InflightMaximum
	if !connected {
		adjustBytes, adjustCount = 0, 0
	}

	validBytes := s.QueuedBytes12-adjustBytes < p.MaxQueuedBytes
	validCount := s.QueuedCount12-adjustCount < p.MaxQueuedMessages

	switch {
	case p.MaxQueuedMessages == 0:
		return validBytes
	case p.MaxQueuedBytes == 0:
		return validCount
	default:
		return validBytes && validCount
	}
}

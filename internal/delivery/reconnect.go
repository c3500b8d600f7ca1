package delivery

import "github.com/nyxmq/broker/internal/packet"

// ReconnectReset re-derives accounting from surviving ClientMessage
// records on session resumption and rewrites their states so
// retransmission and queue drainage resume in insertion order.
func (core *Core) ReconnectReset(client *Client) {
	resetDirection(client, client.MsgsOut, DirOut, core)
	resetDirection(client, client.MsgsIn, DirIn, core)
}

func resetDirection(client *Client, state *ClientDeliveryState, direction Direction, core *Core) {
	// 1. Zero counters, reset quota.
	state.InflightCount, state.InflightBytes = 0, 0
	state.InflightCount12, state.InflightBytes12 = 0, 0
	state.QueuedCount, state.QueuedBytes = 0, 0
	state.QueuedCount12, state.QueuedBytes12 = 0, 0
	state.InflightQuota = state.InflightMaximum

	// 2. Walk inflight, re-adding accounting and rewriting state. Incoming
	// qos<2 entries are dropped outright — the peer will simply retransmit.
	state.walk(LaneInflight, func(m *ClientMessage) bool {
		if direction == DirIn && m.QoS != packet.QoSExactlyOnce {
			state.unlink(m)
			core.freeClientMessage(client, m)
			return true
		}

		addInflight(state, m)
		if m.QoS > packet.QoSAtMostOnce {
			if state.InflightQuota > 0 {
				state.InflightQuota--
			}
			if core.Quota != nil {
				if direction == DirOut {
					core.Quota.DecrementSendQuota(client.ID)
				} else {
					core.Quota.DecrementReceiveQuota(client.ID)
				}
			}
		}
		m.State = rewriteInflightState(direction, m)
		return true
	})

	// 3. Walk queued, re-adding accounting, then promote admissible items.
	state.walk(LaneQueued, func(m *ClientMessage) bool {
		addQueued(state, m)
		return true
	})

	for {
		m := state.head(LaneQueued)
		if m == nil {
			break
		}
		if !client.Policy.ReadyForFlight(state, direction, m.QoS, client.OutPacketCount) {
			break
		}
		DequeueFirst(state)
		m.State = stateFor(direction, m.QoS)
	}
}

// rewriteInflightState reproduces the reconnect state-rewrite table. A
// surviving qos2 incoming entry is left untouched because the peer holds a
// matching view of the handshake. Outgoing entries are rewound to their
// initial publish state, except a qos2 entry that had already reached
// wait_for_pubcomp, which resumes at resend_pubrel.
func rewriteInflightState(direction Direction, m *ClientMessage) State {
	if direction == DirIn {
		return m.State
	}
	switch m.QoS {
	case packet.QoSAtMostOnce:
		return StatePublishQoS0
	case packet.QoSAtLeastOnce:
		return StatePublishQoS1
	default:
		if m.State == StateWaitForPubcomp {
			return StateResendPubrel
		}
		return StatePublishQoS2
	}
}

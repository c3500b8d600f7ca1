package delivery

import "github.com/nyxmq/broker/internal/packet"

func findByMid(state *ClientDeliveryState, lane Lane, mid uint16) *ClientMessage {
	var found *ClientMessage
	state.walk(lane, func(m *ClientMessage) bool {
		if m.Mid == mid {
			found = m
			return false
		}
		return true
	})
	return found
}

// MessageUpdateOutgoing finds mid in outgoing inflight, validates qos, sets
// its new state, and notifies persistence.
func (core *Core) MessageUpdateOutgoing(client *Client, mid uint16, newState State, qos packet.QoSLevel) error {
	m := findByMid(client.MsgsOut, LaneInflight, mid)
	if m == nil {
		return errNotFound
	}
	if m.QoS != qos {
		return errProtocolMismatch
	}
	m.State = newState
	if client.IsPersisted && core.Persist != nil {
		_ = core.Persist.UpdateClientMessage(client.ID, m)
	}
	return nil
}

// MessageDeleteOutgoing completes an outgoing delivery: validates qos (and,
// for QoS 2, the expected state), removes the ClientMessage from whichever
// lane holds it, then drains queued→inflight as far as admission allows.
func (core *Core) MessageDeleteOutgoing(client *Client, mid uint16, expectState State, qos packet.QoSLevel) error {
	m := findByMid(client.MsgsOut, LaneInflight, mid)
	if m == nil {
		m = findByMid(client.MsgsOut, LaneQueued, mid)
	}
	if m == nil {
		return errNotFound
	}
	if m.QoS != qos {
		return errProtocolMismatch
	}
	if qos == packet.QoSExactlyOnce && m.State != expectState {
		return errProtocolMismatch
	}

	wasInflight := m.lane == LaneInflight
	removeFromLane(client.MsgsOut, m)
	if wasInflight && m.QoS > packet.QoSAtMostOnce {
		client.MsgsOut.InflightQuota++
		if core.Quota != nil {
			core.Quota.IncrementSendQuota(client.ID)
		}
	}
	core.freeClientMessage(client, m)

	core.WriteQueuedOut(client)
	return nil
}

// MessageRemoveIncoming removes a QoS 2 incoming ClientMessage from
// inflight, e.g. on receipt of an invalid or superseded PUBREL.
func (core *Core) MessageRemoveIncoming(client *Client, mid uint16) error {
	m := findByMid(client.MsgsIn, LaneInflight, mid)
	if m == nil {
		return errNotFound
	}
	if m.QoS != packet.QoSExactlyOnce {
		return errProtocolMismatch
	}
	removeFromLane(client.MsgsIn, m)
	client.MsgsIn.InflightQuota++
	if core.Quota != nil {
		core.Quota.IncrementReceiveQuota(client.ID)
	}
	core.freeClientMessage(client, m)
	return nil
}

// MessageReleaseIncoming handles PUBREL: forwards the message to the
// subscription matcher, then (on success or no subscribers) removes the
// inflight QoS 2 entry and drains queued-in arrivals.
func (core *Core) MessageReleaseIncoming(client *Client, mid uint16, matcher Matcher) error {
	m := findByMid(client.MsgsIn, LaneInflight, mid)
	if m == nil {
		return errNotFound
	}
	if m.QoS != packet.QoSExactlyOnce {
		return errProtocolMismatch
	}

	err := matcher.Queue(client.ID, m.Base.Topic, m.Base.QoS, m.Base.Retain, m.Base)
	if err != nil && !errIs(err, errNoSubscribersSentinel) {
		return err
	}

	removeFromLane(client.MsgsIn, m)
	client.MsgsIn.InflightQuota++
	if core.Quota != nil {
		core.Quota.IncrementReceiveQuota(client.ID)
	}
	core.freeClientMessage(client, m)

	core.WriteQueuedIn(client)
	return nil
}

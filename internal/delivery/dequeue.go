package delivery

import (
	"github.com/nyxmq/broker/internal/packet"
	"github.com/nyxmq/broker/pkg/er"
)

// DequeueFirst unlinks the head of state's queued list and appends it to
// inflight, decrementing inflight_quota if positive. Always head-to-tail —
// the reason publisher ordering survives admission pressure.
func DequeueFirst(state *ClientDeliveryState) *ClientMessage {
	m := state.head(LaneQueued)
	if m == nil {
		return nil
	}
	state.unlink(m)
	removeQueued(state, m)

	state.pushBack(LaneInflight, m)
	addInflight(state, m)
	if m.QoS > packet.QoSAtMostOnce && state.InflightQuota > 0 {
		state.InflightQuota--
	}
	return m
}

// WriteInflightOutSingle dispatches a single inflight ClientMessage
// according to its current state, calling out to Transport to perform the
// actual send.
func (core *Core) WriteInflightOutSingle(client *Client, m *ClientMessage) error {
	switch m.State {
	case StatePublishQoS0:
		err := core.sendPublish(client, m)
		if err == nil || isOversize(err) {
			core.removeOutgoing(client, m)
		}
		return err

	case StatePublishQoS1:
		err := core.sendPublish(client, m)
		if isOversize(err) {
			core.removeOutgoing(client, m)
			return nil
		}
		if err != nil {
			return err
		}
		m.Dup = true
		m.State = StateWaitForPuback
		return nil

	case StatePublishQoS2:
		err := core.sendPublish(client, m)
		if isOversize(err) {
			core.removeOutgoing(client, m)
			return nil
		}
		if err != nil {
			return err
		}
		m.Dup = true
		m.State = StateWaitForPubrec
		return nil

	case StateResendPubrel:
		if err := core.Transport.SendPubrel(client.ID, m.Mid); err != nil {
			return err
		}
		m.State = StateWaitForPubcomp
		return nil

	default:
		return nil
	}
}

func (core *Core) sendPublish(client *Client, m *ClientMessage) error {
	var expiry uint32
	if m.Base.ExpiryTime > 0 {
		remaining := m.Base.ExpiryTime - core.Clock.NowRealS()
		if remaining > 0 {
			expiry = uint32(remaining)
		}
	}
	return core.Transport.SendPublish(client.ID, m.Mid, m.Base.Topic, m.Base.Payload, m.QoS, m.Retain, m.Dup, m.SubscriptionIdentifier, m.Base.Properties, expiry)
}

// WriteInflightOutLatest scans inflight from the tail leftward while state
// is still in the publish set, then writes forward from that pivot — so
// only the newly-admitted tail is sent, leaving already-unacked earlier
// messages untouched.
func (core *Core) WriteInflightOutLatest(client *Client) {
	state := client.MsgsOut
	pivot := state.tail(LaneInflight)
	for pivot != nil && isPublishState(pivot.State) {
		prev := pivot.prev
		if prev == nil || !isPublishState(prev.State) {
			break
		}
		pivot = prev
	}
	for m := pivot; m != nil; {
		next := m.next
		if isPublishState(m.State) {
			_ = core.WriteInflightOutSingle(client, m)
		}
		m = next
	}
}

// WriteInflightOutAll walks the whole inflight list, writing each entry.
func (core *Core) WriteInflightOutAll(client *Client, state *ClientDeliveryState) {
	state.walk(LaneInflight, func(m *ClientMessage) bool {
		_ = core.WriteInflightOutSingle(client, m)
		return true
	})
}

// WriteQueuedIn promotes head-of-queued QoS 2 incoming messages to
// wait_for_pubrel while receive quota allows, sending PUBREC for each.
func (core *Core) WriteQueuedIn(client *Client) {
	state := client.MsgsIn
	for {
		m := state.head(LaneQueued)
		if m == nil || state.InflightMaximum > 0 && state.InflightQuota <= 0 {
			return
		}
		m.State = StateSendPubrec
		DequeueFirst(state)
		if err := core.Transport.SendPubrec(client.ID, m.Mid, 0); err != nil {
			return
		}
		m.State = StateWaitForPubrel
	}
}

// WriteQueuedOut promotes queued outgoing messages to inflight while
// admission allows, notifying persistence for each.
func (core *Core) WriteQueuedOut(client *Client) {
	state := client.MsgsOut
	for {
		m := state.head(LaneQueued)
		if m == nil || !client.Policy.ReadyForFlight(state, DirOut, m.QoS, client.OutPacketCount) {
			return
		}
		DequeueFirst(state)
		m.State = stateFor(DirOut, m.QoS)
		if client.IsPersisted && core.Persist != nil {
			_ = core.Persist.UpdateClientMessage(client.ID, m)
		}
	}
}

func isPublishState(s State) bool {
	switch s {
	case StatePublishQoS0, StatePublishQoS1, StatePublishQoS2:
		return true
	default:
		return false
	}
}

func (core *Core) removeOutgoing(client *Client, m *ClientMessage) {
	removeFromLane(client.MsgsOut, m)
	core.freeClientMessage(client, m)
}

func (core *Core) freeClientMessage(client *Client, m *ClientMessage) {
	if client.IsPersisted && core.Persist != nil {
		_ = core.Persist.DeleteClientMessage(client.ID, m.CmsgID)
	}
	core.Store.RefDec(&m.Base)
}

func removeFromLane(state *ClientDeliveryState, m *ClientMessage) {
	lane := m.lane
	state.unlink(m)
	if lane == LaneInflight {
		removeInflight(state, m)
	} else {
		removeQueued(state, m)
	}
}

func isOversize(err error) bool {
	return err != nil && errIs(err, er.ErrOversizePacket)
}

package delivery

import "github.com/nyxmq/broker/internal/packet"

// InsertResult is the outcome of an insertion attempt.
type InsertResult uint8

const (
	InsertOk InsertResult = iota
	InsertDropped
)

// Core is the delivery engine's per-process collaborators: everything
// insert/dequeue/ack/reconnect/expiry need beyond the client they're
// operating on.
type Core struct {
	Store    *MessageStore
	Transport Transport
	Quota    QuotaAdjuster
	Persist  Persistence
	Clock    Clock
	IDGen    *IdGen
}

// InsertOutgoing admits a message for delivery to client in the outgoing
// direction, following the duplicate-suppression, offline-gating,
// admission, and accounting steps in order.
func (core *Core) InsertOutgoing(client *Client, cmsgID uint64, mid uint16, qos packet.QoSLevel, retain bool, base *BaseMessage, subID uint32, update bool) (InsertResult, error) {
	// 1. Duplicate suppression.
	if !client.ProtocolVersion5 && !client.AllowDuplicates && !retain {
		if base.HasBeenSentTo(client.ID) {
			return InsertOk, nil
		}
	}

	qos = client.effectiveQoS(qos)

	// 2. Offline gating.
	if !client.Connected {
		if qos == packet.QoSAtMostOnce && !client.Policy.QueueQoS0 && !client.BridgeLazy {
			client.IsDropping = true
			return InsertDropped, nil
		}
		if client.IsBridge && client.CleanStartLocal {
			client.IsDropping = true
			return InsertDropped, nil
		}
	}

	// 3. Choose a lane.
	var lane Lane
	if client.Connected {
		if client.Policy.ReadyForFlight(client.MsgsOut, DirOut, qos, client.OutPacketCount) {
			lane = LaneInflight
		} else if qos > packet.QoSAtMostOnce && client.Policy.ReadyForQueue(client.MsgsOut, qos, client.Connected) {
			lane = LaneQueued
		} else {
			client.IsDropping = true
			return InsertDropped, nil
		}
	} else {
		if client.Policy.ReadyForQueue(client.MsgsOut, qos, client.Connected) {
			lane = LaneQueued
		} else {
			client.IsDropping = true
			return InsertDropped, nil
		}
	}

	// 4. Allocate the ClientMessage.
	m := &ClientMessage{
		Base:                   base,
		CmsgID:                 client.nextCmsgID(cmsgID),
		Mid:                    mid,
		Direction:              DirOut,
		QoS:                    qos,
		Retain:                 retain,
		SubscriptionIdentifier: subID,
	}
	if lane == LaneInflight {
		m.State = stateFor(DirOut, qos)
	} else {
		m.State = StateQueued
	}
	core.Store.RefInc(base)

	// 5. Splice in and account.
	if lane == LaneInflight {
		client.MsgsOut.pushBack(LaneInflight, m)
		addInflight(client.MsgsOut, m)
	} else {
		client.MsgsOut.pushBack(LaneQueued, m)
		addQueued(client.MsgsOut, m)
	}
	if update && client.IsPersisted && core.Persist != nil {
		_ = core.Persist.AddBaseMessage(base)
		_ = core.Persist.AddClientMessage(client.ID, m)
	}

	// 6. Duplicate-suppression bookkeeping.
	if !retain {
		base.MarkSentTo(client.ID)
	}

	// 7. Quota.
	if lane == LaneInflight && qos > packet.QoSAtMostOnce {
		client.MsgsOut.InflightQuota--
		if core.Quota != nil {
			core.Quota.DecrementSendQuota(client.ID)
		}
	}

	// 8. Drain.
	if update {
		core.WriteInflightOutLatest(client)
	}

	return InsertOk, nil
}

// InsertIncoming admits a QoS 2 publish awaiting PUBREL into msgs_in.
func (core *Core) InsertIncoming(client *Client, cmsgID uint64, mid uint16, base *BaseMessage, update bool) (InsertResult, error) {
	qos := packet.QoSExactlyOnce

	var lane Lane
	if client.Policy.ReadyForFlight(client.MsgsIn, DirIn, qos, 0) {
		lane = LaneInflight
	} else if client.Policy.ReadyForQueue(client.MsgsIn, qos, client.Connected) {
		lane = LaneQueued
	} else {
		client.IsDropping = true
		return InsertDropped, nil
	}

	m := &ClientMessage{
		Base:      base,
		CmsgID:    client.nextCmsgID(cmsgID),
		Mid:       mid,
		Direction: DirIn,
		QoS:       qos,
	}
	if lane == LaneInflight {
		m.State = stateFor(DirIn, qos)
	} else {
		m.State = StateQueued
	}
	core.Store.RefInc(base)

	if lane == LaneInflight {
		client.MsgsIn.pushBack(LaneInflight, m)
		addInflight(client.MsgsIn, m)
		client.MsgsIn.InflightQuota--
		if core.Quota != nil {
			core.Quota.DecrementReceiveQuota(client.ID)
		}
	} else {
		client.MsgsIn.pushBack(LaneQueued, m)
		addQueued(client.MsgsIn, m)
	}

	if update && client.IsPersisted && core.Persist != nil {
		_ = core.Persist.AddBaseMessage(base)
		_ = core.Persist.AddClientMessage(client.ID, m)
	}

	return InsertOk, nil
}

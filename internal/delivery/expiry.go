package delivery

import "github.com/nyxmq/broker/internal/packet"

// ExpireAllMessages walks all four lanes (in/out × inflight/queued) and
// removes any ClientMessage whose BaseMessage has a non-zero expiry_time
// in the past. Outgoing-inflight qos>0 restores send quota; incoming-
// inflight qos>0 restores receive quota. Queue-side removals never touch
// quota. Called on session reload and periodically by the housekeeping
// loop.
func (core *Core) ExpireAllMessages(client *Client) {
	now := core.Clock.NowRealS()

	expireLane(client, client.MsgsOut, LaneInflight, now, func(m *ClientMessage) {
		if m.QoS > packet.QoSAtMostOnce {
			client.MsgsOut.InflightQuota++
			if core.Quota != nil {
				core.Quota.IncrementSendQuota(client.ID)
			}
		}
	}, core)
	expireLane(client, client.MsgsOut, LaneQueued, now, nil, core)

	expireLane(client, client.MsgsIn, LaneInflight, now, func(m *ClientMessage) {
		if m.QoS > packet.QoSAtMostOnce {
			client.MsgsIn.InflightQuota++
			if core.Quota != nil {
				core.Quota.IncrementReceiveQuota(client.ID)
			}
		}
	}, core)
	expireLane(client, client.MsgsIn, LaneQueued, now, nil, core)
}

func expireLane(client *Client, state *ClientDeliveryState, lane Lane, now int64, onRemove func(*ClientMessage), core *Core) {
	state.walk(lane, func(m *ClientMessage) bool {
		if m.Base.ExpiryTime == 0 || m.Base.ExpiryTime >= now {
			return true
		}
		removeFromLane(state, m)
		if onRemove != nil {
			onRemove(m)
		}
		core.freeClientMessage(client, m)
		return true
	})
}

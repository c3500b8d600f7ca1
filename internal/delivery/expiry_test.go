package delivery

import (
	"testing"

	"github.com/nyxmq/broker/internal/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpireAllMessages_OutgoingInflightRestoresSendQuota(t *testing.T) {
	core, _, _, quota := newTestCore()
	client := NewClient("c1", 10, AdmissionPolicy{MaxInflightBytes: 1000}, packet.QoSExactlyOnce)
	client.Connected = true

	base := newTestBase(core, "a/b", []byte("x"), packet.QoSAtLeastOnce, false)
	base.ExpiryTime = 500 // before the fake clock's now=1000
	_, err := core.InsertOutgoing(client, 0, 1, packet.QoSAtLeastOnce, false, base, 0, true)
	require.NoError(t, err)
	require.Equal(t, 1, client.MsgsOut.count(LaneInflight))
	require.Equal(t, -1, quota.send["c1"])

	core.ExpireAllMessages(client)

	assert.Equal(t, 0, client.MsgsOut.count(LaneInflight), "an expired inflight entry is removed")
	assert.Equal(t, 0, quota.send["c1"], "expiring an outgoing inflight qos>0 entry restores the send quota it held")
}

func TestExpireAllMessages_IncomingInflightRestoresReceiveQuota(t *testing.T) {
	core, _, _, quota := newTestCore()
	client := NewClient("pub", 10, AdmissionPolicy{MaxInflightBytes: 1000}, packet.QoSExactlyOnce)
	client.Connected = true

	res, err := core.AdmitIncoming(client, 1, "a/b", []byte("x"), false, nil)
	require.NoError(t, err)
	require.Equal(t, InsertOk, res)
	m := findByMid(client.MsgsIn, LaneInflight, 1)
	require.NotNil(t, m)
	m.Base.ExpiryTime = 1
	require.Equal(t, -1, quota.recv["pub"])

	core.ExpireAllMessages(client)

	assert.Nil(t, findByMid(client.MsgsIn, LaneInflight, 1))
	assert.Equal(t, 0, quota.recv["pub"], "expiring an incoming inflight qos2 entry restores the receive quota it held")
}

func TestExpireAllMessages_QueuedRemovalDoesNotTouchQuota(t *testing.T) {
	core, _, _, quota := newTestCore()
	client := NewClient("c1", 1, AdmissionPolicy{MaxQueuedMessages: 10, MaxQueuedBytes: 1000, MaxInflightBytes: 1000}, packet.QoSExactlyOnce)
	client.Connected = false

	base1 := newTestBase(core, "a/1", []byte("x"), packet.QoSAtLeastOnce, false)
	_, err := core.InsertOutgoing(client, 0, 1, packet.QoSAtLeastOnce, false, base1, 0, true)
	require.NoError(t, err)

	base2 := newTestBase(core, "a/2", []byte("y"), packet.QoSAtLeastOnce, false)
	base2.ExpiryTime = 1
	_, err = core.InsertOutgoing(client, 0, 2, packet.QoSAtLeastOnce, false, base2, 0, true)
	require.NoError(t, err)
	require.Equal(t, 2, client.MsgsOut.count(LaneQueued))

	core.ExpireAllMessages(client)

	assert.Equal(t, 1, client.MsgsOut.count(LaneQueued), "only the expired queued entry is removed")
	assert.Equal(t, 0, quota.send["c1"], "queue-side expiry never touches send/receive quota")
}

func TestExpireAllMessages_NonExpiringEntriesSurvive(t *testing.T) {
	core, _, _, _ := newTestCore()
	client := NewClient("c1", 10, AdmissionPolicy{MaxInflightBytes: 1000}, packet.QoSExactlyOnce)
	client.Connected = true

	base := newTestBase(core, "a/b", []byte("x"), packet.QoSAtLeastOnce, false)
	_, err := core.InsertOutgoing(client, 0, 1, packet.QoSAtLeastOnce, false, base, 0, true)
	require.NoError(t, err)

	core.ExpireAllMessages(client)

	assert.Equal(t, 1, client.MsgsOut.count(LaneInflight), "an entry with expiry_time 0 never expires")
}

package delivery

import (
	"testing"

	"github.com/nyxmq/broker/internal/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertOutgoing_DuplicateSuppression(t *testing.T) {
	core, _, _, _ := newTestCore()
	client := NewClient("c1", 10, AdmissionPolicy{MaxQueuedMessages: 10, MaxQueuedBytes: 1000, MaxInflightBytes: 1000}, packet.QoSExactlyOnce)
	client.Connected = true
	base := newTestBase(core, "a/b", []byte("x"), packet.QoSAtLeastOnce, false)

	res, err := core.InsertOutgoing(client, 0, 1, packet.QoSAtLeastOnce, false, base, 0, true)
	require.NoError(t, err)
	assert.Equal(t, InsertOk, res)
	assert.Equal(t, 1, client.MsgsOut.count(LaneInflight))

	// Second delivery attempt of the same base to the same client is
	// suppressed, not re-queued.
	res, err = core.InsertOutgoing(client, 0, 2, packet.QoSAtLeastOnce, false, base, 0, true)
	require.NoError(t, err)
	assert.Equal(t, InsertOk, res)
	assert.Equal(t, 1, client.MsgsOut.count(LaneInflight), "duplicate delivery must not add a second entry")
}

func TestInsertOutgoing_RetainedMessageBypassesDuplicateSuppression(t *testing.T) {
	core, _, _, _ := newTestCore()
	client := NewClient("c1", 10, AdmissionPolicy{MaxQueuedMessages: 10, MaxQueuedBytes: 1000, MaxInflightBytes: 1000}, packet.QoSExactlyOnce)
	client.Connected = true
	base := newTestBase(core, "a/b", []byte("x"), packet.QoSAtLeastOnce, true)

	_, err := core.InsertOutgoing(client, 0, 1, packet.QoSAtLeastOnce, true, base, 0, true)
	require.NoError(t, err)
	_, err = core.InsertOutgoing(client, 0, 2, packet.QoSAtLeastOnce, true, base, 0, true)
	require.NoError(t, err)
	assert.Equal(t, 2, client.MsgsOut.count(LaneInflight), "retained deliveries are not subject to dest_ids suppression")
}

func TestInsertOutgoing_OfflineQoS0DroppedWithoutQueueQoS0(t *testing.T) {
	core, _, _, _ := newTestCore()
	client := NewClient("c1", 10, AdmissionPolicy{MaxQueuedMessages: 10, MaxQueuedBytes: 1000}, packet.QoSExactlyOnce)
	client.Connected = false
	base := newTestBase(core, "a/b", []byte("x"), packet.QoSAtMostOnce, false)

	res, err := core.InsertOutgoing(client, 0, 1, packet.QoSAtMostOnce, false, base, 0, true)
	require.NoError(t, err)
	assert.Equal(t, InsertDropped, res)
	assert.True(t, client.IsDropping)
}

func TestInsertOutgoing_OfflineQueuesWhenAdmissible(t *testing.T) {
	core, _, _, _ := newTestCore()
	client := NewClient("c1", 10, AdmissionPolicy{MaxQueuedMessages: 10, MaxQueuedBytes: 1000, MaxInflightBytes: 1000}, packet.QoSExactlyOnce)
	client.Connected = false
	base := newTestBase(core, "a/b", []byte("x"), packet.QoSAtLeastOnce, false)

	res, err := core.InsertOutgoing(client, 0, 1, packet.QoSAtLeastOnce, false, base, 0, true)
	require.NoError(t, err)
	assert.Equal(t, InsertOk, res)
	assert.Equal(t, 1, client.MsgsOut.count(LaneQueued))
	assert.Equal(t, 0, client.MsgsOut.count(LaneInflight))
}

func TestInsertOutgoing_OfflineQueueAtCapDropsFurtherMessages(t *testing.T) {
	core, _, _, _ := newTestCore()
	policy := AdmissionPolicy{MaxQueuedMessages: 1, MaxQueuedBytes: 1000}
	client := NewClient("c1", 0, policy, packet.QoSExactlyOnce)
	client.Connected = false

	base1 := newTestBase(core, "a/b", []byte("x"), packet.QoSAtLeastOnce, false)
	res, err := core.InsertOutgoing(client, 0, 1, packet.QoSAtLeastOnce, false, base1, 0, true)
	require.NoError(t, err)
	assert.Equal(t, InsertOk, res)
	assert.Equal(t, 1, client.MsgsOut.count(LaneQueued))

	base2 := newTestBase(core, "a/c", []byte("y"), packet.QoSAtLeastOnce, false)
	res, err = core.InsertOutgoing(client, 0, 2, packet.QoSAtLeastOnce, false, base2, 0, true)
	require.NoError(t, err)
	assert.Equal(t, InsertDropped, res, "queue is already at MaxQueuedMessages, so the second message must drop")
	assert.True(t, client.IsDropping)
}

func TestInsertIncoming_ParksInMsgsInAwaitingPubrel(t *testing.T) {
	core, _, _, quota := newTestCore()
	client := NewClient("pub1", 10, AdmissionPolicy{MaxQueuedMessages: 10, MaxQueuedBytes: 1000, MaxInflightBytes: 1000}, packet.QoSExactlyOnce)
	client.Connected = true
	base := newTestBase(core, "a/b", []byte("x"), packet.QoSExactlyOnce, false)

	res, err := core.InsertIncoming(client, 0, 42, base, true)
	require.NoError(t, err)
	assert.Equal(t, InsertOk, res)
	assert.Equal(t, 1, client.MsgsIn.count(LaneInflight))
	assert.Equal(t, -1, quota.recv["pub1"])

	m := findByMid(client.MsgsIn, LaneInflight, 42)
	require.NotNil(t, m, "InsertIncoming must set Mid so findByMid can locate it on PUBREL")
	assert.Equal(t, StateWaitForPubrel, m.State)
}

func TestAdmitIncoming_DoesNotFanOutUntilRelease(t *testing.T) {
	core, _, matcher, _ := newTestCore()
	client := NewClient("pub1", 10, AdmissionPolicy{MaxQueuedMessages: 10, MaxQueuedBytes: 1000, MaxInflightBytes: 1000}, packet.QoSExactlyOnce)
	client.Connected = true

	res, err := core.AdmitIncoming(client, 7, "a/b", []byte("payload"), false, nil)
	require.NoError(t, err)
	assert.Equal(t, InsertOk, res)
	assert.Empty(t, matcher.calls, "a QoS2 publish must not fan out before PUBREL arrives")

	m := findByMid(client.MsgsIn, LaneInflight, 7)
	require.NotNil(t, m)

	require.NoError(t, core.MessageReleaseIncoming(client, 7, matcher))
	require.Len(t, matcher.calls, 1, "PUBREL must trigger exactly one fan-out of the parked message")
	assert.Equal(t, "a/b", matcher.calls[0].topic)
}

package delivery

import (
	"testing"

	"github.com/nyxmq/broker/internal/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQoS1Handshake_PubackDeletesAndDrainsQueued(t *testing.T) {
	core, transport, _, quota := newTestCore()
	client := NewClient("c1", 1, AdmissionPolicy{MaxQueuedMessages: 10, MaxQueuedBytes: 1000, MaxInflightBytes: 1000}, packet.QoSExactlyOnce)
	client.Connected = true
	transport.connected["c1"] = true

	base1 := newTestBase(core, "a/1", []byte("one"), packet.QoSAtLeastOnce, false)
	_, err := core.InsertOutgoing(client, 0, 1, packet.QoSAtLeastOnce, false, base1, 0, true)
	require.NoError(t, err)

	// InflightMaximum is 1, so a second QoS1 message must queue, not fly.
	base2 := newTestBase(core, "a/2", []byte("two"), packet.QoSAtLeastOnce, false)
	_, err = core.InsertOutgoing(client, 0, 2, packet.QoSAtLeastOnce, false, base2, 0, true)
	require.NoError(t, err)
	assert.Equal(t, 1, client.MsgsOut.count(LaneInflight))
	assert.Equal(t, 1, client.MsgsOut.count(LaneQueued))

	require.NoError(t, core.WriteInflightOutSingle(client, findByMid(client.MsgsOut, LaneInflight, 1)))
	require.Len(t, transport.publishes, 1)
	assert.Equal(t, uint16(1), transport.publishes[0].mid)

	require.NoError(t, core.MessageDeleteOutgoing(client, 1, StateWaitForPuback, packet.QoSAtLeastOnce))

	assert.Equal(t, 1, client.MsgsOut.count(LaneInflight), "the queued message must have been promoted to inflight")
	assert.Equal(t, 0, client.MsgsOut.count(LaneQueued))
	assert.Equal(t, 0, quota.send["c1"], "the ack's quota release nets out the earlier decrement; draining a queued entry doesn't decrement again")
}

func TestQoS2Handshake_PublishPubrecPubrelPubcomp(t *testing.T) {
	core, transport, matcher, quota := newTestCore()
	publisher := NewClient("pub", 10, AdmissionPolicy{MaxQueuedMessages: 10, MaxQueuedBytes: 1000, MaxInflightBytes: 1000}, packet.QoSExactlyOnce)
	publisher.Connected = true

	res, err := core.AdmitIncoming(publisher, 55, "a/b", []byte("payload"), false, nil)
	require.NoError(t, err)
	assert.Equal(t, InsertOk, res)
	assert.Equal(t, -1, quota.recv["pub"])

	require.NoError(t, core.MessageReleaseIncoming(publisher, 55, matcher))
	require.Len(t, matcher.calls, 1)
	assert.Equal(t, 0, quota.recv["pub"], "releasing restores the receive-quota slot AdmitIncoming consumed")
	assert.Nil(t, findByMid(publisher.MsgsIn, LaneInflight, 55), "the parked entry is gone once released")

	// Now simulate the fan-out side: a subscriber receiving that QoS2
	// message outbound through PUBREC/PUBCOMP.
	sub := NewClient("sub", 10, AdmissionPolicy{MaxQueuedMessages: 10, MaxQueuedBytes: 1000, MaxInflightBytes: 1000}, packet.QoSExactlyOnce)
	sub.Connected = true
	transport.connected["sub"] = true

	base := matcher.calls[0].base
	_, err = core.InsertOutgoing(sub, 0, 9, packet.QoSExactlyOnce, false, base, 0, true)
	require.NoError(t, err)

	m := findByMid(sub.MsgsOut, LaneInflight, 9)
	require.NotNil(t, m)
	require.NoError(t, core.WriteInflightOutSingle(sub, m))
	assert.Equal(t, StateWaitForPubrec, m.State)

	require.NoError(t, core.MessageUpdateOutgoing(sub, 9, StateWaitForPubrel, packet.QoSExactlyOnce))
	require.NoError(t, transport.SendPubrel("sub", 9))
	require.NoError(t, core.MessageUpdateOutgoing(sub, 9, StateWaitForPubcomp, packet.QoSExactlyOnce))

	require.NoError(t, core.MessageDeleteOutgoing(sub, 9, StateWaitForPubcomp, packet.QoSExactlyOnce))
	assert.Equal(t, 0, sub.MsgsOut.count(LaneInflight))
	assert.Equal(t, 0, quota.send["sub"], "the decrement on send and the increment on final ack net to zero")
}

func TestMessageDeleteOutgoing_QoSMismatchRejected(t *testing.T) {
	core, _, _, _ := newTestCore()
	client := NewClient("c1", 10, AdmissionPolicy{MaxInflightBytes: 1000}, packet.QoSExactlyOnce)
	client.Connected = true
	base := newTestBase(core, "a/b", []byte("x"), packet.QoSAtLeastOnce, false)
	_, err := core.InsertOutgoing(client, 0, 1, packet.QoSAtLeastOnce, false, base, 0, true)
	require.NoError(t, err)

	err = core.MessageDeleteOutgoing(client, 1, StateWaitForPuback, packet.QoSExactlyOnce)
	assert.Error(t, err, "acking a QoS1 delivery as QoS2 must be rejected as a protocol mismatch")
}

func TestMessageRemoveIncoming_InvalidPubrel(t *testing.T) {
	core, _, _, _ := newTestCore()
	client := NewClient("pub", 10, AdmissionPolicy{MaxInflightBytes: 1000}, packet.QoSExactlyOnce)

	err := core.MessageRemoveIncoming(client, 999)
	assert.Error(t, err, "removing a mid that was never parked must report not-found")
}

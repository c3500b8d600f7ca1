package delivery

import (
	"testing"

	"github.com/nyxmq/broker/internal/packet"
	"github.com/nyxmq/broker/pkg/er"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDequeueFirst_PreservesInsertionOrder(t *testing.T) {
	core, _, _, _ := newTestCore()
	client := NewClient("c1", 0, AdmissionPolicy{MaxQueuedMessages: 10, MaxQueuedBytes: 1000}, packet.QoSExactlyOnce)
	client.Connected = false

	for i := 1; i <= 3; i++ {
		base := newTestBase(core, "a/b", []byte("x"), packet.QoSAtLeastOnce, false)
		_, err := core.InsertOutgoing(client, 0, uint16(i), packet.QoSAtLeastOnce, false, base, 0, true)
		require.NoError(t, err)
	}
	require.Equal(t, 3, client.MsgsOut.count(LaneQueued))

	first := DequeueFirst(client.MsgsOut)
	require.NotNil(t, first)
	assert.Equal(t, uint16(1), first.Mid, "queue drains strictly head-to-tail, preserving publisher ordering")

	second := DequeueFirst(client.MsgsOut)
	require.NotNil(t, second)
	assert.Equal(t, uint16(2), second.Mid)
}

func TestDequeueFirst_EmptyQueueReturnsNil(t *testing.T) {
	client := NewClient("c1", 0, AdmissionPolicy{}, packet.QoSExactlyOnce)
	assert.Nil(t, DequeueFirst(client.MsgsOut))
}

func TestWriteInflightOutSingle_QoS0SendsThenRemoves(t *testing.T) {
	core, transport, _, _ := newTestCore()
	client := NewClient("c1", 0, AdmissionPolicy{MaxInflightBytes: 1000}, packet.QoSExactlyOnce)
	client.Connected = true
	transport.connected["c1"] = true
	base := newTestBase(core, "a/b", []byte("x"), packet.QoSAtMostOnce, false)

	_, err := core.InsertOutgoing(client, 0, 0, packet.QoSAtMostOnce, false, base, 0, true)
	require.NoError(t, err)

	// QoS 0 has no ack to wait for: it's sent and removed by the time
	// InsertOutgoing's own drain call returns.
	assert.Equal(t, 0, client.MsgsOut.count(LaneInflight))
	require.Len(t, transport.publishes, 1)
	assert.Equal(t, "a/b", transport.publishes[0].topic)
}

func TestWriteInflightOutSingle_OversizeQoS1DropsWithoutError(t *testing.T) {
	core, transport, _, _ := newTestCore()
	client := NewClient("c1", 10, AdmissionPolicy{MaxInflightBytes: 1000}, packet.QoSExactlyOnce)
	client.Connected = true
	base := newTestBase(core, "a/b", []byte("x"), packet.QoSAtLeastOnce, false)

	m := &ClientMessage{Base: base, Mid: 1, Direction: DirOut, QoS: packet.QoSAtLeastOnce, State: StatePublishQoS1}
	core.Store.RefInc(base)
	client.MsgsOut.pushBack(LaneInflight, m)
	addInflight(client.MsgsOut, m)

	transport.failNext = &er.Err{Context: "test", Message: er.ErrOversizePacket}
	err := core.WriteInflightOutSingle(client, m)
	assert.NoError(t, err, "an oversize packet is dropped silently, not surfaced as an error")
	assert.Equal(t, 0, client.MsgsOut.count(LaneInflight))
}

func TestWriteQueuedIn_PromotesWhileQuotaAllows(t *testing.T) {
	core, transport, _, _ := newTestCore()
	client := NewClient("pub", 1, AdmissionPolicy{MaxQueuedMessages: 10, MaxQueuedBytes: 1000, MaxInflightBytes: 1000}, packet.QoSExactlyOnce)
	client.Connected = true

	_, err := core.AdmitIncoming(client, 1, "a/b", []byte("x"), false, nil)
	require.NoError(t, err)
	// Second publish exceeds InflightMaximum 1, so it must queue.
	_, err = core.AdmitIncoming(client, 2, "a/c", []byte("y"), false, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, client.MsgsIn.count(LaneInflight))
	assert.Equal(t, 1, client.MsgsIn.count(LaneQueued))

	core.WriteQueuedIn(client)
	// Quota is still exhausted by the first parked message, so the queued
	// one stays put until a PUBREL frees a slot.
	assert.Equal(t, 1, client.MsgsIn.count(LaneQueued))
	assert.Empty(t, transport.pubrecs)
}

func TestWriteQueuedOut_PromotesUntilAdmissionStops(t *testing.T) {
	core, _, _, _ := newTestCore()
	client := NewClient("c1", 1, AdmissionPolicy{MaxQueuedMessages: 10, MaxQueuedBytes: 1000, MaxInflightBytes: 1000}, packet.QoSExactlyOnce)
	client.Connected = false

	for i := 1; i <= 2; i++ {
		base := newTestBase(core, "a/b", []byte("x"), packet.QoSAtLeastOnce, false)
		_, err := core.InsertOutgoing(client, 0, uint16(i), packet.QoSAtLeastOnce, false, base, 0, true)
		require.NoError(t, err)
	}
	require.Equal(t, 2, client.MsgsOut.count(LaneQueued))

	client.Connected = true
	core.WriteQueuedOut(client)

	assert.Equal(t, 1, client.MsgsOut.count(LaneInflight), "only one fits under InflightMaximum 1")
	assert.Equal(t, 1, client.MsgsOut.count(LaneQueued))
}

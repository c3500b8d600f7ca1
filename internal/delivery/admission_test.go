package delivery

import (
	"testing"

	"github.com/nyxmq/broker/internal/packet"
	"github.com/stretchr/testify/assert"
)

func TestReadyForFlight_QoS0UsesQueuedByteBudget(t *testing.T) {
	policy := &AdmissionPolicy{MaxQueuedMessages: 10, MaxQueuedBytes: 100, MaxInflightBytes: 50}
	state := newClientDeliveryState(5)

	state.InflightBytes = 40
	assert.True(t, policy.ReadyForFlight(state, DirOut, packet.QoSAtMostOnce, 0),
		"QoS0 admission compares inflight bytes beyond max_inflight_bytes against max_queued_bytes")

	state.InflightBytes = 200
	assert.False(t, policy.ReadyForFlight(state, DirOut, packet.QoSAtMostOnce, 0))
}

func TestReadyForFlight_QoS12UsesInflightByteBudget(t *testing.T) {
	policy := &AdmissionPolicy{MaxQueuedMessages: 10, MaxQueuedBytes: 20, MaxInflightBytes: 100}
	state := newClientDeliveryState(5)
	state.InflightQuota = 5

	state.InflightBytes12 = 50
	assert.True(t, policy.ReadyForFlight(state, DirOut, packet.QoSAtLeastOnce, 0),
		"QoS1/2 admission reads max_inflight_bytes, not max_queued_bytes")

	state.InflightBytes12 = 150
	assert.False(t, policy.ReadyForFlight(state, DirOut, packet.QoSAtLeastOnce, 0))
}

func TestReadyForFlight_QoS12RespectsInflightQuota(t *testing.T) {
	policy := &AdmissionPolicy{MaxInflightBytes: 1000}
	state := newClientDeliveryState(1)
	state.InflightQuota = 0

	assert.False(t, policy.ReadyForFlight(state, DirOut, packet.QoSAtLeastOnce, 0))
}

func TestReadyForFlight_UnboundedWhenNoLimitsConfigured(t *testing.T) {
	policy := &AdmissionPolicy{}
	state := newClientDeliveryState(0)
	assert.True(t, policy.ReadyForFlight(state, DirOut, packet.QoSAtMostOnce, 0))
	assert.True(t, policy.ReadyForFlight(state, DirOut, packet.QoSExactlyOnce, 0))
}

func TestReadyForQueue_QoS0DroppedUnlessQueueQoS0Set(t *testing.T) {
	policy := &AdmissionPolicy{MaxQueuedMessages: 10, MaxQueuedBytes: 100}
	state := newClientDeliveryState(1)

	assert.False(t, policy.ReadyForQueue(state, packet.QoSAtMostOnce, true),
		"QoS0 must never queue unless QueueQoS0 is set")

	policy.QueueQoS0 = true
	assert.True(t, policy.ReadyForQueue(state, packet.QoSAtMostOnce, true))
}

func TestReadyForQueue_ConnectedClientGetsInflightHeadroomCreditedBack(t *testing.T) {
	policy := &AdmissionPolicy{MaxQueuedMessages: 5, MaxQueuedBytes: 1000}
	state := newClientDeliveryState(3)
	state.QueuedCount12 = 6

	assert.False(t, policy.ReadyForQueue(state, packet.QoSAtLeastOnce, false),
		"a disconnected client has no inflight ceiling to credit back against queue sizing")

	assert.True(t, policy.ReadyForQueue(state, packet.QoSAtLeastOnce, true),
		"a connected client's own inflight ceiling is credited back, loosening the check")
}

func TestReadyForQueue_UnboundedWhenNoQueueLimitsConfigured(t *testing.T) {
	policy := &AdmissionPolicy{}
	state := newClientDeliveryState(0)
	assert.True(t, policy.ReadyForQueue(state, packet.QoSAtLeastOnce, true))
}

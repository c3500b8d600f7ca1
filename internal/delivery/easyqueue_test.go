package delivery

import (
	"testing"

	"github.com/nyxmq/broker/internal/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEasyQueue_ClientOriginSetsOriginAndSourceID(t *testing.T) {
	core, _, matcher, _ := newTestCore()

	err := core.EasyQueue("pub1", "a/b", packet.QoSAtLeastOnce, []byte("hello"), false, 0, nil, matcher)
	require.NoError(t, err)
	require.Len(t, matcher.calls, 1)

	call := matcher.calls[0]
	assert.Equal(t, "pub1", call.sourceID)
	assert.Equal(t, "a/b", call.topic)
	assert.Equal(t, OriginClient, call.base.Origin)
	assert.Equal(t, "pub1", call.base.SourceID)
}

func TestEasyQueue_EmptySourceIDMeansBrokerOrigin(t *testing.T) {
	core, _, matcher, _ := newTestCore()

	err := core.EasyQueue("", "$SYS/uptime", packet.QoSAtMostOnce, []byte("42"), true, 0, nil, matcher)
	require.NoError(t, err)
	require.Len(t, matcher.calls, 1)
	assert.Equal(t, OriginBroker, matcher.calls[0].base.Origin, "a broker-local republish with no source client carries broker origin")
}

func TestEasyQueue_ExpirySecondsComputedFromClock(t *testing.T) {
	core, _, matcher, _ := newTestCore()

	err := core.EasyQueue("pub1", "a/b", packet.QoSAtMostOnce, nil, false, 30, nil, matcher)
	require.NoError(t, err)
	require.Len(t, matcher.calls, 1)
	assert.Equal(t, int64(1030), matcher.calls[0].base.ExpiryTime, "expiry is the fake clock's now (1000) plus the requested ttl")
}

func TestEasyQueue_ZeroExpirySecondsNeverExpires(t *testing.T) {
	core, _, matcher, _ := newTestCore()

	err := core.EasyQueue("pub1", "a/b", packet.QoSAtMostOnce, nil, false, 0, nil, matcher)
	require.NoError(t, err)
	assert.Equal(t, int64(0), matcher.calls[0].base.ExpiryTime)
}

func TestEasyQueue_AddsToStoreBeforeQueueing(t *testing.T) {
	core, _, matcher, _ := newTestCore()

	err := core.EasyQueue("pub1", "a/b", packet.QoSAtMostOnce, nil, false, 0, nil, matcher)
	require.NoError(t, err)

	got, ok := core.Store.Get(matcher.calls[0].base.ID)
	assert.True(t, ok, "EasyQueue must register the base message in the store before handing it to the matcher")
	assert.Same(t, matcher.calls[0].base, got)
}

func TestEasyQueue_MatcherErrorPropagates(t *testing.T) {
	core, _, matcher, _ := newTestCore()
	matcher.err = assert.AnError

	err := core.EasyQueue("pub1", "a/b", packet.QoSAtMostOnce, nil, false, 0, nil, matcher)
	assert.ErrorIs(t, err, assert.AnError)
}

package delivery

import (
	"testing"

	"github.com/nyxmq/broker/internal/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageStore_AddThenGet(t *testing.T) {
	store := NewMessageStore(nil)
	base := NewBaseMessage("a/b", []byte("x"), packet.QoSAtLeastOnce, false, OriginClient)
	base.ID = 1

	require.NoError(t, store.Add(base))
	got, ok := store.Get(1)
	assert.True(t, ok)
	assert.Same(t, base, got)
	assert.Equal(t, 1, store.Len())
}

func TestMessageStore_AddDuplicateIDFails(t *testing.T) {
	store := NewMessageStore(nil)
	base := NewBaseMessage("a/b", nil, packet.QoSAtMostOnce, false, OriginClient)
	base.ID = 1
	require.NoError(t, store.Add(base))

	dup := NewBaseMessage("a/c", nil, packet.QoSAtMostOnce, false, OriginClient)
	dup.ID = 1
	assert.Error(t, store.Add(dup))
}

func TestMessageStore_RefDecFreesAtZero(t *testing.T) {
	store := NewMessageStore(nil)
	base := NewBaseMessage("a/b", nil, packet.QoSAtMostOnce, false, OriginClient)
	base.ID = 1
	require.NoError(t, store.Add(base))

	store.RefInc(base)
	store.RefInc(base)
	assert.Equal(t, 2, base.RefCount)

	ptr := base
	store.RefDec(&ptr)
	assert.Equal(t, 1, base.RefCount)
	assert.NotNil(t, ptr, "store still holds a reference, so it must not be nulled yet")
	_, ok := store.Get(1)
	assert.True(t, ok)

	store.RefDec(&ptr)
	assert.Nil(t, ptr, "the last reference drop must null the caller's handle")
	_, ok = store.Get(1)
	assert.False(t, ok, "a fully-dereferenced message must be removed from the store")
}

func TestMessageStore_RefDecOnNilIsNoop(t *testing.T) {
	store := NewMessageStore(nil)
	var ptr *BaseMessage
	assert.NotPanics(t, func() { store.RefDec(&ptr) })
}

func TestMessageStore_CompactSweepsZeroRefEntries(t *testing.T) {
	store := NewMessageStore(nil)
	live := NewBaseMessage("a/live", nil, packet.QoSAtMostOnce, false, OriginClient)
	live.ID = 1
	live.RefCount = 1
	orphan := NewBaseMessage("a/orphan", nil, packet.QoSAtMostOnce, false, OriginClient)
	orphan.ID = 2
	orphan.RefCount = 0

	require.NoError(t, store.Add(live))
	require.NoError(t, store.Add(orphan))

	store.Compact()

	_, liveOk := store.Get(1)
	_, orphanOk := store.Get(2)
	assert.True(t, liveOk, "a referenced message survives compaction")
	assert.False(t, orphanOk, "an orphaned zero-refcount message is swept")
}

func TestMessageStore_CleanDropsEverythingWithoutNotifying(t *testing.T) {
	persist := &fakePersistence{}
	store := NewMessageStore(persist)
	base := NewBaseMessage("a/b", nil, packet.QoSAtMostOnce, false, OriginClient)
	base.ID = 1
	require.NoError(t, store.Add(base))

	store.Clean()

	assert.Equal(t, 0, store.Len())
	assert.Empty(t, persist.deleted, "Clean tears down without firing persistence notifications")
}

func TestBaseMessage_DestIDsTracking(t *testing.T) {
	base := NewBaseMessage("a/b", nil, packet.QoSAtMostOnce, false, OriginClient)
	assert.False(t, base.HasBeenSentTo("c1"))
	base.MarkSentTo("c1")
	assert.True(t, base.HasBeenSentTo("c1"))
	assert.False(t, base.HasBeenSentTo("c2"))
}

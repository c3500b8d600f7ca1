package delivery

import (
	"sync"

	"github.com/nyxmq/broker/pkg/er"
)

// MessageStore is the process-wide mapping from message id to BaseMessage.
// Every ClientMessage's reference is counted here; a BaseMessage is freed
// the instant its RefCount reaches zero.
//
// The teacher's broker keeps per-client state behind a single atomic.Value
// swap (internal/broker/session.go); MessageStore instead guards its index
// with a plain mutex; because the whole delivery core runs on one
// cooperative event-loop thread (spec.md §5), this is never contended —
// the mutex exists for the rare out-of-band caller (housekeeping, sysinfo).
type MessageStore struct {
	mu      sync.Mutex
	byID    map[uint64]*BaseMessage
	persist Persistence
}

// NewMessageStore builds an empty store. persist may be nil, in which case
// Remove's notify path is a no-op.
func NewMessageStore(persist Persistence) *MessageStore {
	return &MessageStore{
		byID:    make(map[uint64]*BaseMessage),
		persist: persist,
	}
}

// Add inserts base, failing with AlreadyExists if base.ID is already present.
func (s *MessageStore) Add(base *BaseMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[base.ID]; exists {
		return &er.Err{Context: "MessageStore.Add", Message: er.ErrAlreadyExists}
	}
	s.byID[base.ID] = base
	return nil
}

// Remove detaches base from the index and, if notify is set, fires the
// persistence delete hook. Infallible per spec.md §4.2.
func (s *MessageStore) Remove(base *BaseMessage, notify bool) {
	s.mu.Lock()
	delete(s.byID, base.ID)
	s.mu.Unlock()

	if notify && s.persist != nil {
		_ = s.persist.DeleteBaseMessage(base.ID)
	}
}

// RefInc increments base's reference count for a new owning ClientMessage.
func (s *MessageStore) RefInc(base *BaseMessage) {
	base.RefCount++
}

// RefDec decrements (*base)'s reference count; when it reaches zero, the
// message is removed+freed and the caller's handle is nulled.
func (s *MessageStore) RefDec(base **BaseMessage) {
	b := *base
	if b == nil {
		return
	}
	b.RefCount--
	if b.RefCount <= 0 {
		s.Remove(b, true)
		*base = nil
	}
}

// Compact sweeps every entry whose RefCount is zero — invariant repair
// after a restore where some persisted BaseMessages ended up orphaned.
func (s *MessageStore) Compact() {
	s.mu.Lock()
	var dead []*BaseMessage
	for _, b := range s.byID {
		if b.RefCount <= 0 {
			dead = append(dead, b)
		}
	}
	s.mu.Unlock()

	for _, b := range dead {
		s.Remove(b, true)
	}
}

// Clean tears the store down unconditionally at shutdown; no notifications.
func (s *MessageStore) Clean() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = make(map[uint64]*BaseMessage)
}

// Get looks up a BaseMessage by id, for restore/debugging paths.
func (s *MessageStore) Get(id uint64) (*BaseMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.byID[id]
	return b, ok
}

// Len reports how many BaseMessages the store currently holds.
func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

package delivery

import (
	"sync"
	"time"

	"github.com/nyxmq/broker/internal/packet"
)

// fakeTransport is a minimal Transport recording every send so tests can
// assert on call order and arguments without a real socket.
type fakeTransport struct {
	mu        sync.Mutex
	connected map[string]bool
	publishes []fakeSend
	pubrecs   []uint16
	pubrels   []uint16
	failNext  error
}

type fakeSend struct {
	clientID string
	mid      uint16
	topic    string
	qos      packet.QoSLevel
	dup      bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{connected: make(map[string]bool)}
}

func (f *fakeTransport) IsConnected(clientID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[clientID]
}

func (f *fakeTransport) SendPublish(clientID string, mid uint16, topic string, payload []byte, qos packet.QoSLevel, retain, dup bool, subID uint32, props *packet.Properties, expiry uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	f.publishes = append(f.publishes, fakeSend{clientID: clientID, mid: mid, topic: topic, qos: qos, dup: dup})
	return nil
}

func (f *fakeTransport) SendPubrec(clientID string, mid uint16, reason byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pubrecs = append(f.pubrecs, mid)
	return nil
}

func (f *fakeTransport) SendPubrel(clientID string, mid uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pubrels = append(f.pubrels, mid)
	return nil
}

// fakeMatcher records every Queue call instead of fanning out to real
// subscribers.
type fakeMatcher struct {
	calls []fakeQueueCall
	err   error
}

type fakeQueueCall struct {
	sourceID string
	topic    string
	qos      packet.QoSLevel
	retain   bool
	base     *BaseMessage
}

func (f *fakeMatcher) Queue(sourceID, topic string, qos packet.QoSLevel, retain bool, base *BaseMessage) error {
	f.calls = append(f.calls, fakeQueueCall{sourceID: sourceID, topic: topic, qos: qos, retain: retain, base: base})
	return f.err
}

// fakeQuota counts increment/decrement calls per client.
type fakeQuota struct {
	send, recv map[string]int
}

func newFakeQuota() *fakeQuota {
	return &fakeQuota{send: make(map[string]int), recv: make(map[string]int)}
}

func (f *fakeQuota) IncrementSendQuota(clientID string)    { f.send[clientID]++ }
func (f *fakeQuota) DecrementSendQuota(clientID string)    { f.send[clientID]-- }
func (f *fakeQuota) IncrementReceiveQuota(clientID string) { f.recv[clientID]++ }
func (f *fakeQuota) DecrementReceiveQuota(clientID string) { f.recv[clientID]-- }

// fakePersistence records calls instead of touching SQLite.
type fakePersistence struct {
	mu      sync.Mutex
	added   []uint64
	deleted []uint64
	clientMsgs int
}

func (f *fakePersistence) AddBaseMessage(base *BaseMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, base.ID)
	return nil
}

func (f *fakePersistence) DeleteBaseMessage(id uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakePersistence) AddClientMessage(clientID string, cm *ClientMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clientMsgs++
	return nil
}

func (f *fakePersistence) UpdateClientMessage(clientID string, cm *ClientMessage) error { return nil }
func (f *fakePersistence) DeleteClientMessage(clientID string, cmsgID uint64) error     { return nil }

// fakeClock is a settable Clock for deterministic expiry tests.
type fakeClock struct {
	now int64
}

func (c *fakeClock) NowRealS() int64 { return c.now }

// newTestCore builds a Core wired to fakes, suitable for most delivery tests.
func newTestCore() (*Core, *fakeTransport, *fakeMatcher, *fakeQuota) {
	transport := newFakeTransport()
	matcher := &fakeMatcher{}
	quota := newFakeQuota()
	core := &Core{
		Store:     NewMessageStore(nil),
		Transport: transport,
		Quota:     quota,
		Clock:     &fakeClock{now: 1000},
		IDGen:     NewIdGen(1, time.Unix(0, 0)),
	}
	return core, transport, matcher, quota
}

func newTestBase(core *Core, topic string, payload []byte, qos packet.QoSLevel, retain bool) *BaseMessage {
	base := NewBaseMessage(topic, payload, qos, retain, OriginClient)
	base.ID = core.IDGen.Next()
	_ = core.Store.Add(base)
	return base
}

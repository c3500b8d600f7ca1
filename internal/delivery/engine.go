package delivery

import "time"

// Engine is the broker-facing handle on the delivery core: a MessageStore,
// an id generator, and the Core collaborators bundled together. It is the
// thing main constructs once at startup and every connection handler
// shares.
type Engine struct {
	*Core
}

// Options configures a new Engine.
type Options struct {
	NodeID    uint16
	Epoch     time.Time
	Transport Transport
	Quota     QuotaAdjuster
	Persist   Persistence
	Clock     Clock
}

// Open builds an Engine. A nil Clock defaults to SystemClock; a nil
// Persist makes every store operation purely in-memory.
func Open(opts Options) *Engine {
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	return &Engine{
		Core: &Core{
			Store:     NewMessageStore(opts.Persist),
			Transport: opts.Transport,
			Quota:     opts.Quota,
			Persist:   opts.Persist,
			Clock:     clock,
			IDGen:     NewIdGen(opts.NodeID, opts.Epoch),
		},
	}
}

// Close tears the engine's store down unconditionally, releasing every
// BaseMessage without firing persistence notifications.
func (e *Engine) Close() {
	e.Store.Clean()
}

// MessagesDelete removes every ClientMessage a client holds across both
// directions and both lanes, e.g. on session destruction.
func (e *Engine) MessagesDelete(client *Client) {
	e.messagesDeleteDirection(client, client.MsgsOut)
	e.messagesDeleteDirection(client, client.MsgsIn)
}

// MessagesDeleteOutgoing removes only a client's outgoing ClientMessages.
func (e *Engine) MessagesDeleteOutgoing(client *Client) {
	e.messagesDeleteDirection(client, client.MsgsOut)
}

// MessagesDeleteIncoming removes only a client's incoming ClientMessages.
func (e *Engine) MessagesDeleteIncoming(client *Client) {
	e.messagesDeleteDirection(client, client.MsgsIn)
}

func (e *Engine) messagesDeleteDirection(client *Client, state *ClientDeliveryState) {
	state.walk(LaneInflight, func(m *ClientMessage) bool {
		removeFromLane(state, m)
		e.freeClientMessage(client, m)
		return true
	})
	state.walk(LaneQueued, func(m *ClientMessage) bool {
		removeFromLane(state, m)
		e.freeClientMessage(client, m)
		return true
	})
}

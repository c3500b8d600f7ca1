package delivery

import "github.com/nyxmq/broker/internal/packet"

// Direction is which way a ClientMessage travels relative to the broker.
type Direction uint8

const (
	// DirIn is peer-to-broker (an incoming QoS 2 publish awaiting PUBREL).
	DirIn Direction = iota
	// DirOut is broker-to-peer.
	DirOut
)

// State is a ClientMessage's position in its publish/ack state machine.
type State uint8

const (
	StateInvalid State = iota
	StatePublishQoS0
	StatePublishQoS1
	StatePublishQoS2
	StateWaitForPuback
	StateWaitForPubrec
	StateSendPubrec
	StateWaitForPubrel
	StateResendPubrel
	StateWaitForPubcomp
	StateResendPubcomp
	StateQueued
)

// Lane is which of a ClientDeliveryState's two lists a ClientMessage lives in.
type Lane uint8

const (
	LaneInflight Lane = iota
	LaneQueued
)

// ClientMessage is a single delivery attempt of a BaseMessage bound to one
// client and direction. It lives in exactly one of msgs_in.{inflight,queued}
// or msgs_out.{inflight,queued} at a time, represented here as an intrusive
// doubly-linked list via prev/next — the direct Go idiom for the C source's
// DL_* macros, with the GC removing any aliasing concern an arena would be
// hedging against.
type ClientMessage struct {
	Base *BaseMessage

	CmsgID    uint64
	Mid       uint16
	Direction Direction
	State     State
	QoS       packet.QoSLevel
	Dup       bool
	Retain    bool
	SubscriptionIdentifier uint32

	lane       Lane
	prev, next *ClientMessage
}

// PayloadLen is the accounting unit AdmissionPolicy and DeliveryAccounting
// size queues by.
func (m *ClientMessage) PayloadLen() int {
	if m.Base == nil {
		return 0
	}
	return len(m.Base.Payload)
}

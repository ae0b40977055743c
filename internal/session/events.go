package session

import (
	"github.com/soyeahso/parley/internal/call"
	"github.com/soyeahso/parley/internal/domain"
	"github.com/soyeahso/parley/internal/store"
)

// Event is what a Facade publishes to its UI.
type Event interface {
	sessionEvent()
}

// MessageReceived carries a new incoming message, already stored.
type MessageReceived struct {
	Message store.Entry
}

// MessageUpdated reports a local message changing: the optimistic pending
// echo, the relay confirmation, or a failed delivery.
type MessageUpdated struct {
	Message store.Entry
}

// Typing is the peer's latest typing hint.
type Typing struct {
	IsTyping bool
}

// Receipt reports the peer reaching a new status for one of our messages.
type Receipt struct {
	Receipt domain.DeliveryReceipt
}

// Presence reports the peer going online or offline.
type Presence struct {
	Online bool
}

// Call wraps every event from the conversation's call coordinator.
type Call struct {
	Event call.Event
}

func (MessageReceived) sessionEvent() {}
func (MessageUpdated) sessionEvent()  {}
func (Typing) sessionEvent()          {}
func (Receipt) sessionEvent()         {}
func (Presence) sessionEvent()        {}
func (Call) sessionEvent()            {}

package wire

// Signaling event names. These must match exactly for interoperability.
const (
	ChatSend    = "chat:send"
	ChatDeliver = "chat:deliver"
	ChatTyping  = "chat:typing"
	ChatReceipt = "chat:receipt"

	PresenceState = "presence:state"

	CallInit   = "call:init"
	CallRing   = "call:ring"
	CallOffer  = "call:offer"
	CallAnswer = "call:answer"
	CallICE    = "call:ice"
	CallAccept = "call:accept"
	CallEnd    = "call:end"
)

// Handshake names.
const (
	EventChallenge = "connect.challenge"
	MethodConnect  = "connect"
)

// Local pseudo-events published by the transport session itself.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
	EventError      = "error"
)

// forwardNames maps a method a peer sends to the event name the recipient sees.
var forwardNames = map[string]string{
	ChatSend:    ChatDeliver,
	ChatTyping:  ChatTyping,
	ChatReceipt: ChatReceipt,
	CallInit:    CallRing,
	CallOffer:   CallOffer,
	CallAnswer:  CallAnswer,
	CallICE:     CallICE,
	CallAccept:  CallAccept,
	CallEnd:     CallEnd,
}

// Forwarded returns the event name delivered to the recipient of method,
// and false if the relay does not forward that method.
func Forwarded(method string) (string, bool) {
	ev, ok := forwardNames[method]
	return ev, ok
}

// ForwardedMethods lists every method the relay forwards.
func ForwardedMethods() []string {
	out := make([]string, 0, len(forwardNames))
	for m := range forwardNames {
		out = append(out, m)
	}
	return out
}

package wire

import (
	"encoding/json"
	"time"

	"github.com/soyeahso/parley/internal/domain"
)

// Route addresses a signaling payload. Senders fill To; the relay stamps From
// with the authenticated sender before forwarding.
type Route struct {
	From domain.PeerID `json:"from,omitempty"`
	To   domain.PeerID `json:"to,omitempty"`
}

// Peer returns whichever side of the route is set, preferring From.
func (r Route) Peer() domain.PeerID {
	if r.From != "" {
		return r.From
	}
	return r.To
}

// ChatPayload is carried by chat:send and chat:deliver.
type ChatPayload struct {
	Route
	MessageID string          `json:"messageId"`
	Text      string          `json:"text"`
	Meta      json.RawMessage `json:"meta,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitzero"`
}

// TypingPayload is carried by chat:typing.
type TypingPayload struct {
	Route
	IsTyping bool `json:"isTyping"`
}

// ReceiptPayload is carried by chat:receipt.
type ReceiptPayload struct {
	Route
	MessageID string               `json:"messageId"`
	Status    domain.ReceiptStatus `json:"status"`
}

// CallInitPayload is carried by call:init and call:ring.
type CallInitPayload struct {
	Route
	Type domain.CallKind `json:"type"`
}

// SDPPayload is carried by call:offer and call:answer.
type SDPPayload struct {
	Route
	SDP domain.SessionDescription `json:"sdp"`
}

// ICEPayload is carried by call:ice.
type ICEPayload struct {
	Route
	Candidate domain.ICECandidate `json:"candidate"`
}

// AcceptPayload is carried by call:accept.
type AcceptPayload struct {
	Route
}

// EndPayload is carried by call:end.
type EndPayload struct {
	Route
	Reason string `json:"reason,omitempty"`
}

// Ack is the relay's response payload to a forwarded request.
// Delivered is false when the recipient is not connected.
type Ack struct {
	Delivered bool                    `json:"delivered"`
	Receipt   *domain.DeliveryReceipt `json:"receipt,omitempty"`
}

// Challenge is the payload of the connect.challenge event.
type Challenge struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts"`
}

// ConnectParams are sent by the peer in the connect request.
type ConnectParams struct {
	MinProtocol int          `json:"minProtocol"`
	MaxProtocol int          `json:"maxProtocol"`
	Client      ClientInfo   `json:"client"`
	Auth        *ConnectAuth `json:"auth,omitempty"`
}

// ClientInfo identifies the connecting peer.
type ClientInfo struct {
	ID          domain.PeerID `json:"id"`
	DisplayName string        `json:"displayName,omitempty"`
	Version     string        `json:"version"`
	Platform    string        `json:"platform"`
}

// ConnectAuth carries credentials in the connect request.
type ConnectAuth struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

// HelloOK answers a successful connect.
type HelloOK struct {
	Protocol int             `json:"protocol"`
	Server   ServerInfo      `json:"server"`
	Peers    []domain.PeerID `json:"peers"`
	Policy   ServerPolicy    `json:"policy"`
}

// ServerInfo identifies the relay.
type ServerInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	ConnID  string `json:"connId"`
}

// ServerPolicy communicates protocol limits to the peer.
type ServerPolicy struct {
	MaxPayload     int `json:"maxPayload"`
	TickIntervalMs int `json:"tickIntervalMs"`
}

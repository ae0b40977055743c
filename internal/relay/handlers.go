package relay

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/soyeahso/parley/internal/domain"
	"github.com/soyeahso/parley/internal/wire"
)

// HealthResponse is returned by /health and the health method.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Peers   int    `json:"peers,omitempty"`
	UptimeS int64  `json:"uptimeS,omitempty"`
}

// handleHealth exposes only the status publicly; counts need an authenticated session.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

func handleNotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	json.NewEncoder(w).Encode(map[string]string{
		"error": "not found",
		"path":  r.URL.Path,
	})
}

// RequestHandler processes one request frame from a peer.
type RequestHandler func(rc *RequestContext)

// RequestContext carries everything a handler needs.
type RequestContext struct {
	Peer   *Peer
	Frame  wire.Frame
	Server *Server
}

// Respond sends a success response.
func (rc *RequestContext) Respond(payload any) {
	if err := rc.Peer.Respond(rc.Frame.ID, payload); err != nil {
		rc.Server.log.Warn().Err(err).Str("method", rc.Frame.Method).Msg("failed to send response")
	}
}

// RespondError sends an error response.
func (rc *RequestContext) RespondError(code, message string) {
	rc.Peer.RespondError(rc.Frame.ID, wire.ErrorShape{Code: code, Message: message})
}

// Params unmarshals the request params into target.
func (rc *RequestContext) Params(target any) error {
	if rc.Frame.Params == nil {
		return nil
	}
	return json.Unmarshal(rc.Frame.Params, target)
}

func (s *Server) rpcHealth(rc *RequestContext) {
	s.mu.Lock()
	started := s.startedAt
	s.mu.Unlock()
	rc.Respond(HealthResponse{
		Status:  "ok",
		Version: s.version,
		Peers:   s.peers.Count(),
		UptimeS: int64(time.Since(started).Seconds()),
	})
}

// forward relays a signaling request to its recipient. The payload is passed
// through untouched except for from, which is stamped with the sender's
// authenticated identity. The sender gets an ack saying whether the recipient
// was reachable.
func (s *Server) forward(rc *RequestContext) {
	event, _ := wire.Forwarded(rc.Frame.Method)

	var fields map[string]json.RawMessage
	if err := rc.Params(&fields); err != nil || fields == nil {
		rc.RespondError(wire.CodeInvalidRequest, "params must be an object")
		return
	}

	var to domain.PeerID
	if raw, ok := fields["to"]; !ok || json.Unmarshal(raw, &to) != nil || to == "" {
		rc.RespondError(wire.CodeInvalidRequest, "to is required")
		return
	}
	if to == rc.Peer.ID {
		rc.RespondError(wire.CodeInvalidRequest, "cannot signal yourself")
		return
	}

	from, _ := json.Marshal(rc.Peer.ID)
	fields["from"] = from

	ack := wire.Ack{}
	if target, ok := s.peers.Get(to); ok {
		if err := target.SendEvent(event, fields, s.eventSeq.Add(1)); err != nil {
			s.log.Debug().Err(err).Str("event", event).Str("to", string(to)).Msg("forward failed")
		} else {
			ack.Delivered = true
		}
	}

	if rc.Frame.Method == wire.ChatSend && ack.Delivered {
		var msgID string
		json.Unmarshal(fields["messageId"], &msgID)
		ack.Receipt = &domain.DeliveryReceipt{
			MessageID: msgID,
			Status:    domain.StatusSent,
			From:      rc.Peer.ID,
			To:        to,
		}
	}

	s.log.Trace().
		Str("event", event).
		Str("from", string(rc.Peer.ID)).
		Str("to", string(to)).
		Bool("delivered", ack.Delivered).
		Msg("forwarded")

	rc.Respond(ack)
}

package relay

import (
	"net/http"

	"github.com/soyeahso/parley/internal/wire"
)

func (s *Server) registerHTTPRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("/", handleNotFound)
}

func (s *Server) registerRPCHandlers() {
	s.Handle("health", s.rpcHealth)
	for _, m := range wire.ForwardedMethods() {
		s.Handle(m, s.forward)
	}
}

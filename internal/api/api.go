// Package api implements the one HTTP contract surface §6 leaves inside
// this core: the unauthenticated callback endpoints container workers
// invoke as they progress through the handshake/progress/done protocol.
// The rest of §6's HTTP (user API) is a collaborator process; only the
// handlers that call into the CallbackDispatcher live here.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/curious-containers/ccserver/internal/callback"
	"github.com/curious-containers/ccserver/internal/ccerrors"
	"github.com/curious-containers/ccserver/internal/logging"
)

// Server exposes the application-container and data-container callback
// endpoints over HTTP.
type Server struct {
	mux        *http.ServeMux
	dispatcher *callback.Dispatcher
	log        *logging.Logger
}

// New builds the callback HTTP surface, wiring both endpoints into
// dispatcher.
func New(dispatcher *callback.Dispatcher, log *logging.Logger) *Server {
	s := &Server{mux: http.NewServeMux(), dispatcher: dispatcher, log: log}
	s.mux.HandleFunc("POST /application-containers/callback", s.handleApplicationContainerCallback)
	s.mux.HandleFunc("POST /data-containers/callback", s.handleDataContainerCallback)
	return s
}

// Handler returns the http.Handler to mount on a listening server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) handleApplicationContainerCallback(w http.ResponseWriter, r *http.Request) {
	s.handleCallback(w, r, s.dispatcher.ApplicationContainerCallback)
}

func (s *Server) handleDataContainerCallback(w http.ResponseWriter, r *http.Request) {
	s.handleCallback(w, r, s.dispatcher.DataContainerCallback)
}

// handleCallback decodes the callback body, delegates to dispatch, and maps
// the dispatcher's sentinel errors onto the status codes §7 assigns them:
// ValidationError -> 400, AuthError -> 401, anything else -> 500.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request, dispatch func(ctx context.Context, req callback.Request) (map[string]any, error)) {
	var req callback.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed callback body")
		return
	}

	resp, err := dispatch(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ccerrors.ErrAuth):
			writeError(w, http.StatusUnauthorized, "unauthorized")
		case errors.Is(err, ccerrors.ErrValidation):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.log.Error("callback handling failed", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

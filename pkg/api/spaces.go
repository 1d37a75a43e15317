package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mew-protocol/mew/pkg/gateway"
	"github.com/mew-protocol/mew/pkg/logger"

	mewerr "github.com/mew-protocol/mew/pkg/errors"
)

// maxInjectBodySize bounds a single injected envelope.
const maxInjectBodySize = 4 * 1024 * 1024

type spaceRoutes struct {
	gw *gateway.Gateway
}

// spaceFrom resolves the `space` query parameter, writing the error response
// itself when the lookup fails.
func (s *spaceRoutes) spaceFrom(w http.ResponseWriter, r *http.Request) (*gateway.Space, bool) {
	name := r.URL.Query().Get("space")
	space, ok := s.gw.Space(name)
	if !ok {
		http.Error(w, mewerr.ErrSpaceNotFound+": no space named "+name, http.StatusNotFound)
		return nil, false
	}
	return space, true
}

// getHealth reports the space's health snapshot: connected participant and
// open stream counts plus uptime.
func (s *spaceRoutes) getHealth(w http.ResponseWriter, r *http.Request) {
	space, ok := s.spaceFrom(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, space.Health())
}

// listParticipants returns the roster with effective capabilities and
// connection state.
func (s *spaceRoutes) listParticipants(w http.ResponseWriter, r *http.Request) {
	space, ok := s.spaceFrom(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, space.ParticipantList())
}

type injectResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	TS     string `json:"ts"`
}

// postMessage injects an envelope on behalf of the participant named in the
// path. The bearer token must resolve to that same participant, and the
// envelope passes through the exact ingress checks a websocket send would.
func (s *spaceRoutes) postMessage(w http.ResponseWriter, r *http.Request) {
	space, ok := s.spaceFrom(w, r)
	if !ok {
		return
	}

	id := chi.URLParam(r, "id")
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	authID, _, err := space.Authenticate(token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if authID != id {
		http.Error(w, "token does not belong to "+id, http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxInjectBodySize))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	env, err := space.Inject(id, body)
	if err != nil {
		http.Error(w, err.Error(), injectStatus(err))
		return
	}
	writeJSON(w, http.StatusAccepted, injectResponse{ID: env.ID, Status: "accepted", TS: env.TS})
}

// injectStatus maps ingress rejections onto HTTP statuses.
func injectStatus(err error) int {
	switch mewerr.Kind(err) {
	case mewerr.ErrParseError, mewerr.ErrProtocolError:
		return http.StatusBadRequest
	case mewerr.ErrCapabilityViolation:
		return http.StatusForbidden
	case mewerr.ErrUnknownTarget:
		return http.StatusNotFound
	case mewerr.ErrShuttingDown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("Failed to encode response: %v", err)
	}
}

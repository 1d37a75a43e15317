// Package api contains the HTTP control plane of the gateway: health and
// roster snapshots, authenticated envelope injection, and the websocket
// endpoint participants connect through.
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mew-protocol/mew/pkg/gateway"
)

const middlewareTimeout = 60 * time.Second

// NewRouter builds the control-plane router for the given gateway. Every
// route except the websocket endpoint answers JSON.
func NewRouter(gw *gateway.Gateway) http.Handler {
	routes := &spaceRoutes{gw: gw}

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Timeout(middlewareTimeout),
	)

	r.Get("/health", routes.getHealth)
	r.Get("/participants", routes.listParticipants)
	r.Post("/participants/{id}/messages", routes.postMessage)
	r.HandleFunc(gateway.WebSocketPath, gw.HandleWebSocket)

	return r
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mew-protocol/mew/pkg/audit"
	"github.com/mew-protocol/mew/pkg/config"
	mewerr "github.com/mew-protocol/mew/pkg/errors"
	"github.com/mew-protocol/mew/pkg/logger"
)

const readHeaderTimeout = 10 * time.Second

// WebSocketPath is the endpoint participants connect to.
const WebSocketPath = "/ws"

// Options configures a gateway process.
type Options struct {
	// Address is the listen address for the websocket and control-plane
	// endpoints.
	Address string

	// AuditDir is the root directory for per-space audit logs. Empty
	// disables audit logging.
	AuditDir string

	// AuditMaxFileSize is the rotation threshold per log file; zero means
	// the default.
	AuditMaxFileSize int64

	// MessagesPerSecond is the per-connection ingress quota; zero means
	// unlimited.
	MessagesPerSecond float64

	// Burst is the quota burst size; only meaningful with a quota.
	Burst int
}

// Gateway hosts one or more spaces behind a single websocket endpoint.
// Authentication uses a bearer token on the upgrade request's Authorization
// header; the space is named by the `space` query parameter.
type Gateway struct {
	opts     Options
	spaces   map[string]*Space
	auditors []*audit.Auditor
	upgrader websocket.Upgrader
}

// New provisions the gateway state for the given space definitions.
func New(defs []*config.Space, opts Options) (*Gateway, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("at least one space definition is required")
	}

	g := &Gateway{
		opts:   opts,
		spaces: make(map[string]*Space, len(defs)),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}

	for _, def := range defs {
		if _, dup := g.spaces[def.Name]; dup {
			return nil, fmt.Errorf("duplicate space definition %q", def.Name)
		}
		var auditor *audit.Auditor
		if opts.AuditDir != "" {
			var err error
			auditor, err = audit.New(filepath.Join(opts.AuditDir, def.Name), opts.AuditMaxFileSize)
			if err != nil {
				return nil, fmt.Errorf("failed to set up audit logs for space %s: %w", def.Name, err)
			}
			if auditor != nil {
				g.auditors = append(g.auditors, auditor)
			}
		}
		g.spaces[def.Name] = NewSpace(def, auditor)
	}

	return g, nil
}

// Space looks up a provisioned space by name.
func (g *Gateway) Space(name string) (*Space, bool) {
	s, ok := g.spaces[name]
	return s, ok
}

// Spaces returns every provisioned space.
func (g *Gateway) Spaces() []*Space {
	spaces := make([]*Space, 0, len(g.spaces))
	for _, s := range g.spaces {
		spaces = append(spaces, s)
	}
	return spaces
}

// HandleWebSocket upgrades a participant connection. Auth failures are
// reported as HTTP statuses before the upgrade; everything after the upgrade
// speaks the envelope protocol.
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	spaceName := r.URL.Query().Get("space")
	space, ok := g.spaces[spaceName]
	if !ok {
		http.Error(w, mewerr.ErrSpaceNotFound+": no space named "+spaceName, http.StatusNotFound)
		return
	}

	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	id, rules, err := space.Authenticate(token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warnw("websocket upgrade failed", "space", spaceName, "error", err)
		return
	}

	var limiter *rate.Limiter
	if g.opts.MessagesPerSecond > 0 {
		burst := g.opts.Burst
		if burst <= 0 {
			burst = int(g.opts.MessagesPerSecond)
		}
		limiter = rate.NewLimiter(rate.Limit(g.opts.MessagesPerSecond), burst)
	}

	conn := newConnection(ws, space, id, limiter)
	if err := space.Connect(id, rules, conn); err != nil {
		logger.Warnw("connect refused", "space", spaceName, "participant", id, "error", err)
		conn.CloseWithReason("connect refused")
		_ = ws.Close()
		return
	}

	conn.run()
}

// Serve runs the gateway on the configured address with the given HTTP
// handler (the control-plane router with the websocket endpoint mounted).
// It blocks until ctx is canceled, then notifies every participant and
// drains the audit logs.
func (g *Gateway) Serve(ctx context.Context, handler http.Handler) error {
	srv := &http.Server{
		Addr:              g.opts.Address,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Infof("Gateway listening on %s", g.opts.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway server error: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-ctx.Done()
		g.shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

func (g *Gateway) shutdown() {
	logger.Info("Gateway shutting down")
	for _, s := range g.spaces {
		s.Shutdown()
	}
	for _, a := range g.auditors {
		if err := a.Close(); err != nil {
			logger.Warnw("failed to close audit logs", "error", err)
		}
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

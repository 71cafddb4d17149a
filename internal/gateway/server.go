package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/conductor/internal/bus"
	"github.com/nextlevelbuilder/conductor/internal/config"
	"github.com/nextlevelbuilder/conductor/internal/dispatch"
	"github.com/nextlevelbuilder/conductor/internal/notify"
	"github.com/nextlevelbuilder/conductor/internal/projects"
	"github.com/nextlevelbuilder/conductor/internal/routing"
	"github.com/nextlevelbuilder/conductor/internal/servers"
	"github.com/nextlevelbuilder/conductor/pkg/protocol"
)

// Deps are the control-plane components the gateway exposes.
type Deps struct {
	Projects   *projects.Registry
	Servers    *servers.Registry
	Router     *routing.Router
	Dispatcher *dispatch.Dispatcher
	Relay      *notify.Relay
}

// Server is the HTTP/WebSocket front of the control plane.
type Server struct {
	cfg      *config.Config
	eventPub bus.EventPublisher
	deps     Deps

	upgrader    websocket.Upgrader
	rateLimiter *RateLimiter
	clients     map[string]*Client
	mu          sync.RWMutex

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a gateway server.
func NewServer(cfg *config.Config, eventPub bus.EventPublisher, deps Deps) *Server {
	s := &Server{
		cfg:      cfg,
		eventPub: eventPub,
		deps:     deps,
		clients:  make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	// rate_limit_rpm <= 0 disables limiting.
	s.rateLimiter = NewRateLimiter(cfg.Gateway.RateLimitRPM, 5)
	return s
}

// RateLimiter returns the server's rate limiter.
func (s *Server) RateLimiter() *RateLimiter { return s.rateLimiter }

// checkOrigin validates WebSocket origins against the allowed list.
// No configured origins or an empty Origin header (CLI clients) is allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("security.cors_rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()

	mux.HandleFunc(protocol.RouteWebSocket, s.auth(s.handleWebSocket))
	mux.HandleFunc("GET "+protocol.RouteHealth, s.handleHealth)

	mux.HandleFunc("GET "+protocol.RouteProjects, s.auth(s.handleProjects))
	mux.HandleFunc("GET "+protocol.RouteServers, s.auth(s.handleServers))
	mux.HandleFunc("POST "+protocol.RouteRoute, s.auth(s.limit(s.handleRoute)))
	mux.HandleFunc("POST "+protocol.RouteDispatch, s.auth(s.limit(s.handleDispatch)))
	mux.HandleFunc("GET "+protocol.RouteDispatches+"{$}", s.auth(s.handleDispatchList))
	mux.HandleFunc("GET "+protocol.RouteDispatches+"{id}", s.auth(s.handleDispatchGet))
	mux.HandleFunc("DELETE "+protocol.RouteDispatches+"{id}", s.auth(s.handleDispatchCancel))
	mux.HandleFunc("GET "+protocol.RouteNotifications, s.auth(s.handleNotifications))
	mux.HandleFunc("DELETE "+protocol.RouteNotifications+"/{id}", s.auth(s.handleNotificationClear))

	s.mux = mux
	return mux
}

// Start listens until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := net.JoinHostPort(s.cfg.Gateway.Host, fmt.Sprint(s.cfg.Gateway.Port))
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("gateway.starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.closeClients()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// handleWebSocket upgrades HTTP to WebSocket and streams bus events.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("gateway.ws_upgrade_failed", "error", err)
		return
	}

	client := NewClient(conn)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.SendEvent(protocol.EventConnected, map[string]string{"client_id": client.ID()})
	client.Run(r.Context())
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c
	s.eventPub.Subscribe(c.id, func(event bus.Event) {
		c.SendEvent(event.Name, event.Payload)
	})
	slog.Info("gateway.client_connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
	s.eventPub.Unsubscribe(c.id)
	slog.Info("gateway.client_disconnected", "id", c.id)
}

func (s *Server) closeClients() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		c.Close()
	}
}

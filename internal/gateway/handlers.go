package gateway

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/nextlevelbuilder/conductor/internal/dispatch"
	"github.com/nextlevelbuilder/conductor/internal/projects"
	"github.com/nextlevelbuilder/conductor/internal/servers"
	"github.com/nextlevelbuilder/conductor/internal/sessions"
	"github.com/nextlevelbuilder/conductor/pkg/protocol"
)

// maxBodyBytes bounds request bodies on POST endpoints.
const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// auth requires the gateway token when one is configured. WebSocket clients
// that cannot set headers may pass it as ?token=.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token := s.cfg.Gateway.Token; token != "" {
			got := extractBearerToken(r)
			if got == "" {
				got = r.URL.Query().Get("token")
			}
			if got != token {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next(w, r)
	}
}

// limit applies the per-client rate limiter keyed by remote host.
func (s *Server) limit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			key = r.RemoteAddr
		}
		if !s.rateLimiter.Allow(key) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":   "ok",
		"protocol": protocol.ProtocolVersion,
		"clients":  s.ClientCount(),
	}
	if s.deps.Projects != nil {
		resp["projects"] = s.deps.Projects.Len()
	}
	if s.deps.Servers != nil {
		running := 0
		for _, info := range s.deps.Servers.All() {
			if info.Status == servers.StatusRunning {
				running++
			}
		}
		resp["servers_running"] = running
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	list := []projects.Project{}
	if s.deps.Projects != nil {
		list = s.deps.Projects.All()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"projects": list})
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	list := []servers.ServerInfo{}
	if s.deps.Servers != nil {
		list = s.deps.Servers.All()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"servers": list})
}

func decodeRequest(w http.ResponseWriter, r *http.Request) (protocol.DispatchRequest, bool) {
	var req protocol.DispatchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return req, false
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return req, false
	}
	return req, true
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	if s.deps.Router == nil {
		writeError(w, http.StatusServiceUnavailable, "routing unavailable")
		return
	}
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Router.Route(r.Context(), req.Message))
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, "dispatch unavailable")
		return
	}
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	opts := dispatch.HandleOptions{
		Project: req.Project,
		Overrides: sessions.Overrides{
			SessionID:    req.SessionID,
			NewSession:   req.NewSession,
			StrategyHint: sessions.Strategy(req.StrategyHint),
			TitleKeyword: req.TitleKeyword,
		},
	}
	res, err := s.deps.Dispatcher.HandleMessage(r.Context(), req.Message, opts)
	if err != nil {
		writeJSON(w, dispatchStatus(err), map[string]interface{}{"error": err.Error(), "result": res})
		return
	}
	if res.Record == nil {
		writeJSON(w, http.StatusConflict, res)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// dispatchStatus maps dispatch errors to HTTP status codes.
func dispatchStatus(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrProjectNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrMaxConcurrent):
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) handleDispatchList(w http.ResponseWriter, r *http.Request) {
	if s.deps.Dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, "dispatch unavailable")
		return
	}
	tr := s.deps.Dispatcher.Tracker()
	project := r.URL.Query().Get("project")
	if project != "" && s.deps.Projects != nil {
		if p, ok := s.deps.Projects.FindByName(project); ok {
			project = p.Path
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active":  tr.Active(project),
		"history": tr.History(),
	})
}

func (s *Server) handleDispatchGet(w http.ResponseWriter, r *http.Request) {
	if s.deps.Dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, "dispatch unavailable")
		return
	}
	rec, ok := s.deps.Dispatcher.Tracker().Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "dispatch not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDispatchCancel(w http.ResponseWriter, r *http.Request) {
	if s.deps.Dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, "dispatch unavailable")
		return
	}
	id := r.PathValue("id")
	if _, ok := s.deps.Dispatcher.Tracker().Get(id); !ok {
		writeError(w, http.StatusNotFound, "dispatch not found")
		return
	}
	cancelled := s.deps.Dispatcher.Cancel(id)
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if s.deps.Relay == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"notifications": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"notifications": s.deps.Relay.Pending()})
}

func (s *Server) handleNotificationClear(w http.ResponseWriter, r *http.Request) {
	if s.deps.Relay == nil || !s.deps.Relay.Clear(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, "notification not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true"})
}

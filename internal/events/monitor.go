// Package events keeps one resilient event-stream subscription per project
// agent-server and fans the normalized events out to handlers.
package events

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/conductor/pkg/protocol"
)

const (
	defaultBackoffBase       = time.Second
	defaultBackoffMax        = 30 * time.Second
	defaultHeartbeatInterval = 5 * time.Second
	defaultHeartbeatTimeout  = 65 * time.Second

	maxLineSize = 1024 * 1024
)

// Handler receives events tagged with the project they came from.
type Handler func(projectPath string, ev Event)

// Option configures a Monitor.
type Option func(*Monitor)

// WithBackoff sets the reconnect base delay and cap.
func WithBackoff(base, max time.Duration) Option {
	return func(m *Monitor) {
		if base > 0 {
			m.backoffBase = base
		}
		if max > 0 {
			m.backoffMax = max
		}
	}
}

// WithHeartbeat sets how often liveness is checked and how long a
// connection may stay silent.
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(m *Monitor) {
		if interval > 0 {
			m.heartbeatInterval = interval
		}
		if timeout > 0 {
			m.heartbeatTimeout = timeout
		}
	}
}

// WithHeaders adds headers (e.g. Authorization) to every stream request.
func WithHeaders(h map[string]string) Option {
	return func(m *Monitor) {
		for k, v := range h {
			m.headers[k] = v
		}
	}
}

// WithHTTPClient replaces the streaming HTTP client. It must not set a
// request timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Monitor) {
		if c != nil {
			m.client = c
		}
	}
}

// subscription is the per-project connection state.
type subscription struct {
	projectPath string
	url         string
	ctx         context.Context
	cancel      context.CancelFunc

	mu               sync.Mutex
	reconnectAttempt int
	shouldReconnect  bool
	connCancel       context.CancelFunc
	lastEventID      string
	lastHeartbeatAt  time.Time
}

func (s *subscription) touch(now time.Time) {
	s.mu.Lock()
	s.lastHeartbeatAt = now
	s.mu.Unlock()
}

// Monitor maintains one subscription per project path.
type Monitor struct {
	client            *http.Client
	headers           map[string]string
	backoffBase       time.Duration
	backoffMax        time.Duration
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration

	mu       sync.Mutex
	subs     map[string]*subscription
	handlers map[int]Handler
	nextID   int
	closed   bool
	wg       sync.WaitGroup

	// Test hooks.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewMonitor creates a Monitor with no subscriptions.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		client:            &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()},
		headers:           make(map[string]string),
		backoffBase:       defaultBackoffBase,
		backoffMax:        defaultBackoffMax,
		heartbeatInterval: defaultHeartbeatInterval,
		heartbeatTimeout:  defaultHeartbeatTimeout,
		subs:              make(map[string]*subscription),
		handlers:          make(map[int]Handler),
		now:               time.Now,
		sleep:             sleepCtx,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnEvent registers fn for every forwarded event and returns its unsubscribe func.
func (m *Monitor) OnEvent(fn Handler) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.handlers[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.handlers, id)
		m.mu.Unlock()
	}
}

// Subscribe streams events from the agent-server at serverURL for
// projectPath. Re-subscribing with the same URL is a no-op; a different URL
// replaces the existing subscription.
func (m *Monitor) Subscribe(serverURL, projectPath string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if cur, ok := m.subs[projectPath]; ok {
		if cur.url == serverURL {
			return
		}
		slog.Info("events.resubscribe", "project", projectPath, "from", cur.url, "to", serverURL)
		m.stopLocked(projectPath, cur)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		projectPath:     projectPath,
		url:             serverURL,
		ctx:             ctx,
		cancel:          cancel,
		shouldReconnect: true,
	}
	m.subs[projectPath] = sub
	m.wg.Add(1)
	go m.run(sub)
}

// Unsubscribe stops reconnecting, cancels the live connection and forgets
// the project. Unknown projects are ignored.
func (m *Monitor) Unsubscribe(projectPath string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subs[projectPath]; ok {
		m.stopLocked(projectPath, sub)
	}
}

func (m *Monitor) stopLocked(projectPath string, sub *subscription) {
	sub.mu.Lock()
	sub.shouldReconnect = false
	if sub.connCancel != nil {
		sub.connCancel()
	}
	sub.mu.Unlock()
	sub.cancel()
	delete(m.subs, projectPath)
}

// Close stops every subscription and waits for their goroutines.
func (m *Monitor) Close() {
	m.mu.Lock()
	m.closed = true
	for path, sub := range m.subs {
		m.stopLocked(path, sub)
	}
	m.mu.Unlock()
	m.wg.Wait()
	m.client.CloseIdleConnections()
}

// Subscribed reports whether projectPath has a subscription.
func (m *Monitor) Subscribed(projectPath string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[projectPath]
	return ok
}

// Subscriptions returns project path → server URL for every subscription.
func (m *Monitor) Subscriptions() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.subs))
	for p, s := range m.subs {
		out[p] = s.url
	}
	return out
}

// ReconnectAttempt returns the current backoff attempt for a project.
func (m *Monitor) ReconnectAttempt(projectPath string) int {
	m.mu.Lock()
	sub, ok := m.subs[projectPath]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.reconnectAttempt
}

// Backoff returns the reconnect delay for attempt (0-based).
func (m *Monitor) Backoff(attempt int) time.Duration {
	d := m.backoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= m.backoffMax {
			return m.backoffMax
		}
	}
	if d > m.backoffMax {
		return m.backoffMax
	}
	return d
}

func (m *Monitor) run(sub *subscription) {
	defer m.wg.Done()
	for {
		err := m.connect(sub)
		if sub.ctx.Err() != nil {
			return
		}

		sub.mu.Lock()
		if !sub.shouldReconnect {
			sub.mu.Unlock()
			return
		}
		delay := m.Backoff(sub.reconnectAttempt)
		sub.reconnectAttempt++
		attempt := sub.reconnectAttempt
		sub.mu.Unlock()

		slog.Warn("events.reconnect_scheduled",
			"project", sub.projectPath,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		if err := m.sleep(sub.ctx, delay); err != nil {
			return
		}
	}
}

// connect performs one streaming request and blocks until it ends.
func (m *Monitor) connect(sub *subscription) error {
	ctx, cancel := context.WithCancel(sub.ctx)
	defer cancel()

	sub.mu.Lock()
	if !sub.shouldReconnect {
		sub.mu.Unlock()
		return nil
	}
	sub.connCancel = cancel
	lastID := sub.lastEventID
	sub.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL(sub.url, sub.projectPath), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if lastID != "" {
		req.Header.Set("Last-Event-ID", lastID)
	}
	for k, v := range m.headers {
		req.Header.Set(k, v)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("stream returned HTTP %d", resp.StatusCode)
	}

	sub.mu.Lock()
	sub.reconnectAttempt = 0
	sub.lastHeartbeatAt = m.now()
	sub.mu.Unlock()
	slog.Info("events.connected", "project", sub.projectPath, "url", sub.url)

	watchdogDone := make(chan struct{})
	go m.watchdog(ctx, cancel, sub, watchdogDone)
	defer func() { <-watchdogDone }()
	defer cancel()

	return m.read(ctx, sub, resp.Body)
}

// watchdog cancels the connection when it has been silent for too long.
func (m *Monitor) watchdog(ctx context.Context, cancel context.CancelFunc, sub *subscription, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sub.mu.Lock()
			silent := m.now().Sub(sub.lastHeartbeatAt)
			sub.mu.Unlock()
			if silent > m.heartbeatTimeout {
				slog.Warn("events.heartbeat_stale", "project", sub.projectPath, "silent", silent)
				cancel()
				return
			}
		}
	}
}

func (m *Monitor) read(ctx context.Context, sub *subscription, body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var parser frameParser
	for scanner.Scan() {
		frame, kind := parser.Feed(strings.TrimSuffix(scanner.Text(), "\r"))
		switch kind {
		case lineComment:
			sub.touch(m.now())
		case lineFrame:
			sub.touch(m.now())
			m.handleFrame(sub, frame)
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("stream cancelled: %w", ctx.Err())
		}
		return fmt.Errorf("read stream: %w", err)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("stream cancelled: %w", ctx.Err())
	}
	return io.ErrUnexpectedEOF
}

func (m *Monitor) handleFrame(sub *subscription, f Frame) {
	if f.ID != "" {
		sub.mu.Lock()
		sub.lastEventID = f.ID
		sub.mu.Unlock()
	}
	typ, data := decodeFrame(f)
	if typ == protocol.StreamServerHeartbeat {
		return
	}
	if !IsRelevant(typ) {
		slog.Debug("events.dropped", "project", sub.projectPath, "type", typ)
		return
	}
	m.emit(sub.projectPath, Event{Type: typ, Data: data, Timestamp: m.now()})
}

func (m *Monitor) emit(projectPath string, ev Event) {
	m.mu.Lock()
	fns := make([]Handler, 0, len(m.handlers))
	for _, fn := range m.handlers {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("events.handler_panic", "project", projectPath, "type", ev.Type, "panic", r)
				}
			}()
			fn(projectPath, ev)
		}()
	}
}

func streamURL(serverURL, directory string) string {
	u := strings.TrimRight(serverURL, "/") + "/event"
	if directory == "" {
		return u
	}
	return u + "?directory=" + url.QueryEscape(directory)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

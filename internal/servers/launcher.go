package servers

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/conductor/internal/config"
)

const healthPollInterval = 500 * time.Millisecond

// Launcher runs one agent-server process per project and records its
// lifecycle in the Registry.
type Launcher struct {
	registry *Registry
	cfg      config.DispatchConfig
	client   *http.Client

	mu    sync.Mutex
	procs map[string]*exec.Cmd
	locks map[string]*sync.Mutex

	// probe checks a server's health endpoint. Tests replace it.
	probe func(ctx context.Context, url string) error
}

// NewLauncher creates a launcher bound to registry.
func NewLauncher(registry *Registry, cfg config.DispatchConfig) *Launcher {
	l := &Launcher{
		registry: registry,
		cfg:      cfg,
		client:   &http.Client{Timeout: 5 * time.Second},
		procs:    make(map[string]*exec.Cmd),
		locks:    make(map[string]*sync.Mutex),
	}
	l.probe = l.Probe
	return l
}

// Start ensures a running agent-server for projectPath. A server already
// recorded as running is returned as-is.
func (l *Launcher) Start(ctx context.Context, projectPath string) (ServerInfo, error) {
	lock := l.projectLock(projectPath)
	lock.Lock()
	defer lock.Unlock()

	if info, ok := l.registry.Get(projectPath); ok && info.Status == StatusRunning {
		return info, nil
	}

	port, err := l.allocatePort()
	if err != nil {
		return ServerInfo{}, err
	}
	host := l.cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	url := "http://" + net.JoinHostPort(host, strconv.Itoa(port))

	cmd := exec.Command(l.cfg.Command, substituteArgs(l.cfg.Args, port, projectPath)...)
	cmd.Dir = projectPath
	cmd.Env = os.Environ()
	if l.cfg.Password != "" && l.cfg.PasswordEnv != "" {
		cmd.Env = append(cmd.Env, l.cfg.PasswordEnv+"="+l.cfg.Password)
	}
	if err := cmd.Start(); err != nil {
		return ServerInfo{}, fmt.Errorf("start agent server for %s: %w", projectPath, err)
	}

	info := ServerInfo{
		ProjectPath: projectPath,
		PID:         cmd.Process.Pid,
		Port:        port,
		URL:         url,
		Status:      StatusStarting,
		StartedAt:   time.Now(),
	}
	if err := l.registry.Set(info); err != nil {
		_ = cmd.Process.Kill()
		return ServerInfo{}, err
	}

	l.mu.Lock()
	l.procs[projectPath] = cmd
	l.mu.Unlock()
	go l.wait(projectPath, cmd)

	slog.Info("servers.starting", "project", projectPath, "pid", info.PID, "port", port)

	if err := l.waitHealthy(ctx, url); err != nil {
		l.kill(projectPath)
		if uerr := l.registry.UpdateStatus(projectPath, StatusError); uerr != nil {
			slog.Warn("servers.status_update_failed", "project", projectPath, "error", uerr)
		}
		return ServerInfo{}, fmt.Errorf("agent server for %s not healthy: %w", projectPath, err)
	}
	if err := l.registry.UpdateStatus(projectPath, StatusRunning); err != nil {
		return ServerInfo{}, err
	}
	slog.Info("servers.running", "project", projectPath, "url", url)

	info, _ = l.registry.Get(projectPath)
	return info, nil
}

// Stop kills the project's process (if this launcher owns it) and records
// the server as stopped.
func (l *Launcher) Stop(projectPath string) error {
	l.kill(projectPath)
	info, ok := l.registry.Get(projectPath)
	if !ok || info.Status == StatusStopped {
		return nil
	}
	return l.registry.UpdateStatus(projectPath, StatusStopped)
}

// StopAll stops every process started by this launcher.
func (l *Launcher) StopAll() {
	l.mu.Lock()
	paths := make([]string, 0, len(l.procs))
	for p := range l.procs {
		paths = append(paths, p)
	}
	l.mu.Unlock()
	for _, p := range paths {
		if err := l.Stop(p); err != nil {
			slog.Warn("servers.stop_failed", "project", p, "error", err)
		}
	}
}

// Probe issues GET <url><health path> and expects a 2xx response.
func (l *Launcher) Probe(ctx context.Context, url string) error {
	path := l.cfg.HealthPath
	if path == "" {
		path = "/"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(url, "/")+path, nil)
	if err != nil {
		return err
	}
	if l.cfg.Password != "" {
		req.Header.Set("Authorization", "Bearer "+l.cfg.Password)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}

func (l *Launcher) waitHealthy(ctx context.Context, url string) error {
	timeout := l.cfg.StartTimeout.Std()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(healthPollInterval)
	defer ticker.Stop()
	var lastErr error
	for {
		if lastErr = l.probe(ctx, url); lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last probe: %v)", ctx.Err(), lastErr)
		case <-ticker.C:
		}
	}
}

// wait reaps the process and flags an unexpected exit as an error.
func (l *Launcher) wait(projectPath string, cmd *exec.Cmd) {
	err := cmd.Wait()

	l.mu.Lock()
	owned := l.procs[projectPath] == cmd
	if owned {
		delete(l.procs, projectPath)
	}
	l.mu.Unlock()
	if !owned {
		return
	}

	slog.Warn("servers.exited", "project", projectPath, "pid", cmd.Process.Pid, "error", err)
	if uerr := l.registry.UpdateStatus(projectPath, StatusError); uerr != nil {
		slog.Warn("servers.status_update_failed", "project", projectPath, "error", uerr)
	}
}

func (l *Launcher) kill(projectPath string) {
	l.mu.Lock()
	cmd, ok := l.procs[projectPath]
	delete(l.procs, projectPath)
	l.mu.Unlock()
	if ok && cmd.Process != nil {
		if err := cmd.Process.Kill(); err != nil {
			slog.Debug("servers.kill_failed", "project", projectPath, "error", err)
		}
	}
}

func (l *Launcher) projectLock(projectPath string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[projectPath]
	if !ok {
		m = &sync.Mutex{}
		l.locks[projectPath] = m
	}
	return m
}

// allocatePort returns the first port in the configured range that no live
// server claims and that can currently be bound.
func (l *Launcher) allocatePort() (int, error) {
	used := make(map[int]bool)
	for _, s := range l.registry.All() {
		if s.Status == StatusStarting || s.Status == StatusRunning {
			used[s.Port] = true
		}
	}
	host := l.cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	for port := l.cfg.PortRangeStart; port <= l.cfg.PortRangeEnd; port++ {
		if used[port] {
			continue
		}
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			continue
		}
		ln.Close()
		return port, nil
	}
	return 0, fmt.Errorf("no free port in range %d-%d", l.cfg.PortRangeStart, l.cfg.PortRangeEnd)
}

func substituteArgs(args []string, port int, dir string) []string {
	out := make([]string, len(args))
	r := strings.NewReplacer("{port}", strconv.Itoa(port), "{dir}", dir)
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}

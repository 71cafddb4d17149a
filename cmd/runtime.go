package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/conductor/internal/agentclient"
	"github.com/nextlevelbuilder/conductor/internal/bus"
	"github.com/nextlevelbuilder/conductor/internal/config"
	"github.com/nextlevelbuilder/conductor/internal/dispatch"
	"github.com/nextlevelbuilder/conductor/internal/events"
	"github.com/nextlevelbuilder/conductor/internal/notify"
	"github.com/nextlevelbuilder/conductor/internal/projects"
	"github.com/nextlevelbuilder/conductor/internal/routing"
	"github.com/nextlevelbuilder/conductor/internal/servers"
	"github.com/nextlevelbuilder/conductor/internal/store"
	"github.com/nextlevelbuilder/conductor/internal/store/file"
	"github.com/nextlevelbuilder/conductor/internal/store/pg"
	"github.com/nextlevelbuilder/conductor/internal/store/sqlite"
	"github.com/nextlevelbuilder/conductor/internal/tracing"
	"github.com/nextlevelbuilder/conductor/pkg/protocol"
)

// runtime is the assembled control plane shared by `serve` and `mcp`.
type runtime struct {
	cfg *config.Config

	bus        *bus.MessageBus
	stores     *store.Stores
	projects   *projects.Registry
	profiles   *projects.Profiles
	watcher    *projects.Watcher
	servers    *servers.Registry
	launcher   *servers.Launcher
	health     *servers.HealthMonitor
	pool       *agentclient.Pool
	tracker    *dispatch.Tracker
	router     *routing.Router
	dispatcher *dispatch.Dispatcher
	monitor    *events.Monitor
	relay      *notify.Relay
	hub        *notify.Hub

	shutdownTracing tracing.Shutdown
	unsubs          []func()
}

func setupLogging(w *os.File) {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: logLevel,
	})))
}

// openStores selects the server-record backend by database mode.
func openStores(cfg *config.Config) (*store.Stores, error) {
	sc := store.StoreConfig{
		Mode:        cfg.Database.Mode,
		Path:        config.ExpandHome(cfg.Database.Path),
		PostgresDSN: cfg.Database.PostgresDSN,
	}
	switch sc.Mode {
	case "managed":
		if sc.PostgresDSN == "" {
			return nil, fmt.Errorf("managed mode requires CONDUCTOR_POSTGRES_DSN")
		}
		return pg.NewPGStores(sc)
	case "sqlite":
		s, err := sqlite.NewSQLiteServerStore(sc.Path)
		if err != nil {
			return nil, err
		}
		return &store.Stores{Servers: s}, nil
	case "", "file":
		s, err := file.NewFileServerStore(sc.Path)
		if err != nil {
			return nil, err
		}
		return &store.Stores{Servers: s}, nil
	default:
		return nil, fmt.Errorf("unknown database mode %q", sc.Mode)
	}
}

func staticProfiles(cfg *config.Config) map[string]projects.Profile {
	out := make(map[string]projects.Profile, len(cfg.Projects.Profiles))
	for id, p := range cfg.Projects.Profiles {
		out[id] = projects.Profile{KeyConcepts: p.KeyConcepts, TechStack: p.TechStack, Services: p.Services}
	}
	return out
}

// buildRuntime assembles every component and wires their events together.
// Nothing runs in the background until run is called.
func buildRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	shutdown, err := tracing.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("setup tracing: %w", err)
	}

	stores, err := openStores(cfg)
	if err != nil {
		shutdown(ctx)
		return nil, fmt.Errorf("open store: %w", err)
	}

	rt := &runtime{cfg: cfg, bus: bus.New(), stores: stores, shutdownTracing: shutdown}

	roots := cfg.ResolvedRoots()
	rt.projects = projects.NewRegistry()
	rt.watcher = projects.NewWatcher(rt.projects, roots, cfg.Projects.MaxDepth)
	rt.watcher.Rescan()
	rt.profiles = projects.NewProfiles(rt.projects, staticProfiles(cfg))

	rt.servers, err = servers.NewRegistry(ctx, stores.Servers)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("load servers: %w", err)
	}
	rt.launcher = servers.NewLauncher(rt.servers, cfg.Dispatch)
	rt.health = servers.NewHealthMonitor(rt.servers, rt.launcher, cfg.Dispatch.HealthInterval.Std(), cfg.Dispatch.FailureThreshold)

	rt.pool = agentclient.NewPool()
	rt.tracker = dispatch.NewTracker(0)
	rt.router = routing.New(rt.projects, rt.profiles)
	rt.dispatcher = dispatch.New(dispatch.Dependencies{
		Projects: rt.projects,
		Servers:  rt.servers,
		Starter:  rt.launcher,
		Pool:     rt.pool,
		Tracker:  rt.tracker,
		Router:   rt.router,
		Config:   cfg.Dispatch,
	})

	monitorOpts := []events.Option{
		events.WithBackoff(cfg.Events.BackoffBase.Std(), cfg.Events.BackoffMax.Std()),
		events.WithHeartbeat(cfg.Events.HeartbeatInterval.Std(), cfg.Events.HeartbeatTimeout.Std()),
	}
	if pw := cfg.Dispatch.Password; pw != "" {
		monitorOpts = append(monitorOpts, events.WithHeaders(map[string]string{"Authorization": "Bearer " + pw}))
	}
	rt.monitor = events.NewMonitor(monitorOpts...)

	rt.relay = notify.NewRelay(rt.tracker)
	rt.hub = notify.NewHub(append(notify.FromConfig(cfg.Notify), notify.NewBusNotifier(rt.bus))...)

	rt.wire()
	return rt, nil
}

// wire connects registry and tracker events to the monitor, pool and bus.
func (rt *runtime) wire() {
	rt.unsubs = append(rt.unsubs,
		rt.servers.OnStatusChange(rt.onServerStatus),
		rt.projects.OnChange(func(ev projects.ChangeEvent) {
			if ev.Kind == projects.ChangeRemoved {
				rt.profiles.Forget(ev.Project.ID)
			}
			rt.bus.Broadcast(bus.Event{Name: protocol.EventProjectChange, Payload: ev})
		}),
		rt.tracker.OnUpdate(func(rec dispatch.Record) {
			rt.bus.Broadcast(bus.Event{Name: protocol.EventDispatch, Payload: rec})
		}),
		rt.relay.OnNotification(rt.hub.Notify),
	)
	rt.relay.Start(rt.monitor)

	// Servers already running before this process started.
	for _, info := range rt.servers.All() {
		if info.Status == servers.StatusRunning && info.URL != "" {
			rt.monitor.Subscribe(info.URL, info.ProjectPath)
		}
	}
}

func (rt *runtime) onServerStatus(ch servers.StatusChange) {
	info := ch.Server
	rt.bus.Broadcast(bus.Event{Name: protocol.EventServerStatus, Payload: ch})

	proj, known := rt.projects.GetByPath(info.ProjectPath)
	switch info.Status {
	case servers.StatusRunning:
		rt.monitor.Subscribe(info.URL, info.ProjectPath)
		if known {
			rt.projects.UpdateState(proj.ID, projects.StateActive)
		}
	case servers.StatusStopped, servers.StatusError:
		rt.monitor.Unsubscribe(info.ProjectPath)
		rt.pool.Invalidate(info.ProjectPath)
		if known {
			rt.projects.UpdateState(proj.ID, projects.StateInactive)
		}
	}
}

// run blocks until ctx is cancelled or a subsystem fails. extra runs
// alongside the built-in loops (e.g. the gateway).
func (rt *runtime) run(ctx context.Context, extra ...func(context.Context) error) error {
	g, ctx := errgroup.WithContext(ctx)
	if rt.cfg.Projects.Watch {
		g.Go(func() error { return rt.watcher.Run(ctx) })
	}
	g.Go(func() error { return rt.health.Run(ctx) })
	for _, fn := range extra {
		g.Go(func() error { return fn(ctx) })
	}
	return g.Wait()
}

// close stops background work and releases resources. Managed servers are
// stopped too: they are children of this process.
func (rt *runtime) close() {
	for _, unsub := range rt.unsubs {
		unsub()
	}
	if rt.relay != nil {
		rt.relay.Stop()
	}
	if rt.monitor != nil {
		rt.monitor.Close()
	}
	if rt.launcher != nil {
		rt.launcher.StopAll()
	}
	if rt.hub != nil {
		rt.hub.Wait()
	}
	if err := rt.stores.Close(); err != nil {
		slog.Warn("store.close_failed", "error", err)
	}
	if rt.shutdownTracing != nil {
		if err := rt.shutdownTracing(context.Background()); err != nil {
			slog.Warn("tracing.shutdown_failed", "error", err)
		}
	}
}

// defaultConfigPath is ~/.conductor/config.json5.
func defaultConfigPath() string {
	return filepath.Join(config.ExpandHome("~/.conductor"), "config.json5")
}

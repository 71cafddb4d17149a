// Package dispatch delivers messages to project sessions and tracks them
// until the agent-server reports a result.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/conductor/internal/agentclient"
	"github.com/nextlevelbuilder/conductor/internal/config"
	"github.com/nextlevelbuilder/conductor/internal/projects"
	"github.com/nextlevelbuilder/conductor/internal/routing"
	"github.com/nextlevelbuilder/conductor/internal/servers"
)

var (
	ErrProjectNotFound = errors.New("project not found")
	ErrMaxConcurrent   = errors.New("max concurrent dispatches reached")
	ErrNoServer        = errors.New("no running agent server")
)

const tracerName = "github.com/nextlevelbuilder/conductor/internal/dispatch"

// ServerStarter brings up an agent-server for a project.
type ServerStarter interface {
	Start(ctx context.Context, projectPath string) (servers.ServerInfo, error)
}

// Dependencies are the collaborators a Dispatcher composes.
type Dependencies struct {
	Projects *projects.Registry
	Servers  *servers.Registry
	Starter  ServerStarter // nil: only already-running servers are used
	Pool     *agentclient.Pool
	Tracker  *Tracker
	Router   *routing.Router // required by HandleMessage only
	Config   config.DispatchConfig
	Tracer   trace.Tracer
}

// Options tune a single Dispatch call.
type Options struct {
	SessionID  string
	NewSession bool
	Title      string // title for a newly created session
}

// Dispatcher delivers one message end-to-end.
type Dispatcher struct {
	deps   Dependencies
	tracer trace.Tracer
	now    func() time.Time
}

// New creates a Dispatcher.
func New(deps Dependencies) *Dispatcher {
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Dispatcher{deps: deps, tracer: tracer, now: time.Now}
}

// Tracker exposes the dispatch tracker.
func (d *Dispatcher) Tracker() *Tracker { return d.deps.Tracker }

// Dispatch resolves projectName, enforces the per-project concurrency limit,
// ensures the project's server is running, resolves a session and sends
// message asynchronously. On any failure after the record is created the
// record is marked failed and the error returned.
func (d *Dispatcher) Dispatch(ctx context.Context, projectName, message string, opts Options) (Record, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.send",
		trace.WithAttributes(attribute.String("conductor.project", projectName)))
	defer span.End()

	proj, err := d.resolveProject(projectName)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Record{}, err
	}

	rec, err := d.reserve(span, proj, message)
	if err != nil {
		return Record{}, err
	}
	return d.deliver(ctx, span, rec, proj, message, opts)
}

// reserve records a pending dispatch for proj, enforcing the per-project
// concurrency limit before any I/O happens.
func (d *Dispatcher) reserve(span trace.Span, proj projects.Project, message string) (Record, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Record{}, fmt.Errorf("generate dispatch id: %w", err)
	}
	rec := Record{
		ID:           id.String(),
		ProjectPath:  proj.Path,
		ProjectName:  proj.Name,
		Message:      message,
		DispatchedAt: d.now(),
	}
	if !d.deps.Tracker.TryRecord(rec, d.deps.Config.MaxConcurrent) {
		span.SetStatus(codes.Error, ErrMaxConcurrent.Error())
		return Record{}, fmt.Errorf("%w for %s (limit %d)", ErrMaxConcurrent, proj.Name, d.deps.Config.MaxConcurrent)
	}
	span.SetAttributes(attribute.String("conductor.dispatch_id", rec.ID))
	return rec, nil
}

// fail marks a reserved dispatch failed and returns its final record.
func (d *Dispatcher) fail(span trace.Span, rec Record, err error) (Record, error) {
	d.deps.Tracker.MarkFailed(rec.ID, err.Error())
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	slog.Warn("dispatch.failed", "id", rec.ID, "project", rec.ProjectName, "error", err)
	failed, _ := d.deps.Tracker.Get(rec.ID)
	return failed, err
}

// deliver ensures the server, resolves the session and sends message for a
// reserved dispatch.
func (d *Dispatcher) deliver(ctx context.Context, span trace.Span, rec Record, proj projects.Project, message string, opts Options) (Record, error) {
	client, err := d.clientFor(ctx, proj)
	if err != nil {
		return d.fail(span, rec, err)
	}

	sessionID, err := d.resolveSession(ctx, client, message, opts)
	if err != nil {
		return d.fail(span, rec, err)
	}
	d.deps.Tracker.SetSession(rec.ID, sessionID)
	span.SetAttributes(attribute.String("conductor.session_id", sessionID))

	if err := client.PromptAsync(ctx, sessionID, message); err != nil {
		return d.fail(span, rec, err)
	}
	d.deps.Tracker.MarkSent(rec.ID)

	slog.Info("dispatch.sent", "id", rec.ID, "project", proj.Name, "session", sessionID)
	sent, _ := d.deps.Tracker.Get(rec.ID)
	return sent, nil
}

// Cancel stops tracking a dispatch. The agent-server is not interrupted.
func (d *Dispatcher) Cancel(id string) bool {
	return d.deps.Tracker.Cancel(id)
}

func (d *Dispatcher) resolveProject(name string) (projects.Project, error) {
	if p, ok := d.deps.Projects.Get(name); ok {
		return p, nil
	}
	if p, ok := d.deps.Projects.FindByName(name); ok {
		return p, nil
	}
	return projects.Project{}, fmt.Errorf("%w: %s", ErrProjectNotFound, name)
}

// clientFor returns a pooled client for the project's running server,
// starting the server first when needed.
func (d *Dispatcher) clientFor(ctx context.Context, proj projects.Project) (*agentclient.Client, error) {
	info, ok := d.deps.Servers.Get(proj.Path)
	if !ok || info.Status != servers.StatusRunning {
		if d.deps.Starter == nil {
			return nil, fmt.Errorf("%w for %s", ErrNoServer, proj.Name)
		}
		var err error
		info, err = d.deps.Starter.Start(ctx, proj.Path)
		if err != nil {
			return nil, fmt.Errorf("ensure server: %w", err)
		}
	}
	return d.deps.Pool.GetClient(proj.Path, info.URL, proj.Path, d.deps.Config.Password), nil
}

func (d *Dispatcher) resolveSession(ctx context.Context, client *agentclient.Client, message string, opts Options) (string, error) {
	if opts.SessionID != "" {
		return opts.SessionID, nil
	}
	if !opts.NewSession {
		list, err := client.ListSessions(ctx)
		if err != nil {
			return "", err
		}
		var best *agentclient.Session
		for i := range list {
			if best == nil || list[i].Time.Updated > best.Time.Updated {
				best = &list[i]
			}
		}
		if best != nil {
			return best.ID, nil
		}
	}
	title := opts.Title
	if title == "" {
		title = sessionTitle(message)
	}
	s, err := client.CreateSession(ctx, title)
	if err != nil {
		return "", err
	}
	return s.ID, nil
}

const maxTitleRunes = 60

func sessionTitle(message string) string {
	msg := strings.Join(strings.Fields(message), " ")
	r := []rune(msg)
	if len(r) <= maxTitleRunes {
		return msg
	}
	return strings.TrimSpace(string(r[:maxTitleRunes])) + "…"
}

package dispatch

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/conductor/internal/projects"
	"github.com/nextlevelbuilder/conductor/internal/routing"
	"github.com/nextlevelbuilder/conductor/internal/sessions"
)

// HandleOptions carry caller hints for HandleMessage. Project skips routing.
type HandleOptions struct {
	Project string
	sessions.Overrides
}

// HandleResult reports every decision HandleMessage made. Record is nil when
// routing could not determine a project.
type HandleResult struct {
	Route  routing.Result         `json:"route"`
	Target *sessions.TargetResult `json:"target,omitempty"`
	Record *Record                `json:"dispatch,omitempty"`
}

// HandleMessage routes text to a project, picks a session and dispatches.
// An undetermined project is not an error: the result carries the routing
// candidates and no record.
func (d *Dispatcher) HandleMessage(ctx context.Context, text string, opts HandleOptions) (HandleResult, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.handle_message")
	defer span.End()

	var res HandleResult
	if opts.Project != "" {
		res.Route = routing.Result{ProjectID: opts.Project, Confidence: routing.ConfidenceExplicit, Layer: 1, CleanedMessage: text}
	} else {
		if d.deps.Router == nil {
			return res, errors.New("no router configured")
		}
		res.Route = d.deps.Router.Route(ctx, text)
	}
	span.SetAttributes(
		attribute.String("conductor.route.confidence", string(res.Route.Confidence)),
		attribute.Int("conductor.route.layer", res.Route.Layer),
	)
	if res.Route.ProjectID == "" {
		return res, nil
	}

	message := res.Route.CleanedMessage
	if message == "" {
		message = text
	}

	proj, err := d.resolveProject(res.Route.ProjectID)
	if err != nil {
		return res, err
	}

	// The slot is reserved before targeting, which may start a server.
	rec, err := d.reserve(span, proj, message)
	if err != nil {
		return res, err
	}

	target, err := d.target(ctx, proj, message, opts.Overrides)
	if err != nil {
		failed, err := d.fail(span, rec, err)
		res.Record = &failed
		return res, err
	}
	res.Target = &target
	span.AddEvent("session.targeted", trace.WithAttributes(
		attribute.String("strategy", string(target.Strategy)),
		attribute.Float64("confidence", target.Confidence),
	))

	rec, err = d.deliver(ctx, span, rec, proj, message, Options{
		SessionID:  target.SessionID,
		NewSession: target.NeedsCreate,
	})
	res.Record = &rec
	return res, err
}

// target lists the project's sessions and picks one. Explicit overrides
// short-circuit without contacting the server.
func (d *Dispatcher) target(ctx context.Context, proj projects.Project, message string, o sessions.Overrides) (sessions.TargetResult, error) {
	if o.SessionID != "" || o.NewSession {
		return sessions.FindBestSession(nil, message, o, d.now()), nil
	}
	client, err := d.clientFor(ctx, proj)
	if err != nil {
		return sessions.TargetResult{}, err
	}
	list, err := client.ListSessions(ctx)
	if err != nil {
		return sessions.TargetResult{}, fmt.Errorf("list sessions for %s: %w", proj.Name, err)
	}
	return sessions.FindBestSession(list, message, o, d.now()), nil
}

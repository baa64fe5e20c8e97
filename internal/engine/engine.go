// Package engine implements the approval-gated pipeline state machine.
//
// The engine processes discrete, idempotent steps triggered by events:
// artifact creation, approval decisions, and transform completion. It
// holds no durable state of its own; every decision is re-read from the
// store before being acted on, so the engine is stateless across
// restarts and a run can be resumed from store contents alone.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fulcrumlabs/stagegate/internal/domain"
	"github.com/fulcrumlabs/stagegate/internal/events"
	"github.com/fulcrumlabs/stagegate/internal/ledger"
	"github.com/fulcrumlabs/stagegate/internal/stage"
	"github.com/fulcrumlabs/stagegate/internal/storage"
	"github.com/fulcrumlabs/stagegate/internal/transform"
)

// DefaultIdentity is recorded as createdBy on artifacts the engine derives.
const DefaultIdentity = "pipeline-engine"

// Config wires the engine's collaborators.
type Config struct {
	Store      storage.Store
	Stages     *stage.Registry
	Dispatcher transform.Dispatcher

	// Resolver selects approvers per stage. Defaults to the static
	// per-stage assignment.
	Resolver stage.ApproverResolver

	// Events receives lifecycle events. Defaults to a no-op publisher.
	Events events.Publisher

	Logger *slog.Logger

	// Identity overrides DefaultIdentity for derived artifacts.
	Identity string
}

// Engine orchestrates artifact creation, approval evaluation, transform
// dispatch, and the fan-out/fan-in join.
type Engine struct {
	store      storage.Store
	stages     *stage.Registry
	resolver   stage.ApproverResolver
	ledger     *ledger.Ledger
	dispatcher transform.Dispatcher
	events     events.Publisher
	logger     *slog.Logger
	identity   string

	// completion notifier channels, keyed by branch parent id.
	notifyMu sync.Mutex
	notify   map[string]chan struct{}
}

// New creates a pipeline engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Stages == nil {
		return nil, fmt.Errorf("stage registry required")
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("transform dispatcher required")
	}
	if cfg.Resolver == nil {
		cfg.Resolver = stage.StaticResolver{}
	}
	if cfg.Events == nil {
		cfg.Events = events.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Identity == "" {
		cfg.Identity = DefaultIdentity
	}

	return &Engine{
		store:      cfg.Store,
		stages:     cfg.Stages,
		resolver:   cfg.Resolver,
		ledger:     ledger.New(cfg.Store, cfg.Logger),
		dispatcher: cfg.Dispatcher,
		events:     cfg.Events,
		logger:     cfg.Logger,
		identity:   cfg.Identity,
		notify:     make(map[string]chan struct{}),
	}, nil
}

// Ledger exposes the engine's approval ledger, for surfaces that list
// approval records.
func (e *Engine) Ledger() *ledger.Ledger {
	return e.ledger
}

// StartRun creates the root artifact for a new pipeline run and seeds
// its approvals.
func (e *Engine) StartRun(ctx context.Context, name string, content json.RawMessage, createdBy string) (*domain.Artifact, error) {
	if name == "" {
		return nil, domain.ErrValidation("run name is required")
	}
	if len(content) == 0 || !json.Valid(content) {
		return nil, domain.ErrValidation("run content must be a JSON document")
	}
	if createdBy == "" {
		createdBy = "api"
	}

	root, err := e.stages.ByOrder(0)
	if err != nil {
		return nil, err
	}

	art := &domain.Artifact{
		ID:        uuid.New().String(),
		Name:      name,
		Type:      root.Type,
		Content:   content,
		Status:    domain.StatusDraft,
		CreatedBy: createdBy,
	}

	if err := e.store.CreateArtifact(ctx, art); err != nil {
		return nil, err
	}
	e.publish(ctx, art.ID, events.TypeArtifactCreated, string(art.Type))

	if err := e.activate(ctx, art, root); err != nil {
		return nil, err
	}

	e.logger.Info("pipeline run started",
		slog.String("artifact_id", art.ID),
		slog.String("name", name),
	)

	return e.store.GetArtifact(ctx, art.ID)
}

// activate seeds approvals for a freshly created artifact and moves it
// to PENDING_APPROVAL. Safe to replay: seeding is idempotent and an
// already-pending artifact is left alone.
func (e *Engine) activate(ctx context.Context, art *domain.Artifact, s stage.Stage) error {
	approvers, err := e.resolver.Resolve(ctx, s)
	if err != nil {
		return wrapArtifact(err, art.ID, s)
	}

	created, err := e.ledger.Seed(ctx, art.ID, approvers)
	if err != nil {
		return wrapArtifact(err, art.ID, s)
	}
	if created > 0 {
		e.publish(ctx, art.ID, events.TypeApprovalsSeeded, fmt.Sprintf("%d approvers", created))
	}

	err = e.store.UpdateArtifactStatus(ctx, art.ID, domain.StatusDraft, domain.StatusPendingApproval)
	if err != nil {
		if domain.IsKind(err, domain.KindConflict) {
			// Replay: a previous activation already advanced the status.
			current, getErr := e.store.GetArtifact(ctx, art.ID)
			if getErr == nil && current.Status != domain.StatusDraft {
				return nil
			}
		}
		return wrapArtifact(err, art.ID, s)
	}

	e.logger.Info("artifact awaiting approval",
		slog.String("artifact_id", art.ID),
		slog.String("stage", string(s.Type)),
		slog.Int("required_approvals", s.RequiredApprovals),
	)

	return nil
}

// publish emits a lifecycle event. Publishing is best-effort and never
// blocks stage advancement.
func (e *Engine) publish(ctx context.Context, artifactID string, typ events.Type, detail string) {
	ev := &events.Event{
		ArtifactID: artifactID,
		Type:       typ,
		Detail:     detail,
		Timestamp:  time.Now(),
	}
	if err := e.events.Publish(ctx, ev); err != nil {
		e.logger.Warn("event publish failed",
			slog.String("artifact_id", artifactID),
			slog.String("event", string(typ)),
			slog.String("error", err.Error()),
		)
	}
}

// wrapArtifact attaches artifact and stage context to pipeline errors so
// every fatal condition surfaces them.
func wrapArtifact(err error, artifactID string, s stage.Stage) error {
	var pe *domain.Error
	if e, ok := err.(*domain.Error); ok {
		pe = e
	} else {
		return err
	}
	if pe.ArtifactID == "" {
		pe.WithArtifact(artifactID, string(s.Type))
	}
	return pe
}

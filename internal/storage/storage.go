// Package storage defines the persistence interfaces for the pipeline.
//
// The durable store owns all pipeline state: the engine holds no
// authoritative copy and re-reads every record before acting on it, so a
// crash mid-run is recoverable by replaying from store contents. All
// mutation goes through the per-record compare-and-set operations below;
// no caller may read-modify-write around them.
package storage

import (
	"context"

	"github.com/fulcrumlabs/stagegate/internal/domain"
)

// ArtifactStore persists artifacts and their status transitions.
type ArtifactStore interface {
	CreateArtifact(ctx context.Context, art *domain.Artifact) error
	GetArtifact(ctx context.Context, id string) (*domain.Artifact, error)

	// UpdateArtifactStatus transitions an artifact's status atomically.
	// It fails with a conflict error when the current status is not
	// `from`, and not-found when the id is unknown.
	UpdateArtifactStatus(ctx context.Context, id string, from, to domain.ArtifactStatus) error

	// ListChildren returns the artifacts of the given type derived from
	// parentID. The (parentID, type) pair is the dedup key for dispatch
	// idempotence.
	ListChildren(ctx context.Context, parentID string, typ domain.ArtifactType) ([]*domain.Artifact, error)
}

// ApprovalStore persists approval records.
type ApprovalStore interface {
	// CreateApproval inserts a PENDING record. Inserting a second record
	// for the same (artifact, stakeholder) pair is a no-op returning
	// created=false, which makes seeding idempotent.
	CreateApproval(ctx context.Context, appr *domain.Approval) (created bool, err error)

	GetApproval(ctx context.Context, id string) (*domain.Approval, error)
	ListApprovalsByArtifact(ctx context.Context, artifactID string) ([]*domain.Approval, error)

	// UpdateApprovalDecision transitions a PENDING record to the decision
	// in a single compare-and-set. A record that has already left PENDING
	// fails with an approval conflict and keeps its original decision.
	UpdateApprovalDecision(ctx context.Context, id string, decision domain.ApprovalStatus, comment string) error
}

// CompletionStore persists the fan-in completion record.
type CompletionStore interface {
	// CreateCompletion inserts the completion record for a parent
	// artifact. At most one record exists per parent: the first insert
	// wins and returns created=true, any later insert returns
	// created=false with the existing record untouched.
	CreateCompletion(ctx context.Context, c *domain.Completion) (created bool, err error)

	GetCompletionByParent(ctx context.Context, parentID string) (*domain.Completion, error)
}

// EventStore persists pipeline lifecycle events.
type EventStore interface {
	AppendEvent(ctx context.Context, ev *Event) error
	ListEventsByArtifact(ctx context.Context, artifactID string) ([]*Event, error)
}

// Event is a pipeline lifecycle event appended to storage.
type Event struct {
	ID         string `json:"id"`
	ArtifactID string `json:"artifact_id"`
	Type       string `json:"type"`
	Detail     string `json:"detail,omitempty"`
	CreatedAt  int64  `json:"created_at"` // unix nanoseconds
}

// Store aggregates all persistence concerns of the pipeline.
type Store interface {
	ArtifactStore
	ApprovalStore
	CompletionStore
	EventStore

	Close() error
}

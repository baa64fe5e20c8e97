// Package events defines pipeline lifecycle event publishing.
package events

import (
	"context"
	"time"
)

// Type identifies a pipeline lifecycle event.
type Type string

const (
	TypeArtifactCreated   Type = "artifact_created"
	TypeApprovalsSeeded   Type = "approvals_seeded"
	TypeDecisionRecorded  Type = "decision_recorded"
	TypeArtifactApproved  Type = "artifact_approved"
	TypeArtifactRejected  Type = "artifact_rejected"
	TypeTransformFailed   Type = "transform_failed"
	TypePipelineCompleted Type = "pipeline_completed"
)

// Event is a discrete pipeline lifecycle occurrence.
type Event struct {
	ArtifactID string
	Type       Type
	Detail     string
	Timestamp  time.Time
}

// Publisher delivers pipeline lifecycle events. Publishing is
// best-effort from the engine's perspective: a failed publish never
// blocks stage advancement.
type Publisher interface {
	Publish(ctx context.Context, ev *Event) error
	Close() error
}

// Nop is a Publisher that discards all events.
type Nop struct{}

func (Nop) Publish(context.Context, *Event) error { return nil }
func (Nop) Close() error                          { return nil }

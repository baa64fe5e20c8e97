package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fulcrumlabs/stagegate/internal/domain"
	"github.com/fulcrumlabs/stagegate/internal/events"
)

// RecordDecision records a stakeholder's decision on an artifact and
// re-evaluates quorum. On quorum the artifact is advanced exactly once:
// the PENDING_APPROVAL → APPROVED compare-and-set decides which decision
// event wins when several arrive concurrently.
//
// A REJECTED vote is recorded and tallied but never moves the artifact
// to REJECTED; only the explicit RejectArtifact action does that.
func (e *Engine) RecordDecision(ctx context.Context, artifactID, stakeholderID string, decision domain.ApprovalStatus, comment string) (*domain.Artifact, error) {
	art, err := e.store.GetArtifact(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	if art.Status != domain.StatusPendingApproval {
		return nil, domain.ErrConflict(
			fmt.Sprintf("artifact %s is %s, no further decisions accepted", artifactID, art.Status)).
			WithCode(domain.CodeTerminalStatus).
			WithArtifact(artifactID, string(art.Type))
	}

	appr, err := e.ledger.Find(ctx, artifactID, stakeholderID)
	if err != nil {
		return nil, err
	}

	// Single atomic compare-and-set; conflicts and unknown ids surface
	// immediately, never retried.
	if _, err := e.ledger.Record(ctx, appr.ID, decision, comment); err != nil {
		return nil, err
	}
	e.publish(ctx, artifactID, events.TypeDecisionRecorded,
		fmt.Sprintf("%s: %s", stakeholderID, decision))

	if err := e.evaluateQuorum(ctx, artifactID); err != nil {
		return nil, err
	}

	return e.store.GetArtifact(ctx, artifactID)
}

// evaluateQuorum re-reads the artifact and its approvals and advances
// the pipeline when enough yes votes have accumulated. Idempotent: once
// an artifact is APPROVED, re-evaluation is a no-op.
func (e *Engine) evaluateQuorum(ctx context.Context, artifactID string) error {
	art, err := e.store.GetArtifact(ctx, artifactID)
	if err != nil {
		return err
	}
	if art.Status != domain.StatusPendingApproval {
		return nil
	}

	s, err := e.stages.ByType(art.Type)
	if err != nil {
		return wrapArtifactType(err, art)
	}

	ok, tally, err := e.ledger.Quorum(ctx, artifactID, s.RequiredApprovals)
	if err != nil {
		return err
	}

	e.logger.Info("quorum evaluated",
		slog.String("artifact_id", artifactID),
		slog.String("stage", string(s.Type)),
		slog.Int("approved", tally.Approved),
		slog.Int("rejected", tally.Rejected),
		slog.Int("required", s.RequiredApprovals),
		slog.Bool("quorum", ok),
	)

	if !ok {
		return nil
	}

	// Exactly-once advancement: only one evaluator wins this transition.
	err = e.store.UpdateArtifactStatus(ctx, artifactID, domain.StatusPendingApproval, domain.StatusApproved)
	if err != nil {
		if domain.IsKind(err, domain.KindConflict) {
			return nil
		}
		return err
	}

	// Stage-complete signal: artifact id plus resolved successor types.
	successors := make([]string, len(s.Successors))
	for i, t := range s.Successors {
		successors[i] = string(t)
	}
	e.publish(ctx, artifactID, events.TypeArtifactApproved, strings.Join(successors, ","))

	art.Status = domain.StatusApproved
	return e.advance(ctx, art, s)
}

// RejectArtifact is the explicit reject action, distinct from a
// stakeholder's individual vote. It records the stakeholder's REJECTED
// decision when one is still pending, then moves the artifact to its
// terminal REJECTED status. An APPROVED artifact may still be rejected:
// that is the cancellation signal for an in-flight transform, whose
// result is discarded once it returns. Rejection halts that branch;
// descendants already created are not rolled back.
func (e *Engine) RejectArtifact(ctx context.Context, artifactID, stakeholderID, comment string) (*domain.Artifact, error) {
	art, err := e.store.GetArtifact(ctx, artifactID)
	if err != nil {
		return nil, err
	}

	if stakeholderID != "" {
		if appr, err := e.ledger.Find(ctx, artifactID, stakeholderID); err == nil {
			if appr.Status == domain.ApprovalPending {
				if _, err := e.ledger.Record(ctx, appr.ID, domain.ApprovalRejected, comment); err != nil {
					return nil, err
				}
			}
		}
	}

	err = e.store.UpdateArtifactStatus(ctx, artifactID, domain.StatusPendingApproval, domain.StatusRejected)
	if err != nil && domain.IsKind(err, domain.KindConflict) {
		err = e.store.UpdateArtifactStatus(ctx, artifactID, domain.StatusApproved, domain.StatusRejected)
	}
	if err != nil {
		return nil, wrapArtifactType(err, art)
	}

	e.publish(ctx, artifactID, events.TypeArtifactRejected, comment)
	e.logger.Info("artifact rejected",
		slog.String("artifact_id", artifactID),
		slog.String("stage", string(art.Type)),
		slog.String("stakeholder", stakeholderID),
	)

	return e.store.GetArtifact(ctx, artifactID)
}

func wrapArtifactType(err error, art *domain.Artifact) error {
	if pe, ok := err.(*domain.Error); ok && pe.ArtifactID == "" {
		return pe.WithArtifact(art.ID, string(art.Type))
	}
	return err
}

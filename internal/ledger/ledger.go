// Package ledger tracks approval requests and decisions per artifact and
// computes quorum.
package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/fulcrumlabs/stagegate/internal/domain"
	"github.com/fulcrumlabs/stagegate/internal/storage"
)

// Ledger is the approval bookkeeping component. It owns no state of its
// own; every operation goes straight to the approval store.
type Ledger struct {
	store  storage.ApprovalStore
	logger *slog.Logger
}

// New creates a ledger over the given approval store.
func New(store storage.ApprovalStore, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, logger: logger}
}

// Seed creates one PENDING approval record per approver that does not
// already have a record for the artifact. Re-invocation is a no-op for
// already-seeded approvers, so retries never duplicate requests.
// Returns the number of records actually created.
func (l *Ledger) Seed(ctx context.Context, artifactID string, approvers []string) (int, error) {
	created := 0
	for _, stakeholder := range approvers {
		appr := &domain.Approval{
			ID:            uuid.New().String(),
			ArtifactID:    artifactID,
			StakeholderID: stakeholder,
			Status:        domain.ApprovalPending,
		}

		ok, err := l.store.CreateApproval(ctx, appr)
		if err != nil {
			return created, fmt.Errorf("seeding approval for %s: %w", stakeholder, err)
		}
		if ok {
			created++
		}
	}

	l.logger.Debug("approvals seeded",
		slog.String("artifact_id", artifactID),
		slog.Int("created", created),
		slog.Int("approvers", len(approvers)),
	)

	return created, nil
}

// Record atomically transitions a PENDING approval to the decision. It
// fails with an approval conflict when the record has already been
// decided and not-found when the id is unknown; neither is retried.
func (l *Ledger) Record(ctx context.Context, approvalID string, decision domain.ApprovalStatus, comment string) (*domain.Approval, error) {
	if !decision.IsDecision() {
		return nil, domain.ErrValidation(fmt.Sprintf("invalid decision %q", decision))
	}

	if err := l.store.UpdateApprovalDecision(ctx, approvalID, decision, comment); err != nil {
		return nil, err
	}

	return l.store.GetApproval(ctx, approvalID)
}

// Find returns the approval record for a (artifact, stakeholder) pair.
func (l *Ledger) Find(ctx context.Context, artifactID, stakeholderID string) (*domain.Approval, error) {
	approvals, err := l.store.ListApprovalsByArtifact(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	for _, appr := range approvals {
		if appr.StakeholderID == stakeholderID {
			return appr, nil
		}
	}
	return nil, domain.ErrNotFound(
		fmt.Sprintf("no approval for stakeholder %s on artifact %s", stakeholderID, artifactID))
}

// Tally is the decision count over one artifact's approval records.
type Tally struct {
	Approved int
	Rejected int
	Pending  int
}

// Quorum reports whether the artifact has collected at least `required`
// APPROVED decisions, computed over a consistent snapshot of its records.
// Rejections are tallied separately and never subtract from the approved
// count: quorum is a pure enough-yes-votes test.
func (l *Ledger) Quorum(ctx context.Context, artifactID string, required int) (bool, Tally, error) {
	approvals, err := l.store.ListApprovalsByArtifact(ctx, artifactID)
	if err != nil {
		return false, Tally{}, err
	}

	var tally Tally
	for _, appr := range approvals {
		switch appr.Status {
		case domain.ApprovalApproved:
			tally.Approved++
		case domain.ApprovalRejected:
			tally.Rejected++
		default:
			tally.Pending++
		}
	}

	return tally.Approved >= required, tally, nil
}

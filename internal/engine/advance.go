package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/fulcrumlabs/stagegate/internal/domain"
	"github.com/fulcrumlabs/stagegate/internal/events"
	"github.com/fulcrumlabs/stagegate/internal/stage"
)

// advance dispatches the transform for an APPROVED artifact and creates
// its successor artifact(s). Terminal stages instead run the join check.
//
// Dispatch is idempotent from the engine's point of view: a child of the
// target type already existing under this parent suppresses creation,
// regardless of how many times the transform itself ran.
func (e *Engine) advance(ctx context.Context, art *domain.Artifact, s stage.Stage) error {
	if len(s.Successors) == 0 {
		return e.checkJoin(ctx, art)
	}

	existing := make(map[domain.ArtifactType]*domain.Artifact, len(s.Successors))
	missing := 0
	for _, succ := range s.Successors {
		children, err := e.store.ListChildren(ctx, art.ID, succ)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			existing[succ] = children[0]
		} else {
			missing++
		}
	}
	if missing == 0 {
		// Replay: every successor already exists.
		return nil
	}

	output, err := e.dispatcher.Invoke(ctx, s.Transform, art.Content)
	if err != nil {
		return e.dispatchFailed(ctx, art, s, err)
	}

	// A rejection may have arrived while the transform was in flight;
	// its result is discarded, not applied.
	current, err := e.store.GetArtifact(ctx, art.ID)
	if err != nil {
		return err
	}
	if current.Status == domain.StatusRejected {
		e.logger.Info("discarding transform result for rejected artifact",
			slog.String("artifact_id", art.ID),
			slog.String("transform", s.Transform),
		)
		return nil
	}

	payloads, err := splitPayloads(s, output)
	if err != nil {
		return wrapArtifact(err, art.ID, s)
	}

	for _, succ := range s.Successors {
		if _, ok := existing[succ]; ok {
			continue
		}

		succStage, err := e.stages.ByType(succ)
		if err != nil {
			return wrapArtifact(err, art.ID, s)
		}

		child := &domain.Artifact{
			ID:        uuid.New().String(),
			Name:      fmt.Sprintf("%s for %s", succStage.Title, art.Name),
			Type:      succ,
			Content:   payloads[succ],
			Status:    domain.StatusDraft,
			CreatedBy: e.identity,
			ParentID:  art.ID,
		}

		if err := e.store.CreateArtifact(ctx, child); err != nil {
			return err
		}
		e.publish(ctx, child.ID, events.TypeArtifactCreated, string(succ))
		e.logger.Info("artifact derived",
			slog.String("artifact_id", child.ID),
			slog.String("parent_id", art.ID),
			slog.String("stage", string(succ)),
		)

		if err := e.activate(ctx, child, succStage); err != nil {
			return err
		}
	}

	return nil
}

// dispatchFailed applies the failure policy: retryable failures have
// already exhausted their attempts by the time they reach the engine, so
// the artifact is marked FAILED and requires a manual re-trigger. Fatal
// contract violations surface without touching artifact status.
func (e *Engine) dispatchFailed(ctx context.Context, art *domain.Artifact, s stage.Stage, err error) error {
	if domain.IsKind(err, domain.KindExecutionFailure) {
		if casErr := e.store.UpdateArtifactStatus(ctx, art.ID, domain.StatusApproved, domain.StatusFailed); casErr != nil {
			e.logger.Warn("could not mark artifact failed",
				slog.String("artifact_id", art.ID),
				slog.String("error", casErr.Error()),
			)
		}
		e.publish(ctx, art.ID, events.TypeTransformFailed, s.Transform)
		e.logger.Error("transform failed, artifact marked FAILED",
			slog.String("artifact_id", art.ID),
			slog.String("stage", string(s.Type)),
			slog.String("transform", s.Transform),
			slog.String("error", err.Error()),
		)
	}
	return wrapArtifact(err, art.ID, s)
}

// splitPayloads maps transform output onto successor types. A single
// successor receives the whole output; the branch stage's single call
// must return a JSON object carrying one payload per successor type.
func splitPayloads(s stage.Stage, output json.RawMessage) (map[domain.ArtifactType]json.RawMessage, error) {
	payloads := make(map[domain.ArtifactType]json.RawMessage, len(s.Successors))

	if !s.IsBranch() {
		if !json.Valid(output) {
			return nil, domain.ErrOutputParse(
				fmt.Sprintf("transform %s returned invalid JSON", s.Transform))
		}
		payloads[s.Successors[0]] = output
		return payloads, nil
	}

	var fanout map[string]json.RawMessage
	if err := json.Unmarshal(output, &fanout); err != nil {
		return nil, domain.ErrOutputParse(
			fmt.Sprintf("branch transform %s did not return a JSON object", s.Transform)).Wrap(err)
	}
	for _, succ := range s.Successors {
		payload, ok := fanout[string(succ)]
		if !ok {
			return nil, domain.ErrOutputParse(
				fmt.Sprintf("branch transform %s output missing payload for %s", s.Transform, succ))
		}
		payloads[succ] = payload
	}
	return payloads, nil
}

// RetryTransform is the manual re-trigger for an artifact whose
// transform dispatch exhausted its retries. The artifact returns to
// APPROVED and advancement runs again, deduplicating any successors the
// failed attempt managed to create.
func (e *Engine) RetryTransform(ctx context.Context, artifactID string) (*domain.Artifact, error) {
	art, err := e.store.GetArtifact(ctx, artifactID)
	if err != nil {
		return nil, err
	}

	switch art.Status {
	case domain.StatusFailed:
		if err := e.store.UpdateArtifactStatus(ctx, artifactID, domain.StatusFailed, domain.StatusApproved); err != nil {
			return nil, err
		}
		art.Status = domain.StatusApproved
	case domain.StatusApproved:
		// Advancement itself may have been interrupted; re-run it.
	default:
		return nil, domain.ErrConflict(
			fmt.Sprintf("artifact %s is %s, nothing to retry", artifactID, art.Status)).
			WithArtifact(artifactID, string(art.Type))
	}

	s, err := e.stages.ByType(art.Type)
	if err != nil {
		return nil, wrapArtifactType(err, art)
	}
	if len(s.Successors) == 0 {
		return nil, domain.ErrValidation(
			fmt.Sprintf("artifact %s is at a terminal stage, no transform to retry", artifactID)).
			WithArtifact(artifactID, string(art.Type))
	}

	if err := e.advance(ctx, art, s); err != nil {
		return nil, err
	}

	return e.store.GetArtifact(ctx, artifactID)
}

// Resume replays the step an artifact was in when a crash interrupted
// it, reconstructing progress purely from store contents.
func (e *Engine) Resume(ctx context.Context, artifactID string) error {
	art, err := e.store.GetArtifact(ctx, artifactID)
	if err != nil {
		return err
	}
	s, err := e.stages.ByType(art.Type)
	if err != nil {
		return wrapArtifactType(err, art)
	}

	switch art.Status {
	case domain.StatusDraft:
		return e.activate(ctx, art, s)
	case domain.StatusPendingApproval:
		return e.evaluateQuorum(ctx, artifactID)
	case domain.StatusApproved:
		return e.advance(ctx, art, s)
	default:
		// REJECTED and FAILED stay terminal across restarts.
		return nil
	}
}

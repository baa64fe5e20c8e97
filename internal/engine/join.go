package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/fulcrumlabs/stagegate/internal/domain"
	"github.com/fulcrumlabs/stagegate/internal/events"
)

// checkJoin runs the fan-in barrier for a terminal-stage artifact that
// just reached APPROVED. The barrier is keyed by the shared parent id:
// the first sibling to finish observes its sibling still pending and
// returns, the second observes an APPROVED sibling and fires finalize.
// The completion store's first-insert-wins guarantee makes finalize
// exactly-once even when both siblings complete concurrently.
func (e *Engine) checkJoin(ctx context.Context, art *domain.Artifact) error {
	if art.ParentID == "" {
		return nil
	}

	parent, err := e.store.GetArtifact(ctx, art.ParentID)
	if err != nil {
		return err
	}
	parentStage, err := e.stages.ByType(parent.Type)
	if err != nil {
		return wrapArtifactType(err, parent)
	}
	if !parentStage.IsBranch() {
		return nil
	}

	siblings := make([]*domain.Artifact, 0, len(parentStage.Successors))
	for _, typ := range parentStage.Successors {
		children, err := e.store.ListChildren(ctx, parent.ID, typ)
		if err != nil {
			return err
		}
		if len(children) == 0 || children[0].Status != domain.StatusApproved {
			// Sibling not done: this artifact's APPROVED status is its
			// recorded arrival; the last sibling to finish finalizes.
			return nil
		}
		siblings = append(siblings, children[0])
	}

	completion := &domain.Completion{
		ID:       uuid.New().String(),
		ParentID: parent.ID,
		SiblingA: siblings[0].ID,
		SiblingB: siblings[1].ID,
		Status:   domain.CompletionStatusCompleted,
	}

	created, err := e.store.CreateCompletion(ctx, completion)
	if err != nil {
		return err
	}
	if !created {
		// A concurrent arrival already finalized.
		return nil
	}

	e.publish(ctx, parent.ID, events.TypePipelineCompleted,
		fmt.Sprintf("%s,%s", completion.SiblingA, completion.SiblingB))
	e.logger.Info("pipeline completed",
		slog.String("parent_id", parent.ID),
		slog.String("sibling_a", completion.SiblingA),
		slog.String("sibling_b", completion.SiblingB),
	)

	e.notifyCompletion(parent.ID)
	return nil
}

// notifyCompletion wakes any WaitForCompletion callers for the parent.
func (e *Engine) notifyCompletion(parentID string) {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()

	if ch, ok := e.notify[parentID]; ok {
		close(ch)
		delete(e.notify, parentID)
	}
}

// completionChan returns the notifier channel for a parent, creating it
// on first use.
func (e *Engine) completionChan(parentID string) chan struct{} {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()

	ch, ok := e.notify[parentID]
	if !ok {
		ch = make(chan struct{})
		e.notify[parentID] = ch
	}
	return ch
}

// WaitForCompletion blocks until the join barrier for the given branch
// parent fires, the context is cancelled, or its deadline passes. The
// wait is event-driven; nothing polls the store in a loop.
func (e *Engine) WaitForCompletion(ctx context.Context, parentID string) (*domain.Completion, error) {
	if c, err := e.store.GetCompletionByParent(ctx, parentID); err == nil {
		return c, nil
	} else if !domain.IsKind(err, domain.KindNotFound) {
		return nil, err
	}

	ch := e.completionChan(parentID)

	// Re-check after registering: finalize may have fired in between.
	if c, err := e.store.GetCompletionByParent(ctx, parentID); err == nil {
		return c, nil
	} else if !domain.IsKind(err, domain.KindNotFound) {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ch:
		return e.store.GetCompletionByParent(ctx, parentID)
	}
}

// Package direct provides an event publisher that writes to storage.
package direct

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/fulcrumlabs/stagegate/internal/events"
	"github.com/fulcrumlabs/stagegate/internal/storage"
)

// Publisher implements events.Publisher by appending directly to the
// event store. This is the default for single-instance deployments.
type Publisher struct {
	store storage.EventStore
}

var _ events.Publisher = (*Publisher)(nil)

// NewPublisher creates a new direct event publisher.
func NewPublisher(store storage.EventStore) (*Publisher, error) {
	if store == nil {
		return nil, fmt.Errorf("event store required")
	}
	return &Publisher{store: store}, nil
}

// Publish writes a lifecycle event directly to storage.
func (p *Publisher) Publish(ctx context.Context, ev *events.Event) error {
	record := &storage.Event{
		ID:         uuid.New().String(),
		ArtifactID: ev.ArtifactID,
		Type:       string(ev.Type),
		Detail:     ev.Detail,
		CreatedAt:  ev.Timestamp.UnixNano(),
	}
	return p.store.AppendEvent(ctx, record)
}

// Close is a no-op for the direct publisher.
func (p *Publisher) Close() error {
	return nil
}

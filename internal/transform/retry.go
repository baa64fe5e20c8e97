package transform

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fulcrumlabs/stagegate/internal/domain"
)

// Retrying wraps a Dispatcher with bounded retry and backoff for
// retryable failures. Fatal kinds (processor-not-found, output-parse)
// pass through on the first attempt.
type Retrying struct {
	inner       Dispatcher
	maxAttempts int
	backoff     time.Duration
	logger      *slog.Logger
}

// NewRetrying creates a retrying dispatcher. maxAttempts counts the
// initial attempt; values below 1 are treated as 1.
func NewRetrying(inner Dispatcher, maxAttempts int, backoff time.Duration, logger *slog.Logger) *Retrying {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrying{
		inner:       inner,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		logger:      logger,
	}
}

var _ Dispatcher = (*Retrying)(nil)

func (r *Retrying) Invoke(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
	var lastErr error

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		output, err := r.inner.Invoke(ctx, name, input)
		if err == nil {
			return output, nil
		}

		if !domain.IsKind(err, domain.KindExecutionFailure) {
			return nil, err
		}

		lastErr = err
		r.logger.Warn("transform attempt failed",
			slog.String("transform", name),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", r.maxAttempts),
			slog.String("error", err.Error()),
		)

		if attempt == r.maxAttempts {
			break
		}

		// Linear backoff between attempts, cancellable.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.backoff * time.Duration(attempt)):
		}
	}

	return nil, domain.ErrExecutionFailure(
		"transform failed after retries exhausted", "").
		WithCode(domain.CodeRetriesExceeded).
		Wrap(lastErr)
}

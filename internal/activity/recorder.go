// Package activity records review decisions to the audit feed.
package activity

import (
	"context"

	"atrium/api/internal/store"

	"github.com/rs/zerolog"
)

type eventStore interface {
	InsertActivityEvent(ctx context.Context, event store.ActivityEvent) error
}

// Recorder persists activity events. Failures are logged and swallowed so
// the feed never blocks or fails a review decision.
type Recorder struct {
	store  eventStore
	logger zerolog.Logger
}

func NewRecorder(store eventStore, logger zerolog.Logger) *Recorder {
	return &Recorder{store: store, logger: logger}
}

func (r *Recorder) Record(ctx context.Context, event store.ActivityEvent) {
	if err := r.store.InsertActivityEvent(ctx, event); err != nil {
		r.logger.Error().Err(err).
			Str("verb", event.Verb).
			Str("target_id", event.TargetID).
			Msg("record activity event")
	}
}

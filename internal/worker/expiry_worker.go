package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-examtaker/internal/repository"
)

const (
	ExpiryBatchSize     = 100
	ExpiryFlushDeadline = 10 * time.Second
)

// OverdueStore finds and closes attempts whose deadline plus grace has passed.
type OverdueStore interface {
	ListOverdue(ctx context.Context, now time.Time, grace time.Duration, limit int) ([]repository.OverdueAttempt, error)
	ExpireBatch(ctx context.Context, ids []uuid.UUID, finishedAt time.Time) ([]uuid.UUID, error)
	ExpireOne(ctx context.Context, id uuid.UUID, finishedAt time.Time) (bool, error)
}

// ExpiryAnnouncer tells watchers that attempts were closed.
type ExpiryAnnouncer interface {
	AnnounceExpired(ctx context.Context, ids []uuid.UUID)
}

// ExpiryWorker periodically finalizes attempts nobody submitted, e.g. the
// student closed the client mid-exam or every submission retry failed.
type ExpiryWorker struct {
	store    OverdueStore
	announce ExpiryAnnouncer
	grace    time.Duration
	interval time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

func NewExpiryWorker(store OverdueStore, announce ExpiryAnnouncer, grace, interval time.Duration, log zerolog.Logger) *ExpiryWorker {
	return &ExpiryWorker{
		store:    store,
		announce: announce,
		grace:    grace,
		interval: interval,
		now:      time.Now,
		log:      log.With().Str("component", "expiry_worker").Logger(),
	}
}

// ----------------------------------------------------------------
// Worker loop
// ----------------------------------------------------------------

func (w *ExpiryWorker) Start(ctx context.Context) {
	w.log.Info().Dur("interval", w.interval).Msg("ExpiryWorker started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Shutdown requested. Running final sweep...")
			flushCtx, cancel := context.WithTimeout(context.Background(), ExpiryFlushDeadline)
			w.Sweep(flushCtx)
			cancel()
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep closes overdue attempts in batches until none are left and returns
// how many it closed.
func (w *ExpiryWorker) Sweep(ctx context.Context) int {
	total := 0
	for {
		overdue, err := w.store.ListOverdue(ctx, w.now(), w.grace, ExpiryBatchSize)
		if err != nil {
			if ctx.Err() == nil {
				w.log.Error().Err(err).Msg("List overdue attempts failed")
			}
			return total
		}
		if len(overdue) == 0 {
			return total
		}

		closed := w.flushSafe(ctx, overdue)
		total += len(closed)
		if len(closed) > 0 {
			w.announce.AnnounceExpired(ctx, closed)
			w.log.Info().Int("count", len(closed)).Msg("Expired overdue attempts")
		}

		// A short page means nothing is left; an all-failed page would loop forever.
		if len(overdue) < ExpiryBatchSize || len(closed) == 0 {
			return total
		}
	}
}

// ----------------------------------------------------------------
// Batch update with single-row fallback
// ----------------------------------------------------------------

func (w *ExpiryWorker) flushSafe(ctx context.Context, batch []repository.OverdueAttempt) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(batch))
	for _, o := range batch {
		ids = append(ids, o.ID)
	}

	finishedAt := w.now()
	closed, err := w.store.ExpireBatch(ctx, ids, finishedAt)
	if err == nil {
		return closed
	}

	w.log.Warn().Err(err).Msg("bulk expiry failed, using fallback")

	closed = closed[:0]
	for _, id := range ids {
		ok, err := w.store.ExpireOne(ctx, id, finishedAt)
		if err != nil {
			w.log.Error().Err(err).Str("attempt_id", id.String()).Msg("ExpireOne failed, retrying next sweep")
			continue
		}
		if ok {
			closed = append(closed, id)
		}
	}
	return closed
}

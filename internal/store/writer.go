package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/DoyleJ11/league-live/internal/engine"
)

var ErrQueueFull = errors.New("store writer queue full")

type op struct {
	name    string
	draftID string
	run     func(ctx context.Context) error
}

// Writer serializes persistence calls on one background goroutine. Calls are
// applied in the order they were queued, so a draft's picks land in pick
// order. Failed calls are retried with exponential backoff and then dropped.
type Writer struct {
	store      Store
	logger     *zap.Logger
	queue      chan op
	maxRetries uint
	newBackOff func() backoff.BackOff
}

func NewWriter(s Store, logger *zap.Logger, queueSize int) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Writer{
		store:      s,
		logger:     logger.With(zap.String("component", "store_writer")),
		queue:      make(chan op, queueSize),
		maxRetries: 5,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			return b
		},
	}
}

func (w *Writer) enqueue(o op) error {
	select {
	case w.queue <- o:
		return nil
	default:
		w.logger.Error("dropping persistence call", zap.String("op", o.name), zap.String("draft_id", o.draftID))
		return ErrQueueFull
	}
}

func (w *Writer) SaveDraftState(s engine.State) error {
	s.Picks = nil
	return w.enqueue(op{name: "save_draft_state", draftID: s.DraftID, run: func(ctx context.Context) error {
		return w.store.SaveDraftState(ctx, s)
	}})
}

func (w *Writer) AppendPick(draftID string, pick engine.Pick) error {
	return w.enqueue(op{name: "append_pick", draftID: draftID, run: func(ctx context.Context) error {
		return w.store.AppendPick(ctx, draftID, pick)
	}})
}

func (w *Writer) ArchiveCompletedDraft(draftID string) error {
	return w.enqueue(op{name: "archive_completed_draft", draftID: draftID, run: func(ctx context.Context) error {
		return w.store.ArchiveCompletedDraft(ctx, draftID)
	}})
}

// Run applies queued calls until ctx is cancelled, then makes one last
// attempt at whatever is still queued.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.flush()
			return nil
		case o := <-w.queue:
			w.apply(ctx, o)
		}
	}
}

func (w *Writer) apply(ctx context.Context, o op) {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := o.run(ctx)
		if errors.Is(err, ErrNotFound) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(w.newBackOff()),
		backoff.WithMaxTries(w.maxRetries),
		backoff.WithNotify(func(err error, next time.Duration) {
			w.logger.Warn("persistence call failed, retrying",
				zap.String("op", o.name),
				zap.String("draft_id", o.draftID),
				zap.Duration("retry_in", next),
				zap.Error(err),
			)
		}),
	)
	if err != nil && !errors.Is(err, context.Canceled) {
		w.logger.Error("persistence call gave up",
			zap.String("op", o.name),
			zap.String("draft_id", o.draftID),
			zap.Error(err),
		)
	}
}

func (w *Writer) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case o := <-w.queue:
			if err := o.run(ctx); err != nil {
				w.logger.Error("persistence call lost at shutdown",
					zap.String("op", o.name),
					zap.String("draft_id", o.draftID),
					zap.Error(err),
				)
			}
		default:
			return
		}
	}
}

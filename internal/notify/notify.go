// Package notify hands push requests for offline members to an external
// provider. Dispatch never blocks the caller; delivery happens on a small
// worker pool and its outcome is only logged.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrQueueFull = errors.New("notification queue full")

const (
	TagOnClock = "draft_on_clock"
	TagMention = "chat_mention"
)

// DispatchRequest is a write-once value; nothing tracks its delivery.
type DispatchRequest struct {
	TargetIdentity string          `json:"targetIdentity"`
	Title          string          `json:"title"`
	Body           string          `json:"body"`
	Tag            string          `json:"tag"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

type Provider interface {
	Dispatch(ctx context.Context, req DispatchRequest) error
}

type ProviderFunc func(ctx context.Context, req DispatchRequest) error

func (f ProviderFunc) Dispatch(ctx context.Context, req DispatchRequest) error { return f(ctx, req) }

type Dispatcher struct {
	provider Provider
	logger   *zap.Logger
	queue    chan DispatchRequest
	workers  int
	dropped  atomic.Int64
}

func NewDispatcher(provider Provider, logger *zap.Logger, workers, queueSize int) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Dispatcher{
		provider: provider,
		logger:   logger.With(zap.String("component", "notifier")),
		queue:    make(chan DispatchRequest, queueSize),
		workers:  workers,
	}
}

// Dispatch queues req and returns immediately.
func (d *Dispatcher) Dispatch(req DispatchRequest) error {
	if d == nil {
		return nil
	}
	select {
	case d.queue <- req:
		return nil
	default:
		d.dropped.Add(1)
		d.logger.Warn("notification dropped", zap.String("target", req.TargetIdentity), zap.String("tag", req.Tag))
		return ErrQueueFull
	}
}

// Dropped reports how many requests were discarded because the queue was full.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Run delivers queued requests until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case req := <-d.queue:
					if err := d.provider.Dispatch(ctx, req); err != nil {
						d.logger.Warn("notification failed",
							zap.String("target", req.TargetIdentity),
							zap.String("tag", req.Tag),
							zap.Error(err),
						)
					}
				}
			}
		})
	}
	return g.Wait()
}

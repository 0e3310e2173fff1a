package dispatcher

import (
	"context"
	"time"

	"github.com/breathai-tgbot-go/internal/config"
	"github.com/breathai-tgbot-go/internal/middleware"
	"github.com/breathai-tgbot-go/internal/models"
	"github.com/sirupsen/logrus"
)

// UpdateSource is the long-poll feed of inbound events.
type UpdateSource interface {
	GetUpdates(ctx context.Context, offset, timeout int) ([]models.InboundEvent, error)
}

// Handler processes one event to completion. It must not panic past its own
// boundary, though the pool recovers if it does.
type Handler interface {
	Dispatch(ctx context.Context, event models.InboundEvent)
}

// Dispatcher polls the update feed and fans events out to the worker pool.
type Dispatcher struct {
	source  UpdateSource
	handler Handler
	pool    *WorkerPool
	timeout int
	backoff time.Duration
	metrics *middleware.Metrics
	logger  *logrus.Logger

	offset int
}

// New creates a dispatcher. The pool must already be started.
func New(
	cfg *config.BotConfig,
	source UpdateSource,
	handler Handler,
	pool *WorkerPool,
	metrics *middleware.Metrics,
	logger *logrus.Logger,
) *Dispatcher {
	backoff := cfg.FetchBackoff
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	return &Dispatcher{
		source:  source,
		handler: handler,
		pool:    pool,
		timeout: cfg.UpdateTimeout,
		backoff: backoff,
		metrics: metrics,
		logger:  logger,
	}
}

// Run polls until ctx is cancelled, which is the only way it returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.WithFields(logrus.Fields{
		"timeout": d.timeout,
		"backoff": d.backoff,
	}).Info("Using long polling")

	for {
		if ctx.Err() != nil {
			return nil
		}

		events, err := d.source.GetUpdates(ctx, d.offset, d.timeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.metrics.RecordFetchError()
			d.logger.WithError(err).WithField("backoff", d.backoff).Warn("Failed to fetch updates")
			if !d.sleep(ctx) {
				return nil
			}
			continue
		}
		if len(events) == 0 {
			continue
		}

		// Advance first so a crash mid-batch never replays it
		d.offset = nextOffset(d.offset, events)
		d.logger.WithFields(logrus.Fields{
			"count":  len(events),
			"offset": d.offset,
		}).Debug("Dispatching updates")

		for _, event := range events {
			event := event
			err := d.pool.Submit(ctx, func(workCtx context.Context) {
				d.handler.Dispatch(workCtx, event)
			})
			if err != nil {
				d.logger.WithError(err).WithField("update_id", event.UpdateID).Warn("Dropping update")
				if ctx.Err() != nil {
					return nil
				}
			}
		}
	}
}

// Offset returns the next update id the dispatcher will ask for.
func (d *Dispatcher) Offset() int {
	return d.offset
}

func (d *Dispatcher) sleep(ctx context.Context) bool {
	timer := time.NewTimer(d.backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nextOffset(current int, events []models.InboundEvent) int {
	next := current
	for _, event := range events {
		if event.UpdateID+1 > next {
			next = event.UpdateID + 1
		}
	}
	return next
}

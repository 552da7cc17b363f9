package outbox

import (
	"context"
	"time"

	"settlement-engine-go/internal/metrics"
	"settlement-engine-go/internal/store"

	"go.uber.org/zap"
)

const (
	defaultInterval = 5 * time.Second
	defaultBatch    = 100
)

// Relay ships committed outbox rows to a Publisher. A row is marked
// published only after the publisher accepted it, so delivery is at least
// once.
type Relay struct {
	store     store.OutboxStore
	publisher Publisher
	interval  time.Duration
	batch     int

	stopChan chan struct{}
	doneChan chan struct{}
}

func NewRelay(s store.OutboxStore, publisher Publisher, interval time.Duration, batch int) *Relay {
	if interval <= 0 {
		interval = defaultInterval
	}
	if batch <= 0 {
		batch = defaultBatch
	}
	return &Relay{
		store:     s,
		publisher: publisher,
		interval:  interval,
		batch:     batch,
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
	}
}

func (r *Relay) Start(ctx context.Context) {
	go r.loop(ctx)
	zap.L().Info("Outbox relay started",
		zap.Duration("interval", r.interval),
		zap.Int("batch", r.batch))
}

func (r *Relay) Stop() {
	close(r.stopChan)
	<-r.doneChan
	zap.L().Info("Outbox relay stopped")
}

func (r *Relay) loop(ctx context.Context) {
	defer close(r.doneChan)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := r.RelayOnce(ctx); err != nil {
				zap.L().Error("Outbox relay pass failed", zap.Error(err))
			}
		case <-r.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RelayOnce publishes up to one batch of pending events, oldest first. After
// a failure the remaining events of the same aggregate wait for the next
// pass so consumers never see them out of order.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	events, err := r.store.ListPendingEvents(ctx, r.batch)
	if err != nil {
		return 0, err
	}

	published := 0
	blocked := make(map[string]bool)
	for _, event := range events {
		if err := ctx.Err(); err != nil {
			return published, err
		}
		if blocked[event.AggregateId] {
			continue
		}

		if err := r.publisher.Publish(ctx, event); err != nil {
			blocked[event.AggregateId] = true
			metrics.OutboxPublished.WithLabelValues("failed").Inc()
			zap.L().Warn("Outbox publish failed",
				zap.String("event_id", event.Id),
				zap.String("topic", event.Topic),
				zap.Int("attempts", event.Attempts+1),
				zap.Error(err))
			if markErr := r.store.MarkEventFailed(ctx, event.Id, err.Error()); markErr != nil {
				return published, markErr
			}
			continue
		}

		if err := r.store.MarkEventPublished(ctx, event.Id); err != nil {
			return published, err
		}
		metrics.OutboxPublished.WithLabelValues("published").Inc()
		published++
	}

	backlog, err := r.store.CountPendingEvents(ctx)
	if err != nil {
		return published, err
	}
	metrics.OutboxBacklog.Set(float64(backlog))

	if published > 0 {
		zap.L().Debug("Outbox events published",
			zap.Int("published", published),
			zap.Int("backlog", backlog))
	}
	return published, nil
}

package activity

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Publisher delivers activity entries to a downstream consumer.
type Publisher interface {
	Publish(ctx context.Context, e Entry) error
}

// Relay forwards committed entries to a Publisher in id order and records
// each delivery, so a restart resumes with whatever was not yet published.
type Relay struct {
	log       *Log
	pub       Publisher
	name      string
	batchSize int
	logger    *slog.Logger
}

// NewRelay returns a relay named name. The name keys its delivery records.
func NewRelay(log *Log, pub Publisher, name string, logger *slog.Logger) *Relay {
	return &Relay{
		log:       log,
		pub:       pub,
		name:      name,
		batchSize: 100,
		logger:    logger,
	}
}

// Run relays entries every interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := r.RunOnce(ctx)
			if err != nil {
				r.logger.Warn("activity relay pass failed", "relay", r.name, "delivered", n, "error", err)
				continue
			}
			if n > 0 {
				r.logger.Debug("activity relay pass", "relay", r.name, "delivered", n)
			}
		}
	}
}

// RunOnce delivers one batch and returns how many entries were published.
// Delivery stops at the first failed publish and only published entries are
// marked, so the rest are retried on the next pass.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	entries, err := r.log.Undelivered(ctx, r.name, r.batchSize)
	if err != nil {
		return 0, err
	}

	delivered := make([]int64, 0, len(entries))
	var pubErr error
	for _, e := range entries {
		if pubErr = r.pub.Publish(ctx, e); pubErr != nil {
			pubErr = fmt.Errorf("publish entry %d: %w", e.ID, pubErr)
			break
		}
		delivered = append(delivered, e.ID)
	}

	if err := r.log.MarkDelivered(ctx, r.name, delivered); err != nil {
		return len(delivered), err
	}
	return len(delivered), pubErr
}

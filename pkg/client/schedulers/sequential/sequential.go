// Package sequential provides a scheduler that runs all work on the calling
// goroutine, preserving total delivery order.
package sequential

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/torrho/windsock/pkg/client/schedulers"
	"github.com/torrho/windsock/pkg/firehose"
)

// Scheduler is a sequential scheduler that will run work on a single worker
type Scheduler struct {
	handleFrame func(context.Context, firehose.Frame) error

	ident  string
	logger *slog.Logger

	// metrics
	itemsAdded     prometheus.Counter
	itemsProcessed prometheus.Counter
	itemsActive    prometheus.Counter
	workersActive  prometheus.Gauge
}

func NewScheduler(ident string, logger *slog.Logger, handleFrame func(context.Context, firehose.Frame) error) *Scheduler {
	logger = logger.With("component", "sequential-scheduler", "ident", ident)
	s := &Scheduler{
		handleFrame: handleFrame,

		ident:  ident,
		logger: logger,

		itemsAdded:     schedulers.WorkItemsAdded.WithLabelValues(ident, "sequential"),
		itemsProcessed: schedulers.WorkItemsProcessed.WithLabelValues(ident, "sequential"),
		itemsActive:    schedulers.WorkItemsActive.WithLabelValues(ident, "sequential"),
		workersActive:  schedulers.WorkersActive.WithLabelValues(ident, "sequential"),
	}

	s.workersActive.Set(1)

	return s
}

func (s *Scheduler) Shutdown() {
	s.workersActive.Set(0)
}

func (s *Scheduler) AddWork(ctx context.Context, did string, f firehose.Frame) error {
	s.itemsAdded.Inc()
	s.itemsActive.Inc()
	err := s.handleFrame(ctx, f)
	s.itemsProcessed.Inc()
	return err
}

// Package parallel provides a scheduler that runs work on a fixed number of
// workers. Frames for the same did are processed sequentially, but frames for
// different dids can be processed concurrently.
package parallel

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/torrho/windsock/pkg/client/schedulers"
	"github.com/torrho/windsock/pkg/firehose"
)

// Scheduler is a parallel scheduler that will run work on a fixed number of workers
type Scheduler struct {
	numWorkers  int
	logger      *slog.Logger
	handleFrame func(context.Context, firehose.Frame) error
	ident       string

	feeder chan *frameTask
	wg     sync.WaitGroup

	lk     sync.Mutex
	active map[string][]*frameTask

	// metrics
	itemsAdded     prometheus.Counter
	itemsProcessed prometheus.Counter
	itemsActive    prometheus.Counter
	workersActive  prometheus.Gauge
}

// NewScheduler creates a new parallel scheduler with the given number of workers
func NewScheduler(numWorkers int, ident string, logger *slog.Logger, handleFrame func(context.Context, firehose.Frame) error) *Scheduler {
	logger = logger.With("component", "parallel-scheduler", "ident", ident)
	s := &Scheduler{
		numWorkers: numWorkers,

		logger: logger,

		handleFrame: handleFrame,

		feeder: make(chan *frameTask),
		active: make(map[string][]*frameTask),

		ident: ident,

		itemsAdded:     schedulers.WorkItemsAdded.WithLabelValues(ident, "parallel"),
		itemsActive:    schedulers.WorkItemsActive.WithLabelValues(ident, "parallel"),
		itemsProcessed: schedulers.WorkItemsProcessed.WithLabelValues(ident, "parallel"),
		workersActive:  schedulers.WorkersActive.WithLabelValues(ident, "parallel"),
	}

	s.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go s.worker()
	}

	s.workersActive.Set(float64(numWorkers))

	return s
}

// Shutdown shuts down the scheduler, waiting for all workers to finish their current work
// The existing work queue will be processed, but no new work will be accepted
func (s *Scheduler) Shutdown() {
	s.logger.Debug("shutting down parallel scheduler", "ident", s.ident)

	for i := 0; i < s.numWorkers; i++ {
		s.feeder <- &frameTask{
			stop: true,
		}
	}

	close(s.feeder)

	s.wg.Wait()

	s.logger.Debug("parallel scheduler shutdown complete")
}

type frameTask struct {
	stop bool
	ctx  context.Context
	did  string
	val  firehose.Frame
}

// AddWork adds work to the scheduler
func (s *Scheduler) AddWork(ctx context.Context, did string, val firehose.Frame) error {
	s.itemsAdded.Inc()
	t := &frameTask{
		ctx: ctx,
		did: did,
		val: val,
	}

	// Append to the active list if there is already work for this did
	s.lk.Lock()
	a, ok := s.active[did]
	if ok {
		s.active[did] = append(a, t)
		s.lk.Unlock()
		return nil
	}

	// Otherwise, initialize the active list for this did to catch future work
	// and send this task to a worker
	s.active[did] = []*frameTask{}
	s.lk.Unlock()

	select {
	case s.feeder <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for work := range s.feeder {
		for work != nil {
			if work.stop {
				return
			}

			s.itemsActive.Inc()
			if err := s.handleFrame(work.ctx, work.val); err != nil {
				s.logger.Error("frame handler failed", "error", err)
			}
			s.itemsProcessed.Inc()

			s.lk.Lock()
			rem, ok := s.active[work.did]
			if !ok {
				s.logger.Error("worker should always have an 'active' entry if a worker is processing a job")
			}

			if len(rem) == 0 {
				delete(s.active, work.did)
				work = nil
			} else {
				work = rem[0]
				s.active[work.did] = rem[1:]
			}
			s.lk.Unlock()
		}
	}
}

package etl

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	serrors "github.com/kbaseincubator/kbase-security-dashboard/internal/errors"
	"github.com/kbaseincubator/kbase-security-dashboard/internal/model"
)

// Runner executes one full collection pass.
type Runner interface {
	ProcessRepos(ctx context.Context) error
}

// Scheduler triggers pipeline runs on a cron schedule or on demand, with at
// most one run in flight at any time. A manual trigger while a run is in
// flight is a no-op; cron firings coalesce into a single pending run. The
// outcome of the most recent run is kept in a cell that is replaced
// atomically at run end.
type Scheduler struct {
	runner Runner
	logger *slog.Logger

	cron    *cron.Cron
	entry   cron.EntryID
	inUTC   string
	sem     *semaphore.Weighted
	pending atomic.Bool
	result  atomic.Pointer[model.ETLResult]
	baseCtx context.Context
	wg      sync.WaitGroup
}

// NewScheduler creates a Scheduler for a standard 5-field cron expression,
// evaluated in UTC. The schedule does not fire until Start is called.
func NewScheduler(cronExpr string, runner Runner, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		runner:  runner,
		logger:  logger,
		cron:    cron.New(cron.WithLocation(time.UTC)),
		inUTC:   cronExpr,
		sem:     semaphore.NewWeighted(1),
		baseCtx: context.Background(),
	}
	s.result.Store(&model.ETLResult{})

	entry, err := s.cron.AddFunc(cronExpr, s.cronFire)
	if err != nil {
		return nil, &serrors.ErrConfiguration{Msg: "invalid cron expression " + cronExpr + ": " + err.Error()}
	}
	s.entry = entry
	return s, nil
}

// Start begins cron scheduling. Runs dispatched after Start use ctx as their
// base context. Start must be called before triggers are accepted.
func (s *Scheduler) Start(ctx context.Context) {
	s.baseCtx = ctx
	s.cron.Start()
	s.logger.Info("Started scheduler", "cron", s.inUTC)
}

// Stop halts cron scheduling and waits for any in-flight run to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

// RunNow attempts to start an immediate run. When a run is already in flight
// this is a no-op and RunNow returns false.
func (s *Scheduler) RunNow() bool {
	started := s.dispatch()
	if !started {
		s.logger.Info("Manual run rejected, ETL already in flight")
	}
	return started
}

// LastResult returns the outcome of the most recent completed run. The zero
// result means no run has completed since the process started.
func (s *Scheduler) LastResult() model.ETLResult {
	return *s.result.Load()
}

// NextRun returns the next scheduled cron firing time.
func (s *Scheduler) NextRun() time.Time {
	return s.cron.Entry(s.entry).Next
}

func (s *Scheduler) cronFire() {
	if !s.dispatch() {
		// Missed firings collapse into one pending run.
		s.pending.Store(true)
		s.logger.Info("ETL already in flight, coalescing cron trigger")
	}
}

func (s *Scheduler) dispatch() bool {
	if !s.sem.TryAcquire(1) {
		return false
	}
	s.wg.Add(1)
	go s.execute()
	return true
}

func (s *Scheduler) execute() {
	defer s.wg.Done()

	s.logger.Info("Running ETL process")
	err := s.runner.ProcessRepos(s.baseCtx)

	now := time.Now().UTC()
	res := &model.ETLResult{TimeComplete: &now}
	if err != nil {
		s.logger.Error("ETL process failed", "error", err)
		res.Error = err.Error()
	} else {
		s.logger.Info("ETL process complete")
	}
	s.result.Store(res)

	s.sem.Release(1)
	if s.pending.CompareAndSwap(true, false) {
		s.logger.Info("Dispatching coalesced run")
		if !s.dispatch() {
			s.pending.Store(true)
		}
	}
}

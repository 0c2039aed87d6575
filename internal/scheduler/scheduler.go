// Package scheduler runs the periodic background tasks that keep the
// knowledge base healthy: fraud sweeps, baseline refreshes, context
// cleanup, distillation, and the meta-observer tick. Two instances of
// the same task never overlap, failures are counted as metrics, and a
// task that fails three consecutive runs disables itself and raises a
// critical meta-alert.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"elfcore/internal/config"
	"elfcore/internal/logging"
	"elfcore/internal/query"
)

// maxConsecutiveFailures disables a task and raises a critical alert.
const maxConsecutiveFailures = 3

// shutdownGrace is how long tasks get to finish or abandon their batch
// after a cancel.
const shutdownGrace = 2 * time.Second

// task is one periodic job with a singleton lock and failure tracking.
type task struct {
	name     string
	spec     string
	run      func(ctx context.Context) error
	mu       sync.Mutex // singleton lock: TryLock skips overlapping runs
	failures int
	disabled bool
}

// Scheduler owns the cron runner and the background tasks.
type Scheduler struct {
	svc    *query.Service
	cfg    config.SchedulerConfig
	cron   *cron.Cron
	tasks  []*task
	cancel context.CancelFunc
	ctx    context.Context
	wg     sync.WaitGroup
}

// New builds a scheduler over the service.
func New(svc *query.Service, cfg config.SchedulerConfig) *Scheduler {
	s := &Scheduler{svc: svc, cfg: cfg}
	s.tasks = []*task{
		{name: "fraud_sweep", spec: cfg.FraudSweep, run: s.runFraudSweep},
		{name: "baseline_refresh", spec: cfg.BaselineRefresh, run: s.runBaselineRefresh},
		{name: "context_cleanup", spec: cfg.ContextCleanup, run: s.runContextCleanup},
		{name: "distillation", spec: cfg.Distillation, run: s.runDistillation},
		{name: "meta_observer", spec: cfg.MetaObserverTick, run: s.runMetaObserver},
	}
	return s
}

// Start registers the cron entries and begins running.
func (s *Scheduler) Start(parent context.Context) error {
	s.ctx, s.cancel = context.WithCancel(parent)
	s.cron = cron.New()

	for _, t := range s.tasks {
		t := t
		if t.spec == "" {
			continue
		}
		if _, err := s.cron.AddFunc(t.spec, func() { s.execute(t) }); err != nil {
			return err
		}
		logging.Scheduler("Task %s scheduled: %s", t.name, t.spec)
	}
	s.cron.Start()
	return nil
}

// Stop cancels in-flight tasks and waits for the grace period.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		logging.Get(logging.CategoryScheduler).Warn("Tasks did not finish within grace period")
	}
}

// execute runs one task under its singleton lock with failure tracking.
func (s *Scheduler) execute(t *task) {
	if t.disabled {
		return
	}
	if !t.mu.TryLock() {
		logging.SchedulerDebug("Task %s still running; skipping this tick", t.name)
		return
	}
	defer t.mu.Unlock()

	s.wg.Add(1)
	defer s.wg.Done()

	timer := logging.StartTimer(logging.CategoryScheduler, "task."+t.name)
	defer timer.Stop()

	err := t.run(s.ctx)
	if err != nil {
		t.failures++
		logging.Get(logging.CategoryScheduler).Error("Task %s failed (%d consecutive): %v", t.name, t.failures, err)
		if _, merr := s.svc.Meta().RecordMetric(s.ctx, "task."+t.name+".failures", float64(t.failures), "", ""); merr != nil {
			logging.SchedulerDebug("Failure metric for %s not recorded: %v", t.name, merr)
		}
		if t.failures >= maxConsecutiveFailures {
			t.disabled = true
			_, aerr := s.svc.Meta().CreateAlert(s.ctx, "task_disabled", "critical", "task."+t.name,
				"Background task "+t.name+" disabled after repeated failures.", "", nil, nil)
			if aerr != nil {
				logging.Get(logging.CategoryScheduler).Error("Failed to raise task_disabled alert: %v", aerr)
			}
			logging.Get(logging.CategoryScheduler).Error("Task %s disabled after %d consecutive failures", t.name, t.failures)
		}
		return
	}
	t.failures = 0
}

func (s *Scheduler) runFraudSweep(ctx context.Context) error {
	_, err := s.svc.Fraud().Sweep(ctx)
	return err
}

func (s *Scheduler) runBaselineRefresh(ctx context.Context) error {
	_, err := s.svc.Fraud().RefreshStaleBaselines(ctx)
	return err
}

func (s *Scheduler) runContextCleanup(ctx context.Context) error {
	_, err := s.svc.Fraud().CleanupContexts(ctx)
	return err
}

func (s *Scheduler) runDistillation(ctx context.Context) error {
	if _, err := s.svc.Distiller().Run(ctx, "", true, false); err != nil {
		return err
	}
	// Contraction rides the distillation cadence.
	_, err := s.svc.Lifecycle().ContractOverdueDomains(ctx)
	return err
}

func (s *Scheduler) runMetaObserver(ctx context.Context) error {
	if _, err := s.svc.Meta().RollupHourly(ctx); err != nil {
		return err
	}
	_, err := s.svc.Meta().CheckAlerts(ctx)
	return err
}

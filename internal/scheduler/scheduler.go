package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/gantry/internal/engine"
	"github.com/rendis/gantry/internal/logging"
	"github.com/rendis/gantry/internal/store"
	"github.com/rendis/gantry/pkg/schema"
)

// ExecutionRunner is the interface the sweeper uses to launch and resume
// executions. Satisfied by the engine (avoids import direction issues in
// wiring).
type ExecutionRunner interface {
	CreateExecution(ctx context.Context, workflowID string, input map[string]any) (*store.Execution, error)
	Advance(ctx context.Context, executionID string) error
}

// ApprovalExpirer sweeps overdue approval requests and replays verdicts for
// executions whose resume was lost after their request resolved. Satisfied by
// the approvals coordinator.
type ApprovalExpirer interface {
	ExpireOverdue(ctx context.Context, now time.Time) ([]string, error)
	RecoverStranded(ctx context.Context) ([]string, error)
}

// Sweeper is the time-based side of the engine: it fires due delay wakes,
// expires overdue approvals, and launches executions for cron-triggered
// workflows. All resumptions go through CAS claims, so a sweep racing a
// manual advance is harmless.
type Sweeper struct {
	store  store.Store
	runner ExecutionRunner
	expire ApprovalExpirer
	pool   *engine.WorkerPool
	parser cron.Parser
	logger *slog.Logger
	now    func() time.Time

	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // execution IDs currently being advanced

	cronMu  sync.Mutex
	nextRun map[string]time.Time // workflow ID -> next cron fire
}

// Config wires the sweeper.
type Config struct {
	Store    store.Store
	Runner   ExecutionRunner
	Expirer  ApprovalExpirer
	Logger   *slog.Logger
	// Interval between sweeps. Zero means 30 seconds.
	Interval time.Duration
	// Workers bounds concurrent execution advances. Zero means 4.
	Workers int
	// Now overrides the clock. Nil means time.Now.
	Now func() time.Time
}

// NewSweeper creates a sweeper.
func NewSweeper(cfg Config) *Sweeper {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	return &Sweeper{
		store:    cfg.Store,
		runner:   cfg.Runner,
		expire:   cfg.Expirer,
		pool:     engine.NewWorkerPool(workers),
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		now:      nowFn,
		interval: intervalOrDefault(cfg.Interval),
		inflight: make(map[string]struct{}),
		nextRun:  make(map[string]time.Time),
	}
}

func intervalOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 30 * time.Second
	}
	return d
}

// Start launches the background sweep loop.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("sweeper already started")
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(sweepCtx)
	s.logger.Info("sweeper started", slog.Duration("interval", s.interval))
	return nil
}

// Stop shuts down the loop and waits for in-flight advances to finish.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.pool.Shutdown()
	s.logger.Info("sweeper stopped")
	return nil
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Sweep once immediately so restarts pick up overdue work without
	// waiting a full interval.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one full sweep: due wakes, overdue approvals, stranded approval
// resumes, cron launches.
func (s *Sweeper) Tick(ctx context.Context) {
	now := s.now().UTC()
	s.fireDueWakes(ctx, now)
	s.expireApprovals(ctx, now)
	s.recoverApprovals(ctx)
	s.launchScheduled(ctx, now)
}

// fireDueWakes marks due wakes fired and advances their executions. The
// fired flag is a CAS, so only one sweeper instance wins each wake.
func (s *Sweeper) fireDueWakes(ctx context.Context, now time.Time) {
	due, err := s.store.DueWakes(ctx, now)
	if err != nil {
		s.logger.Error("could not list due wakes", slog.String("error", err.Error()))
		return
	}

	for _, wake := range due {
		if err := s.store.MarkWakeFired(ctx, wake.ID); err != nil {
			if schema.CodeOf(err) != schema.ErrCodeNotFound {
				s.logger.Warn("could not fire wake",
					slog.String("wake_id", wake.ID),
					slog.String("error", err.Error()))
			}
			continue
		}
		s.advanceAsync(ctx, wake.ExecutionID, "delay elapsed")
	}
}

func (s *Sweeper) expireApprovals(ctx context.Context, now time.Time) {
	if s.expire == nil {
		return
	}
	expired, err := s.expire.ExpireOverdue(ctx, now)
	if err != nil {
		s.logger.Error("approval expiry sweep failed", slog.String("error", err.Error()))
		return
	}
	if len(expired) > 0 {
		s.logger.Info("expired overdue approvals", slog.Int("count", len(expired)))
	}
}

// recoverApprovals replays resolved verdicts onto executions still parked in
// awaiting_approval, closing the window where a resume failed after the
// verdict landed.
func (s *Sweeper) recoverApprovals(ctx context.Context) {
	if s.expire == nil {
		return
	}
	recovered, err := s.expire.RecoverStranded(ctx)
	if err != nil {
		s.logger.Error("approval recovery sweep failed", slog.String("error", err.Error()))
		return
	}
	if len(recovered) > 0 {
		s.logger.Info("resumed stranded executions", slog.Int("count", len(recovered)))
	}
}

// launchScheduled creates and advances executions for published workflows
// with a cron trigger whose schedule has come due.
func (s *Sweeper) launchScheduled(ctx context.Context, now time.Time) {
	published := true
	trigger := schema.TriggerScheduled
	workflows, err := s.store.ListWorkflows(ctx, store.WorkflowFilter{
		IsPublished: &published,
		Trigger:     &trigger,
	})
	if err != nil {
		s.logger.Error("could not list scheduled workflows", slog.String("error", err.Error()))
		return
	}

	for _, wf := range workflows {
		expr := cronExpression(wf)
		if expr == "" {
			continue
		}
		due, err := s.scheduleDue(wf.ID, expr, now)
		if err != nil {
			s.logger.Warn("bad cron expression",
				slog.String("workflow_id", wf.ID),
				slog.String("cron", expr),
				slog.String("error", err.Error()))
			continue
		}
		if !due {
			continue
		}

		ex, err := s.runner.CreateExecution(ctx, wf.ID, map[string]any{
			"scheduled": true,
			"fired_at":  now.Format(time.RFC3339),
		})
		if err != nil {
			s.logger.Error("could not launch scheduled execution",
				slog.String("workflow_id", wf.ID),
				slog.String("error", err.Error()))
			continue
		}
		s.advanceAsync(ctx, ex.ID, "cron fired")
	}
}

// scheduleDue tracks per-workflow next-fire times in memory. A workflow seen
// for the first time arms its schedule without firing, so a restart does not
// replay past occurrences.
func (s *Sweeper) scheduleDue(workflowID, expr string, now time.Time) (bool, error) {
	schedule, err := s.parser.Parse(expr)
	if err != nil {
		return false, err
	}

	s.cronMu.Lock()
	defer s.cronMu.Unlock()

	next, ok := s.nextRun[workflowID]
	if !ok {
		s.nextRun[workflowID] = schedule.Next(now)
		return false, nil
	}
	if next.After(now) {
		return false, nil
	}
	s.nextRun[workflowID] = schedule.Next(now)
	return true, nil
}

// advanceAsync hands an execution to the worker pool, deduplicating
// executions already in flight on this instance.
func (s *Sweeper) advanceAsync(ctx context.Context, executionID, cause string) {
	if !s.tryAcquire(executionID) {
		return
	}
	err := s.pool.Submit(ctx, func(ctx context.Context) error {
		defer s.release(executionID)
		ctx = logging.WithIDs(ctx, "", executionID, "")

		if err := s.runner.Advance(ctx, executionID); err != nil {
			code := schema.CodeOf(err)
			if code == schema.ErrCodeConcurrency || code == schema.ErrCodeState {
				// Someone else got there first, or the execution moved on.
				logging.LogWith(ctx, s.logger).Debug("sweep advance skipped",
					slog.String("cause", cause),
					slog.String("code", code))
				return nil
			}
			logging.LogWith(ctx, s.logger).Warn("sweep advance failed",
				slog.String("cause", cause),
				slog.String("error", err.Error()))
			return err
		}
		return nil
	})
	if err != nil {
		s.release(executionID)
		s.logger.Warn("could not submit sweep advance",
			slog.String("execution_id", executionID),
			slog.String("error", err.Error()))
	}
}

func (s *Sweeper) tryAcquire(executionID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[executionID]; ok {
		return false
	}
	s.inflight[executionID] = struct{}{}
	return true
}

func (s *Sweeper) release(executionID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, executionID)
}

// Wait blocks until all in-flight advances complete. Test hook.
func (s *Sweeper) Wait() {
	s.pool.Wait()
}

// CalculateNextRun computes the next fire time for a cron expression.
func (s *Sweeper) CalculateNextRun(expr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return schedule.Next(from), nil
}

func cronExpression(wf *store.Workflow) string {
	if len(wf.TriggerConfig) == 0 {
		return ""
	}
	var cfg struct {
		Cron string `json:"cron"`
	}
	if err := json.Unmarshal(wf.TriggerConfig, &cfg); err != nil {
		return ""
	}
	return cfg.Cron
}

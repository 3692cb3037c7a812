package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
)

// SessionResult is the outcome of one scheduled session run.
type SessionResult struct {
	Status    string // "completed", "failed", "skipped"
	Err       error
	Timestamp time.Time
}

// Scheduler runs a master session repeatedly on a cron expression, the
// optional daemon mode from SPEC_FULL.md's supplemented features. It guards
// against overlapping runs the same way n-backup's per-entry job does.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	seq     uint32
	last    *SessionResult
}

// NewScheduler registers runFn against schedule, a standard 5-field cron
// expression.
func NewScheduler(schedule string, logger *slog.Logger, runFn func(sequence uint32) error) (*Scheduler, error) {
	s := &Scheduler{logger: logger.With("component", "scheduler")}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelDebug))))
	if _, err := c.AddFunc(schedule, func() { s.executeRun(runFn) }); err != nil {
		return nil, fmt.Errorf("session: scheduling %q: %w", schedule, err)
	}

	s.cron = c
	return s, nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.logger.Info("scheduler started")
	s.cron.Start()
}

// Stop stops the scheduler, waiting up to ctx's deadline for any in-flight
// run to finish.
func (s *Scheduler) Stop(ctx context.Context) {
	s.logger.Info("scheduler stopping")
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		s.logger.Info("scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out")
	}
}

// LastResult returns the most recently completed run's outcome, nil if none
// has run yet.
func (s *Scheduler) LastResult() *SessionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Scheduler) executeRun(runFn func(sequence uint32) error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("session already running, skipping scheduled trigger")
		s.recordResult(&SessionResult{Status: "skipped", Timestamp: time.Now()})
		return
	}
	s.running = true
	s.seq++
	sequence := s.seq
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.logger.Info("scheduled session triggered", "sequence", sequence)
	start := time.Now()
	err := runFn(sequence)
	duration := time.Since(start)

	if err != nil {
		s.logger.Error("scheduled session failed", "error", err, "duration", duration)
		s.recordResult(&SessionResult{Status: "failed", Err: err, Timestamp: time.Now()})
		return
	}
	s.logger.Info("scheduled session completed", "duration", duration)
	s.recordResult(&SessionResult{Status: "completed", Timestamp: time.Now()})
}

func (s *Scheduler) recordResult(r *SessionResult) {
	s.mu.Lock()
	s.last = r
	s.mu.Unlock()
}

// RunDaemon runs the master session repeatedly per schedule, blocking until
// SIGTERM or SIGINT. SIGHUP is logged and ignored: unlike n-backup's agent,
// tssync's daemon config is fixed for its lifetime and carries nothing to
// reload.
func RunDaemon(schedule string, logger *slog.Logger, runFn func(sequence uint32) error) error {
	sched, err := NewScheduler(schedule, logger, runFn)
	if err != nil {
		return err
	}
	sched.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for {
		sig := <-sigCh
		if sig == syscall.SIGHUP {
			logger.Info("received SIGHUP, tssync daemon config is immutable, ignoring")
			continue
		}

		logger.Info("received signal, shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		sched.Stop(ctx)
		cancel()
		return nil
	}
}

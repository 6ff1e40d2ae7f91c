package orchestration

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlasops/atlas/core"
)

// TaskSink consumes synthesized tasks. The coordinator implements it; the
// scheduler stays decoupled so tests can capture ticks directly.
type TaskSink interface {
	ProcessTask(ctx context.Context, task *core.Task) *core.TaskResult
}

// MonitorScheduler runs one periodic loop per monitor spec, feeding
// synthesized tasks into the coordinator. Each spec has a single-flight
// guard: a tick that finds the previous one still running is dropped, not
// queued. Panics inside a tick are recovered and the loop resumes at the
// next interval.
type MonitorScheduler struct {
	specs  []core.MonitorConfig
	sink   TaskSink
	logger core.Logger

	// Lifecycle management
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	// Per-spec single-flight guards, indexed like specs.
	flight []monitorFlight

	skippedTicks atomic.Int64
}

type monitorFlight struct {
	mu     sync.Mutex
	active bool
}

// NewMonitorScheduler creates a scheduler for the given specs.
func NewMonitorScheduler(specs []core.MonitorConfig, sink TaskSink, logger core.Logger) *MonitorScheduler {
	s := &MonitorScheduler{
		specs:  specs,
		sink:   sink,
		logger: &core.NoOpLogger{},
		flight: make([]monitorFlight, len(specs)),
	}
	if logger != nil {
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			s.logger = cal.WithComponent("orchestration/monitor")
		} else {
			s.logger = logger
		}
	}
	return s
}

// Start launches all monitor loops. Returns immediately; loops run until
// Stop or ctx cancellation.
func (s *MonitorScheduler) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return core.NewAtlasError("monitor.Start", "monitor", core.ErrAlreadyStarted)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for i := range s.specs {
		s.wg.Add(1)
		go s.runLoop(loopCtx, i)
	}

	s.logger.Info("Monitor scheduler started", map[string]interface{}{
		"monitors": len(s.specs),
	})
	return nil
}

// Stop cancels all loops and waits for them to drain, bounded by ctx.
func (s *MonitorScheduler) Stop(ctx context.Context) error {
	if !s.running.Load() {
		return nil
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
		s.running.Store(false)
		s.logger.Info("Monitor scheduler stopped", nil)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("monitor drain deadline exceeded: %w", ctx.Err())
	}
}

// SkippedTicks returns how many ticks the single-flight guard dropped.
func (s *MonitorScheduler) SkippedTicks() int64 {
	return s.skippedTicks.Load()
}

func (s *MonitorScheduler) runLoop(ctx context.Context, idx int) {
	defer s.wg.Done()

	spec := s.specs[idx]
	ticker := time.NewTicker(spec.Interval)
	defer ticker.Stop()

	s.logger.Info("Monitor loop started", map[string]interface{}{
		"monitor":  spec.Name,
		"interval": spec.Interval.String(),
	})

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Monitor loop stopped", map[string]interface{}{
				"monitor": spec.Name,
			})
			return
		case <-ticker.C:
			// Checks run off the loop goroutine so a slow check cannot
			// stall the ticker; the single-flight guard drops the overlap.
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.tick(ctx, idx)
			}()
		}
	}
}

// tick runs one check under the per-monitor single-flight guard.
func (s *MonitorScheduler) tick(ctx context.Context, idx int) {
	spec := s.specs[idx]
	guard := &s.flight[idx]

	guard.mu.Lock()
	if guard.active {
		guard.mu.Unlock()
		s.skippedTicks.Add(1)
		s.logger.Warn("Monitor tick skipped, previous still running", map[string]interface{}{
			"monitor": spec.Name,
		})
		return
	}
	guard.active = true
	guard.mu.Unlock()

	defer func() {
		guard.mu.Lock()
		guard.active = false
		guard.mu.Unlock()

		// Fail open: a panicking check logs and the loop resumes.
		if r := recover(); r != nil {
			s.logger.Error("Monitor tick panicked", map[string]interface{}{
				"monitor": spec.Name,
				"panic":   fmt.Sprintf("%v", r),
				"stack":   string(debug.Stack()),
			})
		}
	}()

	risk := spec.Risk
	if !risk.Valid() {
		risk = core.RiskLow
	}
	urgency := spec.Urgency
	if !urgency.Valid() {
		urgency = core.UrgencyLow
	}

	task := core.NewTask(spec.Description, risk, urgency)
	task.Kind = core.TaskKindMonitor
	task.TargetWorker = spec.Worker

	result := s.sink.ProcessTask(ctx, task)
	if result != nil && !result.Success {
		s.logger.Warn("Monitor check reported failure", map[string]interface{}{
			"monitor": spec.Name,
			"message": result.Message,
		})
	}
}

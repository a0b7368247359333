package adminchat

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// refresher is the part of the Syncer the scheduler drives.
type refresher interface {
	IncrementalRefresh(ctx context.Context) (*SyncReport, error)
	RefreshConversation(ctx context.Context, applyDateFilter bool) (*SyncReport, error)
}

// Scheduler owns the single auto-refresh timer. Every change of interval,
// mode or data source stops the running loop before a new one starts, so
// two loops never tick at once. Stopping a loop does not abort a fetch it
// already started.
type Scheduler struct {
	target refresher
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	interval  time.Duration
	mode      RefreshMode
	polling   bool
	suspended int
	stopCh    chan struct{}
	stopped   bool
	wg        sync.WaitGroup
}

// NewScheduler creates a disarmed scheduler driving target.
func NewScheduler(target refresher, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		target: target,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		mode:   RefreshMain,
	}
}

// Configure sets cadence, mode and whether the data source is polled, then
// re-arms. A zero interval or a non-polling source leaves it disarmed.
func (s *Scheduler) Configure(interval time.Duration, mode RefreshMode, polling bool) {
	if !mode.valid() {
		mode = RefreshMain
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = interval
	s.mode = mode
	s.polling = polling
	s.rearmLocked()
}

// Suspend clears the timer until a matching Resume. Suspensions nest.
func (s *Scheduler) Suspend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suspended++
	s.disarmLocked()
}

// Resume undoes one Suspend and restores the timer once none remain.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suspended == 0 {
		return
	}
	s.suspended--
	s.rearmLocked()
}

// Armed reports whether a timer is currently running.
func (s *Scheduler) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCh != nil
}

// Mode returns the configured refresh mode.
func (s *Scheduler) Mode() RefreshMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// TriggerNow runs the current mode's operation once, off the timer. It does
// nothing while the source is not polled, the scheduler is suspended or
// stopped.
func (s *Scheduler) TriggerNow() {
	s.mu.Lock()
	if s.stopped || !s.polling || s.suspended > 0 {
		s.mu.Unlock()
		return
	}
	mode := s.mode
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.fire(mode)
	}()
}

// Stop disarms the scheduler for good and waits for its loops to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.disarmLocked()
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) rearmLocked() {
	s.disarmLocked()
	if s.stopped || s.suspended > 0 || !s.polling || s.interval <= 0 {
		return
	}
	stopCh := make(chan struct{})
	s.stopCh = stopCh
	s.wg.Add(1)
	go s.loop(stopCh, s.interval, s.mode)
	s.log.Debug("auto refresh armed", zap.Duration("interval", s.interval), zap.String("mode", string(s.mode)))
}

func (s *Scheduler) disarmLocked() {
	if s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
	}
}

func (s *Scheduler) loop(stopCh <-chan struct{}, interval time.Duration, mode RefreshMode) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.fire(mode)
		}
	}
}

func (s *Scheduler) fire(mode RefreshMode) {
	var err error
	switch mode {
	case RefreshFiltered:
		_, err = s.target.RefreshConversation(s.ctx, true)
	case RefreshAll:
		_, err = s.target.RefreshConversation(s.ctx, false)
	default:
		_, err = s.target.IncrementalRefresh(s.ctx)
	}
	if err != nil && !errors.Is(err, ErrNoActiveConversation) {
		s.log.Debug("scheduled refresh failed", zap.String("mode", string(mode)), zap.Error(err))
	}
}

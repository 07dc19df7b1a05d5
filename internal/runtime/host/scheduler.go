package host

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// TickHandle identifies a scheduled callback.
type TickHandle uint64

// TickFunc is invoked on every firing. ctx is cancelled when the tick is
// cleared or the scheduler closes.
type TickFunc func(ctx context.Context)

// Scheduler runs recurring callbacks, one goroutine per tick. A tick never
// overlaps itself: the next firing is armed only after the callback returns.
type Scheduler struct {
	frame time.Duration

	mu     sync.Mutex
	ticks  map[TickHandle]context.CancelFunc
	next   TickHandle
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler returns a scheduler whose frame lasts frameInterval.
func NewScheduler(frameInterval time.Duration) *Scheduler {
	if frameInterval <= 0 {
		frameInterval = 16 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		frame:  frameInterval,
		ticks:  make(map[TickHandle]context.CancelFunc),
		ctx:    ctx,
		cancel: cancel,
	}
}

// FrameInterval returns the duration of one frame.
func (s *Scheduler) FrameInterval() time.Duration { return s.frame }

// SetTick fires cb one frame after registration and then interval after each
// completed run. A zero interval means every frame.
func (s *Scheduler) SetTick(cb TickFunc, interval time.Duration) TickHandle {
	if interval <= 0 {
		interval = s.frame
	}
	return s.start(func(now time.Time, first bool) (time.Duration, bool) {
		if first {
			return s.frame, true
		}
		return interval, true
	}, cb)
}

// SetSchedule fires cb at every activation time of schedule. The tick ends
// once schedule has no next activation, which cron reports as the zero time.
func (s *Scheduler) SetSchedule(cb TickFunc, schedule cron.Schedule) TickHandle {
	return s.start(func(now time.Time, _ bool) (time.Duration, bool) {
		next := schedule.Next(now)
		if next.IsZero() {
			return 0, false
		}
		return next.Sub(now), true
	}, cb)
}

// ClearTick stops a tick. Clearing an unknown or already cleared handle is a
// no-op.
func (s *Scheduler) ClearTick(handle TickHandle) {
	s.mu.Lock()
	cancel, ok := s.ticks[handle]
	delete(s.ticks, handle)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// Active returns the number of live ticks.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ticks)
}

// Close clears every tick. Callbacks already running observe a cancelled
// context; Close does not wait for them.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.ticks = make(map[TickHandle]context.CancelFunc)
	s.mu.Unlock()
	s.cancel()
}

func (s *Scheduler) start(delay func(now time.Time, first bool) (time.Duration, bool), cb TickFunc) TickHandle {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.next++
	handle := s.next
	if s.closed {
		return handle
	}
	first, ok := delay(time.Now(), true)
	if !ok {
		return handle
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.ticks[handle] = cancel

	go func() {
		defer s.forget(handle)

		timer := time.NewTimer(first)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
			cb(ctx)
			if ctx.Err() != nil {
				return
			}
			d, ok := delay(time.Now(), false)
			if !ok {
				return
			}
			timer.Reset(d)
		}
	}()
	return handle
}

func (s *Scheduler) forget(handle TickHandle) {
	s.mu.Lock()
	if cancel, ok := s.ticks[handle]; ok {
		cancel()
		delete(s.ticks, handle)
	}
	s.mu.Unlock()
}

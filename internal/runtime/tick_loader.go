package runtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	configpkg "github.com/drblury/cfxflow/internal/runtime/config"
	errspkg "github.com/drblury/cfxflow/internal/runtime/errors"
	"github.com/drblury/cfxflow/internal/runtime/handlers"
	"github.com/drblury/cfxflow/internal/runtime/host"
	loggingpkg "github.com/drblury/cfxflow/internal/runtime/logging"
	"github.com/drblury/cfxflow/internal/runtime/metadata"
)

// TickLoaderOptions tune retries and shutdown of the tick loader. Zero values
// fall back to the config package defaults.
type TickLoaderOptions struct {
	// MaxRetries of -1 disables retries.
	MaxRetries              int
	RetryDelay              time.Duration
	GracefulShutdownTimeout time.Duration
}

func (o TickLoaderOptions) withDefaults() TickLoaderOptions {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	} else if o.MaxRetries == 0 {
		o.MaxRetries = configpkg.DefaultTickMaxRetries
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = configpkg.DefaultTickRetryDelay
	}
	if o.GracefulShutdownTimeout <= 0 {
		o.GracefulShutdownTimeout = configpkg.DefaultTickShutdownTimeout
	}
	return o
}

// TickLoaderOptionsFromConfig maps the tick settings of cfg.
func TickLoaderOptionsFromConfig(cfg *configpkg.Config) TickLoaderOptions {
	if cfg == nil {
		return TickLoaderOptions{}
	}
	return TickLoaderOptions{
		MaxRetries:              cfg.TickMaxRetries,
		RetryDelay:              cfg.TickRetryDelay,
		GracefulShutdownTimeout: cfg.TickShutdownTimeout,
	}
}

// TickInfo describes a loaded tick.
type TickInfo struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Provider  string        `json:"provider"`
	Method    string        `json:"method"`
	Interval  time.Duration `json:"interval_ns"`
	Schedule  string        `json:"schedule,omitempty"`
	Active    bool          `json:"active"`
	Runs      uint64        `json:"runs"`
	Failures  uint64        `json:"failures"`
	LastRunAt time.Time     `json:"last_run_at"`
	LastError string        `json:"last_error,omitempty"`
}

type loadedTick struct {
	id       string
	handle   host.TickHandle
	md       metadata.TickMetadata
	provider metadata.Provider
	method   string
	handler  handlers.HandlerFunc
	policy   metadata.RetryPolicy
	active   atomic.Bool

	mu        sync.Mutex
	runs      uint64
	failures  uint64
	lastRunAt time.Time
	lastError string
}

func (t *loadedTick) record(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs++
	t.lastRunAt = time.Now().UTC()
	if err != nil {
		t.failures++
		t.lastError = err.Error()
	}
}

func (t *loadedTick) info() TickInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TickInfo{
		ID:        t.id,
		Name:      t.md.Name,
		Provider:  metadata.ProviderName(t.provider),
		Method:    t.method,
		Interval:  t.md.Interval,
		Schedule:  t.md.Schedule,
		Active:    t.active.Load(),
		Runs:      t.runs,
		Failures:  t.failures,
		LastRunAt: t.lastRunAt,
		LastError: t.lastError,
	}
}

// TickLoader schedules provider methods declared as ticks. A failing tick is
// retried up to MaxRetries times and then removed for good; a tick whose
// handler returns false removes itself.
//
// Tick ids are Provider.method. A second instance of an already loaded
// provider type is labelled Provider#2, the next Provider#3 and so on.
type TickLoader struct {
	env    *Env
	opts   TickLoaderOptions
	logger loggingpkg.ServiceLogger

	mu           sync.Mutex
	loaded       map[metadata.Provider]string
	ticks        map[string]*loadedTick
	order        []string
	shuttingDown bool
	inflight     *sync.WaitGroup
	retryCtx     context.Context
	cancelRetry  context.CancelFunc
}

func NewTickLoader(env *Env, opts TickLoaderOptions) *TickLoader {
	l := &TickLoader{
		env:    env,
		opts:   opts.withDefaults(),
		logger: env.Logger.With(loggingpkg.LogFields{"component": "tick"}),
	}
	l.reset()
	return l
}

func (l *TickLoader) reset() {
	l.loaded = make(map[metadata.Provider]string)
	l.ticks = make(map[string]*loadedTick)
	l.order = nil
	l.shuttingDown = false
	l.inflight = &sync.WaitGroup{}
	l.retryCtx, l.cancelRetry = context.WithCancel(context.Background())
}

// Load schedules every tick declaration of p.
func (l *TickLoader) Load(p metadata.Provider) error {
	if p == nil {
		return errspkg.ErrProviderRequired
	}
	name := metadata.ProviderName(p)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.shuttingDown {
		return errspkg.ErrTickLoaderShutdown
	}
	if _, ok := l.loaded[p]; ok {
		l.logger.Debug("[tick] Provider already loaded", loggingpkg.LogFields{"provider": name})
		return nil
	}

	label := l.labelLocked(name)
	reg := l.env.Catalog.Describe(p)
	chain := l.env.Chain(metadata.KindTick)
	for _, entry := range reg.MethodMetadata(metadata.KindTick) {
		handler, ok := reg.Handler(entry.Method)
		if !ok {
			l.logger.Error("[tick] Missing handler", errspkg.ErrHandlerRequired, loggingpkg.LogFields{"provider": name, "method": entry.Method})
			continue
		}
		for _, raw := range entry.Metadata {
			md, ok := raw.(metadata.TickMetadata)
			if !ok {
				continue
			}
			id := label + "." + entry.Method
			if _, exists := l.ticks[id]; exists {
				l.logger.Warn("[tick] Tick already registered", loggingpkg.LogFields{"tick": id})
				continue
			}

			t := &loadedTick{
				id:       id,
				md:       md,
				provider: p,
				method:   entry.Method,
				handler:  chain.Wrap(md, handler),
				policy:   metadata.RetryPolicy{MaxRetries: l.opts.MaxRetries, Delay: l.opts.RetryDelay},
			}
			if md.Retry != nil {
				t.policy = *md.Retry
			}
			t.active.Store(true)

			if md.Schedule != "" {
				schedule, err := cron.ParseStandard(md.Schedule)
				if err != nil {
					l.logger.Error("[tick] Invalid schedule", err, loggingpkg.LogFields{"tick": id, "schedule": md.Schedule})
					continue
				}
				if schedule.Next(time.Now()).IsZero() {
					l.logger.Error("[tick] Schedule never fires", errspkg.ErrInvalidSchedule, loggingpkg.LogFields{"tick": id, "schedule": md.Schedule})
					continue
				}
				t.handle = l.env.Scheduler.SetSchedule(l.callback(t), schedule)
			} else {
				t.handle = l.env.Scheduler.SetTick(l.callback(t), md.Interval)
			}

			l.ticks[id] = t
			l.order = append(l.order, id)
			l.logger.Debug("[tick] Registered tick", loggingpkg.LogFields{"tick": id, "interval": md.Interval.String(), "schedule": md.Schedule})
		}
	}
	l.loaded[p] = label
	l.env.Metrics.SetActiveTicks(l.activeCountLocked())
	return nil
}

// labelLocked returns name, or name#N when another loaded instance already
// uses name.
func (l *TickLoader) labelLocked(name string) string {
	taken := make(map[string]struct{}, len(l.loaded))
	for _, label := range l.loaded {
		taken[label] = struct{}{}
	}
	label := name
	for n := 2; ; n++ {
		if _, ok := taken[label]; !ok {
			return label
		}
		label = fmt.Sprintf("%s#%d", name, n)
	}
}

func (l *TickLoader) callback(t *loadedTick) host.TickFunc {
	return func(ctx context.Context) {
		l.mu.Lock()
		if l.shuttingDown || !t.active.Load() {
			l.mu.Unlock()
			return
		}
		wg := l.inflight
		retryCtx := l.retryCtx
		wg.Add(1)
		l.mu.Unlock()
		defer wg.Done()

		l.fire(ctx, retryCtx, t)
	}
}

func (l *TickLoader) fire(ctx, retryCtx context.Context, t *loadedTick) {
	attempts := t.policy.MaxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := t.handler(ctx)
		t.record(err)
		if err == nil {
			if handlers.IsFalse(result) {
				l.logger.Debug("[tick] Tick stopped by handler", loggingpkg.LogFields{"tick": t.id})
				l.deactivate(t)
			}
			return
		}

		fields := loggingpkg.LogFields{"tick": t.id, "attempt": attempt, "max_attempts": attempts}
		if attempt == attempts {
			l.logger.Error(fmt.Sprintf("[tick] Tick %s removed after %d attempts", t.id, attempts), err, fields)
			l.deactivate(t)
			return
		}
		l.logger.Warn("[tick] Tick failed, retrying", fields)

		timer := time.NewTimer(t.policy.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-retryCtx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if !t.active.Load() {
			return
		}
	}
}

// deactivate stops t and drops it from the loader. The provider stays
// loaded, so the tick is not scheduled again until the provider is unloaded.
func (l *TickLoader) deactivate(t *loadedTick) {
	t.active.Store(false)
	l.env.Scheduler.ClearTick(t.handle)

	l.mu.Lock()
	if l.ticks[t.id] == t {
		delete(l.ticks, t.id)
		for i, id := range l.order {
			if id == t.id {
				l.order = append(l.order[:i:i], l.order[i+1:]...)
				break
			}
		}
	}
	n := l.activeCountLocked()
	l.mu.Unlock()
	l.env.Metrics.SetActiveTicks(n)
}

func (l *TickLoader) activeCountLocked() int {
	n := 0
	for _, t := range l.ticks {
		if t.active.Load() {
			n++
		}
	}
	return n
}

// Unload clears the ticks of p. With a nil provider every tick is cleared,
// pending retries are cancelled and in-flight executions are awaited for at
// most GracefulShutdownTimeout; the loader is then reset and can be used
// again.
func (l *TickLoader) Unload(ctx context.Context, p metadata.Provider) error {
	if p != nil {
		l.unloadProvider(p)
		return nil
	}

	l.mu.Lock()
	l.shuttingDown = true
	ticks := make([]*loadedTick, 0, len(l.ticks))
	for _, id := range l.order {
		ticks = append(ticks, l.ticks[id])
	}
	l.cancelRetry()
	wg := l.inflight
	l.mu.Unlock()

	for _, t := range ticks {
		t.active.Store(false)
		l.env.Scheduler.ClearTick(t.handle)
	}

	var err error
	if !waitGroupTimeout(ctx, wg, l.opts.GracefulShutdownTimeout) {
		err = &errspkg.TimeoutError{Name: "tick shutdown", Timeout: l.opts.GracefulShutdownTimeout}
		l.logger.Warn("[tick] Timed out waiting for running ticks", loggingpkg.LogFields{"timeout": l.opts.GracefulShutdownTimeout.String()})
	}

	l.mu.Lock()
	l.reset()
	l.mu.Unlock()
	l.env.Metrics.SetActiveTicks(0)
	l.logger.Debug("[tick] Unloaded all ticks", loggingpkg.LogFields{"count": len(ticks)})
	return err
}

func (l *TickLoader) unloadProvider(p metadata.Provider) {
	l.mu.Lock()
	var removed []*loadedTick
	kept := l.order[:0:0]
	for _, id := range l.order {
		t := l.ticks[id]
		if t.provider != p {
			kept = append(kept, id)
			continue
		}
		removed = append(removed, t)
		delete(l.ticks, id)
	}
	l.order = kept
	delete(l.loaded, p)
	n := l.activeCountLocked()
	l.mu.Unlock()

	for _, t := range removed {
		t.active.Store(false)
		l.env.Scheduler.ClearTick(t.handle)
	}
	l.env.Metrics.SetActiveTicks(n)
}

func waitGroupTimeout(ctx context.Context, wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// LoadedTicks lists the ticks in load order.
func (l *TickLoader) LoadedTicks() []TickInfo {
	l.mu.Lock()
	ticks := make([]*loadedTick, 0, len(l.order))
	for _, id := range l.order {
		ticks = append(ticks, l.ticks[id])
	}
	l.mu.Unlock()

	out := make([]TickInfo, 0, len(ticks))
	for _, t := range ticks {
		out = append(out, t.info())
	}
	return out
}

// TickStatus returns the state of the tick with the given Provider.method id.
// Ticks removed after exhausting their retries are not found.
func (l *TickLoader) TickStatus(id string) (TickInfo, bool) {
	l.mu.Lock()
	t, ok := l.ticks[id]
	l.mu.Unlock()
	if !ok {
		return TickInfo{}, false
	}
	return t.info(), true
}

func (l *TickLoader) IsProviderLoaded(p metadata.Provider) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.loaded[p]
	return ok
}

package runtime

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	errspkg "github.com/drblury/cfxflow/internal/runtime/errors"
	"github.com/drblury/cfxflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/cfxflow/internal/runtime/logging"
	"github.com/drblury/cfxflow/internal/runtime/metadata"
)

type methodTrigger struct {
	handler  handlers.HandlerFunc
	md       metadata.OnceMetadata
	provider metadata.Provider
	id       string
}

// StepFailure is one failed handler of a step execution.
type StepFailure struct {
	Method  string `json:"method"`
	Message string `json:"error"`
	Err     error  `json:"-"`
}

// StepExecution records one trigger of a lifecycle step. Dispatched lists
// the handlers in dispatch order (priority descending); Executed lists those
// that completed without error, in the same order.
type StepExecution struct {
	Step       metadata.Step `json:"step"`
	Timestamp  time.Time     `json:"timestamp"`
	Dispatched []string      `json:"dispatched"`
	Executed   []string      `json:"executed"`
	Errors     []StepFailure `json:"errors"`
}

// StepStat describes one step known to the loader.
type StepStat struct {
	Step       metadata.Step `json:"step"`
	Methods    int           `json:"methods"`
	Reloadable int           `json:"reloadable"`
	Triggered  bool          `json:"triggered"`
	Executions int           `json:"executions"`
}

// OnceLoader runs provider methods attached to lifecycle steps. A step runs
// all its handlers the first time it is triggered and only the reloadable
// ones afterwards.
type OnceLoader struct {
	env    *Env
	logger loggingpkg.ServiceLogger

	mu        sync.Mutex
	loaded    map[metadata.Provider]struct{}
	steps     map[metadata.Step][]methodTrigger
	triggered map[metadata.Step]bool
	history   []StepExecution
}

func NewOnceLoader(env *Env) *OnceLoader {
	return &OnceLoader{
		env:       env,
		logger:    env.Logger.With(loggingpkg.LogFields{"component": "once"}),
		loaded:    make(map[metadata.Provider]struct{}),
		steps:     make(map[metadata.Step][]methodTrigger),
		triggered: make(map[metadata.Step]bool),
	}
}

// Load attaches the once declarations of p to their steps.
func (l *OnceLoader) Load(p metadata.Provider) error {
	if p == nil {
		return errspkg.ErrProviderRequired
	}
	name := metadata.ProviderName(p)

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.loaded[p]; ok {
		l.logger.Debug("[once] Provider already loaded", loggingpkg.LogFields{"provider": name})
		return nil
	}

	reg := l.env.Catalog.Describe(p)
	chain := l.env.Chain(metadata.KindOnce)
	for _, entry := range reg.MethodMetadata(metadata.KindOnce) {
		handler, ok := reg.Handler(entry.Method)
		if !ok {
			l.logger.Error("[once] Missing handler", errspkg.ErrHandlerRequired, loggingpkg.LogFields{"provider": name, "method": entry.Method})
			continue
		}
		for _, raw := range entry.Metadata {
			md, ok := raw.(metadata.OnceMetadata)
			if !ok {
				continue
			}
			l.steps[md.Step] = append(l.steps[md.Step], methodTrigger{
				handler:  chain.Wrap(md, handler),
				md:       md,
				provider: p,
				id:       name + "." + entry.Method,
			})
			l.logger.Debug("[once] Registered step handler", loggingpkg.LogFields{"provider": name, "method": entry.Method, "step": string(md.Step), "priority": md.Priority})
		}
	}
	l.loaded[p] = struct{}{}
	return nil
}

// Trigger runs the handlers of step concurrently and waits for all of them.
// Every handler runs even when others fail; the returned StepError carries
// the failure count and the details land in the execution history.
func (l *OnceLoader) Trigger(ctx context.Context, step metadata.Step, args ...any) error {
	l.mu.Lock()
	rerun := l.triggered[step]
	candidates := append([]methodTrigger(nil), l.steps[step]...)
	l.mu.Unlock()

	selected := candidates[:0:0]
	for _, tr := range candidates {
		if rerun && !tr.md.Reload {
			continue
		}
		selected = append(selected, tr)
	}
	sort.SliceStable(selected, func(i, j int) bool {
		return selected[i].md.Priority > selected[j].md.Priority
	})

	execution := StepExecution{
		Step:       step,
		Timestamp:  time.Now().UTC(),
		Dispatched: make([]string, 0, len(selected)),
		Executed:   make([]string, 0, len(selected)),
	}
	results := make([]error, len(selected))

	var wg sync.WaitGroup
	for i, tr := range selected {
		execution.Dispatched = append(execution.Dispatched, tr.id)
		wg.Add(1)
		go func(i int, tr methodTrigger) {
			defer wg.Done()
			results[i] = runTrigger(ctx, tr, args)
		}(i, tr)
	}
	wg.Wait()

	for i, err := range results {
		if err == nil {
			execution.Executed = append(execution.Executed, selected[i].id)
			continue
		}
		execution.Errors = append(execution.Errors, StepFailure{Method: selected[i].id, Message: err.Error(), Err: err})
	}

	l.mu.Lock()
	l.triggered[step] = true
	l.history = append(l.history, execution)
	l.mu.Unlock()

	failed := len(execution.Errors)
	l.env.Metrics.ObserveStep(step, failed)
	fields := loggingpkg.LogFields{"step": string(step), "handlers": len(selected), "failed": failed, "reload": rerun}
	if failed > 0 {
		stepErr := &errspkg.StepError{Step: string(step), Failed: failed, Total: len(selected)}
		l.logger.Error("[once] Step completed with errors", stepErr, fields)
		return stepErr
	}
	l.logger.Debug("[once] Step completed", fields)
	return nil
}

func runTrigger(ctx context.Context, tr methodTrigger, args []any) error {
	if tr.md.Timeout <= 0 {
		_, err := tr.handler(ctx, args...)
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, tr.md.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := tr.handler(ctx, args...)
		done <- err
	}()

	select {
	case err := <-done:
		if errors.Is(err, context.DeadlineExceeded) {
			return &errspkg.TimeoutError{Name: "Method " + tr.id, Timeout: tr.md.Timeout}
		}
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &errspkg.TimeoutError{Name: "Method " + tr.id, Timeout: tr.md.Timeout}
		}
		return ctx.Err()
	}
}

// Unload detaches the handlers of p. A nil provider clears every step,
// including the triggered flags and the execution history.
func (l *OnceLoader) Unload(p metadata.Provider) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if p == nil {
		l.loaded = make(map[metadata.Provider]struct{})
		l.steps = make(map[metadata.Step][]methodTrigger)
		l.triggered = make(map[metadata.Step]bool)
		l.history = nil
		return
	}

	for step, triggers := range l.steps {
		kept := triggers[:0:0]
		for _, tr := range triggers {
			if tr.provider != p {
				kept = append(kept, tr)
			}
		}
		if len(kept) == 0 {
			delete(l.steps, step)
		} else {
			l.steps[step] = kept
		}
	}
	delete(l.loaded, p)
}

func (l *OnceLoader) IsStepTriggered(step metadata.Step) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.triggered[step]
}

// ResetStep clears the triggered flag so the next trigger runs every handler.
func (l *OnceLoader) ResetStep(step metadata.Step) {
	l.mu.Lock()
	delete(l.triggered, step)
	l.mu.Unlock()
}

// MethodCount returns the number of handlers attached to step, or to all
// steps when step is empty.
func (l *OnceLoader) MethodCount(step metadata.Step) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if step != "" {
		return len(l.steps[step])
	}
	total := 0
	for _, triggers := range l.steps {
		total += len(triggers)
	}
	return total
}

// ExecutionHistory returns a copy of every recorded step execution, oldest
// first.
func (l *OnceLoader) ExecutionHistory() []StepExecution {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]StepExecution(nil), l.history...)
}

// StepStats describes every step that has handlers or has been triggered,
// sorted by step name.
func (l *OnceLoader) StepStats() []StepStat {
	l.mu.Lock()
	defer l.mu.Unlock()

	byStep := make(map[metadata.Step]*StepStat)
	stat := func(step metadata.Step) *StepStat {
		s, ok := byStep[step]
		if !ok {
			s = &StepStat{Step: step}
			byStep[step] = s
		}
		return s
	}
	for step, triggers := range l.steps {
		s := stat(step)
		s.Methods = len(triggers)
		for _, tr := range triggers {
			if tr.md.Reload {
				s.Reloadable++
			}
		}
	}
	for step := range l.triggered {
		stat(step).Triggered = true
	}
	for _, exec := range l.history {
		stat(exec.Step).Executions++
	}

	out := make([]StepStat, 0, len(byStep))
	for _, s := range byStep {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Step < out[j].Step })
	return out
}

func (l *OnceLoader) IsProviderLoaded(p metadata.Provider) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.loaded[p]
	return ok
}

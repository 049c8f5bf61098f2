package shutdown

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vinayprograms/gracekit/errors"
	"github.com/vinayprograms/gracekit/lifecycle"
	"github.com/vinayprograms/gracekit/logging"
)

// Plan runs registered handlers phase by phase. Its Hook is a lifecycle
// shutdown hook.
type Plan struct {
	config Config
	logger *logging.Logger

	mu       sync.Mutex
	handlers []registration
	ran      bool
	result   *Result
}

// New creates an empty plan.
func New(config Config) (*Plan, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.DefaultPhase == 0 {
		config.DefaultPhase = DefaultConfig().DefaultPhase
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.New()
	}
	return &Plan{
		config: config,
		logger: logger.WithComponent("shutdown"),
	}, nil
}

// Register adds a handler in the default phase.
func (p *Plan) Register(name string, handler Handler) {
	p.RegisterWithPhase(name, handler, p.config.DefaultPhase)
}

// RegisterWithPhase adds a handler with a specific phase. Lower phases run
// first; handlers in the same phase run concurrently.
func (p *Plan) RegisterWithPhase(name string, handler Handler, phase int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.handlers = append(p.handlers, registration{
		name:    name,
		handler: handler,
		phase:   phase,
	})
}

// RegisterFunc registers fn in the default phase.
func (p *Plan) RegisterFunc(name string, fn func(ctx context.Context) error) {
	p.Register(name, HandlerFunc(fn))
}

// RegisterFuncWithPhase registers fn with a phase.
func (p *Plan) RegisterFuncWithPhase(name string, fn func(ctx context.Context) error, phase int) {
	p.RegisterWithPhase(name, HandlerFunc(fn), phase)
}

// Hook returns a lifecycle shutdown hook that runs the plan off the loop
// and reports its outcome through done.
func (p *Plan) Hook() lifecycle.ShutdownFunc {
	return func(ctx context.Context, done func(error)) {
		go func() {
			done(p.Run(ctx))
		}()
	}
}

// Run executes the plan once. Later calls return the first run's error.
func (p *Plan) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.ran {
		p.mu.Unlock()
		return p.Err()
	}
	p.ran = true
	handlers := make([]registration, len(p.handlers))
	copy(handlers, p.handlers)
	p.mu.Unlock()

	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}

	start := time.Now()
	result := p.run(ctx, handlers)
	result.TotalDuration = time.Since(start)

	fields := map[string]interface{}{
		"handlers": len(result.Results),
		"duration": result.TotalDuration.String(),
	}
	if result.Err != nil {
		fields["error"] = result.Err
		p.logger.Warn("shutdown plan failed", fields)
	} else {
		p.logger.Info("shutdown plan complete", fields)
	}

	p.mu.Lock()
	p.result = result
	p.mu.Unlock()
	return result.Err
}

// Result returns the outcome of the run, nil before it finished.
func (p *Plan) Result() *Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

// Err returns the run's error, nil before it finished.
func (p *Plan) Err() error {
	if r := p.Result(); r != nil {
		return r.Err
	}
	return nil
}

func (p *Plan) run(ctx context.Context, handlers []registration) *Result {
	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})

	result := &Result{
		Results: make([]HandlerResult, 0, len(handlers)),
	}

	for _, group := range groupByPhase(handlers) {
		if err := ctx.Err(); err != nil {
			result.Err = errors.Timeout(p.config.Timeout)
			return result
		}

		phaseResults := p.executePhase(ctx, group)
		result.Results = append(result.Results, phaseResults...)

		failed := false
		for _, hr := range phaseResults {
			failed = failed || hr.Err != nil
		}
		if failed && !p.config.ContinueOnError {
			break
		}
	}

	result.Err = failure(result)
	return result
}

// executePhase runs all handlers in a phase concurrently.
func (p *Plan) executePhase(ctx context.Context, handlers []registration) []HandlerResult {
	results := make([]HandlerResult, len(handlers))
	var wg sync.WaitGroup

	for i, reg := range handlers {
		wg.Add(1)
		go func(idx int, r registration) {
			defer wg.Done()

			start := time.Now()
			err := invoke(ctx, r)
			hr := HandlerResult{
				Name:     r.name,
				Phase:    r.phase,
				Duration: time.Since(start),
				Err:      err,
			}
			results[idx] = hr

			p.logger.Debug("shutdown handler finished", map[string]interface{}{
				"handler":  hr.Name,
				"phase":    hr.Phase,
				"duration": hr.Duration.String(),
				"error":    hr.Err,
			})
			if p.config.OnProgress != nil {
				p.config.OnProgress(hr)
			}
		}(i, reg)
	}

	wg.Wait()
	return results
}

// invoke runs one handler, turning a panic into its error.
func invoke(ctx context.Context, r registration) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.RecoverPanic(rec)
		}
	}()
	return r.handler.OnShutdown(ctx)
}

func failure(result *Result) error {
	var errs []error
	for _, hr := range result.Results {
		if hr.Err != nil {
			errs = append(errs, hr.Err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	names := result.FailedHandlers()
	return errors.WrapWithCode(errors.Join(errs...), errors.ErrCodeShutdownFailure,
		"shutdown handlers failed: "+strings.Join(names, ", "),
		errors.WithMetadata("handlers", strings.Join(names, ",")))
}

// groupByPhase groups sorted handlers by their phase number.
func groupByPhase(handlers []registration) [][]registration {
	if len(handlers) == 0 {
		return nil
	}

	var groups [][]registration
	var current []registration
	phase := handlers[0].phase

	for _, h := range handlers {
		if h.phase != phase {
			groups = append(groups, current)
			current = nil
			phase = h.phase
		}
		current = append(current, h)
	}
	return append(groups, current)
}

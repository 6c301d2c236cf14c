// Package engine routes evaluation requests to registered providers.
//
// A Dispatcher resolves a provider name or modality through the registry,
// evaluates every (provider, file) pair and returns the envelopes in
// canonical order: input file order for a single provider, provider-major
// then file order for a modality. Provider failures are returned as
// envelopes; only resolution and initialization errors abort a call.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/biqt/internal/logging"
	"github.com/example/biqt/internal/quality"
	"github.com/example/biqt/internal/registry"
)

// TimeoutMessage is the envelope message of an abandoned evaluation.
const TimeoutMessage = "provider did not complete in time"

// Registry is the provider lookup the dispatcher depends on.
type Registry interface {
	Initialize(ctx context.Context) error
	List() []quality.ProviderInfo
	FindByName(name string) (quality.Provider, error)
	FindByModality(modality string) []quality.Provider
	Close() error
}

// Options tunes dispatch.
type Options struct {
	// EvalTimeout abandons a single evaluation after this long. Zero
	// disables the deadline.
	EvalTimeout time.Duration
	// Concurrency bounds parallel evaluations within one call. Values
	// below two evaluate sequentially.
	Concurrency int
	Metrics     *Metrics
}

// Dispatcher is the facade callers use to run providers.
type Dispatcher struct {
	registry Registry
	logger   *zap.Logger
	opts     Options
	tracer   trace.Tracer

	initOnce sync.Once
	initErr  error
	ready    atomic.Bool

	// state guards shutdown; run calls hold the read lock.
	state    sync.RWMutex
	closed   bool
	stopOnce sync.Once
	stopErr  error

	slotsMu sync.Mutex
	slots   map[string]chan struct{}
}

// New creates a dispatcher in the uninitialized state.
func New(reg Registry, logger *zap.Logger, opts Options) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		logger:   logger.Named("dispatcher"),
		opts:     opts,
		tracer:   otel.Tracer("github.com/example/biqt/internal/engine"),
		slots:    make(map[string]chan struct{}),
	}
}

// Init initializes the registry. It runs at most once, even under
// concurrent first use; a failure is returned by every later call.
func (d *Dispatcher) Init(ctx context.Context) error {
	d.initOnce.Do(func() {
		err := d.registry.Initialize(ctx)
		if errors.Is(err, registry.ErrAlreadyInitialized) {
			err = nil
		}
		if err != nil {
			d.logger.Error("provider registry failed to initialize", zap.Error(err))
		} else {
			d.ready.Store(true)
		}
		d.initErr = err
	})
	return d.initErr
}

// ListProviders returns provider metadata in registration order.
func (d *Dispatcher) ListProviders(ctx context.Context) ([]quality.ProviderInfo, error) {
	release, err := d.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return d.registry.List(), nil
}

// RunByName evaluates files with the named provider. The result has one
// envelope per file in input order, minus malformed responses. It returns
// ctx.Err() when ctx ends before every file is evaluated.
func (d *Dispatcher) RunByName(ctx context.Context, name string, files []string) ([]*quality.Envelope, error) {
	release, err := d.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	logger := logging.WithOperation(d.logger, "engine.run_by_name", logging.RequestID(ctx))

	p, err := d.registry.FindByName(name)
	if err != nil {
		if errors.Is(err, registry.ErrProviderNotFound) {
			d.opts.Metrics.IncrementUnresolved("provider")
			logger.Warn("provider not found", zap.String("provider", name))
			return nil, &UnknownProviderError{Name: name}
		}
		return nil, err
	}

	logger.Debug("dispatching", zap.String("provider", name), zap.Int("files", len(files)))
	return d.run(ctx, []quality.Provider{p}, files)
}

// RunByModality evaluates files with every provider of the modality,
// provider by provider. No matching provider yields an empty result.
// Cancellation is reported as in RunByName.
func (d *Dispatcher) RunByModality(ctx context.Context, modality string, files []string) ([]*quality.Envelope, error) {
	release, err := d.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	logger := logging.WithOperation(d.logger, "engine.run_by_modality", logging.RequestID(ctx))

	providers := d.registry.FindByModality(modality)
	if len(providers) == 0 {
		d.opts.Metrics.IncrementUnresolved("modality")
		logger.Warn("no available providers found for modality", zap.String("modality", modality))
		return []*quality.Envelope{}, nil
	}

	logger.Debug("dispatching", zap.String("modality", modality), zap.Int("providers", len(providers)), zap.Int("files", len(files)))
	return d.run(ctx, providers, files)
}

// Shutdown waits for in-flight calls and releases provider resources.
// Safe to call more than once.
func (d *Dispatcher) Shutdown() error {
	d.stopOnce.Do(func() {
		d.state.Lock()
		d.closed = true
		d.state.Unlock()

		d.stopErr = d.registry.Close()
		d.logger.Info("dispatcher shut down")
	})
	return d.stopErr
}

// Ready reports whether the registry initialized and Shutdown has not run.
func (d *Dispatcher) Ready() bool {
	d.state.RLock()
	defer d.state.RUnlock()
	return !d.closed && d.ready.Load()
}

func (d *Dispatcher) begin(ctx context.Context) (func(), error) {
	d.state.RLock()
	if d.closed {
		d.state.RUnlock()
		return nil, ErrShutdown
	}
	if err := d.Init(ctx); err != nil {
		d.state.RUnlock()
		return nil, err
	}
	return d.state.RUnlock, nil
}

// run evaluates the provider x file grid. Non-reentrant providers get one
// task that walks its files in order; reentrant ones get a task per pair.
func (d *Dispatcher) run(ctx context.Context, providers []quality.Provider, files []string) ([]*quality.Envelope, error) {
	results := make([]*quality.Envelope, len(providers)*len(files))

	var tasks [][]int
	for pi, p := range providers {
		base := pi * len(files)
		if quality.IsReentrant(p) && d.opts.Concurrency > 1 {
			for fi := range files {
				tasks = append(tasks, []int{base + fi})
			}
			continue
		}
		indices := make([]int, len(files))
		for fi := range files {
			indices[fi] = base + fi
		}
		tasks = append(tasks, indices)
	}

	do := func(indices []int) {
		for _, idx := range indices {
			if ctx.Err() != nil {
				return
			}
			p := providers[idx/len(files)]
			results[idx] = d.evaluate(ctx, p, files[idx%len(files)])
		}
	}

	if d.opts.Concurrency > 1 {
		var g errgroup.Group
		g.SetLimit(d.opts.Concurrency)
		for _, indices := range tasks {
			g.Go(func() error {
				do(indices)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for _, indices := range tasks {
			do(indices)
		}
	}
	// Partial results are discarded once ctx ends.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]*quality.Envelope, 0, len(results))
	for _, env := range results {
		if env != nil {
			out = append(out, env)
		}
	}
	return out, nil
}

type outcome struct {
	env *quality.Envelope
	err error
}

// evaluate runs one (provider, file) pair. It returns nil when the provider
// response was malformed.
func (d *Dispatcher) evaluate(ctx context.Context, p quality.Provider, path string) *quality.Envelope {
	name := p.Info().Name
	start := time.Now()

	ctx, span := d.tracer.Start(ctx, "provider.evaluate", trace.WithAttributes(
		attribute.String("biqt.provider", name),
		attribute.String("biqt.file", path),
	))
	defer span.End()

	logger := d.logger.With(zap.String("provider", name), zap.String("file", path))
	if id := logging.RequestID(ctx); id != "" {
		logger = logger.With(zap.String("request_id", id))
	}

	evalCtx, cancel := ctx, context.CancelFunc(func() {})
	if d.opts.EvalTimeout > 0 {
		evalCtx, cancel = context.WithTimeout(ctx, d.opts.EvalTimeout)
	}
	defer cancel()

	done := make(chan outcome, 1)
	go d.invoke(evalCtx, p, path, done)

	var res outcome
	select {
	case res = <-done:
	case <-evalCtx.Done():
		if err := ctx.Err(); err != nil {
			// The caller's context ended, not the evaluation budget.
			logger.Debug("evaluation cancelled", zap.Error(err))
			span.SetStatus(codes.Error, "cancelled")
			return nil
		}
		res = outcome{env: quality.Failure(name, quality.CodeTimeout, TimeoutMessage)}
		logger.Warn("evaluation abandoned", zap.Error(evalCtx.Err()))
	}
	elapsed := time.Since(start)

	if res.err == nil && res.env == nil {
		res.err = fmt.Errorf("%w: provider returned no envelope", quality.ErrMalformedResponse)
	}
	if res.err != nil {
		logger.Error("provider response was malformed; skipping", zap.Error(res.err))
		span.RecordError(res.err)
		span.SetStatus(codes.Error, "malformed response")
		d.opts.Metrics.ObserveEvaluation(name, OutcomeMalformed, elapsed)
		return nil
	}

	env := res.env
	if env.Provider == "" {
		env.Provider = name
	}
	if env.Features == nil {
		env.Features = map[string]any{}
	}
	if env.Metrics == nil {
		env.Metrics = map[string]float64{}
	}

	span.SetAttributes(attribute.Int("biqt.error_code", env.ErrorCode))
	switch env.ErrorCode {
	case quality.CodeOK:
		d.opts.Metrics.ObserveEvaluation(name, OutcomeSuccess, elapsed)
		return env
	case quality.CodeTimeout:
		d.opts.Metrics.ObserveEvaluation(name, OutcomeTimeout, elapsed)
	case quality.CodeAbnormalTermination:
		d.opts.Metrics.ObserveEvaluation(name, OutcomeAbnormal, elapsed)
	default:
		d.opts.Metrics.ObserveEvaluation(name, OutcomeFailure, elapsed)
	}
	if env.Message == "" {
		env.Message = fmt.Sprintf("provider reported error code %d", env.ErrorCode)
	}
	span.SetStatus(codes.Error, env.Message)
	logger.Warn("error evaluating file", zap.Int("error_code", env.ErrorCode), zap.String("message", env.Message))
	return env
}

// invoke calls the provider while holding its slot, unless the provider
// is reentrant. Panics become abnormal-termination envelopes.
func (d *Dispatcher) invoke(ctx context.Context, p quality.Provider, path string, done chan<- outcome) {
	name := p.Info().Name

	if !quality.IsReentrant(p) {
		slot := d.slot(name)
		select {
		case slot <- struct{}{}:
			defer func() { <-slot }()
		case <-ctx.Done():
			done <- outcome{env: quality.Failure(name, quality.CodeTimeout, TimeoutMessage)}
			return
		}
	}

	defer func() {
		if r := recover(); r != nil {
			done <- outcome{env: quality.Failure(name, quality.CodeAbnormalTermination,
				fmt.Sprintf("abnormal termination, unhandled error from provider: %v", r))}
		}
	}()

	env, err := p.Evaluate(ctx, path)
	done <- outcome{env: env, err: err}
}

func (d *Dispatcher) slot(name string) chan struct{} {
	d.slotsMu.Lock()
	defer d.slotsMu.Unlock()
	s, ok := d.slots[name]
	if !ok {
		s = make(chan struct{}, 1)
		d.slots[name] = s
	}
	return s
}

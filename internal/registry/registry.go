// Package registry discovers analysis providers and indexes them by name
// and modality.
//
// A Registry is populated exactly once by Initialize from an ordered list of
// sources and is read-only afterwards, so lookups take no locks.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/example/biqt/internal/quality"
)

// Source yields providers during initialization.
type Source interface {
	Name() string
	Discover(ctx context.Context) ([]quality.Provider, error)
}

// Registry holds the providers discovered at startup.
type Registry struct {
	sources []Source
	logger  *zap.Logger

	initMu    sync.Mutex
	attempted bool
	ready     atomic.Bool

	ordered    []quality.Provider
	infos      []quality.ProviderInfo
	byName     map[string]quality.Provider
	byModality map[string][]quality.Provider

	closeOnce sync.Once
	closeErr  error
}

// New creates an uninitialized registry reading from sources in order.
func New(logger *zap.Logger, sources ...Source) *Registry {
	return &Registry{
		sources: sources,
		logger:  logger.Named("registry"),
	}
}

// Initialize discovers and indexes providers. It may run once; later calls
// return ErrAlreadyInitialized whatever the outcome of the first.
func (r *Registry) Initialize(ctx context.Context) error {
	r.initMu.Lock()
	defer r.initMu.Unlock()

	if r.attempted {
		return ErrAlreadyInitialized
	}
	r.attempted = true

	var discovered []quality.Provider
	for _, src := range r.sources {
		providers, err := src.Discover(ctx)
		if err != nil {
			closeAll(discovered)
			return &InitializationError{Reason: fmt.Sprintf("source %s", src.Name()), Err: err}
		}
		r.logger.Debug("source discovered providers", zap.String("source", src.Name()), zap.Int("count", len(providers)))
		discovered = append(discovered, providers...)
	}

	if len(discovered) == 0 {
		return &InitializationError{Reason: "no providers discovered"}
	}

	byName := make(map[string]quality.Provider, len(discovered))
	byModality := make(map[string][]quality.Provider)
	infos := make([]quality.ProviderInfo, 0, len(discovered))
	dupes := map[string]struct{}{}
	for _, p := range discovered {
		info := p.Info()
		if _, exists := byName[info.Name]; exists {
			dupes[info.Name] = struct{}{}
			continue
		}
		byName[info.Name] = p
		byModality[info.Modality] = append(byModality[info.Modality], p)
		infos = append(infos, info)
	}
	if len(dupes) > 0 {
		closeAll(discovered)
		names := make([]string, 0, len(dupes))
		for name := range dupes {
			names = append(names, name)
		}
		sort.Strings(names)
		return &InitializationError{Reason: "duplicate provider names", Names: names}
	}

	r.ordered = discovered
	r.infos = infos
	r.byName = byName
	r.byModality = byModality
	r.ready.Store(true)

	r.logger.Info("registry initialized", zap.Int("providers", len(infos)))
	return nil
}

// Initialized reports whether Initialize succeeded.
func (r *Registry) Initialized() bool {
	return r.ready.Load()
}

// List returns provider metadata in registration order.
func (r *Registry) List() []quality.ProviderInfo {
	if !r.ready.Load() {
		return nil
	}
	out := make([]quality.ProviderInfo, len(r.infos))
	copy(out, r.infos)
	return out
}

// FindByName returns the provider registered under name (case-sensitive).
func (r *Registry) FindByName(name string) (quality.Provider, error) {
	if !r.ready.Load() {
		return nil, ErrNotInitialized
	}
	p, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotFound, name)
	}
	return p, nil
}

// FindByModality returns all providers tagged with modality in registration
// order. The result is empty, not nil-with-error, when nothing matches.
func (r *Registry) FindByModality(modality string) []quality.Provider {
	if !r.ready.Load() {
		return []quality.Provider{}
	}
	matches := r.byModality[modality]
	out := make([]quality.Provider, len(matches))
	copy(out, matches)
	return out
}

// Close releases provider resources. Safe to call more than once.
func (r *Registry) Close() error {
	r.closeOnce.Do(func() {
		r.initMu.Lock()
		defer r.initMu.Unlock()
		r.closeErr = closeAll(r.ordered)
		if r.closeErr != nil {
			r.logger.Warn("provider close failed", zap.Error(r.closeErr))
		}
	})
	return r.closeErr
}

func closeAll(providers []quality.Provider) error {
	var errs []error
	for _, p := range providers {
		if c, ok := p.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", p.Info().Name, err))
			}
		}
	}
	return errors.Join(errs...)
}

package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// lazyEngine pairs an engine's static metadata with its one-shot loader.
// The module is materialized on first Get; concurrent callers share the
// in-flight load and all observe the same result.
type lazyEngine struct {
	meta   Descriptor
	loader Loader

	mu      sync.Mutex
	loading chan struct{}
	module  Module
	loadErr error
}

// Registry is the catalog of known engines keyed by stable id.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]*lazyEngine
}

// NewRegistry creates an empty registry. Built-in engines are registered by
// the adapters package.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]*lazyEngine)}
}

// RegisterLazy adds an engine that will be loaded on first use.
// A duplicate id is logged and skipped, not an error.
func (r *Registry) RegisterLazy(meta Descriptor, loader Loader) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.engines[meta.ID]; exists {
		slog.Warn("Engine already registered, skipping", "engine", meta.ID)
		return
	}
	r.engines[meta.ID] = &lazyEngine{meta: meta, loader: loader}
}

// Register adds an already-constructed module (used by tests).
func (r *Registry) Register(module Module) {
	if module == nil {
		slog.Warn("Ignoring nil engine module")
		return
	}
	meta := module.Metadata()
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.engines[meta.ID]; exists {
		slog.Warn("Engine already registered, skipping", "engine", meta.ID)
		return
	}
	r.engines[meta.ID] = &lazyEngine{meta: meta, module: module}
}

// Get returns the module for id, loading it on first use.
func (r *Registry) Get(ctx context.Context, id string) (Module, error) {
	r.mu.RLock()
	entry, ok := r.engines[id]
	r.mu.RUnlock()
	if !ok {
		return nil, NewError(KindNotFound, id, "unknown engine")
	}
	return entry.load(ctx)
}

func (e *lazyEngine) load(ctx context.Context) (Module, error) {
	e.mu.Lock()
	if e.module != nil || e.loadErr != nil {
		module, err := e.module, e.loadErr
		e.mu.Unlock()
		return module, err
	}
	if e.loading != nil {
		// Another caller is loading; wait for it.
		done := e.loading
		e.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, WrapError(KindCancelled, e.meta.ID, ctx.Err())
		}
		e.mu.Lock()
		module, err := e.module, e.loadErr
		e.mu.Unlock()
		return module, err
	}

	done := make(chan struct{})
	e.loading = done
	e.mu.Unlock()

	module, err := e.loader(ctx)
	if err == nil {
		err = validateModule(e.meta.ID, module)
	}

	e.mu.Lock()
	if err != nil {
		e.loadErr = err
	} else {
		e.module = module
	}
	e.loading = nil
	e.mu.Unlock()
	close(done)

	if err != nil {
		return nil, err
	}
	return module, nil
}

// validateModule checks the loader's result against the adapter contract.
func validateModule(id string, module Module) error {
	if module == nil {
		return NewError(KindInvalidModule, id, "loader returned nil module")
	}
	meta := module.Metadata()
	if meta.ID == "" {
		return NewError(KindInvalidModule, id, "module metadata has empty id")
	}
	if meta.ID != id {
		return NewError(KindInvalidModule, id, "module metadata id mismatch: "+meta.ID)
	}
	if module.Auth() == nil {
		return NewError(KindInvalidModule, id, "module has nil auth")
	}
	return nil
}

// GetAll loads every registered engine and returns modules sorted by
// metadata order ascending.
func (r *Registry) GetAll(ctx context.Context) ([]Module, error) {
	metas := r.AllMetadata()

	modules := make([]Module, 0, len(metas))
	for _, meta := range metas {
		module, err := r.Get(ctx, meta.ID)
		if err != nil {
			return nil, err
		}
		modules = append(modules, module)
	}
	return modules, nil
}

// GetDefault loads and returns the engine with the lowest order.
func (r *Registry) GetDefault(ctx context.Context) (Module, error) {
	metas := r.AllMetadata()
	if len(metas) == 0 {
		return nil, NewError(KindNotFound, "", "no engines registered")
	}
	return r.Get(ctx, metas[0].ID)
}

// Has reports whether id is registered. Never triggers a load.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.engines[id]
	return ok
}

// IDs returns all engine ids ordered by preference. Never triggers a load.
func (r *Registry) IDs() []string {
	metas := r.AllMetadata()
	ids := make([]string, len(metas))
	for i, meta := range metas {
		ids[i] = meta.ID
	}
	return ids
}

// AllMetadata returns descriptors sorted by order ascending, id as the
// tie-breaker. Never triggers a load.
func (r *Registry) AllMetadata() []Descriptor {
	r.mu.RLock()
	metas := make([]Descriptor, 0, len(r.engines))
	for _, entry := range r.engines {
		metas = append(metas, entry.meta)
	}
	r.mu.RUnlock()

	sort.Slice(metas, func(i, j int) bool {
		if metas[i].Order != metas[j].Order {
			return metas[i].Order < metas[j].Order
		}
		return metas[i].ID < metas[j].ID
	})
	return metas
}

// Metadata returns the descriptor for id without loading the module.
func (r *Registry) Metadata(id string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.engines[id]
	if !ok {
		return Descriptor{}, false
	}
	return entry.meta, true
}

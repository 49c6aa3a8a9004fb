package storage

import (
	"context"
	"fmt"
	"sync"
)

// AfterDeleteFunc runs once the physical delete has succeeded.
type AfterDeleteFunc func(ctx context.Context) error

// DeleteHook is the extension point stores invoke for every hooked delete.
//
// BeforeDelete receives the rows that are about to be removed while their
// primary keys are still resolvable. The returned function, if any, is only
// called after the delete is applied; a failed delete never reaches it.
type DeleteHook interface {
	BeforeDelete(ctx context.Context, model string, rows []*Record) (AfterDeleteFunc, error)
}

// DeleteOptions controls a single delete call.
type DeleteOptions struct {
	SkipHooks bool
}

// DeleteOption configures DeleteOptions.
type DeleteOption func(*DeleteOptions)

// WithoutHooks disables delete hooks for one call.
func WithoutHooks() DeleteOption {
	return func(o *DeleteOptions) { o.SkipHooks = true }
}

// ApplyDeleteOptions folds options into a DeleteOptions value.
func ApplyDeleteOptions(opts []DeleteOption) DeleteOptions {
	var o DeleteOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Hooks is a registry of delete hooks that store implementations embed.
type Hooks struct {
	mu    sync.RWMutex
	hooks []DeleteHook
}

// AddDeleteHook registers a hook.
func (h *Hooks) AddDeleteHook(hook DeleteHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks = append(h.hooks, hook)
}

// RunDelete captures hook state for rows, applies del, then runs the
// after-delete callbacks. Callers must not hold store locks, because the
// callbacks usually write back into the same store.
func (h *Hooks) RunDelete(ctx context.Context, model string, rows []*Record, opts DeleteOptions, del func() error) error {
	h.mu.RLock()
	hooks := append([]DeleteHook(nil), h.hooks...)
	h.mu.RUnlock()

	if opts.SkipHooks || len(rows) == 0 || len(hooks) == 0 {
		return del()
	}

	var after []AfterDeleteFunc
	for _, hook := range hooks {
		fn, err := hook.BeforeDelete(ctx, model, rows)
		if err != nil {
			return fmt.Errorf("before delete %s: %w", model, err)
		}
		if fn != nil {
			after = append(after, fn)
		}
	}

	if err := del(); err != nil {
		return err
	}

	for _, fn := range after {
		if err := fn(ctx); err != nil {
			return fmt.Errorf("after delete %s: %w", model, err)
		}
	}
	return nil
}

package backend

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Factory recreates a destroyed instance handle
type Factory func(ctx context.Context) (Handle, error)

// Instance pairs a backend handle with its exclusive lock and an optional
// factory used to recreate the handle after it was destroyed
type Instance struct {
	lock chan struct{}

	mu      sync.Mutex
	handle  Handle
	factory Factory
}

// NewInstance wraps an existing handle. Either argument may be nil.
func NewInstance(handle Handle, factory Factory) *Instance {
	return &Instance{
		lock:    make(chan struct{}, 1),
		handle:  handle,
		factory: factory,
	}
}

// Live reports whether the instance currently has a handle
func (i *Instance) Live() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.handle != nil
}

// ensure returns the handle, recreating it through the factory when needed.
// Callers must hold the instance lock.
func (i *Instance) ensure(ctx context.Context) (Handle, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.handle != nil {
		return i.handle, nil
	}
	if i.factory == nil {
		return nil, ErrNotAvailable
	}

	h, err := i.factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("recreate instance: %w", err)
	}
	if h == nil {
		return nil, ErrNotAvailable
	}
	i.handle = h
	return h, nil
}

// Guard is a non-owning reference to an Instance that tracks whether this
// particular guard is the current lock holder. A Guard must not be acquired
// from two goroutines at once; Held may be called from anywhere.
type Guard struct {
	inst *Instance
	held atomic.Bool
}

// NewGuard creates a guard for inst
func NewGuard(inst *Instance) *Guard {
	return &Guard{inst: inst}
}

// Instance returns the guarded instance
func (g *Guard) Instance() *Instance {
	return g.inst
}

// Held reports whether this guard holds the instance lock
func (g *Guard) Held() bool {
	return g.held.Load()
}

// Acquire blocks until the guard holds the instance exclusively and returns a
// live handle. On failure the guard is left not holding.
func (g *Guard) Acquire(ctx context.Context) (Handle, error) {
	if g == nil || g.inst == nil {
		return nil, ErrNotAvailable
	}

	if !g.held.Load() {
		select {
		case g.inst.lock <- struct{}{}:
			g.held.Store(true)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	h, err := g.inst.ensure(ctx)
	if err != nil {
		g.Release()
		return nil, err
	}
	return h, nil
}

// Release drops the exclusive hold. Safe to call when not held.
func (g *Guard) Release() {
	if g == nil || g.inst == nil {
		return
	}
	if g.held.CompareAndSwap(true, false) {
		<-g.inst.lock
	}
}

// Destroy destroys the current handle through d and clears it so that a later
// Acquire on any guard recreates it. The hold state of the guard is the same
// after the call as before it.
func (g *Guard) Destroy(ctx context.Context, d Destroyer) error {
	if g == nil || g.inst == nil {
		return nil
	}

	wasHeld := g.held.Load()
	if !wasHeld {
		select {
		case g.inst.lock <- struct{}{}:
			g.held.Store(true)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	g.inst.mu.Lock()
	h := g.inst.handle
	g.inst.handle = nil
	g.inst.mu.Unlock()

	var err error
	if h != nil && d != nil {
		err = d.DestroyInstance(h)
	}

	if !wasHeld {
		g.Release()
	}
	return err
}

package gpu

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/loov/hrtime"
	"github.com/spaghettifunk/chronicle/engine/core"
	"github.com/spaghettifunk/chronicle/engine/renderer/driver"
)

type Fence struct {
	ctx *Context

	mu         sync.Mutex
	Handle     driver.Fence
	IsSignaled bool
	// in-flight entries still referring to the fence; guarded by the
	// owning queue's mutex
	pending int
}

func NewFence(ctx *Context, createSignaled bool) (*Fence, error) {
	handle, err := ctx.Driver.CreateFence(createSignaled)
	if err != nil {
		err = errors.Wrap(err, "failed to create fence")
		core.LogError(err.Error())
		return nil, err
	}
	return &Fence{
		ctx:    ctx,
		Handle: handle,
		// Make sure to signal the fence if required.
		IsSignaled: createSignaled,
	}, nil
}

// IsCompleted polls the fence without blocking. Once signaled the result
// is cached, so it stays valid after the fence is destroyed.
func (f *Fence) IsCompleted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.IsSignaled {
		return true
	}
	if f.Handle == 0 {
		return false
	}
	done, err := f.ctx.Driver.FenceStatus(f.Handle)
	if err != nil {
		core.LogError("fence status: %v", err)
		return false
	}
	f.IsSignaled = done
	return done
}

// Wait blocks until the fence signals or timeout elapses.
func (f *Fence) Wait(timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	// If already signaled, do not wait.
	if f.IsSignaled {
		return nil
	}
	if f.Handle == 0 {
		return errors.Wrap(core.ErrReleased, "waiting on a destroyed fence")
	}

	start := hrtime.Now()
	err := f.ctx.Driver.WaitForFence(f.Handle, timeout)
	switch {
	case err == nil:
		f.IsSignaled = true
		core.LogDebug("fence %d signaled after %v", f.Handle, hrtime.Since(start))
		return nil
	case errors.Is(err, driver.ErrTimeout):
		core.LogWarn("fence_wait - Timed out")
		return errors.Mark(errors.Wrapf(err, "fence %d after %v", f.Handle, timeout), core.ErrFenceTimeout)
	case errors.Is(err, driver.ErrDeviceLost):
		core.LogError("fence_wait - DEVICE_LOST.")
		return errors.Mark(err, core.ErrDeviceLost)
	}
	core.LogError("fence_wait - %v", err)
	return err
}

func (f *Fence) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.IsSignaled {
		if err := f.ctx.Driver.ResetFence(f.Handle); err != nil {
			err = errors.Wrap(err, "failed to reset fence")
			core.LogError(err.Error())
			return err
		}
		f.IsSignaled = false
	}
	return nil
}

// Destroy releases the native fence. A signaled fence keeps reporting
// completion afterwards.
func (f *Fence) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Handle != 0 {
		f.ctx.Driver.DestroyFence(f.Handle)
		f.Handle = 0
	}
}

type Semaphore struct {
	ctx    *Context
	Handle driver.Semaphore
}

func NewSemaphore(ctx *Context) (*Semaphore, error) {
	handle, err := ctx.Driver.CreateSemaphore()
	if err != nil {
		err = errors.Wrap(err, "failed to create semaphore")
		core.LogError(err.Error())
		return nil, err
	}
	return &Semaphore{ctx: ctx, Handle: handle}, nil
}

func (s *Semaphore) Destroy() {
	if s.Handle != 0 {
		s.ctx.Driver.DestroySemaphore(s.Handle)
		s.Handle = 0
	}
}

package renderer

import (
	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/chronicle/engine/core"
	"github.com/spaghettifunk/chronicle/engine/renderer/driver"
	"github.com/spaghettifunk/chronicle/engine/renderer/gpu"
	"github.com/spaghettifunk/chronicle/engine/renderer/software"
	"github.com/spaghettifunk/chronicle/engine/renderer/vulkan"
)

// NewDriver opens the device named by the configuration.
func NewDriver(cfg *core.Config) (driver.Driver, error) {
	switch cfg.Driver {
	case core.DriverSoftware:
		return software.New(software.ConfigFrom(cfg)), nil
	case core.DriverVulkan:
		dev, err := vulkan.New(cfg.Name, cfg.Vulkan)
		if err != nil {
			return nil, err
		}
		return dev, nil
	}
	return nil, errors.Wrapf(core.ErrInvalidConfig, "unknown driver %q", cfg.Driver)
}

type frame struct {
	fence *gpu.Fence
}

// Renderer paces frames over the graphics queue. At most FramesInFlight
// frames are queued on the GPU; BeginFrame for frame N waits on the fence
// of frame N-FramesInFlight.
type Renderer struct {
	Context *gpu.Context

	frames      []frame
	frameNumber uint64
	current     *gpu.CommandBuffer
	worker      *gpu.CompletionWorker
	clock       *core.Clock
}

func New(drv driver.Driver, cfg *core.Config) (*Renderer, error) {
	ctx, err := gpu.NewContext(drv, cfg)
	if err != nil {
		return nil, err
	}
	r := &Renderer{
		Context: ctx,
		frames:  make([]frame, cfg.FramesInFlight),
		clock:   core.NewClock(),
	}
	if cfg.Queue.BackgroundDrain {
		r.worker = gpu.NewCompletionWorker(cfg.Queue.DrainInterval.Duration, ctx.Graphics, ctx.Present)
	}
	core.LogInfo("renderer initialized with %d frames in flight", len(r.frames))
	return r, nil
}

// BeginFrame waits until the slot of this frame is free and returns a
// command buffer in the recording state.
func (r *Renderer) BeginFrame() (*gpu.CommandBuffer, error) {
	if r.current != nil {
		return nil, errors.Wrap(core.ErrInvalidState, "frame already begun")
	}
	r.clock.Start()

	slot := &r.frames[r.frameNumber%uint64(len(r.frames))]
	if slot.fence != nil {
		if err := slot.fence.Wait(r.Context.FenceTimeout()); err != nil {
			return nil, errors.Wrapf(err, "waiting for frame %d", r.frameNumber-uint64(len(r.frames)))
		}
		slot.fence = nil
	}

	cb, err := r.Context.Graphics.AcquireCommandBuffer()
	if err != nil {
		return nil, err
	}
	if err := cb.Begin(driver.CommandBufferUsageOneTimeSubmit); err != nil {
		_ = r.Context.Graphics.Recycle(cb)
		return nil, err
	}
	r.current = cb
	return cb, nil
}

// EndFrame submits the frame's commands and retires whatever has finished.
func (r *Renderer) EndFrame() error {
	cb := r.current
	if cb == nil {
		return errors.Wrap(core.ErrInvalidState, "no frame in progress")
	}
	r.current = nil

	if err := cb.End(); err != nil {
		_ = r.Context.Graphics.Recycle(cb)
		return err
	}
	fence, err := r.Context.Graphics.Submit([]*gpu.CommandBuffer{cb}, nil, nil, nil)
	if err != nil {
		_ = r.Context.Graphics.Recycle(cb)
		return err
	}
	r.frames[r.frameNumber%uint64(len(r.frames))].fence = fence
	r.frameNumber++

	if r.worker == nil {
		r.Context.Graphics.ProcessCompleted()
		r.Context.Present.ProcessCompleted()
	}
	r.clock.Update()
	core.LogDebug("frame %d recorded and submitted in %v", r.frameNumber, r.clock.Elapsed())
	return nil
}

// DrawFrame runs fn between BeginFrame and EndFrame.
func (r *Renderer) DrawFrame(fn func(cb *gpu.CommandBuffer) error) error {
	cb, err := r.BeginFrame()
	if err != nil {
		core.LogError(err.Error())
		return err
	}
	if err := fn(cb); err != nil {
		r.current = nil
		_ = r.Context.Graphics.Recycle(cb)
		return err
	}
	if err := r.EndFrame(); err != nil {
		core.LogError("RendererEndFrame failed. Application shutting down...")
		return err
	}
	return nil
}

func (r *Renderer) FrameNumber() uint64 {
	return r.frameNumber
}

func (r *Renderer) FramesInFlight() int {
	return len(r.frames)
}

// Shutdown drains the GPU and destroys the context. The driver is left
// to the caller.
func (r *Renderer) Shutdown() error {
	if r.worker != nil {
		r.worker.Stop()
		r.worker = nil
	}
	var errs error
	if err := r.Context.Graphics.WaitIdle(); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	if err := r.Context.Present.WaitIdle(); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	r.Context.Destroy()
	return errs
}

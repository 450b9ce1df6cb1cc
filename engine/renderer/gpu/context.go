// Package gpu is the command submission and resource lifetime core. It
// records work into reusable command buffers, submits it without stalling,
// and keeps every buffer, image, descriptor set and acceleration structure
// alive until the GPU is done with it.
package gpu

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/chronicle/engine/core"
	"github.com/spaghettifunk/chronicle/engine/renderer/driver"
)

// Context carries the device and the shared objects every resource is
// created against. It is passed explicitly; the package keeps no globals.
type Context struct {
	Driver   driver.Driver
	Config   *core.Config
	Limits   driver.Limits
	Features driver.Features

	Allocator   *Allocator
	Graphics    *CommandQueue
	Present     *CommandQueue
	Descriptors *DescriptorPool
}

func NewContext(drv driver.Driver, cfg *core.Config) (*Context, error) {
	if cfg == nil {
		cfg = core.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		core.LogError(err.Error())
		return nil, err
	}
	ctx := &Context{
		Driver:   drv,
		Config:   cfg,
		Limits:   drv.Limits(),
		Features: drv.Features(),
	}
	ctx.Allocator = NewAllocator(drv)

	var err error
	if ctx.Graphics, err = NewCommandQueue(ctx, driver.QueueGraphics); err != nil {
		return nil, err
	}
	if ctx.Present, err = NewCommandQueue(ctx, driver.QueuePresent); err != nil {
		ctx.Graphics.Destroy()
		return nil, err
	}
	if ctx.Descriptors, err = NewDescriptorPool(ctx, cfg.Descriptors); err != nil {
		ctx.Present.Destroy()
		ctx.Graphics.Destroy()
		return nil, err
	}

	core.LogInfo("GPU context created on %s device (acceleration structures: %t, ray tracing: %t)",
		drv.Name(), ctx.Features.AccelerationStructure, ctx.Features.RayTracingPipeline)
	return ctx, nil
}

// FenceTimeout bounds the blocking waits on uploads and builds.
func (c *Context) FenceTimeout() time.Duration {
	if c.Config.Queue.FenceTimeout.Duration <= 0 {
		return 10 * time.Second
	}
	return c.Config.Queue.FenceTimeout.Duration
}

func (c *Context) requireAccelerationStructures() error {
	if !c.Features.AccelerationStructure || !c.Features.BufferDeviceAddress {
		err := errors.Wrapf(core.ErrFeatureUnsupported, "%s device has no acceleration structure support", c.Driver.Name())
		core.LogError(err.Error())
		return err
	}
	return nil
}

func (c *Context) requireRayTracingPipeline() error {
	if !c.Features.RayTracingPipeline {
		err := errors.Wrapf(core.ErrFeatureUnsupported, "%s device has no ray tracing pipeline support", c.Driver.Name())
		core.LogError(err.Error())
		return err
	}
	return nil
}

// Destroy waits for the device, retires every submission and tears down
// the shared objects. Resources created against the context must have been
// released first.
func (c *Context) Destroy() {
	if err := c.Driver.DeviceWaitIdle(); err != nil {
		core.LogWarn("device wait idle failed during shutdown: %v", err)
	}
	c.Graphics.ProcessCompleted()
	c.Present.ProcessCompleted()
	c.Graphics.Destroy()
	c.Present.Destroy()
	c.Descriptors.Destroy()

	for typeIndex, s := range c.Allocator.Stats() {
		if s.Count > 0 {
			core.LogWarn("memory type %d still holds %d allocations (%d bytes)", typeIndex, s.Count, s.Bytes)
		}
	}
}

package gpu

import (
	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/chronicle/engine/core"
	"github.com/spaghettifunk/chronicle/engine/renderer/driver"
)

// Accel is an acceleration structure together with the buffer that
// stores it.
type Accel struct {
	refCount

	ctx     *Context
	Handle  driver.AccelerationStructure
	Type    driver.AccelerationStructureType
	Size    uint64
	Address driver.DeviceAddress
	storage *Buffer
}

var _ Resource = (*Accel)(nil)

func newAccel(ctx *Context, name string, kind driver.AccelerationStructureType, size uint64) (*Accel, error) {
	storage, err := NewBuffer(ctx, BufferCreateInfo{
		Name:       name + "-storage",
		Size:       size,
		Usage:      driver.BufferUsageAccelerationStructureStorage | driver.BufferUsageShaderDeviceAddress,
		Properties: driver.MemoryPropertyDeviceLocal,
	})
	if err != nil {
		return nil, err
	}
	handle, err := ctx.Driver.CreateAccelerationStructure(kind, storage.Handle, 0, size)
	if err != nil {
		storage.Release()
		err = errors.Wrapf(err, "failed to create acceleration structure %s", name)
		core.LogError(err.Error())
		return nil, err
	}
	a := &Accel{
		ctx:     ctx,
		Handle:  handle,
		Type:    kind,
		Size:    size,
		storage: storage,
	}
	a.init(name, a.destroy)
	if a.Address, err = ctx.Driver.AccelerationStructureDeviceAddress(handle); err != nil {
		a.destroy()
		err = errors.Wrapf(err, "querying address of acceleration structure %s", name)
		core.LogError(err.Error())
		return nil, err
	}
	return a, nil
}

func (a *Accel) destroy() {
	if a.Handle != 0 {
		a.ctx.Driver.DestroyAccelerationStructure(a.Handle)
		a.Handle = 0
	}
	if a.storage != nil {
		a.storage.Release()
		a.storage = nil
	}
}

// newScratchBuffer returns device-local scratch memory whose address
// satisfies the device's scratch offset alignment.
func newScratchBuffer(ctx *Context, name string, size uint64) (*Buffer, error) {
	return NewBuffer(ctx, BufferCreateInfo{
		Name:       name,
		Size:       size,
		Usage:      driver.BufferUsageStorageBuffer | driver.BufferUsageShaderDeviceAddress,
		Properties: driver.MemoryPropertyDeviceLocal,
		Alignment:  ctx.Limits.MinAccelerationStructureScratchOffsetAlignment,
	})
}

// recordBuildBarrier makes the results of an acceleration structure build
// visible to whatever reads the structure or reuses the scratch memory.
func recordBuildBarrier(cb *CommandBuffer, dstStage driver.PipelineStage) error {
	return cb.Barrier(
		driver.PipelineStageAccelerationStructureBuild, dstStage,
		driver.AccessAccelerationStructureWrite,
		driver.AccessAccelerationStructureRead|driver.AccessAccelerationStructureWrite)
}

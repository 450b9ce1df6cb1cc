package gpu

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/chronicle/engine/core"
	"github.com/spaghettifunk/chronicle/engine/math"
	"github.com/spaghettifunk/chronicle/engine/renderer/driver"
)

type BufferCreateInfo struct {
	Name       string
	Size       uint64
	Usage      driver.BufferUsage
	Properties driver.MemoryProperty
	// Minimum alignment of the buffer's device address, for example the
	// scratch offset alignment of acceleration structure builds.
	Alignment uint64
}

// Buffer is one buffer handle bound to a dedicated allocation.
type Buffer struct {
	refCount

	ctx        *Context
	Handle     driver.Buffer
	Size       uint64
	Usage      driver.BufferUsage
	Properties driver.MemoryProperty

	allocation *Allocation
	address    driver.DeviceAddress

	mu     sync.Mutex
	mapped []byte
}

var _ Resource = (*Buffer)(nil)

func NewBuffer(ctx *Context, info BufferCreateInfo) (*Buffer, error) {
	if info.Size == 0 {
		err := errors.Newf("buffer %q has zero size", info.Name)
		core.LogError(err.Error())
		return nil, err
	}
	handle, req, err := ctx.Driver.CreateBuffer(driver.BufferCreateInfo{Size: info.Size, Usage: info.Usage})
	if err != nil {
		err = errors.Wrapf(err, "creating buffer %q", info.Name)
		core.LogError(err.Error())
		return nil, err
	}
	if info.Alignment > req.Alignment {
		req.Alignment = info.Alignment
		req.Size = math.AlignUp(req.Size, info.Alignment)
	}

	deviceAddress := info.Usage&driver.BufferUsageShaderDeviceAddress != 0
	alloc, err := ctx.Allocator.Allocate(req, info.Properties, deviceAddress)
	if err != nil {
		ctx.Driver.DestroyBuffer(handle)
		return nil, errors.Wrapf(err, "buffer %q", info.Name)
	}
	if err := ctx.Driver.BindBufferMemory(handle, alloc.Memory, 0); err != nil {
		ctx.Driver.DestroyBuffer(handle)
		ctx.Allocator.Free(alloc)
		err = errors.Wrapf(err, "binding memory of buffer %q", info.Name)
		core.LogError(err.Error())
		return nil, err
	}

	b := &Buffer{
		ctx:        ctx,
		Handle:     handle,
		Size:       info.Size,
		Usage:      info.Usage,
		Properties: alloc.Properties,
		allocation: alloc,
	}
	b.init(core.NameOr(info.Name, "buffer"), b.destroy)

	if deviceAddress {
		if b.address, err = ctx.Driver.BufferDeviceAddress(handle); err != nil {
			b.destroy()
			err = errors.Wrapf(err, "querying device address of buffer %q", info.Name)
			core.LogError(err.Error())
			return nil, err
		}
	}
	return b, nil
}

// NewHostBuffer creates a host-visible, host-coherent buffer, the kind used
// for staging and for data rewritten every frame.
func NewHostBuffer(ctx *Context, name string, size uint64, usage driver.BufferUsage) (*Buffer, error) {
	return NewBuffer(ctx, BufferCreateInfo{
		Name:       name,
		Size:       size,
		Usage:      usage,
		Properties: driver.MemoryPropertyHostVisible | driver.MemoryPropertyHostCoherent,
	})
}

// NewStaticBuffer uploads payload into a new device-local buffer through a
// staging buffer and blocks until the copy retires.
func NewStaticBuffer(ctx *Context, info BufferCreateInfo, payload []byte) (*Buffer, error) {
	if uint64(len(payload)) != info.Size {
		err := errors.Wrapf(core.ErrBufferSizeMismatch, "buffer %q is %d bytes, payload is %d", info.Name, info.Size, len(payload))
		core.LogError(err.Error())
		return nil, err
	}

	staging, err := NewHostBuffer(ctx, core.NameOr(info.Name, "buffer")+"-staging", info.Size, driver.BufferUsageTransferSrc)
	if err != nil {
		return nil, err
	}
	// the recorder holds its own reference, so this only drops ours
	defer staging.Release()

	if err := staging.Write(payload, 0); err != nil {
		return nil, err
	}

	info.Usage |= driver.BufferUsageTransferDst
	if info.Properties == 0 {
		info.Properties = driver.MemoryPropertyDeviceLocal
	}
	dst, err := NewBuffer(ctx, info)
	if err != nil {
		return nil, err
	}

	err = ctx.Graphics.ImmediateSubmit(func(cb *CommandBuffer) error {
		return cb.CopyBuffer(staging, dst)
	})
	if err != nil {
		dst.Release()
		return nil, err
	}
	return dst, nil
}

func (b *Buffer) destroy() {
	b.mu.Lock()
	if b.mapped != nil {
		b.ctx.Driver.UnmapMemory(b.allocation.Memory)
		b.mapped = nil
	}
	b.mu.Unlock()

	if b.Handle != 0 {
		b.ctx.Driver.DestroyBuffer(b.Handle)
		b.Handle = 0
	}
	b.ctx.Allocator.Free(b.allocation)
}

// Map returns the persistent host mapping of the whole buffer. Repeated
// calls return the same slice.
func (b *Buffer) Map() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.RefCount() <= 0 {
		return nil, errors.Wrapf(core.ErrReleased, "mapping buffer %s", b.Name())
	}
	if !b.allocation.HostVisible() {
		err := errors.Wrapf(core.ErrMapDeviceLocal, "buffer %s", b.Name())
		core.LogError(err.Error())
		return nil, err
	}
	if b.mapped == nil {
		data, err := b.ctx.Driver.MapMemory(b.allocation.Memory, 0, b.Size)
		if err != nil {
			err = errors.Wrapf(err, "mapping buffer %s", b.Name())
			core.LogError(err.Error())
			return nil, err
		}
		b.mapped = data
	}
	return b.mapped, nil
}

// Unmap drops the host mapping. The caller must know the GPU no longer
// reads the buffer through it.
func (b *Buffer) Unmap() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.mapped != nil {
		b.ctx.Driver.UnmapMemory(b.allocation.Memory)
		b.mapped = nil
	}
}

// Write copies data into the mapping at offset. Host-coherent memory needs
// no flush.
func (b *Buffer) Write(data []byte, offset uint64) error {
	if offset+uint64(len(data)) > b.Size {
		err := errors.Wrapf(core.ErrBufferSizeMismatch, "write of %d bytes at %d into buffer %s of %d", len(data), offset, b.Name(), b.Size)
		core.LogError(err.Error())
		return err
	}
	mapped, err := b.Map()
	if err != nil {
		return err
	}
	copy(mapped[offset:], data)
	return nil
}

// DeviceAddress is zero unless the buffer was created with
// BufferUsageShaderDeviceAddress.
func (b *Buffer) DeviceAddress() driver.DeviceAddress {
	return b.address
}

func (b *Buffer) IsMapped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mapped != nil
}

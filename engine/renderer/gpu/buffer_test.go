package gpu

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/chronicle/engine/core"
	"github.com/spaghettifunk/chronicle/engine/renderer/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticBufferUpload(t *testing.T) {
	ctx, dev := newTestContext(t)

	buf, err := NewStaticBuffer(ctx, BufferCreateInfo{
		Name:  "payload",
		Size:  256,
		Usage: driver.BufferUsageStorageBuffer | driver.BufferUsageTransferSrc,
	}, filled(0x11, 256))
	require.NoError(t, err)
	defer buf.Release()

	assert.EqualValues(t, 1, buf.RefCount(), "the upload retired and dropped its reference")
	assert.Equal(t, 1, ctx.Graphics.IdleCount())
	assert.Equal(t, 1, dev.Stats().Copies)
	assert.Equal(t, 1, ctx.Allocator.Stats()[0].Count, "only the device-local buffer is left")

	// read back through a host-visible copy, the way an application would
	readback, err := NewHostBuffer(ctx, "readback", 256, driver.BufferUsageTransferDst)
	require.NoError(t, err)
	defer readback.Release()
	require.NoError(t, ctx.Graphics.ImmediateSubmit(func(cb *CommandBuffer) error {
		return cb.CopyBuffer(buf, readback)
	}))

	mapped, err := readback.Map()
	require.NoError(t, err)
	assert.Equal(t, filled(0x11, 256), mapped)
	readback.Unmap()
	assert.Empty(t, dev.Violations())
}

func TestStaticBufferRejectsWrongPayload(t *testing.T) {
	ctx, _ := newTestContext(t)
	_, err := NewStaticBuffer(ctx, BufferCreateInfo{Name: "short", Size: 64}, filled(1, 32))
	assert.True(t, errors.Is(err, core.ErrBufferSizeMismatch))
}

func TestMapDeviceLocalBuffer(t *testing.T) {
	ctx, dev := newTestContext(t)
	buf, err := NewBuffer(ctx, BufferCreateInfo{
		Name:       "device-local",
		Size:       64,
		Usage:      driver.BufferUsageStorageBuffer,
		Properties: driver.MemoryPropertyDeviceLocal,
	})
	require.NoError(t, err)
	defer buf.Release()

	_, err = buf.Map()
	assert.True(t, errors.Is(err, core.ErrMapDeviceLocal))
	assert.False(t, buf.IsMapped())
	assert.Empty(t, dev.Violations(), "the driver is never asked to map it")
}

func TestHostBufferMapping(t *testing.T) {
	ctx, _ := newTestContext(t)
	buf, err := NewHostBuffer(ctx, "host", 32, driver.BufferUsageTransferSrc)
	require.NoError(t, err)

	first, err := buf.Map()
	require.NoError(t, err)
	second, err := buf.Map()
	require.NoError(t, err)
	assert.Same(t, &first[0], &second[0], "mapping is persistent")

	require.NoError(t, buf.Write([]byte{1, 2, 3}, 29))
	assert.True(t, errors.Is(buf.Write([]byte{1, 2, 3, 4}, 29), core.ErrBufferSizeMismatch))
	assert.Equal(t, []byte{1, 2, 3}, first[29:])

	buf.Unmap()
	assert.False(t, buf.IsMapped())
	buf.Release()

	_, err = buf.Map()
	assert.True(t, errors.Is(err, core.ErrReleased))
}

func TestCopyBufferSizeMismatch(t *testing.T) {
	ctx, _ := newTestContext(t)
	a := newTransferBuffer(t, ctx, "a", 16)
	b := newTransferBuffer(t, ctx, "b", 32)
	defer a.Release()
	defer b.Release()

	err := ctx.Graphics.ImmediateSubmit(func(cb *CommandBuffer) error {
		return cb.CopyBuffer(a, b)
	})
	assert.True(t, errors.Is(err, core.ErrBufferSizeMismatch))
}

func TestNoCompatibleMemory(t *testing.T) {
	ctx, _ := newTestContext(t, func(s *testSetup) {
		s.device.MemoryTypes = []driver.MemoryType{{Properties: driver.MemoryPropertyDeviceLocal}}
	})
	_, err := NewHostBuffer(ctx, "staging", 16, driver.BufferUsageTransferSrc)
	assert.True(t, errors.Is(err, core.ErrNoCompatibleMemory))
}

func TestAllocationFailureIsRecoverable(t *testing.T) {
	ctx, _ := newTestContext(t, func(s *testSetup) {
		s.device.MaxAllocationSize = 1024
	})
	_, err := NewHostBuffer(ctx, "huge", 4096, driver.BufferUsageTransferSrc)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrAllocationFailed))
	assert.True(t, core.IsRecoverable(err))
}

func TestBufferDeviceAddressAlignment(t *testing.T) {
	ctx, _ := newTestContext(t)
	buf, err := NewBuffer(ctx, BufferCreateInfo{
		Name:       "scratch",
		Size:       100,
		Usage:      driver.BufferUsageStorageBuffer | driver.BufferUsageShaderDeviceAddress,
		Properties: driver.MemoryPropertyDeviceLocal,
		Alignment:  ctx.Limits.MinAccelerationStructureScratchOffsetAlignment,
	})
	require.NoError(t, err)
	defer buf.Release()

	require.NotZero(t, buf.DeviceAddress())
	assert.Zero(t, uint64(buf.DeviceAddress())%ctx.Limits.MinAccelerationStructureScratchOffsetAlignment)
}

type light struct {
	Position [3]float32
	Radius   float32
}

func TestDataBuffers(t *testing.T) {
	ctx, dev := newTestContext(t)

	static, err := NewDataBuffer(ctx, DataBufferCreateInfo{
		Name:  "static-lights",
		Usage: driver.BufferUsageStorageBuffer,
	}, []light{{Radius: 1}, {Radius: 2}})
	require.NoError(t, err)
	defer static.Release()
	assert.EqualValues(t, 32, static.Size)
	assert.True(t, errors.Is(static.Update([]light{{}, {}}), core.ErrNotDynamic))
	_, err = static.Elements()
	assert.True(t, errors.Is(err, core.ErrNotDynamic))

	dynamic, err := NewDataBuffer(ctx, DataBufferCreateInfo{
		Name:    "dynamic-lights",
		Usage:   driver.BufferUsageStorageBuffer,
		Dynamic: true,
	}, []light{{Radius: 1}, {Radius: 2}, {Radius: 3}})
	require.NoError(t, err)
	defer dynamic.Release()

	assert.True(t, errors.Is(dynamic.Update([]light{{}}), core.ErrPayloadMismatch))
	require.NoError(t, dynamic.Update([]light{{Radius: 4}, {Radius: 5}, {Radius: 6}}))
	elements, err := dynamic.Elements()
	require.NoError(t, err)
	require.Len(t, elements, 3)
	assert.Equal(t, float32(6), elements[2].Radius)

	_, err = NewDataBuffer[light](ctx, DataBufferCreateInfo{Name: "empty"}, nil)
	assert.True(t, errors.Is(err, core.ErrPayloadMismatch))
	assert.Empty(t, dev.Violations())
}

func TestUniformBuffer(t *testing.T) {
	ctx, _ := newTestContext(t)

	ub, err := NewUniformBuffer(ctx, "camera", [4]float32{1, 2, 3, 4})
	require.NoError(t, err)
	defer ub.Release()

	require.NoError(t, ub.Set([4]float32{5, 6, 7, 8}))
	elements, err := ub.Elements()
	require.NoError(t, err)
	assert.Equal(t, [4]float32{5, 6, 7, 8}, elements[0])

	binding := ub.Binding()
	assert.Same(t, ub.Buffer, binding.Buffer)
	assert.False(t, binding.Storage)
}

func TestDescriptorSetsLiveUntilRetired(t *testing.T) {
	ctx, dev := newTestContext(t, manualCompletion)

	layout, err := NewDescriptorSetLayout(ctx, []driver.DescriptorSetLayoutBinding{
		{Binding: 0, Type: driver.DescriptorTypeUniformBuffer, Count: 1, Stages: driver.ShaderStageAllGraphics},
	})
	require.NoError(t, err)
	defer layout.Destroy()
	pl, err := NewPipelineLayout(ctx, []*DescriptorSetLayout{layout, layout}, []driver.PushConstantRange{
		{Stages: driver.ShaderStageVertex, Size: 64},
	})
	require.NoError(t, err)
	defer pl.Destroy()
	handle, err := dev.NewPipeline(driver.PipelineBindPointGraphics, pl.Handle)
	require.NoError(t, err)
	pipeline := WrapPipeline(ctx, handle, driver.PipelineBindPointGraphics, pl)
	defer pipeline.Destroy()

	ub, err := NewUniformBuffer(ctx, "globals", [16]float32{})
	require.NoError(t, err)
	defer ub.Release()

	cb, err := ctx.Graphics.AcquireCommandBuffer()
	require.NoError(t, err)
	require.NoError(t, cb.Begin(driver.CommandBufferUsageOneTimeSubmit))

	err = cb.SetDescriptor(0, 0, ub.Binding())
	assert.True(t, errors.Is(err, core.ErrNoDescriptorLayout), "no layout is known before a pipeline is bound")

	require.NoError(t, cb.BindPipeline(pipeline))
	require.NoError(t, cb.SetDescriptor(1, 0, ub.Binding()))
	require.NoError(t, cb.SetDescriptor(0, 0, ub.Binding()))
	require.NoError(t, cb.SetDescriptor(0, 0, ub.Binding()))
	assert.Equal(t, 2, cb.TrackedDescriptorSetCount(), "one set per slot within a recording")
	require.NoError(t, cb.BindDescriptorSets())
	require.NoError(t, cb.PushConstants(driver.ShaderStageVertex, 0, make([]byte, 64)))
	require.NoError(t, cb.Draw(3, 1, 0, 0))

	// a second draw in the same recording rebinds a different combination
	require.NoError(t, cb.SetDescriptor(1, 0, ub.Binding()))
	require.NoError(t, cb.BindDescriptorSets())
	require.NoError(t, cb.Draw(3, 1, 0, 0))
	assert.Equal(t, 3, cb.TrackedDescriptorSetCount())
	require.NoError(t, cb.End())

	fence := submitOne(t, ctx.Graphics, cb)
	assert.Equal(t, 3, dev.Live().DescriptorSets)
	assert.EqualValues(t, 5, ub.RefCount())

	require.NoError(t, fence.Wait(ctx.FenceTimeout()))
	ctx.Graphics.ProcessCompleted()

	assert.Zero(t, dev.Live().DescriptorSets, "sets go back to the pool once retired")
	assert.EqualValues(t, 1, ub.RefCount())
	stats := dev.Stats()
	assert.Equal(t, 2, stats.DescriptorBinds, "contiguous slots are bound in one call")
	assert.Equal(t, 2, stats.Draws)
	assert.EqualValues(t, 64, stats.PushConstantBytes)
	assert.Empty(t, dev.Violations())
}

func TestDrawWithoutPipeline(t *testing.T) {
	ctx, _ := newTestContext(t)
	cb, err := ctx.Graphics.AcquireCommandBuffer()
	require.NoError(t, err)
	require.NoError(t, cb.Begin(driver.CommandBufferUsageOneTimeSubmit))
	defer func() { require.NoError(t, cb.Reset()) }()

	assert.True(t, errors.Is(cb.Draw(3, 1, 0, 0), core.ErrNoPipeline))
	assert.True(t, errors.Is(cb.DrawIndexed(3, 1, 0, 0, 0), core.ErrNoPipeline))
	assert.True(t, errors.Is(cb.Dispatch(1, 1, 1), core.ErrNoPipeline))
	assert.True(t, errors.Is(cb.BindDescriptorSets(), core.ErrNoPipeline))
	assert.True(t, errors.Is(cb.PushConstants(driver.ShaderStageVertex, 0, []byte{1}), core.ErrNoPipeline))
}

func TestDescriptorPoolExhaustion(t *testing.T) {
	ctx, _ := newTestContext(t, func(s *testSetup) {
		s.engine.Descriptors.MaxSets = 1
	})
	layout, err := NewDescriptorSetLayout(ctx, []driver.DescriptorSetLayoutBinding{
		{Binding: 0, Type: driver.DescriptorTypeUniformBuffer, Count: 1, Stages: driver.ShaderStageVertex},
	})
	require.NoError(t, err)
	defer layout.Destroy()

	set, err := ctx.Descriptors.Allocate(layout)
	require.NoError(t, err)
	_, err = ctx.Descriptors.Allocate(layout)
	assert.True(t, errors.Is(err, core.ErrPoolExhausted))
	assert.True(t, core.IsRecoverable(err))

	set.Release()
	again, err := ctx.Descriptors.Allocate(layout)
	require.NoError(t, err)
	again.Release()
}

func TestSetDescriptorChecksLayoutType(t *testing.T) {
	ctx, dev := newTestContext(t)

	layout, err := NewDescriptorSetLayout(ctx, []driver.DescriptorSetLayoutBinding{
		{Binding: 0, Type: driver.DescriptorTypeUniformBuffer, Count: 1, Stages: driver.ShaderStageCompute},
		{Binding: 1, Type: driver.DescriptorTypeStorageBuffer, Count: 1, Stages: driver.ShaderStageCompute},
	})
	require.NoError(t, err)
	defer layout.Destroy()

	storage, err := NewBuffer(ctx, BufferCreateInfo{
		Name:       "particles",
		Size:       64,
		Usage:      driver.BufferUsageStorageBuffer,
		Properties: driver.MemoryPropertyDeviceLocal,
	})
	require.NoError(t, err)
	defer storage.Release()

	cb, err := ctx.Graphics.AcquireCommandBuffer()
	require.NoError(t, err)
	require.NoError(t, cb.Begin(driver.CommandBufferUsageOneTimeSubmit))
	cb.SetDescriptorLayout(0, layout)
	allocated := dev.Stats().DescriptorSetsAllocated

	err = cb.SetDescriptor(0, 1, BufferBinding{Buffer: storage})
	assert.True(t, errors.Is(err, core.ErrDescriptorMismatch), "a storage binding written as a uniform buffer")
	err = cb.SetDescriptor(0, 7, BufferBinding{Buffer: storage, Storage: true})
	assert.True(t, errors.Is(err, core.ErrDescriptorMismatch), "a binding the layout does not declare")
	assert.Equal(t, allocated, dev.Stats().DescriptorSetsAllocated, "rejected writes allocate nothing")
	assert.EqualValues(t, 1, storage.RefCount())

	require.NoError(t, cb.SetDescriptor(0, 1, BufferBinding{Buffer: storage, Storage: true}))
	err = cb.SetDescriptor(0, 0, BufferBinding{Buffer: storage, Storage: true})
	assert.True(t, errors.Is(err, core.ErrDescriptorMismatch), "the allocated set keeps checking its layout")
	require.NoError(t, cb.End())
	require.NoError(t, ctx.Graphics.Recycle(cb))

	assert.Empty(t, dev.Violations())
}

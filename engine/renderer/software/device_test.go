package software

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/chronicle/engine/renderer/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBuffer(t *testing.T, d *Device, size uint64, usage driver.BufferUsage, typeIndex uint32) driver.Buffer {
	t.Helper()
	buf, req, err := d.CreateBuffer(driver.BufferCreateInfo{Size: size, Usage: usage})
	require.NoError(t, err)
	mem, err := d.AllocateMemory(req.Size, typeIndex, usage&driver.BufferUsageShaderDeviceAddress != 0)
	require.NoError(t, err)
	require.NoError(t, d.BindBufferMemory(buf, mem, 0))
	return buf
}

func begin(t *testing.T, d *Device) (driver.Queue, driver.CommandBuffer) {
	t.Helper()
	q, family, err := d.Queue(driver.QueueGraphics)
	require.NoError(t, err)
	pool, err := d.CreateCommandPool(family)
	require.NoError(t, err)
	cb, err := d.AllocateCommandBuffer(pool)
	require.NoError(t, err)
	require.NoError(t, d.BeginCommandBuffer(cb, driver.CommandBufferUsageOneTimeSubmit))
	return q, cb
}

func submit(t *testing.T, d *Device, q driver.Queue, cb driver.CommandBuffer) driver.Fence {
	t.Helper()
	require.NoError(t, d.EndCommandBuffer(cb))
	f, err := d.CreateFence(false)
	require.NoError(t, err)
	require.NoError(t, d.QueueSubmit(q, []driver.SubmitInfo{{CommandBuffers: []driver.CommandBuffer{cb}}}, f))
	return f
}

func TestCopyExecutesOnCompletion(t *testing.T) {
	cfg := NewConfig()
	cfg.AutoComplete = false
	d := New(cfg)

	src := newBuffer(t, d, 64, driver.BufferUsageTransferSrc, 1)
	dst := newBuffer(t, d, 64, driver.BufferUsageTransferDst, 0)

	mem := d.buffers[src].memory
	var memHandle driver.Memory
	for h, m := range d.memories {
		if m == mem {
			memHandle = h
		}
	}
	data, err := d.MapMemory(memHandle, 0, 64)
	require.NoError(t, err)
	copy(data, bytes.Repeat([]byte{0xAB}, 64))
	d.UnmapMemory(memHandle)

	q, cb := begin(t, d)
	d.CmdCopyBuffer(cb, src, dst, driver.BufferCopy{Size: 64})
	f := submit(t, d, q, cb)

	assert.Equal(t, 1, d.PendingCount(q))
	assert.Equal(t, make([]byte, 64), d.ReadBuffer(dst))
	done, err := d.FenceStatus(f)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, d.WaitForFence(f, time.Second))
	assert.Equal(t, bytes.Repeat([]byte{0xAB}, 64), d.ReadBuffer(dst))
	assert.Zero(t, d.PendingCount(q))
	assert.Empty(t, d.Violations())
}

func TestWaitForUnsubmittedFenceTimesOut(t *testing.T) {
	d := New(NewConfig())
	f, err := d.CreateFence(false)
	require.NoError(t, err)
	err = d.WaitForFence(f, time.Millisecond)
	assert.True(t, errors.Is(err, driver.ErrTimeout))
}

func TestMappingDeviceLocalMemoryFails(t *testing.T) {
	d := New(NewConfig())
	mem, err := d.AllocateMemory(256, 0, false)
	require.NoError(t, err)
	_, err = d.MapMemory(mem, 0, 256)
	assert.Error(t, err)
	assert.Len(t, d.Violations(), 1)
}

func TestAllocationLimit(t *testing.T) {
	cfg := NewConfig()
	cfg.MaxAllocationSize = 1024
	d := New(cfg)
	_, err := d.AllocateMemory(2048, 0, false)
	assert.True(t, errors.Is(err, driver.ErrOutOfDeviceMemory))
}

func TestResetOfPendingCommandBufferFails(t *testing.T) {
	cfg := NewConfig()
	cfg.AutoComplete = false
	d := New(cfg)
	q, cb := begin(t, d)
	d.CmdDraw(cb, 3, 1, 0, 0)
	submit(t, d, q, cb)

	assert.Error(t, d.ResetCommandBuffer(cb))
	require.True(t, d.CompleteNext(q))
	assert.NoError(t, d.ResetCommandBuffer(cb))
	assert.Equal(t, 1, d.Stats().Draws)
}

func TestDestroyWhilePendingIsFlagged(t *testing.T) {
	cfg := NewConfig()
	cfg.AutoComplete = false
	d := New(cfg)
	src := newBuffer(t, d, 16, driver.BufferUsageTransferSrc, 1)
	dst := newBuffer(t, d, 16, driver.BufferUsageTransferDst, 0)

	q, cb := begin(t, d)
	d.CmdCopyBuffer(cb, src, dst, driver.BufferCopy{Size: 16})
	submit(t, d, q, cb)

	d.DestroyBuffer(src)
	require.Len(t, d.Violations(), 1)
	assert.Contains(t, d.Violations()[0], "pending")
}

func TestRecordingOutsideBeginIsFlagged(t *testing.T) {
	d := New(NewConfig())
	_, family, err := d.Queue(driver.QueueGraphics)
	require.NoError(t, err)
	pool, err := d.CreateCommandPool(family)
	require.NoError(t, err)
	cb, err := d.AllocateCommandBuffer(pool)
	require.NoError(t, err)

	d.CmdDispatch(cb, 1, 1, 1)
	assert.Len(t, d.Violations(), 1)
}

func TestCompleteFenceOutOfOrder(t *testing.T) {
	cfg := NewConfig()
	cfg.AutoComplete = false
	d := New(cfg)
	q, first := begin(t, d)
	f1 := submit(t, d, q, first)
	_, second := begin(t, d)
	f2 := submit(t, d, q, second)

	require.True(t, d.CompleteFence(f2))
	s1, _ := d.FenceStatus(f1)
	s2, _ := d.FenceStatus(f2)
	assert.False(t, s1)
	assert.True(t, s2)
	assert.Equal(t, 1, d.PendingCount(q))
}

func TestImageLayoutsAndBlit(t *testing.T) {
	d := New(NewConfig())
	img, req, err := d.CreateImage(driver.ImageCreateInfo{
		Extent:    driver.Extent3D{Width: 4, Height: 4, Depth: 1},
		Format:    driver.FormatR8G8B8A8Unorm,
		MipLevels: 3,
		Usage:     driver.ImageUsageTransferSrc | driver.ImageUsageTransferDst | driver.ImageUsageSampled,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(256), req.Size)
	mem, err := d.AllocateMemory(req.Size, 0, false)
	require.NoError(t, err)
	require.NoError(t, d.BindImageMemory(img, mem, 0))

	staging := newBuffer(t, d, 64, driver.BufferUsageTransferSrc, 1)
	copy(d.buffers[staging].bytes(), bytes.Repeat([]byte{200, 100, 50, 255}, 16))

	q, cb := begin(t, d)
	d.CmdPipelineBarrier(cb, driver.PipelineStageTopOfPipe, driver.PipelineStageTransfer, nil, []driver.ImageBarrier{{
		Image: img, OldLayout: driver.ImageLayoutUndefined, NewLayout: driver.ImageLayoutTransferDstOptimal, LevelCount: 3,
	}})
	d.CmdCopyBufferToImage(cb, staging, img, driver.ImageLayoutTransferDstOptimal, driver.BufferImageCopy{
		Extent: driver.Extent3D{Width: 4, Height: 4, Depth: 1},
	})
	d.CmdPipelineBarrier(cb, driver.PipelineStageTransfer, driver.PipelineStageTransfer, nil, []driver.ImageBarrier{{
		Image: img, OldLayout: driver.ImageLayoutTransferDstOptimal, NewLayout: driver.ImageLayoutTransferSrcOptimal, LevelCount: 1,
	}})
	d.CmdBlitImage(cb, img, driver.ImageLayoutTransferSrcOptimal, img, driver.ImageLayoutTransferDstOptimal, driver.ImageBlit{
		SrcMipLevel: 0, SrcOffsets: [2]driver.Offset3D{{}, {X: 4, Y: 4, Z: 1}},
		DstMipLevel: 1, DstOffsets: [2]driver.Offset3D{{}, {X: 2, Y: 2, Z: 1}},
	}, driver.FilterLinear)
	submit(t, d, q, cb)

	require.Empty(t, d.Violations())
	assert.Equal(t, bytes.Repeat([]byte{200, 100, 50, 255}, 4), d.ImageLevel(img, 1))
	assert.Equal(t, []driver.ImageLayout{
		driver.ImageLayoutTransferSrcOptimal,
		driver.ImageLayoutTransferDstOptimal,
		driver.ImageLayoutTransferDstOptimal,
	}, d.ImageLayouts(img))
	assert.Equal(t, 1, d.Stats().Blits)
}

func TestDescriptorPoolLimits(t *testing.T) {
	d := New(NewConfig())
	pool, err := d.CreateDescriptorPool(driver.DescriptorPoolCreateInfo{
		MaxSets: 4,
		Sizes:   []driver.DescriptorPoolSize{{Type: driver.DescriptorTypeUniformBuffer, Count: 2}},
	})
	require.NoError(t, err)
	layout, err := d.CreateDescriptorSetLayout([]driver.DescriptorSetLayoutBinding{{Binding: 0, Type: driver.DescriptorTypeUniformBuffer, Count: 1}})
	require.NoError(t, err)

	s1, err := d.AllocateDescriptorSet(pool, layout)
	require.NoError(t, err)
	_, err = d.AllocateDescriptorSet(pool, layout)
	require.NoError(t, err)
	_, err = d.AllocateDescriptorSet(pool, layout)
	assert.True(t, errors.Is(err, driver.ErrOutOfPoolMemory))

	// the pool was not created with free-descriptor-set
	assert.Error(t, d.FreeDescriptorSet(pool, s1))
}

func TestBuildCompactAndReferenceFromTopLevel(t *testing.T) {
	d := New(NewConfig())
	usage := driver.BufferUsageShaderDeviceAddress | driver.BufferUsageAccelerationStructureInput

	vertices := newBuffer(t, d, 3*12, usage, 1)
	indices := newBuffer(t, d, 3*4, usage, 1)
	ib := d.buffers[indices].bytes()
	for i := 0; i < 3; i++ {
		binary.LittleEndian.PutUint32(ib[i*4:], uint32(i))
	}
	vAddr, err := d.BufferDeviceAddress(vertices)
	require.NoError(t, err)
	iAddr, err := d.BufferDeviceAddress(indices)
	require.NoError(t, err)

	info := driver.AccelerationStructureBuildGeometryInfo{
		Type:  driver.AccelerationStructureTypeBottomLevel,
		Flags: driver.BuildAccelerationStructureAllowCompaction,
		Triangles: &driver.TrianglesGeometry{
			VertexData: vAddr, VertexStride: 12, MaxVertex: 2,
			IndexData: iAddr, IndexType: driver.IndexTypeUint32,
		},
	}
	sizes, err := d.AccelerationStructureBuildSizes(info, 1)
	require.NoError(t, err)

	storageUsage := driver.BufferUsageAccelerationStructureStorage | driver.BufferUsageShaderDeviceAddress
	storage := newBuffer(t, d, sizes.AccelerationStructureSize*2, storageUsage, 0)
	scratch := newBuffer(t, d, sizes.BuildScratchSize, driver.BufferUsageStorageBuffer|driver.BufferUsageShaderDeviceAddress, 0)
	scratchAddr, _ := d.BufferDeviceAddress(scratch)

	blas, err := d.CreateAccelerationStructure(driver.AccelerationStructureTypeBottomLevel, storage, 0, sizes.AccelerationStructureSize)
	require.NoError(t, err)
	queries, err := d.CreateQueryPool(driver.QueryTypeAccelerationStructureCompactedSize, 1)
	require.NoError(t, err)

	info.Dst = blas
	info.Scratch = scratchAddr
	q, cb := begin(t, d)
	d.CmdBuildAccelerationStructure(cb, info, driver.AccelerationStructureBuildRange{PrimitiveCount: 1})
	d.CmdResetQueryPool(cb, queries, 0, 1)
	d.CmdWriteAccelerationStructureCompactedSize(cb, blas, queries, 0)
	submit(t, d, q, cb)

	results, err := d.QueryResults(queries, 0, 1, true)
	require.NoError(t, err)
	compacted := results[0]
	assert.Less(t, compacted, sizes.AccelerationStructureSize)

	small, err := d.CreateAccelerationStructure(driver.AccelerationStructureTypeBottomLevel, storage, sizes.AccelerationStructureSize, compacted)
	require.NoError(t, err)
	_, cb = begin(t, d)
	d.CmdCopyAccelerationStructure(cb, blas, small, driver.CopyAccelerationStructureModeCompact)
	submit(t, d, q, cb)

	smallInfo, ok := d.AccelInfo(small)
	require.True(t, ok)
	assert.True(t, smallInfo.Built)
	assert.Equal(t, uint32(1), smallInfo.Primitives)

	// one instance record pointing at the compacted structure
	ref, err := d.AccelerationStructureDeviceAddress(small)
	require.NoError(t, err)
	instances := newBuffer(t, d, instanceRecordSize, usage, 1)
	rec := d.buffers[instances].bytes()
	binary.LittleEndian.PutUint32(rec[48:], 7|0xFF<<24)
	binary.LittleEndian.PutUint64(rec[56:], uint64(ref))
	instAddr, _ := d.BufferDeviceAddress(instances)

	tlasInfo := driver.AccelerationStructureBuildGeometryInfo{
		Type:      driver.AccelerationStructureTypeTopLevel,
		Flags:     driver.BuildAccelerationStructureAllowUpdate,
		Instances: &driver.InstancesGeometry{Data: instAddr},
	}
	tlasSizes, err := d.AccelerationStructureBuildSizes(tlasInfo, 1)
	require.NoError(t, err)
	tlasStorage := newBuffer(t, d, tlasSizes.AccelerationStructureSize, storageUsage, 0)
	tlasScratch := newBuffer(t, d, tlasSizes.BuildScratchSize, driver.BufferUsageStorageBuffer|driver.BufferUsageShaderDeviceAddress, 0)
	tlas, err := d.CreateAccelerationStructure(driver.AccelerationStructureTypeTopLevel, tlasStorage, 0, tlasSizes.AccelerationStructureSize)
	require.NoError(t, err)
	tlasInfo.Dst = tlas
	tlasInfo.Scratch, _ = d.BufferDeviceAddress(tlasScratch)

	_, cb = begin(t, d)
	d.CmdBuildAccelerationStructure(cb, tlasInfo, driver.AccelerationStructureBuildRange{PrimitiveCount: 1})
	submit(t, d, q, cb)

	tlasInfo.Mode = driver.BuildAccelerationStructureModeUpdate
	tlasInfo.Src = tlas
	_, cb = begin(t, d)
	d.CmdBuildAccelerationStructure(cb, tlasInfo, driver.AccelerationStructureBuildRange{PrimitiveCount: 1})
	submit(t, d, q, cb)

	require.Empty(t, d.Violations())
	got, ok := d.AccelInfo(tlas)
	require.True(t, ok)
	assert.Equal(t, 1, got.Updates)
	require.Len(t, got.Instances, 1)
	assert.Equal(t, uint32(7), got.Instances[0].CustomIndex)
	assert.Equal(t, uint8(0xFF), got.Instances[0].Mask)
	assert.Equal(t, ref, got.Instances[0].Reference)

	stats := d.Stats()
	assert.Equal(t, 2, stats.Builds)
	assert.Equal(t, 1, stats.Updates)
	assert.Equal(t, 1, stats.Compactions)
}

func TestRayTracingGroupHandlesAreDeterministic(t *testing.T) {
	d := New(NewConfig())
	layout, err := d.CreatePipelineLayout(nil, nil)
	require.NoError(t, err)
	p, err := d.NewPipeline(driver.PipelineBindPointRayTracing, layout)
	require.NoError(t, err)

	handles, err := d.RayTracingShaderGroupHandles(p, 1, 2)
	require.NoError(t, err)
	require.Len(t, handles, 64)
	assert.Equal(t, GroupHandleByte(p, 1, 0), handles[0])
	assert.Equal(t, GroupHandleByte(p, 2, 5), handles[32+5])
}

package vulkan

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/chronicle/engine/core"
	"github.com/spaghettifunk/chronicle/engine/renderer/driver"
)

type commandPool struct {
	handle vk.CommandPool
	family uint32
}

type commandBuffer struct {
	handle vk.CommandBuffer
	pool   uint64
}

func (d *Device) CreateCommandPool(queueFamily uint32) (driver.CommandPool, error) {
	poolCreateInfo := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: queueFamily,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
	}
	var pool vk.CommandPool
	if err := check(vk.CreateCommandPool(d.LogicalDevice, &poolCreateInfo, d.context.Allocator, &pool), "vkCreateCommandPool"); err != nil {
		return 0, err
	}
	core.LogDebug("command pool created for family %d", queueFamily)
	return driver.CommandPool(d.commandPools.add(&commandPool{handle: pool, family: queueFamily})), nil
}

// DestroyCommandPool frees the pool and every command buffer allocated
// from it.
func (d *Device) DestroyCommandPool(pool driver.CommandPool) {
	p, ok := d.commandPools.remove(uint64(pool))
	if !ok {
		return
	}
	d.commandBuffers.removeWhere(func(cb *commandBuffer) bool { return cb.pool == uint64(pool) })
	vk.DestroyCommandPool(d.LogicalDevice, p.handle, d.context.Allocator)
}

func (d *Device) AllocateCommandBuffer(pool driver.CommandPool) (driver.CommandBuffer, error) {
	p, ok := d.commandPools.get(uint64(pool))
	if !ok {
		return 0, errors.Wrap(driver.ErrInvalidHandle, "allocate command buffer")
	}
	allocateInfo := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        p.handle,
		CommandBufferCount: 1,
		Level:              vk.CommandBufferLevelPrimary,
	}
	handles := make([]vk.CommandBuffer, 1)
	err := d.locks.SafeCall(CommandPoolManagement, func() error {
		return check(vk.AllocateCommandBuffers(d.LogicalDevice, &allocateInfo, handles), "vkAllocateCommandBuffers")
	})
	if err != nil {
		core.LogError(err.Error())
		return 0, err
	}
	return driver.CommandBuffer(d.commandBuffers.add(&commandBuffer{handle: handles[0], pool: uint64(pool)})), nil
}

func (d *Device) FreeCommandBuffer(pool driver.CommandPool, cb driver.CommandBuffer) {
	p, ok := d.commandPools.get(uint64(pool))
	if !ok {
		return
	}
	c, ok := d.commandBuffers.remove(uint64(cb))
	if !ok {
		return
	}
	_ = d.locks.SafeCall(CommandPoolManagement, func() error {
		vk.FreeCommandBuffers(d.LogicalDevice, p.handle, 1, []vk.CommandBuffer{c.handle})
		return nil
	})
}

func (d *Device) cmd(cb driver.CommandBuffer) vk.CommandBuffer {
	c, ok := d.commandBuffers.get(uint64(cb))
	if !ok {
		core.LogError("recording into unknown command buffer %d", cb)
		return nil
	}
	return c.handle
}

func (d *Device) BeginCommandBuffer(cb driver.CommandBuffer, usage driver.CommandBufferUsage) error {
	c, ok := d.commandBuffers.get(uint64(cb))
	if !ok {
		return errors.Wrap(driver.ErrInvalidHandle, "begin command buffer")
	}
	beginInfo := vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(usage),
	}
	return check(vk.BeginCommandBuffer(c.handle, &beginInfo), "vkBeginCommandBuffer")
}

func (d *Device) EndCommandBuffer(cb driver.CommandBuffer) error {
	c, ok := d.commandBuffers.get(uint64(cb))
	if !ok {
		return errors.Wrap(driver.ErrInvalidHandle, "end command buffer")
	}
	return check(vk.EndCommandBuffer(c.handle), "vkEndCommandBuffer")
}

func (d *Device) ResetCommandBuffer(cb driver.CommandBuffer) error {
	c, ok := d.commandBuffers.get(uint64(cb))
	if !ok {
		return errors.Wrap(driver.ErrInvalidHandle, "reset command buffer")
	}
	return check(vk.ResetCommandBuffer(c.handle, 0), "vkResetCommandBuffer")
}

func (d *Device) CmdBindPipeline(cb driver.CommandBuffer, bindPoint driver.PipelineBindPoint, p driver.Pipeline) {
	pl, ok := d.pipelines.get(uint64(p))
	if !ok {
		return
	}
	vk.CmdBindPipeline(d.cmd(cb), vk.PipelineBindPoint(bindPoint), pl.handle)
}

func (d *Device) CmdBindDescriptorSets(cb driver.CommandBuffer, bindPoint driver.PipelineBindPoint, layout driver.PipelineLayout, firstSet uint32, sets []driver.DescriptorSet) {
	l, ok := d.pipelineLayouts.get(uint64(layout))
	if !ok {
		return
	}
	handles := make([]vk.DescriptorSet, 0, len(sets))
	for _, s := range sets {
		if h, ok := d.sets.get(uint64(s)); ok {
			handles = append(handles, h)
		}
	}
	vk.CmdBindDescriptorSets(d.cmd(cb), vk.PipelineBindPoint(bindPoint), l, firstSet, uint32(len(handles)), handles, 0, nil)
}

func (d *Device) CmdPushConstants(cb driver.CommandBuffer, layout driver.PipelineLayout, stages driver.ShaderStage, offset uint32, data []byte) {
	l, ok := d.pipelineLayouts.get(uint64(layout))
	if !ok || len(data) == 0 {
		return
	}
	vk.CmdPushConstants(d.cmd(cb), l, vk.ShaderStageFlags(stages), offset, uint32(len(data)), unsafe.Pointer(&data[0]))
}

func (d *Device) CmdSetViewport(cb driver.CommandBuffer, viewport driver.Viewport) {
	vk.CmdSetViewport(d.cmd(cb), 0, 1, []vk.Viewport{{
		X:        viewport.X,
		Y:        viewport.Y,
		Width:    viewport.Width,
		Height:   viewport.Height,
		MinDepth: viewport.MinDepth,
		MaxDepth: viewport.MaxDepth,
	}})
}

func (d *Device) CmdSetScissor(cb driver.CommandBuffer, scissor driver.Rect2D) {
	vk.CmdSetScissor(d.cmd(cb), 0, 1, []vk.Rect2D{{
		Offset: vk.Offset2D{X: scissor.X, Y: scissor.Y},
		Extent: vk.Extent2D{Width: scissor.Width, Height: scissor.Height},
	}})
}

func (d *Device) CmdBindVertexBuffer(cb driver.CommandBuffer, buffer driver.Buffer, offset uint64) {
	b, ok := d.buffers.get(uint64(buffer))
	if !ok {
		return
	}
	vk.CmdBindVertexBuffers(d.cmd(cb), 0, 1, []vk.Buffer{b}, []vk.DeviceSize{vk.DeviceSize(offset)})
}

func (d *Device) CmdBindIndexBuffer(cb driver.CommandBuffer, buffer driver.Buffer, offset uint64, indexType driver.IndexType) {
	b, ok := d.buffers.get(uint64(buffer))
	if !ok {
		return
	}
	vk.CmdBindIndexBuffer(d.cmd(cb), b, vk.DeviceSize(offset), vk.IndexType(indexType))
}

func (d *Device) CmdDraw(cb driver.CommandBuffer, vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	vk.CmdDraw(d.cmd(cb), vertexCount, instanceCount, firstVertex, firstInstance)
}

func (d *Device) CmdDrawIndexed(cb driver.CommandBuffer, indexCount, instanceCount, firstIndex uint32, vertexOffset int32, firstInstance uint32) {
	vk.CmdDrawIndexed(d.cmd(cb), indexCount, instanceCount, firstIndex, vertexOffset, firstInstance)
}

func (d *Device) CmdDispatch(cb driver.CommandBuffer, x, y, z uint32) {
	vk.CmdDispatch(d.cmd(cb), x, y, z)
}

// CmdTraceRays is never reached: Features reports no ray tracing pipeline
// support, and the core refuses to trace without it.
func (d *Device) CmdTraceRays(driver.CommandBuffer, driver.TraceRaysRegions, uint32, uint32, uint32) {
	core.LogError("vkCmdTraceRaysKHR is not available through this binding")
}

func (d *Device) CmdCopyBuffer(cb driver.CommandBuffer, src, dst driver.Buffer, region driver.BufferCopy) {
	s, okSrc := d.buffers.get(uint64(src))
	t, okDst := d.buffers.get(uint64(dst))
	if !okSrc || !okDst {
		return
	}
	vk.CmdCopyBuffer(d.cmd(cb), s, t, 1, []vk.BufferCopy{{
		SrcOffset: vk.DeviceSize(region.SrcOffset),
		DstOffset: vk.DeviceSize(region.DstOffset),
		Size:      vk.DeviceSize(region.Size),
	}})
}

func colorLayers(level uint32) vk.ImageSubresourceLayers {
	return vk.ImageSubresourceLayers{
		AspectMask:     vk.ImageAspectFlags(vk.ImageAspectColorBit),
		MipLevel:       level,
		BaseArrayLayer: 0,
		LayerCount:     1,
	}
}

func (d *Device) CmdCopyBufferToImage(cb driver.CommandBuffer, src driver.Buffer, dst driver.Image, layout driver.ImageLayout, region driver.BufferImageCopy) {
	b, okSrc := d.buffers.get(uint64(src))
	img, okDst := d.images.get(uint64(dst))
	if !okSrc || !okDst {
		return
	}
	vk.CmdCopyBufferToImage(d.cmd(cb), b, img.handle, vk.ImageLayout(layout), 1, []vk.BufferImageCopy{{
		BufferOffset:     vk.DeviceSize(region.BufferOffset),
		ImageSubresource: colorLayers(region.MipLevel),
		ImageExtent: vk.Extent3D{
			Width:  region.Extent.Width,
			Height: region.Extent.Height,
			Depth:  max(region.Extent.Depth, 1),
		},
	}})
}

func offsets(o [2]driver.Offset3D) [2]vk.Offset3D {
	return [2]vk.Offset3D{
		{X: o[0].X, Y: o[0].Y, Z: o[0].Z},
		{X: o[1].X, Y: o[1].Y, Z: o[1].Z},
	}
}

func (d *Device) CmdBlitImage(cb driver.CommandBuffer, src driver.Image, srcLayout driver.ImageLayout, dst driver.Image, dstLayout driver.ImageLayout, blit driver.ImageBlit, filter driver.Filter) {
	s, okSrc := d.images.get(uint64(src))
	t, okDst := d.images.get(uint64(dst))
	if !okSrc || !okDst {
		return
	}
	vk.CmdBlitImage(d.cmd(cb),
		s.handle, vk.ImageLayout(srcLayout),
		t.handle, vk.ImageLayout(dstLayout),
		1, []vk.ImageBlit{{
			SrcSubresource: colorLayers(blit.SrcMipLevel),
			SrcOffsets:     offsets(blit.SrcOffsets),
			DstSubresource: colorLayers(blit.DstMipLevel),
			DstOffsets:     offsets(blit.DstOffsets),
		}},
		vk.Filter(filter))
}

func (d *Device) CmdPipelineBarrier(cb driver.CommandBuffer, srcStage, dstStage driver.PipelineStage, memory []driver.MemoryBarrier, images []driver.ImageBarrier) {
	memoryBarriers := make([]vk.MemoryBarrier, len(memory))
	for i, m := range memory {
		memoryBarriers[i] = vk.MemoryBarrier{
			SType:         vk.StructureTypeMemoryBarrier,
			SrcAccessMask: vk.AccessFlags(m.SrcAccess),
			DstAccessMask: vk.AccessFlags(m.DstAccess),
		}
	}
	imageBarriers := make([]vk.ImageMemoryBarrier, 0, len(images))
	for _, b := range images {
		img, ok := d.images.get(uint64(b.Image))
		if !ok {
			continue
		}
		imageBarriers = append(imageBarriers, vk.ImageMemoryBarrier{
			SType:               vk.StructureTypeImageMemoryBarrier,
			SrcAccessMask:       vk.AccessFlags(b.SrcAccess),
			DstAccessMask:       vk.AccessFlags(b.DstAccess),
			OldLayout:           vk.ImageLayout(b.OldLayout),
			NewLayout:           vk.ImageLayout(b.NewLayout),
			SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
			DstQueueFamilyIndex: vk.QueueFamilyIgnored,
			Image:               img.handle,
			SubresourceRange: vk.ImageSubresourceRange{
				AspectMask:     aspectFor(img.format),
				BaseMipLevel:   b.BaseMipLevel,
				LevelCount:     b.LevelCount,
				BaseArrayLayer: 0,
				LayerCount:     1,
			},
		})
	}
	vk.CmdPipelineBarrier(d.cmd(cb),
		vk.PipelineStageFlags(srcStage), vk.PipelineStageFlags(dstStage),
		0,
		uint32(len(memoryBarriers)), memoryBarriers,
		0, nil,
		uint32(len(imageBarriers)), imageBarriers)
}

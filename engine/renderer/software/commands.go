package software

import (
	goimage "image"

	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/chronicle/engine/math"
	"github.com/spaghettifunk/chronicle/engine/renderer/driver"
	"golang.org/x/image/draw"
)

type commandBufferState uint8

const (
	commandBufferInitial commandBufferState = iota
	commandBufferRecording
	commandBufferExecutable
	commandBufferPending
	commandBufferInvalid
)

func (s commandBufferState) String() string {
	switch s {
	case commandBufferInitial:
		return "initial"
	case commandBufferRecording:
		return "recording"
	case commandBufferExecutable:
		return "executable"
	case commandBufferPending:
		return "pending"
	}
	return "invalid"
}

// command runs against the device state when the submission that carries
// it completes. d.mu is held.
type command func(d *Device)

type commandBuffer struct {
	pool  driver.CommandPool
	state commandBufferState
	usage driver.CommandBufferUsage
	cmds  []command
	refs  map[uint64]struct{}
}

func (cb *commandBuffer) clear() {
	cb.cmds = nil
	cb.refs = make(map[uint64]struct{})
}

func (d *Device) CreateCommandPool(queueFamily uint32) (driver.CommandPool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if queueFamily > transferFamily {
		return 0, errors.Wrapf(driver.ErrInvalidHandle, "queue family %d", queueFamily)
	}
	h := driver.CommandPool(d.handle())
	d.commandPools[h] = queueFamily
	return h, nil
}

func (d *Device) DestroyCommandPool(pool driver.CommandPool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for h, cb := range d.commandBuffers {
		if cb.pool != pool {
			continue
		}
		if cb.state == commandBufferPending {
			d.violation("command pool %d destroyed while command buffer %d is pending", pool, h)
		}
		delete(d.commandBuffers, h)
	}
	delete(d.commandPools, pool)
}

func (d *Device) AllocateCommandBuffer(pool driver.CommandPool) (driver.CommandBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.commandPools[pool]; !ok {
		return 0, errors.Wrapf(driver.ErrInvalidHandle, "command pool %d", pool)
	}
	h := driver.CommandBuffer(d.handle())
	cb := &commandBuffer{pool: pool}
	cb.clear()
	d.commandBuffers[h] = cb
	return h, nil
}

func (d *Device) FreeCommandBuffer(pool driver.CommandPool, h driver.CommandBuffer) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cb, ok := d.commandBuffers[h]
	if !ok {
		d.violation("free of unknown command buffer %d", h)
		return
	}
	if cb.pool != pool {
		d.violation("command buffer %d freed through pool %d, allocated from %d", h, pool, cb.pool)
	}
	if cb.state == commandBufferPending {
		d.violation("command buffer %d freed while pending", h)
	}
	delete(d.commandBuffers, h)
}

func (d *Device) BeginCommandBuffer(h driver.CommandBuffer, usage driver.CommandBufferUsage) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cb, ok := d.commandBuffers[h]
	if !ok {
		return errors.Wrapf(driver.ErrInvalidHandle, "command buffer %d", h)
	}
	switch cb.state {
	case commandBufferRecording, commandBufferPending:
		return errors.Newf("begin on command buffer %d in %s state", h, cb.state)
	}
	// begin implicitly resets an executable or invalid buffer
	cb.clear()
	cb.usage = usage
	cb.state = commandBufferRecording
	return nil
}

func (d *Device) EndCommandBuffer(h driver.CommandBuffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cb, ok := d.commandBuffers[h]
	if !ok {
		return errors.Wrapf(driver.ErrInvalidHandle, "command buffer %d", h)
	}
	if cb.state != commandBufferRecording {
		return errors.Newf("end on command buffer %d in %s state", h, cb.state)
	}
	cb.state = commandBufferExecutable
	return nil
}

func (d *Device) ResetCommandBuffer(h driver.CommandBuffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cb, ok := d.commandBuffers[h]
	if !ok {
		return errors.Wrapf(driver.ErrInvalidHandle, "command buffer %d", h)
	}
	if cb.state == commandBufferPending {
		d.violation("reset of pending command buffer %d", h)
		return errors.Newf("command buffer %d is pending", h)
	}
	cb.clear()
	cb.state = commandBufferInitial
	return nil
}

// record appends a command to a buffer in the recording state and notes the
// handles it references so destroying them while pending can be caught.
func (d *Device) record(h driver.CommandBuffer, name string, fn command, refs ...uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cb, ok := d.commandBuffers[h]
	if !ok {
		d.violation("%s recorded into unknown command buffer %d", name, h)
		return
	}
	if cb.state != commandBufferRecording {
		d.violation("%s recorded into command buffer %d in %s state", name, h, cb.state)
		return
	}
	for _, r := range refs {
		if r != 0 {
			cb.refs[r] = struct{}{}
		}
	}
	if fn != nil {
		cb.cmds = append(cb.cmds, fn)
	}
}

// checkNotPending flags destruction of an object a pending submission still
// references. Callers hold d.mu.
func (d *Device) checkNotPending(handle uint64, kind string) {
	for h, cb := range d.commandBuffers {
		if cb.state != commandBufferPending {
			continue
		}
		if _, ok := cb.refs[handle]; ok {
			d.violation("%s %d destroyed while command buffer %d is pending", kind, handle, h)
		}
	}
}

func (d *Device) CmdBindPipeline(cb driver.CommandBuffer, bindPoint driver.PipelineBindPoint, pipeline driver.Pipeline) {
	d.record(cb, "bind pipeline", func(d *Device) {
		bp, ok := d.pipelines[pipeline]
		if !ok {
			d.violation("bind of unknown pipeline %d", pipeline)
			return
		}
		if bp != bindPoint {
			d.violation("pipeline %d bound at %d but created for %d", pipeline, bindPoint, bp)
		}
	}, uint64(pipeline))
}

func (d *Device) CmdBindDescriptorSets(cb driver.CommandBuffer, bindPoint driver.PipelineBindPoint, layout driver.PipelineLayout, firstSet uint32, sets []driver.DescriptorSet) {
	refs := []uint64{uint64(layout)}
	for _, s := range sets {
		refs = append(refs, uint64(s))
	}
	sets = append([]driver.DescriptorSet(nil), sets...)
	d.record(cb, "bind descriptor sets", func(d *Device) {
		for _, s := range sets {
			if _, ok := d.sets[s]; !ok {
				d.violation("bind of freed descriptor set %d", s)
			}
		}
		d.stats.DescriptorBinds++
	}, refs...)
}

func (d *Device) CmdPushConstants(cb driver.CommandBuffer, layout driver.PipelineLayout, stages driver.ShaderStage, offset uint32, data []byte) {
	data = append([]byte(nil), data...)
	limit := d.Limits().MaxPushConstantsSize
	d.record(cb, "push constants", func(d *Device) {
		if offset+uint32(len(data)) > limit {
			d.violation("push constant range %d+%d exceeds %d", offset, len(data), limit)
		}
		d.stats.PushConstantBytes += uint64(len(data))
	}, uint64(layout))
}

func (d *Device) CmdSetViewport(cb driver.CommandBuffer, viewport driver.Viewport) {
	d.record(cb, "set viewport", nil)
}

func (d *Device) CmdSetScissor(cb driver.CommandBuffer, scissor driver.Rect2D) {
	d.record(cb, "set scissor", nil)
}

func (d *Device) CmdBindVertexBuffer(cb driver.CommandBuffer, buf driver.Buffer, offset uint64) {
	d.record(cb, "bind vertex buffer", func(d *Device) {
		b, ok := d.buffers[buf]
		if !ok {
			d.violation("bind of destroyed vertex buffer %d", buf)
			return
		}
		if b.usage&driver.BufferUsageVertexBuffer == 0 {
			d.violation("buffer %d bound as vertex buffer without vertex usage", buf)
		}
	}, uint64(buf))
}

func (d *Device) CmdBindIndexBuffer(cb driver.CommandBuffer, buf driver.Buffer, offset uint64, indexType driver.IndexType) {
	d.record(cb, "bind index buffer", func(d *Device) {
		b, ok := d.buffers[buf]
		if !ok {
			d.violation("bind of destroyed index buffer %d", buf)
			return
		}
		if b.usage&driver.BufferUsageIndexBuffer == 0 {
			d.violation("buffer %d bound as index buffer without index usage", buf)
		}
	}, uint64(buf))
}

func (d *Device) CmdDraw(cb driver.CommandBuffer, vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	d.record(cb, "draw", func(d *Device) { d.stats.Draws++ })
}

func (d *Device) CmdDrawIndexed(cb driver.CommandBuffer, indexCount, instanceCount, firstIndex uint32, vertexOffset int32, firstInstance uint32) {
	d.record(cb, "draw indexed", func(d *Device) { d.stats.Draws++ })
}

func (d *Device) CmdDispatch(cb driver.CommandBuffer, x, y, z uint32) {
	d.record(cb, "dispatch", func(d *Device) { d.stats.Dispatches++ })
}

func (d *Device) CmdTraceRays(cb driver.CommandBuffer, regions driver.TraceRaysRegions, width, height, depth uint32) {
	d.record(cb, "trace rays", func(d *Device) {
		for name, r := range map[string]driver.StridedDeviceAddressRegion{"raygen": regions.Raygen, "miss": regions.Miss, "hit": regions.Hit} {
			if r.DeviceAddress == 0 {
				continue
			}
			b, off, ok := d.bufferAt(r.DeviceAddress)
			if !ok {
				d.violation("%s region address %#x does not resolve to a buffer", name, r.DeviceAddress)
				continue
			}
			if off+r.Size > b.size {
				d.violation("%s region of %d bytes overruns its buffer", name, r.Size)
			}
		}
		if regions.Raygen.Size != regions.Raygen.Stride {
			d.violation("raygen region size %d must equal its stride %d", regions.Raygen.Size, regions.Raygen.Stride)
		}
		d.stats.TraceRays++
	})
}

func (d *Device) CmdCopyBuffer(cb driver.CommandBuffer, src, dst driver.Buffer, region driver.BufferCopy) {
	d.record(cb, "copy buffer", func(d *Device) {
		s, ok1 := d.buffers[src]
		t, ok2 := d.buffers[dst]
		if !ok1 || !ok2 {
			d.violation("copy between destroyed buffers %d -> %d", src, dst)
			return
		}
		if region.SrcOffset+region.Size > s.size || region.DstOffset+region.Size > t.size {
			d.violation("copy of %d bytes overruns buffer %d or %d", region.Size, src, dst)
			return
		}
		copy(t.bytes()[region.DstOffset:region.DstOffset+region.Size], s.bytes()[region.SrcOffset:region.SrcOffset+region.Size])
		d.stats.Copies++
	}, uint64(src), uint64(dst))
}

func (d *Device) CmdCopyBufferToImage(cb driver.CommandBuffer, src driver.Buffer, dst driver.Image, layout driver.ImageLayout, region driver.BufferImageCopy) {
	d.record(cb, "copy buffer to image", func(d *Device) {
		s, ok1 := d.buffers[src]
		img, ok2 := d.images[dst]
		if !ok1 || !ok2 {
			d.violation("copy from buffer %d into destroyed image %d", src, dst)
			return
		}
		if region.MipLevel >= img.info.MipLevels {
			d.violation("copy into mip %d of image %d with %d levels", region.MipLevel, dst, img.info.MipLevels)
			return
		}
		if layout != driver.ImageLayoutTransferDstOptimal || img.layouts[region.MipLevel] != driver.ImageLayoutTransferDstOptimal {
			d.violation("copy into image %d mip %d in layout %s", dst, region.MipLevel, img.layouts[region.MipLevel])
			return
		}
		level := img.level(region.MipLevel)
		n := uint64(region.Extent.Width) * uint64(region.Extent.Height) * uint64(img.info.Format.BytesPerPixel())
		if n > uint64(len(level)) || region.BufferOffset+n > s.size {
			d.violation("buffer to image copy of %d bytes overruns its source or destination", n)
			return
		}
		copy(level[:n], s.bytes()[region.BufferOffset:region.BufferOffset+n])
		d.stats.Copies++
	}, uint64(src), uint64(dst))
}

func (d *Device) CmdBlitImage(cb driver.CommandBuffer, src driver.Image, srcLayout driver.ImageLayout, dst driver.Image, dstLayout driver.ImageLayout, blit driver.ImageBlit, filter driver.Filter) {
	d.record(cb, "blit image", func(d *Device) {
		s, ok1 := d.images[src]
		t, ok2 := d.images[dst]
		if !ok1 || !ok2 {
			d.violation("blit between destroyed images %d -> %d", src, dst)
			return
		}
		if blit.SrcMipLevel >= s.info.MipLevels || blit.DstMipLevel >= t.info.MipLevels {
			d.violation("blit mip levels %d -> %d out of range", blit.SrcMipLevel, blit.DstMipLevel)
			return
		}
		if srcLayout != driver.ImageLayoutTransferSrcOptimal || s.layouts[blit.SrcMipLevel] != srcLayout {
			d.violation("blit source mip %d in layout %s", blit.SrcMipLevel, s.layouts[blit.SrcMipLevel])
			return
		}
		if dstLayout != driver.ImageLayoutTransferDstOptimal || t.layouts[blit.DstMipLevel] != dstLayout {
			d.violation("blit destination mip %d in layout %s", blit.DstMipLevel, t.layouts[blit.DstMipLevel])
			return
		}
		if s.info.Format.BytesPerPixel() != 4 || t.info.Format != s.info.Format {
			d.violation("blit supports 8-bit RGBA images only")
			return
		}
		from := rgbaLevel(s, blit.SrcMipLevel)
		to := rgbaLevel(t, blit.DstMipLevel)
		sr := goimage.Rect(int(blit.SrcOffsets[0].X), int(blit.SrcOffsets[0].Y), int(blit.SrcOffsets[1].X), int(blit.SrcOffsets[1].Y))
		dr := goimage.Rect(int(blit.DstOffsets[0].X), int(blit.DstOffsets[0].Y), int(blit.DstOffsets[1].X), int(blit.DstOffsets[1].Y))
		if !sr.In(from.Rect) || !dr.In(to.Rect) {
			d.violation("blit regions %v -> %v exceed mip extents %v -> %v", sr, dr, from.Rect, to.Rect)
			return
		}
		var scaler draw.Scaler = draw.NearestNeighbor
		if filter == driver.FilterLinear {
			scaler = draw.ApproxBiLinear
		}
		scaler.Scale(to, dr, from, sr, draw.Src, nil)
		d.stats.Blits++
	}, uint64(src), uint64(dst))
}

// rgbaLevel views one mip level of an RGBA8 image without copying.
func rgbaLevel(img *image, level uint32) *goimage.RGBA {
	w := int(math.MipExtent(img.info.Extent.Width, level))
	h := int(math.MipExtent(img.info.Extent.Height, level))
	return &goimage.RGBA{
		Pix:    img.level(level),
		Stride: w * 4,
		Rect:   goimage.Rect(0, 0, w, h),
	}
}

func (d *Device) CmdPipelineBarrier(cb driver.CommandBuffer, srcStage, dstStage driver.PipelineStage, memory []driver.MemoryBarrier, images []driver.ImageBarrier) {
	refs := make([]uint64, 0, len(images))
	for _, b := range images {
		refs = append(refs, uint64(b.Image))
	}
	images = append([]driver.ImageBarrier(nil), images...)
	d.record(cb, "pipeline barrier", func(d *Device) {
		for _, b := range images {
			img, ok := d.images[b.Image]
			if !ok {
				d.violation("barrier on destroyed image %d", b.Image)
				continue
			}
			if b.LevelCount == 0 || b.BaseMipLevel+b.LevelCount > img.info.MipLevels {
				d.violation("barrier mip range %d+%d exceeds %d levels", b.BaseMipLevel, b.LevelCount, img.info.MipLevels)
				continue
			}
			for l := b.BaseMipLevel; l < b.BaseMipLevel+b.LevelCount; l++ {
				if b.OldLayout != driver.ImageLayoutUndefined && img.layouts[l] != b.OldLayout {
					d.violation("image %d mip %d transitioned from %s but is in %s", b.Image, l, b.OldLayout, img.layouts[l])
				}
				img.layouts[l] = b.NewLayout
			}
		}
		d.stats.Barriers++
	}, refs...)
}

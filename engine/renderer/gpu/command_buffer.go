package gpu

import (
	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/chronicle/engine/core"
	"github.com/spaghettifunk/chronicle/engine/renderer/driver"
	"golang.org/x/exp/slices"
)

type CommandBufferState int

const (
	COMMAND_BUFFER_STATE_IDLE CommandBufferState = iota
	COMMAND_BUFFER_STATE_RECORDING
	COMMAND_BUFFER_STATE_RECORDING_ENDED
	COMMAND_BUFFER_STATE_SUBMITTED
)

func (s CommandBufferState) String() string {
	switch s {
	case COMMAND_BUFFER_STATE_IDLE:
		return "idle"
	case COMMAND_BUFFER_STATE_RECORDING:
		return "recording"
	case COMMAND_BUFFER_STATE_RECORDING_ENDED:
		return "recording ended"
	case COMMAND_BUFFER_STATE_SUBMITTED:
		return "submitted"
	}
	return "unknown"
}

// CommandBuffer records work and holds a reference to everything that work
// touches. References are dropped only by Reset, which the owning queue
// calls once the submission's fence has signaled.
type CommandBuffer struct {
	ctx    *Context
	queue  *CommandQueue
	Handle driver.CommandBuffer
	State  CommandBufferState

	pipeline *Pipeline
	// set layouts registered per slot, explicitly or by BindPipeline
	layouts map[uint32]*DescriptorSetLayout
	// sets written since the last BindDescriptorSets
	slots map[uint32]*DescriptorSet

	resources      []Resource
	descriptorSets []*DescriptorSet

	// sitting in the queue's idle FIFO; guarded by the queue's mutex
	pooled bool
}

func newCommandBuffer(ctx *Context, queue *CommandQueue) (*CommandBuffer, error) {
	handle, err := ctx.Driver.AllocateCommandBuffer(queue.pool)
	if err != nil {
		err = errors.Wrap(err, "failed to allocate command buffer")
		core.LogError(err.Error())
		return nil, err
	}
	return &CommandBuffer{
		ctx:     ctx,
		queue:   queue,
		Handle:  handle,
		State:   COMMAND_BUFFER_STATE_IDLE,
		layouts: make(map[uint32]*DescriptorSetLayout),
		slots:   make(map[uint32]*DescriptorSet),
	}, nil
}

func (cb *CommandBuffer) invalidState(op string) error {
	err := errors.Wrapf(core.ErrInvalidState, "%s on command buffer in %s state", op, cb.State)
	core.LogError(err.Error())
	return err
}

func (cb *CommandBuffer) recording(op string) error {
	if cb.State != COMMAND_BUFFER_STATE_RECORDING {
		return cb.invalidState(op)
	}
	return nil
}

func (cb *CommandBuffer) Begin(usage driver.CommandBufferUsage) error {
	if cb.State != COMMAND_BUFFER_STATE_IDLE {
		return cb.invalidState("begin")
	}
	if err := cb.ctx.Driver.BeginCommandBuffer(cb.Handle, usage); err != nil {
		err = errors.Wrap(err, "failed to begin command buffer")
		core.LogError(err.Error())
		return err
	}
	cb.State = COMMAND_BUFFER_STATE_RECORDING
	return nil
}

func (cb *CommandBuffer) End() error {
	if err := cb.recording("end"); err != nil {
		return err
	}
	if err := cb.ctx.Driver.EndCommandBuffer(cb.Handle); err != nil {
		err = errors.Wrap(err, "failed to end command buffer")
		core.LogError(err.Error())
		return err
	}
	cb.State = COMMAND_BUFFER_STATE_RECORDING_ENDED
	return nil
}

// Reset drops the bound pipeline, the descriptor cache and every tracked
// reference, discarding whatever was recorded. It is refused while the
// buffer is in flight.
func (cb *CommandBuffer) Reset() error {
	if cb.State == COMMAND_BUFFER_STATE_SUBMITTED {
		return cb.invalidState("reset")
	}
	return cb.reset()
}

func (cb *CommandBuffer) reset() error {
	cb.pipeline = nil
	for slot, set := range cb.slots {
		set.Release()
		delete(cb.slots, slot)
	}
	for slot := range cb.layouts {
		delete(cb.layouts, slot)
	}
	for i, set := range cb.descriptorSets {
		set.Release()
		cb.descriptorSets[i] = nil
	}
	cb.descriptorSets = cb.descriptorSets[:0]
	for i, res := range cb.resources {
		res.Release()
		cb.resources[i] = nil
	}
	cb.resources = cb.resources[:0]

	cb.State = COMMAND_BUFFER_STATE_IDLE
	if err := cb.ctx.Driver.ResetCommandBuffer(cb.Handle); err != nil {
		err = errors.Wrap(err, "failed to reset command buffer")
		core.LogError(err.Error())
		return err
	}
	return nil
}

// Track keeps res alive until the buffer is reset.
func (cb *CommandBuffer) Track(res Resource) {
	res.Acquire()
	cb.resources = append(cb.resources, res)
}

func (cb *CommandBuffer) TrackedResourceCount() int {
	return len(cb.resources)
}

// TrackedDescriptorSetCount counts bound sets plus sets written but not yet
// bound.
func (cb *CommandBuffer) TrackedDescriptorSetCount() int {
	return len(cb.descriptorSets) + len(cb.slots)
}

func (cb *CommandBuffer) BoundPipeline() *Pipeline {
	return cb.pipeline
}

func (cb *CommandBuffer) BindPipeline(p *Pipeline) error {
	if err := cb.recording("bind pipeline"); err != nil {
		return err
	}
	cb.ctx.Driver.CmdBindPipeline(cb.Handle, p.BindPoint, p.Handle)
	cb.pipeline = p
	if p.Layout != nil {
		for slot, layout := range p.Layout.SetLayouts {
			cb.layouts[uint32(slot)] = layout
		}
	}
	return nil
}

// SetDescriptorLayout registers the layout used for sets allocated for slot.
func (cb *CommandBuffer) SetDescriptorLayout(slot uint32, layout *DescriptorSetLayout) {
	cb.layouts[slot] = layout
}

// SetDescriptor writes res into binding of the set for slot, allocating
// the set on first use in this recording. The resource must match the
// descriptor type the layout declares for binding.
func (cb *CommandBuffer) SetDescriptor(slot, binding uint32, res DescriptorResource) error {
	if err := cb.recording("set descriptor"); err != nil {
		return err
	}
	set, ok := cb.slots[slot]
	layout := cb.layouts[slot]
	if ok {
		layout = set.Layout
	}
	if layout == nil {
		err := errors.Wrapf(core.ErrNoDescriptorLayout, "slot %d", slot)
		core.LogError(err.Error())
		return err
	}

	write := res.write(0, binding)
	declared, found := layout.binding(binding)
	if !found || declared.Type != write.Type {
		err := errors.Wrapf(core.ErrDescriptorMismatch, "slot %d binding %d written as type %d", slot, binding, write.Type)
		if found {
			err = errors.Wrapf(err, "layout declares type %d", declared.Type)
		}
		core.LogError(err.Error())
		return err
	}

	if !ok {
		var err error
		if set, err = cb.ctx.Descriptors.Allocate(layout); err != nil {
			return err
		}
		cb.slots[slot] = set
	}
	write.Set = set.Handle
	cb.ctx.Driver.UpdateDescriptorSets([]driver.DescriptorWrite{write})
	cb.Track(res.resource())
	return nil
}

// BindDescriptorSets binds every written slot in ascending order, moves
// the sets to the tracked list and clears the cache.
func (cb *CommandBuffer) BindDescriptorSets() error {
	if err := cb.recording("bind descriptor sets"); err != nil {
		return err
	}
	if cb.pipeline == nil || cb.pipeline.Layout == nil {
		err := errors.Wrap(core.ErrNoPipeline, "binding descriptor sets")
		core.LogError(err.Error())
		return err
	}
	if len(cb.slots) == 0 {
		return nil
	}

	slots := make([]uint32, 0, len(cb.slots))
	for slot := range cb.slots {
		slots = append(slots, slot)
	}
	slices.Sort(slots)

	// consecutive slots go out in one call
	first := slots[0]
	run := []driver.DescriptorSet{cb.slots[first].Handle}
	flush := func() {
		cb.ctx.Driver.CmdBindDescriptorSets(cb.Handle, cb.pipeline.BindPoint, cb.pipeline.Layout.Handle, first, run)
	}
	for _, slot := range slots[1:] {
		if slot == first+uint32(len(run)) {
			run = append(run, cb.slots[slot].Handle)
			continue
		}
		flush()
		first = slot
		run = []driver.DescriptorSet{cb.slots[slot].Handle}
	}
	flush()

	for _, slot := range slots {
		cb.descriptorSets = append(cb.descriptorSets, cb.slots[slot])
		delete(cb.slots, slot)
	}
	return nil
}

func (cb *CommandBuffer) PushConstants(stages driver.ShaderStage, offset uint32, data []byte) error {
	if err := cb.recording("push constants"); err != nil {
		return err
	}
	if cb.pipeline == nil || cb.pipeline.Layout == nil {
		err := errors.Wrap(core.ErrNoPipeline, "pushing constants")
		core.LogError(err.Error())
		return err
	}
	cb.ctx.Driver.CmdPushConstants(cb.Handle, cb.pipeline.Layout.Handle, stages, offset, data)
	return nil
}

func (cb *CommandBuffer) SetViewport(viewport driver.Viewport) error {
	if err := cb.recording("set viewport"); err != nil {
		return err
	}
	cb.ctx.Driver.CmdSetViewport(cb.Handle, viewport)
	return nil
}

func (cb *CommandBuffer) SetScissor(scissor driver.Rect2D) error {
	if err := cb.recording("set scissor"); err != nil {
		return err
	}
	cb.ctx.Driver.CmdSetScissor(cb.Handle, scissor)
	return nil
}

func (cb *CommandBuffer) BindVertexBuffer(buf *Buffer, offset uint64) error {
	if err := cb.recording("bind vertex buffer"); err != nil {
		return err
	}
	cb.ctx.Driver.CmdBindVertexBuffer(cb.Handle, buf.Handle, offset)
	cb.Track(buf)
	return nil
}

func (cb *CommandBuffer) BindIndexBuffer(buf *Buffer, offset uint64, indexType driver.IndexType) error {
	if err := cb.recording("bind index buffer"); err != nil {
		return err
	}
	cb.ctx.Driver.CmdBindIndexBuffer(cb.Handle, buf.Handle, offset, indexType)
	cb.Track(buf)
	return nil
}

func (cb *CommandBuffer) requirePipeline(op string, bindPoint driver.PipelineBindPoint) error {
	if err := cb.recording(op); err != nil {
		return err
	}
	if cb.pipeline == nil || cb.pipeline.BindPoint != bindPoint {
		err := errors.Wrapf(core.ErrNoPipeline, "%s needs a pipeline bound at %d", op, bindPoint)
		core.LogError(err.Error())
		return err
	}
	return nil
}

func (cb *CommandBuffer) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) error {
	if err := cb.requirePipeline("draw", driver.PipelineBindPointGraphics); err != nil {
		return err
	}
	cb.ctx.Driver.CmdDraw(cb.Handle, vertexCount, instanceCount, firstVertex, firstInstance)
	return nil
}

func (cb *CommandBuffer) DrawIndexed(indexCount, instanceCount, firstIndex uint32, vertexOffset int32, firstInstance uint32) error {
	if err := cb.requirePipeline("draw indexed", driver.PipelineBindPointGraphics); err != nil {
		return err
	}
	cb.ctx.Driver.CmdDrawIndexed(cb.Handle, indexCount, instanceCount, firstIndex, vertexOffset, firstInstance)
	return nil
}

func (cb *CommandBuffer) Dispatch(x, y, z uint32) error {
	if err := cb.requirePipeline("dispatch", driver.PipelineBindPointCompute); err != nil {
		return err
	}
	cb.ctx.Driver.CmdDispatch(cb.Handle, x, y, z)
	return nil
}

func (cb *CommandBuffer) TraceRays(sbt *ShaderBindingTable, width, height, depth uint32) error {
	if err := cb.requirePipeline("trace rays", driver.PipelineBindPointRayTracing); err != nil {
		return err
	}
	cb.ctx.Driver.CmdTraceRays(cb.Handle, sbt.Regions(), width, height, depth)
	cb.Track(sbt.Buffer)
	return nil
}

// CopyBuffer copies the whole of src into dst. Both must be the same size.
func (cb *CommandBuffer) CopyBuffer(src, dst *Buffer) error {
	if err := cb.recording("copy buffer"); err != nil {
		return err
	}
	if src.Size != dst.Size {
		err := errors.Wrapf(core.ErrBufferSizeMismatch, "copy from %s (%d bytes) to %s (%d bytes)", src.Name(), src.Size, dst.Name(), dst.Size)
		core.LogError(err.Error())
		return err
	}
	cb.ctx.Driver.CmdCopyBuffer(cb.Handle, src.Handle, dst.Handle, driver.BufferCopy{Size: src.Size})
	cb.Track(src)
	cb.Track(dst)
	return nil
}

// CopyBufferToImage fills mip level 0 of img, which must be in
// TransferDst, from tightly packed texels in buf.
func (cb *CommandBuffer) CopyBufferToImage(buf *Buffer, img *Image) error {
	if err := cb.recording("copy buffer to image"); err != nil {
		return err
	}
	need := uint64(img.Width) * uint64(img.Height) * uint64(img.Format.BytesPerPixel())
	if buf.Size < need {
		err := errors.Wrapf(core.ErrBufferSizeMismatch, "image %s needs %d bytes, buffer %s holds %d", img.Name(), need, buf.Name(), buf.Size)
		core.LogError(err.Error())
		return err
	}
	cb.ctx.Driver.CmdCopyBufferToImage(cb.Handle, buf.Handle, img.Handle, driver.ImageLayoutTransferDstOptimal, driver.BufferImageCopy{
		Extent: driver.Extent3D{Width: img.Width, Height: img.Height, Depth: 1},
	})
	cb.Track(buf)
	cb.Track(img)
	return nil
}

// Barrier records a global memory barrier.
func (cb *CommandBuffer) Barrier(srcStage, dstStage driver.PipelineStage, srcAccess, dstAccess driver.Access) error {
	if err := cb.recording("barrier"); err != nil {
		return err
	}
	cb.ctx.Driver.CmdPipelineBarrier(cb.Handle, srcStage, dstStage,
		[]driver.MemoryBarrier{{SrcAccess: srcAccess, DstAccess: dstAccess}}, nil)
	return nil
}

func (cb *CommandBuffer) ResetQueryPool(pool *QueryPool, first, count uint32) error {
	if err := cb.recording("reset query pool"); err != nil {
		return err
	}
	cb.ctx.Driver.CmdResetQueryPool(cb.Handle, pool.Handle, first, count)
	return nil
}

func (cb *CommandBuffer) buildAccelerationStructure(info driver.AccelerationStructureBuildGeometryInfo, rng driver.AccelerationStructureBuildRange) error {
	if err := cb.recording("build acceleration structure"); err != nil {
		return err
	}
	cb.ctx.Driver.CmdBuildAccelerationStructure(cb.Handle, info, rng)
	return nil
}

func (cb *CommandBuffer) writeCompactedSize(a *Accel, pool *QueryPool, query uint32) error {
	if err := cb.recording("write compacted size"); err != nil {
		return err
	}
	cb.ctx.Driver.CmdWriteAccelerationStructureCompactedSize(cb.Handle, a.Handle, pool.Handle, query)
	cb.Track(a)
	return nil
}

func (cb *CommandBuffer) copyAccelerationStructure(src, dst *Accel, mode driver.CopyAccelerationStructureMode) error {
	if err := cb.recording("copy acceleration structure"); err != nil {
		return err
	}
	cb.ctx.Driver.CmdCopyAccelerationStructure(cb.Handle, src.Handle, dst.Handle, mode)
	cb.Track(src)
	cb.Track(dst)
	return nil
}

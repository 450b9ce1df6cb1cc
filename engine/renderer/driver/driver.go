// Package driver is the boundary between the GPU core and a concrete
// device. Every native call the core makes goes through Driver.
package driver

import (
	"time"

	"github.com/cockroachdb/errors"
)

var (
	// ErrUnsupported is returned for operations the device or binding does
	// not expose. Check Features before relying on optional functionality.
	ErrUnsupported = errors.New("operation not supported by driver")
	// ErrOutOfDeviceMemory and ErrOutOfPoolMemory are resource exhaustion.
	ErrOutOfDeviceMemory = errors.New("out of device memory")
	ErrOutOfPoolMemory   = errors.New("out of pool memory")
	ErrTimeout           = errors.New("wait timed out")
	ErrDeviceLost        = errors.New("device lost")
	ErrInvalidHandle     = errors.New("invalid handle")
)

type QueueKind uint8

const (
	QueueGraphics QueueKind = iota
	QueuePresent
	QueueTransfer
)

func (k QueueKind) String() string {
	switch k {
	case QueueGraphics:
		return "graphics"
	case QueuePresent:
		return "present"
	case QueueTransfer:
		return "transfer"
	}
	return "unknown"
}

// Driver is implemented by the native Vulkan device and by the in-memory
// software device. Methods that record commands take the command buffer
// they record into and never block. Implementations must be safe for
// concurrent use; the core submits from one goroutine while another may
// poll fences.
type Driver interface {
	Name() string
	Features() Features
	Limits() Limits
	MemoryTypes() []MemoryType

	Queue(kind QueueKind) (Queue, uint32, error)
	QueueSubmit(queue Queue, submits []SubmitInfo, fence Fence) error
	QueueWaitIdle(queue Queue) error
	DeviceWaitIdle() error

	AllocateMemory(size uint64, memoryTypeIndex uint32, deviceAddress bool) (Memory, error)
	FreeMemory(memory Memory)
	MapMemory(memory Memory, offset, size uint64) ([]byte, error)
	UnmapMemory(memory Memory)

	CreateBuffer(info BufferCreateInfo) (Buffer, MemoryRequirements, error)
	DestroyBuffer(buffer Buffer)
	BindBufferMemory(buffer Buffer, memory Memory, offset uint64) error
	BufferDeviceAddress(buffer Buffer) (DeviceAddress, error)

	CreateImage(info ImageCreateInfo) (Image, MemoryRequirements, error)
	DestroyImage(image Image)
	BindImageMemory(image Image, memory Memory, offset uint64) error
	CreateImageView(image Image, format Format, mipLevels uint32) (ImageView, error)
	DestroyImageView(view ImageView)
	CreateSampler(info SamplerCreateInfo) (Sampler, error)
	DestroySampler(sampler Sampler)

	CreateCommandPool(queueFamily uint32) (CommandPool, error)
	DestroyCommandPool(pool CommandPool)
	AllocateCommandBuffer(pool CommandPool) (CommandBuffer, error)
	FreeCommandBuffer(pool CommandPool, cb CommandBuffer)
	BeginCommandBuffer(cb CommandBuffer, usage CommandBufferUsage) error
	EndCommandBuffer(cb CommandBuffer) error
	ResetCommandBuffer(cb CommandBuffer) error

	CreateFence(signaled bool) (Fence, error)
	DestroyFence(fence Fence)
	FenceStatus(fence Fence) (bool, error)
	WaitForFence(fence Fence, timeout time.Duration) error
	ResetFence(fence Fence) error
	CreateSemaphore() (Semaphore, error)
	DestroySemaphore(semaphore Semaphore)

	CreateDescriptorPool(info DescriptorPoolCreateInfo) (DescriptorPool, error)
	DestroyDescriptorPool(pool DescriptorPool)
	CreateDescriptorSetLayout(bindings []DescriptorSetLayoutBinding) (DescriptorSetLayout, error)
	DestroyDescriptorSetLayout(layout DescriptorSetLayout)
	AllocateDescriptorSet(pool DescriptorPool, layout DescriptorSetLayout) (DescriptorSet, error)
	FreeDescriptorSet(pool DescriptorPool, set DescriptorSet) error
	UpdateDescriptorSets(writes []DescriptorWrite)

	CreatePipelineLayout(setLayouts []DescriptorSetLayout, pushConstants []PushConstantRange) (PipelineLayout, error)
	DestroyPipelineLayout(layout PipelineLayout)
	DestroyPipeline(pipeline Pipeline)
	RayTracingShaderGroupHandles(pipeline Pipeline, firstGroup, groupCount uint32) ([]byte, error)

	CreateQueryPool(queryType QueryType, count uint32) (QueryPool, error)
	DestroyQueryPool(pool QueryPool)
	QueryResults(pool QueryPool, first, count uint32, wait bool) ([]uint64, error)

	CreateAccelerationStructure(kind AccelerationStructureType, buffer Buffer, offset, size uint64) (AccelerationStructure, error)
	DestroyAccelerationStructure(as AccelerationStructure)
	AccelerationStructureDeviceAddress(as AccelerationStructure) (DeviceAddress, error)
	AccelerationStructureBuildSizes(info AccelerationStructureBuildGeometryInfo, primitiveCount uint32) (AccelerationStructureBuildSizes, error)

	CmdBindPipeline(cb CommandBuffer, bindPoint PipelineBindPoint, pipeline Pipeline)
	CmdBindDescriptorSets(cb CommandBuffer, bindPoint PipelineBindPoint, layout PipelineLayout, firstSet uint32, sets []DescriptorSet)
	CmdPushConstants(cb CommandBuffer, layout PipelineLayout, stages ShaderStage, offset uint32, data []byte)
	CmdSetViewport(cb CommandBuffer, viewport Viewport)
	CmdSetScissor(cb CommandBuffer, scissor Rect2D)
	CmdBindVertexBuffer(cb CommandBuffer, buffer Buffer, offset uint64)
	CmdBindIndexBuffer(cb CommandBuffer, buffer Buffer, offset uint64, indexType IndexType)
	CmdDraw(cb CommandBuffer, vertexCount, instanceCount, firstVertex, firstInstance uint32)
	CmdDrawIndexed(cb CommandBuffer, indexCount, instanceCount, firstIndex uint32, vertexOffset int32, firstInstance uint32)
	CmdDispatch(cb CommandBuffer, x, y, z uint32)
	CmdTraceRays(cb CommandBuffer, regions TraceRaysRegions, width, height, depth uint32)
	CmdCopyBuffer(cb CommandBuffer, src, dst Buffer, region BufferCopy)
	CmdCopyBufferToImage(cb CommandBuffer, src Buffer, dst Image, layout ImageLayout, region BufferImageCopy)
	CmdBlitImage(cb CommandBuffer, src Image, srcLayout ImageLayout, dst Image, dstLayout ImageLayout, blit ImageBlit, filter Filter)
	CmdPipelineBarrier(cb CommandBuffer, srcStage, dstStage PipelineStage, memory []MemoryBarrier, images []ImageBarrier)
	CmdResetQueryPool(cb CommandBuffer, pool QueryPool, first, count uint32)
	CmdBuildAccelerationStructure(cb CommandBuffer, info AccelerationStructureBuildGeometryInfo, rng AccelerationStructureBuildRange)
	CmdWriteAccelerationStructureCompactedSize(cb CommandBuffer, as AccelerationStructure, pool QueryPool, query uint32)
	CmdCopyAccelerationStructure(cb CommandBuffer, src, dst AccelerationStructure, mode CopyAccelerationStructureMode)

	Destroy()
}

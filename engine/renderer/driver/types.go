package driver

// Handles are opaque to the core. Zero is always the null handle.
type (
	Buffer                uint64
	Image                 uint64
	ImageView             uint64
	Sampler               uint64
	Memory                uint64
	CommandPool           uint64
	CommandBuffer         uint64
	Fence                 uint64
	Semaphore             uint64
	DescriptorPool        uint64
	DescriptorSetLayout   uint64
	DescriptorSet         uint64
	PipelineLayout        uint64
	Pipeline              uint64
	QueryPool             uint64
	AccelerationStructure uint64
	Queue                 uint64
)

type DeviceAddress uint64

// The flag and enum values below are the Vulkan values so the native
// driver can cast them directly.

type BufferUsage uint32

const (
	BufferUsageTransferSrc                  BufferUsage = 0x00000001
	BufferUsageTransferDst                  BufferUsage = 0x00000002
	BufferUsageUniformBuffer                BufferUsage = 0x00000010
	BufferUsageStorageBuffer                BufferUsage = 0x00000020
	BufferUsageIndexBuffer                  BufferUsage = 0x00000040
	BufferUsageVertexBuffer                 BufferUsage = 0x00000080
	BufferUsageShaderBindingTable           BufferUsage = 0x00000400
	BufferUsageShaderDeviceAddress          BufferUsage = 0x00020000
	BufferUsageAccelerationStructureInput   BufferUsage = 0x00080000
	BufferUsageAccelerationStructureStorage BufferUsage = 0x00100000
)

type MemoryProperty uint32

const (
	MemoryPropertyDeviceLocal  MemoryProperty = 0x1
	MemoryPropertyHostVisible  MemoryProperty = 0x2
	MemoryPropertyHostCoherent MemoryProperty = 0x4
	MemoryPropertyHostCached   MemoryProperty = 0x8
)

type ImageUsage uint32

const (
	ImageUsageTransferSrc     ImageUsage = 0x01
	ImageUsageTransferDst     ImageUsage = 0x02
	ImageUsageSampled         ImageUsage = 0x04
	ImageUsageStorage         ImageUsage = 0x08
	ImageUsageColorAttachment ImageUsage = 0x10
	ImageUsageDepthAttachment ImageUsage = 0x20
)

type ImageLayout uint32

const (
	ImageLayoutUndefined              ImageLayout = 0
	ImageLayoutGeneral                ImageLayout = 1
	ImageLayoutColorAttachmentOptimal ImageLayout = 2
	ImageLayoutDepthAttachmentOptimal ImageLayout = 3
	ImageLayoutShaderReadOnlyOptimal  ImageLayout = 5
	ImageLayoutTransferSrcOptimal     ImageLayout = 6
	ImageLayoutTransferDstOptimal     ImageLayout = 7
	ImageLayoutPresentSrc             ImageLayout = 1000001002
)

func (l ImageLayout) String() string {
	switch l {
	case ImageLayoutUndefined:
		return "UNDEFINED"
	case ImageLayoutGeneral:
		return "GENERAL"
	case ImageLayoutColorAttachmentOptimal:
		return "COLOR_ATTACHMENT_OPTIMAL"
	case ImageLayoutDepthAttachmentOptimal:
		return "DEPTH_STENCIL_ATTACHMENT_OPTIMAL"
	case ImageLayoutShaderReadOnlyOptimal:
		return "SHADER_READ_ONLY_OPTIMAL"
	case ImageLayoutTransferSrcOptimal:
		return "TRANSFER_SRC_OPTIMAL"
	case ImageLayoutTransferDstOptimal:
		return "TRANSFER_DST_OPTIMAL"
	case ImageLayoutPresentSrc:
		return "PRESENT_SRC_KHR"
	}
	return "UNKNOWN"
}

type Format uint32

const (
	FormatUndefined         Format = 0
	FormatR8G8B8A8Unorm     Format = 37
	FormatR8G8B8A8Srgb      Format = 43
	FormatR32G32B32Sfloat   Format = 106
	FormatR32G32B32A32Float Format = 109
	FormatD32Sfloat         Format = 126
)

// BytesPerPixel returns 0 for formats images are never created with.
func (f Format) BytesPerPixel() uint32 {
	switch f {
	case FormatR8G8B8A8Unorm, FormatR8G8B8A8Srgb, FormatD32Sfloat:
		return 4
	case FormatR32G32B32Sfloat:
		return 12
	case FormatR32G32B32A32Float:
		return 16
	}
	return 0
}

type Access uint32

const (
	AccessNone                       Access = 0
	AccessIndirectCommandRead        Access = 0x00000001
	AccessIndexRead                  Access = 0x00000002
	AccessVertexAttributeRead        Access = 0x00000004
	AccessUniformRead                Access = 0x00000008
	AccessShaderRead                 Access = 0x00000020
	AccessShaderWrite                Access = 0x00000040
	AccessColorAttachmentRead        Access = 0x00000080
	AccessColorAttachmentWrite       Access = 0x00000100
	AccessTransferRead               Access = 0x00000800
	AccessTransferWrite              Access = 0x00001000
	AccessHostRead                   Access = 0x00002000
	AccessHostWrite                  Access = 0x00004000
	AccessMemoryRead                 Access = 0x00008000
	AccessMemoryWrite                Access = 0x00010000
	AccessAccelerationStructureRead  Access = 0x00200000
	AccessAccelerationStructureWrite Access = 0x00400000
)

type PipelineStage uint32

const (
	PipelineStageTopOfPipe                  PipelineStage = 0x00000001
	PipelineStageVertexInput                PipelineStage = 0x00000004
	PipelineStageVertexShader               PipelineStage = 0x00000008
	PipelineStageFragmentShader             PipelineStage = 0x00000080
	PipelineStageColorAttachmentOutput      PipelineStage = 0x00000400
	PipelineStageComputeShader              PipelineStage = 0x00000800
	PipelineStageTransfer                   PipelineStage = 0x00001000
	PipelineStageBottomOfPipe               PipelineStage = 0x00002000
	PipelineStageHost                       PipelineStage = 0x00004000
	PipelineStageAllCommands                PipelineStage = 0x00010000
	PipelineStageRayTracingShader           PipelineStage = 0x00200000
	PipelineStageAccelerationStructureBuild PipelineStage = 0x02000000
)

type DescriptorType uint32

const (
	DescriptorTypeSampler               DescriptorType = 0
	DescriptorTypeCombinedImageSampler  DescriptorType = 1
	DescriptorTypeSampledImage          DescriptorType = 2
	DescriptorTypeStorageImage          DescriptorType = 3
	DescriptorTypeUniformBuffer         DescriptorType = 6
	DescriptorTypeStorageBuffer         DescriptorType = 7
	DescriptorTypeAccelerationStructure DescriptorType = 1000150000
)

type ShaderStage uint32

const (
	ShaderStageVertex      ShaderStage = 0x00000001
	ShaderStageFragment    ShaderStage = 0x00000010
	ShaderStageCompute     ShaderStage = 0x00000020
	ShaderStageAllGraphics ShaderStage = 0x0000001F
	ShaderStageRaygen      ShaderStage = 0x00000100
	ShaderStageAnyHit      ShaderStage = 0x00000200
	ShaderStageClosestHit  ShaderStage = 0x00000400
	ShaderStageMiss        ShaderStage = 0x00000800
)

type PipelineBindPoint uint32

const (
	PipelineBindPointGraphics   PipelineBindPoint = 0
	PipelineBindPointCompute    PipelineBindPoint = 1
	PipelineBindPointRayTracing PipelineBindPoint = 1000165000
)

type CommandBufferUsage uint32

const (
	CommandBufferUsageOneTimeSubmit      CommandBufferUsage = 0x1
	CommandBufferUsageRenderPassContinue CommandBufferUsage = 0x2
	CommandBufferUsageSimultaneousUse    CommandBufferUsage = 0x4
)

type IndexType uint32

const (
	IndexTypeUint16 IndexType = 0
	IndexTypeUint32 IndexType = 1
)

type QueryType uint32

const (
	QueryTypeOcclusion                          QueryType = 0
	QueryTypeTimestamp                          QueryType = 2
	QueryTypeAccelerationStructureCompactedSize QueryType = 1000150000
)

type AccelerationStructureType uint32

const (
	AccelerationStructureTypeTopLevel    AccelerationStructureType = 0
	AccelerationStructureTypeBottomLevel AccelerationStructureType = 1
)

type BuildAccelerationStructureFlags uint32

const (
	BuildAccelerationStructureAllowUpdate     BuildAccelerationStructureFlags = 0x01
	BuildAccelerationStructureAllowCompaction BuildAccelerationStructureFlags = 0x02
	BuildAccelerationStructurePreferFastTrace BuildAccelerationStructureFlags = 0x04
	BuildAccelerationStructurePreferFastBuild BuildAccelerationStructureFlags = 0x08
	BuildAccelerationStructureLowMemory       BuildAccelerationStructureFlags = 0x10
)

type BuildAccelerationStructureMode uint32

const (
	BuildAccelerationStructureModeBuild  BuildAccelerationStructureMode = 0
	BuildAccelerationStructureModeUpdate BuildAccelerationStructureMode = 1
)

type CopyAccelerationStructureMode uint32

const (
	CopyAccelerationStructureModeClone   CopyAccelerationStructureMode = 0
	CopyAccelerationStructureModeCompact CopyAccelerationStructureMode = 1
)

type GeometryInstanceFlags uint32

const (
	GeometryInstanceTriangleFacingCullDisable GeometryInstanceFlags = 0x1
	GeometryInstanceForceOpaque               GeometryInstanceFlags = 0x4
)

type Filter uint32

const (
	FilterNearest Filter = 0
	FilterLinear  Filter = 1
)

type SamplerAddressMode uint32

const (
	SamplerAddressModeRepeat      SamplerAddressMode = 0
	SamplerAddressModeClampToEdge SamplerAddressMode = 2
)

// MemoryType mirrors one entry of the device memory type table.
type MemoryType struct {
	Properties MemoryProperty
	HeapIndex  uint32
}

type MemoryRequirements struct {
	Size           uint64
	Alignment      uint64
	MemoryTypeBits uint32
}

// Limits carries the device properties the core needs to lay out memory.
type Limits struct {
	MinAccelerationStructureScratchOffsetAlignment uint64
	ShaderGroupHandleSize                          uint32
	ShaderGroupHandleAlignment                     uint32
	ShaderGroupBaseAlignment                       uint32
	MaxPushConstantsSize                           uint32
	MaxSamplerAnisotropy                           float32
}

type Features struct {
	BufferDeviceAddress   bool
	AccelerationStructure bool
	RayTracingPipeline    bool
	SamplerAnisotropy     bool
}

type BufferCreateInfo struct {
	Size  uint64
	Usage BufferUsage
}

type Extent3D struct {
	Width, Height, Depth uint32
}

type Offset3D struct {
	X, Y, Z int32
}

type ImageCreateInfo struct {
	Extent    Extent3D
	Format    Format
	MipLevels uint32
	Usage     ImageUsage
}

type SamplerCreateInfo struct {
	MagFilter     Filter
	MinFilter     Filter
	AddressMode   SamplerAddressMode
	MaxAnisotropy float32
	MaxLod        float32
}

type SubmitInfo struct {
	CommandBuffers   []CommandBuffer
	WaitSemaphores   []Semaphore
	WaitStages       []PipelineStage
	SignalSemaphores []Semaphore
}

type DescriptorPoolSize struct {
	Type  DescriptorType
	Count uint32
}

type DescriptorPoolCreateInfo struct {
	MaxSets uint32
	Sizes   []DescriptorPoolSize
	// Allow individual sets to be returned to the pool.
	FreeDescriptorSet bool
}

type DescriptorSetLayoutBinding struct {
	Binding uint32
	Type    DescriptorType
	Count   uint32
	Stages  ShaderStage
}

type PushConstantRange struct {
	Stages ShaderStage
	Offset uint32
	Size   uint32
}

type DescriptorBufferInfo struct {
	Buffer Buffer
	Offset uint64
	Range  uint64
}

type DescriptorImageInfo struct {
	Sampler Sampler
	View    ImageView
	Layout  ImageLayout
}

// DescriptorWrite updates a single binding of a set. Exactly one of the
// info fields is used depending on Type.
type DescriptorWrite struct {
	Set                   DescriptorSet
	Binding               uint32
	Type                  DescriptorType
	Buffer                DescriptorBufferInfo
	Image                 DescriptorImageInfo
	AccelerationStructure AccelerationStructure
}

type BufferCopy struct {
	SrcOffset uint64
	DstOffset uint64
	Size      uint64
}

type BufferImageCopy struct {
	BufferOffset uint64
	MipLevel     uint32
	Extent       Extent3D
}

type ImageBlit struct {
	SrcMipLevel uint32
	SrcOffsets  [2]Offset3D
	DstMipLevel uint32
	DstOffsets  [2]Offset3D
}

type MemoryBarrier struct {
	SrcAccess Access
	DstAccess Access
}

type ImageBarrier struct {
	Image        Image
	OldLayout    ImageLayout
	NewLayout    ImageLayout
	SrcAccess    Access
	DstAccess    Access
	BaseMipLevel uint32
	LevelCount   uint32
}

type Viewport struct {
	X, Y, Width, Height, MinDepth, MaxDepth float32
}

type Rect2D struct {
	X, Y          int32
	Width, Height uint32
}

// TrianglesGeometry describes indexed triangle input for a bottom-level
// build. Vertices are R32G32B32 positions at the start of every stride.
type TrianglesGeometry struct {
	VertexData   DeviceAddress
	VertexStride uint64
	MaxVertex    uint32
	IndexData    DeviceAddress
	IndexType    IndexType
	Opaque       bool
}

// InstancesGeometry points at a packed array of instance records.
type InstancesGeometry struct {
	Data DeviceAddress
}

type AccelerationStructureBuildGeometryInfo struct {
	Type      AccelerationStructureType
	Flags     BuildAccelerationStructureFlags
	Mode      BuildAccelerationStructureMode
	Src       AccelerationStructure
	Dst       AccelerationStructure
	Triangles *TrianglesGeometry
	Instances *InstancesGeometry
	Scratch   DeviceAddress
}

type AccelerationStructureBuildSizes struct {
	AccelerationStructureSize uint64
	UpdateScratchSize         uint64
	BuildScratchSize          uint64
}

type AccelerationStructureBuildRange struct {
	PrimitiveCount  uint32
	PrimitiveOffset uint32
	FirstVertex     uint32
}

type StridedDeviceAddressRegion struct {
	DeviceAddress DeviceAddress
	Stride        uint64
	Size          uint64
}

type TraceRaysRegions struct {
	Raygen   StridedDeviceAddressRegion
	Miss     StridedDeviceAddressRegion
	Hit      StridedDeviceAddressRegion
	Callable StridedDeviceAddressRegion
}

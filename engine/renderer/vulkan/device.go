// Package vulkan implements driver.Driver on top of goki/vulkan. The
// device is headless: it never creates a surface, and the present queue
// is served by the graphics family.
package vulkan

import (
	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/chronicle/engine/core"
	"github.com/spaghettifunk/chronicle/engine/renderer/driver"
)

type VulkanPhysicalDeviceRequirements struct {
	Graphics             bool
	Compute              bool
	Transfer             bool
	DeviceExtensionNames []string
	SamplerAnisotropy    bool
	DiscreteGPU          bool
}

// VulkanPhysicalDeviceQueueFamilyInfo holds -1 for families the device
// does not have.
type VulkanPhysicalDeviceQueueFamilyInfo struct {
	GraphicsFamilyIndex int32
	ComputeFamilyIndex  int32
	TransferFamilyIndex int32
}

type deviceQueue struct {
	handle vk.Queue
	family uint32
}

type Device struct {
	context *VulkanContext
	locks   *VulkanLockPool

	PhysicalDevice vk.PhysicalDevice
	LogicalDevice  vk.Device
	properties     vk.PhysicalDeviceProperties
	features       vk.PhysicalDeviceFeatures
	memory         vk.PhysicalDeviceMemoryProperties
	QueueInfo      VulkanPhysicalDeviceQueueFamilyInfo
	extensions     map[string]bool

	memoryTypes []driver.MemoryType
	queueKinds  map[driver.QueueKind]driver.Queue

	queues          *handleTable[deviceQueue]
	memories        *handleTable[*deviceMemory]
	buffers         *handleTable[vk.Buffer]
	images          *handleTable[*deviceImage]
	views           *handleTable[vk.ImageView]
	samplers        *handleTable[vk.Sampler]
	commandPools    *handleTable[*commandPool]
	commandBuffers  *handleTable[*commandBuffer]
	fences          *handleTable[vk.Fence]
	semaphores      *handleTable[vk.Semaphore]
	descriptorPools *handleTable[vk.DescriptorPool]
	setLayouts      *handleTable[vk.DescriptorSetLayout]
	sets            *handleTable[vk.DescriptorSet]
	pipelineLayouts *handleTable[vk.PipelineLayout]
	pipelines       *handleTable[*pipeline]
	queryPools      *handleTable[*queryPool]
}

var _ driver.Driver = (*Device)(nil)

// New creates the instance, picks the first physical device that meets the
// requirements and creates a logical device with one queue per family.
func New(appName string, cfg core.VulkanConfig) (*Device, error) {
	context, err := NewVulkanContext(appName, cfg.Validation)
	if err != nil {
		return nil, err
	}
	d := &Device{
		context:         context,
		locks:           NewVulkanLockPool(),
		queueKinds:      make(map[driver.QueueKind]driver.Queue),
		queues:          newHandleTable[deviceQueue](),
		memories:        newHandleTable[*deviceMemory](),
		buffers:         newHandleTable[vk.Buffer](),
		images:          newHandleTable[*deviceImage](),
		views:           newHandleTable[vk.ImageView](),
		samplers:        newHandleTable[vk.Sampler](),
		commandPools:    newHandleTable[*commandPool](),
		commandBuffers:  newHandleTable[*commandBuffer](),
		fences:          newHandleTable[vk.Fence](),
		semaphores:      newHandleTable[vk.Semaphore](),
		descriptorPools: newHandleTable[vk.DescriptorPool](),
		setLayouts:      newHandleTable[vk.DescriptorSetLayout](),
		sets:            newHandleTable[vk.DescriptorSet](),
		pipelineLayouts: newHandleTable[vk.PipelineLayout](),
		pipelines:       newHandleTable[*pipeline](),
		queryPools:      newHandleTable[*queryPool](),
	}

	requirements := &VulkanPhysicalDeviceRequirements{
		Graphics: true,
		Transfer: true,
	}
	if err := d.selectPhysicalDevice(requirements); err != nil {
		context.Destroy()
		return nil, err
	}
	if err := d.createLogicalDevice(); err != nil {
		context.Destroy()
		return nil, err
	}
	return d, nil
}

func (d *Device) selectPhysicalDevice(requirements *VulkanPhysicalDeviceRequirements) error {
	var physicalDeviceCount uint32
	if err := check(vk.EnumeratePhysicalDevices(d.context.Instance, &physicalDeviceCount, nil), "vkEnumeratePhysicalDevices"); err != nil {
		return err
	}
	if physicalDeviceCount == 0 {
		return errors.Mark(errors.New("no devices which support Vulkan were found"), driver.ErrUnsupported)
	}
	physicalDevices := make([]vk.PhysicalDevice, physicalDeviceCount)
	if err := check(vk.EnumeratePhysicalDevices(d.context.Instance, &physicalDeviceCount, physicalDevices), "vkEnumeratePhysicalDevices"); err != nil {
		return err
	}

	for _, physicalDevice := range physicalDevices {
		var properties vk.PhysicalDeviceProperties
		vk.GetPhysicalDeviceProperties(physicalDevice, &properties)
		properties.Deref()
		properties.Limits.Deref()

		var features vk.PhysicalDeviceFeatures
		vk.GetPhysicalDeviceFeatures(physicalDevice, &features)
		features.Deref()

		var memory vk.PhysicalDeviceMemoryProperties
		vk.GetPhysicalDeviceMemoryProperties(physicalDevice, &memory)
		memory.Deref()

		queueInfo, ok := PhysicalDeviceMeetsRequirements(physicalDevice, &properties, &features, requirements)
		if !ok {
			continue
		}

		name := vk.ToString(properties.DeviceName[:])
		core.LogInfo("Selected device: '%s'.", name)
		switch properties.DeviceType {
		case vk.PhysicalDeviceTypeIntegratedGpu:
			core.LogInfo("GPU type is Integrated.")
		case vk.PhysicalDeviceTypeDiscreteGpu:
			core.LogInfo("GPU type is Discrete.")
		case vk.PhysicalDeviceTypeVirtualGpu:
			core.LogInfo("GPU type is Virtual.")
		case vk.PhysicalDeviceTypeCpu:
			core.LogInfo("GPU type is CPU.")
		default:
			core.LogInfo("GPU type is Unknown.")
		}
		core.LogInfo("Vulkan API version: %d.%d.%d",
			vk.Version(properties.ApiVersion).Major(),
			vk.Version(properties.ApiVersion).Minor(),
			vk.Version(properties.ApiVersion).Patch())

		d.memoryTypes = make([]driver.MemoryType, memory.MemoryTypeCount)
		for i := uint32(0); i < memory.MemoryTypeCount; i++ {
			memory.MemoryTypes[i].Deref()
			d.memoryTypes[i] = driver.MemoryType{
				Properties: driver.MemoryProperty(memory.MemoryTypes[i].PropertyFlags),
				HeapIndex:  memory.MemoryTypes[i].HeapIndex,
			}
		}
		for j := uint32(0); j < memory.MemoryHeapCount; j++ {
			memory.MemoryHeaps[j].Deref()
			memorySizeGib := float64(memory.MemoryHeaps[j].Size) / 1024.0 / 1024.0 / 1024.0
			if vk.MemoryHeapFlagBits(memory.MemoryHeaps[j].Flags)&vk.MemoryHeapDeviceLocalBit != 0 {
				core.LogInfo("Local GPU memory: %.2f GiB", memorySizeGib)
			} else {
				core.LogInfo("Shared System memory: %.2f GiB", memorySizeGib)
			}
		}

		d.PhysicalDevice = physicalDevice
		d.properties = properties
		d.features = features
		d.memory = memory
		d.QueueInfo = queueInfo
		d.extensions = deviceExtensions(physicalDevice)
		return nil
	}
	err := errors.Mark(errors.New("no physical devices were found which meet the requirements"), driver.ErrUnsupported)
	core.LogError(err.Error())
	return err
}

// PhysicalDeviceMeetsRequirements inspects the queue families of a device.
// Dedicated transfer families are preferred.
func PhysicalDeviceMeetsRequirements(device vk.PhysicalDevice, properties *vk.PhysicalDeviceProperties, features *vk.PhysicalDeviceFeatures, requirements *VulkanPhysicalDeviceRequirements) (VulkanPhysicalDeviceQueueFamilyInfo, bool) {
	info := VulkanPhysicalDeviceQueueFamilyInfo{
		GraphicsFamilyIndex: -1,
		ComputeFamilyIndex:  -1,
		TransferFamilyIndex: -1,
	}

	if requirements.DiscreteGPU && properties.DeviceType != vk.PhysicalDeviceTypeDiscreteGpu {
		core.LogInfo("Device is not a discrete GPU, and one is required. Skipping.")
		return info, false
	}

	var queueFamilyCount uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(device, &queueFamilyCount, nil)
	queueFamilies := make([]vk.QueueFamilyProperties, queueFamilyCount)
	vk.GetPhysicalDeviceQueueFamilyProperties(device, &queueFamilyCount, queueFamilies)

	minTransferScore := 255
	for i := range queueFamilies {
		queueFamilies[i].Deref()
		flags := vk.QueueFlagBits(queueFamilies[i].QueueFlags)
		currentTransferScore := 0

		if flags&vk.QueueGraphicsBit != 0 {
			if info.GraphicsFamilyIndex < 0 {
				info.GraphicsFamilyIndex = int32(i)
			}
			currentTransferScore++
		}
		if flags&vk.QueueComputeBit != 0 {
			if info.ComputeFamilyIndex < 0 {
				info.ComputeFamilyIndex = int32(i)
			}
			currentTransferScore++
		}
		// Take the index if it is the current lowest. This increases the
		// liklihood that it is a dedicated transfer queue.
		if flags&vk.QueueTransferBit != 0 && currentTransferScore < minTransferScore {
			minTransferScore = currentTransferScore
			info.TransferFamilyIndex = int32(i)
		}
	}
	// Graphics families always support transfers even when they do not
	// advertise it.
	if info.TransferFamilyIndex < 0 {
		info.TransferFamilyIndex = info.GraphicsFamilyIndex
	}

	core.LogDebug("Graphics Family Index: %d", info.GraphicsFamilyIndex)
	core.LogDebug("Transfer Family Index: %d", info.TransferFamilyIndex)
	core.LogDebug("Compute Family Index:  %d", info.ComputeFamilyIndex)

	if (requirements.Graphics && info.GraphicsFamilyIndex < 0) ||
		(requirements.Compute && info.ComputeFamilyIndex < 0) ||
		(requirements.Transfer && info.TransferFamilyIndex < 0) {
		return info, false
	}

	if len(requirements.DeviceExtensionNames) > 0 {
		available := deviceExtensions(device)
		for _, name := range requirements.DeviceExtensionNames {
			if !available[name] {
				core.LogInfo("Required extension not found: '%s', skipping device.", name)
				return info, false
			}
		}
	}
	if requirements.SamplerAnisotropy && features.SamplerAnisotropy == vk.False {
		core.LogInfo("Device does not support samplerAnisotropy, skipping.")
		return info, false
	}
	return info, true
}

func deviceExtensions(device vk.PhysicalDevice) map[string]bool {
	out := make(map[string]bool)
	var count uint32
	if res := vk.EnumerateDeviceExtensionProperties(device, "", &count, nil); res != vk.Success || count == 0 {
		return out
	}
	available := make([]vk.ExtensionProperties, count)
	if res := vk.EnumerateDeviceExtensionProperties(device, "", &count, available); res != vk.Success {
		return out
	}
	for i := range available {
		available[i].Deref()
		end := FindFirstZeroInByteArray(available[i].ExtensionName[:])
		out[string(available[i].ExtensionName[:end])] = true
	}
	return out
}

func (d *Device) createLogicalDevice() error {
	core.LogInfo("Creating logical device...")

	// NOTE: Do not create additional queues for shared indices.
	families := []uint32{uint32(d.QueueInfo.GraphicsFamilyIndex)}
	if d.QueueInfo.TransferFamilyIndex != d.QueueInfo.GraphicsFamilyIndex {
		families = append(families, uint32(d.QueueInfo.TransferFamilyIndex))
	}
	queueCreateInfos := make([]vk.DeviceQueueCreateInfo, len(families))
	for i, family := range families {
		queueCreateInfos[i] = vk.DeviceQueueCreateInfo{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: family,
			QueueCount:       1,
			PQueuePriorities: []float32{1.0},
		}
	}

	deviceFeatures := vk.PhysicalDeviceFeatures{
		SamplerAnisotropy: d.features.SamplerAnisotropy,
	}

	var extensionNames []string
	if d.extensions[portabilitySubsetExtensionName] {
		core.LogInfo("Adding required extension '%s'.", portabilitySubsetExtensionName)
		extensionNames = append(extensionNames, portabilitySubsetExtensionName)
	}
	for _, name := range []string{bufferDeviceAddressExtensionName, accelerationStructureExtensionName, rayTracingPipelineExtensionName} {
		core.LogDebug("%s available: %t", name, d.extensions[name])
	}

	deviceCreateInfo := vk.DeviceCreateInfo{
		SType:                   vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount:    uint32(len(queueCreateInfos)),
		PQueueCreateInfos:       queueCreateInfos,
		PEnabledFeatures:        []vk.PhysicalDeviceFeatures{deviceFeatures},
		EnabledExtensionCount:   uint32(len(extensionNames)),
		PpEnabledExtensionNames: VulkanSafeStrings(extensionNames),
	}

	var logical vk.Device
	if err := check(vk.CreateDevice(d.PhysicalDevice, &deviceCreateInfo, d.context.Allocator, &logical), "vkCreateDevice"); err != nil {
		core.LogError(err.Error())
		return err
	}
	d.LogicalDevice = logical
	core.LogInfo("Logical device created.")

	queueFor := func(family int32) driver.Queue {
		var q vk.Queue
		vk.GetDeviceQueue(d.LogicalDevice, uint32(family), 0, &q)
		d.locks.SetQueueFamily(uint32(family))
		return driver.Queue(d.queues.add(deviceQueue{handle: q, family: uint32(family)}))
	}
	d.queueKinds[driver.QueueGraphics] = queueFor(d.QueueInfo.GraphicsFamilyIndex)
	d.queueKinds[driver.QueuePresent] = queueFor(d.QueueInfo.GraphicsFamilyIndex)
	d.queueKinds[driver.QueueTransfer] = queueFor(d.QueueInfo.TransferFamilyIndex)
	core.LogInfo("Queues obtained.")
	return nil
}

func (d *Device) Name() string {
	return "vulkan"
}

// Features never reports acceleration structures, device addresses or ray
// tracing pipelines: the binding exposes no entry points for them.
func (d *Device) Features() driver.Features {
	return driver.Features{
		SamplerAnisotropy: d.features.SamplerAnisotropy == vk.True,
	}
}

func (d *Device) Limits() driver.Limits {
	return driver.Limits{
		MaxPushConstantsSize: d.properties.Limits.MaxPushConstantsSize,
		MaxSamplerAnisotropy: d.properties.Limits.MaxSamplerAnisotropy,
	}
}

func (d *Device) MemoryTypes() []driver.MemoryType {
	return d.memoryTypes
}

func (d *Device) Queue(kind driver.QueueKind) (driver.Queue, uint32, error) {
	h, ok := d.queueKinds[kind]
	if !ok {
		return 0, 0, errors.Wrapf(driver.ErrUnsupported, "no %s queue", kind)
	}
	q, _ := d.queues.get(uint64(h))
	return h, q.family, nil
}

func (d *Device) DeviceWaitIdle() error {
	return check(vk.DeviceWaitIdle(d.LogicalDevice), "vkDeviceWaitIdle")
}

// Destroy waits for the device and releases everything still registered.
// The core is expected to have released its objects first; leftovers are
// logged.
func (d *Device) Destroy() {
	if d.LogicalDevice == nil {
		return
	}
	_ = d.DeviceWaitIdle()

	leaked := d.buffers.len() + d.images.len() + d.memories.len() + d.fences.len()
	if leaked > 0 {
		core.LogWarn("destroying vulkan device with %d live buffers, images, allocations and fences", leaked)
	}
	dev, alloc := d.LogicalDevice, d.context.Allocator
	d.queryPools.drain(func(p *queryPool) { vk.DestroyQueryPool(dev, p.handle, alloc) })
	d.pipelines.drain(func(p *pipeline) { vk.DestroyPipeline(dev, p.handle, alloc) })
	d.pipelineLayouts.drain(func(l vk.PipelineLayout) { vk.DestroyPipelineLayout(dev, l, alloc) })
	d.sets.drain(func(vk.DescriptorSet) {})
	d.descriptorPools.drain(func(p vk.DescriptorPool) { vk.DestroyDescriptorPool(dev, p, alloc) })
	d.setLayouts.drain(func(l vk.DescriptorSetLayout) { vk.DestroyDescriptorSetLayout(dev, l, alloc) })
	d.semaphores.drain(func(s vk.Semaphore) { vk.DestroySemaphore(dev, s, alloc) })
	d.fences.drain(func(f vk.Fence) { vk.DestroyFence(dev, f, alloc) })
	d.commandBuffers.drain(func(*commandBuffer) {})
	d.commandPools.drain(func(p *commandPool) { vk.DestroyCommandPool(dev, p.handle, alloc) })
	d.samplers.drain(func(s vk.Sampler) { vk.DestroySampler(dev, s, alloc) })
	d.views.drain(func(v vk.ImageView) { vk.DestroyImageView(dev, v, alloc) })
	d.images.drain(func(img *deviceImage) { vk.DestroyImage(dev, img.handle, alloc) })
	d.buffers.drain(func(b vk.Buffer) { vk.DestroyBuffer(dev, b, alloc) })
	d.memories.drain(func(m *deviceMemory) { vk.FreeMemory(dev, m.handle, alloc) })

	core.LogInfo("Destroying logical device...")
	vk.DestroyDevice(d.LogicalDevice, alloc)
	d.LogicalDevice = nil
	d.PhysicalDevice = nil
	d.context.Destroy()
}

package vulkan

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/chronicle/engine/core"
	"github.com/spaghettifunk/chronicle/engine/renderer/driver"
)

type deviceMemory struct {
	handle vk.DeviceMemory
	size   uint64
	mapped bool
}

type deviceImage struct {
	handle    vk.Image
	format    vk.Format
	mipLevels uint32
}

func (d *Device) AllocateMemory(size uint64, memoryTypeIndex uint32, deviceAddress bool) (driver.Memory, error) {
	if deviceAddress {
		return 0, errors.Wrap(driver.ErrUnsupported, "device address allocations")
	}
	if int(memoryTypeIndex) >= len(d.memoryTypes) {
		return 0, errors.Wrapf(driver.ErrInvalidHandle, "memory type %d", memoryTypeIndex)
	}
	allocInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  vk.DeviceSize(size),
		MemoryTypeIndex: memoryTypeIndex,
	}
	var mem vk.DeviceMemory
	if err := check(vk.AllocateMemory(d.LogicalDevice, &allocInfo, d.context.Allocator, &mem), "vkAllocateMemory"); err != nil {
		return 0, err
	}
	return driver.Memory(d.memories.add(&deviceMemory{handle: mem, size: size})), nil
}

func (d *Device) FreeMemory(memory driver.Memory) {
	mem, ok := d.memories.remove(uint64(memory))
	if !ok {
		return
	}
	if mem.mapped {
		vk.UnmapMemory(d.LogicalDevice, mem.handle)
	}
	vk.FreeMemory(d.LogicalDevice, mem.handle, d.context.Allocator)
}

// MapMemory returns a slice over the host mapping. It stays valid until
// UnmapMemory or FreeMemory.
func (d *Device) MapMemory(memory driver.Memory, offset, size uint64) ([]byte, error) {
	mem, ok := d.memories.get(uint64(memory))
	if !ok {
		return nil, errors.Wrap(driver.ErrInvalidHandle, "map memory")
	}
	var data unsafe.Pointer
	err := d.locks.SafeCall(MemoryManagement, func() error {
		if mem.mapped {
			return errors.New("memory is already mapped")
		}
		if err := check(vk.MapMemory(d.LogicalDevice, mem.handle, vk.DeviceSize(offset), vk.DeviceSize(size), 0, &data), "vkMapMemory"); err != nil {
			return err
		}
		mem.mapped = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(data), size), nil
}

func (d *Device) UnmapMemory(memory driver.Memory) {
	mem, ok := d.memories.get(uint64(memory))
	if !ok {
		return
	}
	_ = d.locks.SafeCall(MemoryManagement, func() error {
		if mem.mapped {
			vk.UnmapMemory(d.LogicalDevice, mem.handle)
			mem.mapped = false
		}
		return nil
	})
}

func (d *Device) CreateBuffer(info driver.BufferCreateInfo) (driver.Buffer, driver.MemoryRequirements, error) {
	if info.Usage&(driver.BufferUsageShaderDeviceAddress|driver.BufferUsageAccelerationStructureInput|driver.BufferUsageAccelerationStructureStorage|driver.BufferUsageShaderBindingTable) != 0 {
		return 0, driver.MemoryRequirements{}, errors.Wrapf(driver.ErrUnsupported, "buffer usage %#x", uint32(info.Usage))
	}
	bufferInfo := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(info.Size),
		Usage:       vk.BufferUsageFlags(info.Usage),
		SharingMode: vk.SharingModeExclusive,
	}
	var buffer vk.Buffer
	if err := check(vk.CreateBuffer(d.LogicalDevice, &bufferInfo, d.context.Allocator, &buffer), "vkCreateBuffer"); err != nil {
		return 0, driver.MemoryRequirements{}, err
	}
	var reqs vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(d.LogicalDevice, buffer, &reqs)
	reqs.Deref()
	return driver.Buffer(d.buffers.add(buffer)), memoryRequirements(reqs), nil
}

func memoryRequirements(reqs vk.MemoryRequirements) driver.MemoryRequirements {
	return driver.MemoryRequirements{
		Size:           uint64(reqs.Size),
		Alignment:      uint64(reqs.Alignment),
		MemoryTypeBits: reqs.MemoryTypeBits,
	}
}

func (d *Device) DestroyBuffer(buffer driver.Buffer) {
	if b, ok := d.buffers.remove(uint64(buffer)); ok {
		vk.DestroyBuffer(d.LogicalDevice, b, d.context.Allocator)
	}
}

func (d *Device) BindBufferMemory(buffer driver.Buffer, memory driver.Memory, offset uint64) error {
	b, ok := d.buffers.get(uint64(buffer))
	mem, okMem := d.memories.get(uint64(memory))
	if !ok || !okMem {
		return errors.Wrap(driver.ErrInvalidHandle, "bind buffer memory")
	}
	return check(vk.BindBufferMemory(d.LogicalDevice, b, mem.handle, vk.DeviceSize(offset)), "vkBindBufferMemory")
}

func (d *Device) BufferDeviceAddress(driver.Buffer) (driver.DeviceAddress, error) {
	return 0, errors.Wrap(driver.ErrUnsupported, "buffer device address")
}

func (d *Device) CreateImage(info driver.ImageCreateInfo) (driver.Image, driver.MemoryRequirements, error) {
	depth := info.Extent.Depth
	if depth == 0 {
		depth = 1
	}
	imageInfo := vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: vk.ImageType2d,
		Format:    vk.Format(info.Format),
		Extent: vk.Extent3D{
			Width:  info.Extent.Width,
			Height: info.Extent.Height,
			Depth:  depth,
		},
		MipLevels:     info.MipLevels,
		ArrayLayers:   1,
		Samples:       vk.SampleCount1Bit,
		Tiling:        vk.ImageTilingOptimal,
		Usage:         vk.ImageUsageFlags(info.Usage),
		SharingMode:   vk.SharingModeExclusive,
		InitialLayout: vk.ImageLayoutUndefined,
	}
	var image vk.Image
	if err := check(vk.CreateImage(d.LogicalDevice, &imageInfo, d.context.Allocator, &image), "vkCreateImage"); err != nil {
		return 0, driver.MemoryRequirements{}, err
	}
	var reqs vk.MemoryRequirements
	vk.GetImageMemoryRequirements(d.LogicalDevice, image, &reqs)
	reqs.Deref()
	h := d.images.add(&deviceImage{handle: image, format: imageInfo.Format, mipLevels: info.MipLevels})
	return driver.Image(h), memoryRequirements(reqs), nil
}

func (d *Device) DestroyImage(image driver.Image) {
	if img, ok := d.images.remove(uint64(image)); ok {
		vk.DestroyImage(d.LogicalDevice, img.handle, d.context.Allocator)
	}
}

func (d *Device) BindImageMemory(image driver.Image, memory driver.Memory, offset uint64) error {
	img, ok := d.images.get(uint64(image))
	mem, okMem := d.memories.get(uint64(memory))
	if !ok || !okMem {
		return errors.Wrap(driver.ErrInvalidHandle, "bind image memory")
	}
	return check(vk.BindImageMemory(d.LogicalDevice, img.handle, mem.handle, vk.DeviceSize(offset)), "vkBindImageMemory")
}

func aspectFor(format vk.Format) vk.ImageAspectFlags {
	switch format {
	case vk.FormatD32Sfloat, vk.FormatD32SfloatS8Uint, vk.FormatD24UnormS8Uint:
		return vk.ImageAspectFlags(vk.ImageAspectDepthBit)
	}
	return vk.ImageAspectFlags(vk.ImageAspectColorBit)
}

func (d *Device) CreateImageView(image driver.Image, format driver.Format, mipLevels uint32) (driver.ImageView, error) {
	img, ok := d.images.get(uint64(image))
	if !ok {
		return 0, errors.Wrap(driver.ErrInvalidHandle, "create image view")
	}
	viewCreateInfo := vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    img.handle,
		ViewType: vk.ImageViewType2d,
		Format:   vk.Format(format),
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask:     aspectFor(vk.Format(format)),
			BaseMipLevel:   0,
			LevelCount:     mipLevels,
			BaseArrayLayer: 0,
			LayerCount:     1,
		},
	}
	var view vk.ImageView
	if err := check(vk.CreateImageView(d.LogicalDevice, &viewCreateInfo, d.context.Allocator, &view), "vkCreateImageView"); err != nil {
		return 0, err
	}
	return driver.ImageView(d.views.add(view)), nil
}

func (d *Device) DestroyImageView(view driver.ImageView) {
	if v, ok := d.views.remove(uint64(view)); ok {
		vk.DestroyImageView(d.LogicalDevice, v, d.context.Allocator)
	}
}

func (d *Device) CreateSampler(info driver.SamplerCreateInfo) (driver.Sampler, error) {
	address := vk.SamplerAddressMode(info.AddressMode)
	samplerInfo := vk.SamplerCreateInfo{
		SType:                   vk.StructureTypeSamplerCreateInfo,
		MagFilter:               vk.Filter(info.MagFilter),
		MinFilter:               vk.Filter(info.MinFilter),
		MipmapMode:              vk.SamplerMipmapModeLinear,
		AddressModeU:            address,
		AddressModeV:            address,
		AddressModeW:            address,
		AnisotropyEnable:        vkBool(info.MaxAnisotropy > 1),
		MaxAnisotropy:           info.MaxAnisotropy,
		CompareEnable:           vk.False,
		CompareOp:               vk.CompareOpAlways,
		MinLod:                  0,
		MaxLod:                  info.MaxLod,
		BorderColor:             vk.BorderColorIntOpaqueBlack,
		UnnormalizedCoordinates: vk.False,
	}
	if samplerInfo.AnisotropyEnable == vk.False {
		samplerInfo.MaxAnisotropy = 1
	}
	var sampler vk.Sampler
	if err := check(vk.CreateSampler(d.LogicalDevice, &samplerInfo, d.context.Allocator, &sampler), "vkCreateSampler"); err != nil {
		core.LogError(err.Error())
		return 0, err
	}
	return driver.Sampler(d.samplers.add(sampler)), nil
}

func (d *Device) DestroySampler(sampler driver.Sampler) {
	if s, ok := d.samplers.remove(uint64(sampler)); ok {
		vk.DestroySampler(d.LogicalDevice, s, d.context.Allocator)
	}
}

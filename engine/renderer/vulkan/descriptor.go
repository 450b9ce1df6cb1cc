package vulkan

import (
	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/chronicle/engine/core"
	"github.com/spaghettifunk/chronicle/engine/renderer/driver"
)

// CreateDescriptorPool drops acceleration-structure pool sizes: the
// descriptor type needs an extension this device never enables.
func (d *Device) CreateDescriptorPool(info driver.DescriptorPoolCreateInfo) (driver.DescriptorPool, error) {
	sizes := make([]vk.DescriptorPoolSize, 0, len(info.Sizes))
	for _, s := range info.Sizes {
		if s.Type == driver.DescriptorTypeAccelerationStructure || s.Count == 0 {
			continue
		}
		sizes = append(sizes, vk.DescriptorPoolSize{
			Type:            vk.DescriptorType(s.Type),
			DescriptorCount: s.Count,
		})
	}
	maxSets := info.MaxSets
	if maxSets == 0 {
		maxSets = defaultMaxDescriptorSets
	}
	poolInfo := vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		MaxSets:       maxSets,
		PoolSizeCount: uint32(len(sizes)),
		PPoolSizes:    sizes,
	}
	if info.FreeDescriptorSet {
		poolInfo.Flags = vk.DescriptorPoolCreateFlags(vk.DescriptorPoolCreateFreeDescriptorSetBit)
	}
	var pool vk.DescriptorPool
	if err := check(vk.CreateDescriptorPool(d.LogicalDevice, &poolInfo, d.context.Allocator, &pool), "vkCreateDescriptorPool"); err != nil {
		core.LogError(err.Error())
		return 0, err
	}
	return driver.DescriptorPool(d.descriptorPools.add(pool)), nil
}

func (d *Device) DestroyDescriptorPool(pool driver.DescriptorPool) {
	if p, ok := d.descriptorPools.remove(uint64(pool)); ok {
		vk.DestroyDescriptorPool(d.LogicalDevice, p, d.context.Allocator)
	}
}

func (d *Device) CreateDescriptorSetLayout(bindings []driver.DescriptorSetLayoutBinding) (driver.DescriptorSetLayout, error) {
	vkBindings := make([]vk.DescriptorSetLayoutBinding, len(bindings))
	for i, b := range bindings {
		if b.Type == driver.DescriptorTypeAccelerationStructure {
			return 0, errors.Wrap(driver.ErrUnsupported, "acceleration structure descriptors")
		}
		vkBindings[i] = vk.DescriptorSetLayoutBinding{
			Binding:         b.Binding,
			DescriptorType:  vk.DescriptorType(b.Type),
			DescriptorCount: b.Count,
			StageFlags:      vk.ShaderStageFlags(b.Stages),
		}
	}
	layoutInfo := vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		BindingCount: uint32(len(vkBindings)),
		PBindings:    vkBindings,
	}
	var layout vk.DescriptorSetLayout
	if err := check(vk.CreateDescriptorSetLayout(d.LogicalDevice, &layoutInfo, d.context.Allocator, &layout), "vkCreateDescriptorSetLayout"); err != nil {
		return 0, err
	}
	return driver.DescriptorSetLayout(d.setLayouts.add(layout)), nil
}

func (d *Device) DestroyDescriptorSetLayout(layout driver.DescriptorSetLayout) {
	if l, ok := d.setLayouts.remove(uint64(layout)); ok {
		vk.DestroyDescriptorSetLayout(d.LogicalDevice, l, d.context.Allocator)
	}
}

func (d *Device) AllocateDescriptorSet(pool driver.DescriptorPool, layout driver.DescriptorSetLayout) (driver.DescriptorSet, error) {
	p, ok := d.descriptorPools.get(uint64(pool))
	l, okLayout := d.setLayouts.get(uint64(layout))
	if !ok || !okLayout {
		return 0, errors.Wrap(driver.ErrInvalidHandle, "allocate descriptor set")
	}
	allocInfo := vk.DescriptorSetAllocateInfo{
		SType:              vk.StructureTypeDescriptorSetAllocateInfo,
		DescriptorPool:     p,
		DescriptorSetCount: 1,
		PSetLayouts:        []vk.DescriptorSetLayout{l},
	}
	sets := make([]vk.DescriptorSet, 1)
	err := d.locks.SafeCall(DescriptorManagement, func() error {
		return check(vk.AllocateDescriptorSets(d.LogicalDevice, &allocInfo, &sets[0]), "vkAllocateDescriptorSets")
	})
	if err != nil {
		return 0, err
	}
	return driver.DescriptorSet(d.sets.add(sets[0])), nil
}

func (d *Device) FreeDescriptorSet(pool driver.DescriptorPool, set driver.DescriptorSet) error {
	p, ok := d.descriptorPools.get(uint64(pool))
	if !ok {
		return errors.Wrap(driver.ErrInvalidHandle, "free descriptor set")
	}
	s, ok := d.sets.remove(uint64(set))
	if !ok {
		return errors.Wrap(driver.ErrInvalidHandle, "free descriptor set")
	}
	return d.locks.SafeCall(DescriptorManagement, func() error {
		return check(vk.FreeDescriptorSets(d.LogicalDevice, p, 1, &s), "vkFreeDescriptorSets")
	})
}

// UpdateDescriptorSets skips writes that reference unknown handles and
// acceleration structures.
func (d *Device) UpdateDescriptorSets(writes []driver.DescriptorWrite) {
	out := make([]vk.WriteDescriptorSet, 0, len(writes))
	for _, w := range writes {
		set, ok := d.sets.get(uint64(w.Set))
		if !ok {
			core.LogWarn("descriptor write to unknown set %d", w.Set)
			continue
		}
		write := vk.WriteDescriptorSet{
			SType:           vk.StructureTypeWriteDescriptorSet,
			DstSet:          set,
			DstBinding:      w.Binding,
			DstArrayElement: 0,
			DescriptorCount: 1,
			DescriptorType:  vk.DescriptorType(w.Type),
		}
		switch w.Type {
		case driver.DescriptorTypeUniformBuffer, driver.DescriptorTypeStorageBuffer:
			b, ok := d.buffers.get(uint64(w.Buffer.Buffer))
			if !ok {
				continue
			}
			write.PBufferInfo = []vk.DescriptorBufferInfo{{
				Buffer: b,
				Offset: vk.DeviceSize(w.Buffer.Offset),
				Range:  vk.DeviceSize(w.Buffer.Range),
			}}
		case driver.DescriptorTypeCombinedImageSampler, driver.DescriptorTypeSampledImage,
			driver.DescriptorTypeStorageImage, driver.DescriptorTypeSampler:
			info := vk.DescriptorImageInfo{ImageLayout: vk.ImageLayout(w.Image.Layout)}
			if w.Image.Sampler != 0 {
				info.Sampler, _ = d.samplers.get(uint64(w.Image.Sampler))
			}
			if w.Image.View != 0 {
				info.ImageView, _ = d.views.get(uint64(w.Image.View))
			}
			write.PImageInfo = []vk.DescriptorImageInfo{info}
		default:
			core.LogWarn("descriptor type %d is not supported by the vulkan device", w.Type)
			continue
		}
		out = append(out, write)
	}
	if len(out) == 0 {
		return
	}
	vk.UpdateDescriptorSets(d.LogicalDevice, uint32(len(out)), out, 0, nil)
}

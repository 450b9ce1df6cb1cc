package software

import (
	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/chronicle/engine/renderer/driver"
)

type descriptorPool struct {
	info      driver.DescriptorPoolCreateInfo
	capacity  map[driver.DescriptorType]uint32
	used      map[driver.DescriptorType]uint32
	allocated uint32
}

type descriptorSet struct {
	pool     driver.DescriptorPool
	layout   driver.DescriptorSetLayout
	bindings map[uint32]driver.DescriptorWrite
}

func (d *Device) CreateDescriptorPool(info driver.DescriptorPoolCreateInfo) (driver.DescriptorPool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if info.MaxSets == 0 {
		return 0, errors.New("descriptor pool needs at least one set")
	}
	p := &descriptorPool{
		info:     info,
		capacity: make(map[driver.DescriptorType]uint32),
		used:     make(map[driver.DescriptorType]uint32),
	}
	for _, s := range info.Sizes {
		p.capacity[s.Type] += s.Count
	}
	h := driver.DescriptorPool(d.handle())
	d.descriptorPools[h] = p
	return h, nil
}

func (d *Device) DestroyDescriptorPool(pool driver.DescriptorPool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for h, s := range d.sets {
		if s.pool == pool {
			d.checkNotPending(uint64(h), "descriptor set")
			delete(d.sets, h)
		}
	}
	delete(d.descriptorPools, pool)
}

func (d *Device) CreateDescriptorSetLayout(bindings []driver.DescriptorSetLayoutBinding) (driver.DescriptorSetLayout, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	seen := make(map[uint32]bool, len(bindings))
	for _, b := range bindings {
		if seen[b.Binding] {
			return 0, errors.Newf("binding %d declared twice", b.Binding)
		}
		seen[b.Binding] = true
	}
	h := driver.DescriptorSetLayout(d.handle())
	d.setLayouts[h] = append([]driver.DescriptorSetLayoutBinding(nil), bindings...)
	return h, nil
}

func (d *Device) DestroyDescriptorSetLayout(layout driver.DescriptorSetLayout) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.setLayouts, layout)
}

func (d *Device) AllocateDescriptorSet(pool driver.DescriptorPool, layout driver.DescriptorSetLayout) (driver.DescriptorSet, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.descriptorPools[pool]
	if !ok {
		return 0, errors.Wrapf(driver.ErrInvalidHandle, "descriptor pool %d", pool)
	}
	bindings, ok := d.setLayouts[layout]
	if !ok {
		return 0, errors.Wrapf(driver.ErrInvalidHandle, "descriptor set layout %d", layout)
	}
	if p.allocated >= p.info.MaxSets {
		return 0, errors.Wrapf(driver.ErrOutOfPoolMemory, "pool %d holds %d sets", pool, p.info.MaxSets)
	}
	need := make(map[driver.DescriptorType]uint32)
	for _, b := range bindings {
		need[b.Type] += b.Count
	}
	for t, n := range need {
		if p.used[t]+n > p.capacity[t] {
			return 0, errors.Wrapf(driver.ErrOutOfPoolMemory, "pool %d has %d of %d descriptors of type %d in use", pool, p.used[t], p.capacity[t], t)
		}
	}
	for t, n := range need {
		p.used[t] += n
	}
	p.allocated++

	h := driver.DescriptorSet(d.handle())
	d.sets[h] = &descriptorSet{pool: pool, layout: layout, bindings: make(map[uint32]driver.DescriptorWrite)}
	d.stats.DescriptorSetsAllocated++
	return h, nil
}

func (d *Device) FreeDescriptorSet(pool driver.DescriptorPool, set driver.DescriptorSet) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.descriptorPools[pool]
	if !ok {
		return errors.Wrapf(driver.ErrInvalidHandle, "descriptor pool %d", pool)
	}
	if !p.info.FreeDescriptorSet {
		return errors.Newf("descriptor pool %d does not allow freeing individual sets", pool)
	}
	s, ok := d.sets[set]
	if !ok || s.pool != pool {
		return errors.Wrapf(driver.ErrInvalidHandle, "descriptor set %d", set)
	}
	d.checkNotPending(uint64(set), "descriptor set")
	for _, b := range d.setLayouts[s.layout] {
		p.used[b.Type] -= b.Count
	}
	p.allocated--
	delete(d.sets, set)
	return nil
}

func (d *Device) UpdateDescriptorSets(writes []driver.DescriptorWrite) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, w := range writes {
		s, ok := d.sets[w.Set]
		if !ok {
			d.violation("write to unknown descriptor set %d", w.Set)
			continue
		}
		var declared *driver.DescriptorSetLayoutBinding
		for i, b := range d.setLayouts[s.layout] {
			if b.Binding == w.Binding {
				declared = &d.setLayouts[s.layout][i]
				break
			}
		}
		if declared == nil {
			d.violation("descriptor set %d has no binding %d", w.Set, w.Binding)
			continue
		}
		if declared.Type != w.Type {
			d.violation("binding %d of set %d is type %d, written as %d", w.Binding, w.Set, declared.Type, w.Type)
			continue
		}
		switch w.Type {
		case driver.DescriptorTypeUniformBuffer, driver.DescriptorTypeStorageBuffer:
			if _, ok := d.buffers[w.Buffer.Buffer]; !ok {
				d.violation("descriptor write references unknown buffer %d", w.Buffer.Buffer)
			}
		case driver.DescriptorTypeCombinedImageSampler, driver.DescriptorTypeSampledImage, driver.DescriptorTypeStorageImage:
			if _, ok := d.views[w.Image.View]; !ok {
				d.violation("descriptor write references unknown image view %d", w.Image.View)
			}
		case driver.DescriptorTypeAccelerationStructure:
			if _, ok := d.accels[w.AccelerationStructure]; !ok {
				d.violation("descriptor write references unknown acceleration structure %d", w.AccelerationStructure)
			}
		}
		s.bindings[w.Binding] = w
	}
}

func (d *Device) CreatePipelineLayout(setLayouts []driver.DescriptorSetLayout, pushConstants []driver.PushConstantRange) (driver.PipelineLayout, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, l := range setLayouts {
		if _, ok := d.setLayouts[l]; !ok {
			return 0, errors.Wrapf(driver.ErrInvalidHandle, "descriptor set layout %d", l)
		}
	}
	limit := d.Limits().MaxPushConstantsSize
	for _, r := range pushConstants {
		if r.Offset+r.Size > limit {
			return 0, errors.Newf("push constant range %d+%d exceeds %d", r.Offset, r.Size, limit)
		}
	}
	h := driver.PipelineLayout(d.handle())
	d.pipelineLayouts[h] = true
	return h, nil
}

func (d *Device) DestroyPipelineLayout(layout driver.PipelineLayout) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pipelineLayouts, layout)
}

// NewPipeline stands in for shader compilation, which happens outside the
// core. The returned pipeline can be bound and, for ray tracing, queried
// for group handles.
func (d *Device) NewPipeline(bindPoint driver.PipelineBindPoint, layout driver.PipelineLayout) (driver.Pipeline, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.pipelineLayouts[layout] {
		return 0, errors.Wrapf(driver.ErrInvalidHandle, "pipeline layout %d", layout)
	}
	if bindPoint == driver.PipelineBindPointRayTracing && !d.cfg.RayTracing {
		return 0, errors.Wrap(driver.ErrUnsupported, "ray tracing pipeline")
	}
	h := driver.Pipeline(d.handle())
	d.pipelines[h] = bindPoint
	return h, nil
}

func (d *Device) DestroyPipeline(pipeline driver.Pipeline) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checkNotPending(uint64(pipeline), "pipeline")
	delete(d.pipelines, pipeline)
}

// RayTracingShaderGroupHandles returns deterministic handle bytes: byte i
// of group g is derived from the pipeline handle, g and i.
func (d *Device) RayTracingShaderGroupHandles(pipeline driver.Pipeline, firstGroup, groupCount uint32) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	bp, ok := d.pipelines[pipeline]
	if !ok {
		return nil, errors.Wrapf(driver.ErrInvalidHandle, "pipeline %d", pipeline)
	}
	if bp != driver.PipelineBindPointRayTracing {
		return nil, errors.Newf("pipeline %d is not a ray tracing pipeline", pipeline)
	}
	size := d.Limits().ShaderGroupHandleSize
	out := make([]byte, groupCount*size)
	for g := uint32(0); g < groupCount; g++ {
		for i := uint32(0); i < size; i++ {
			out[g*size+i] = GroupHandleByte(pipeline, firstGroup+g, i)
		}
	}
	return out, nil
}

// GroupHandleByte is byte i of the handle of group g of a pipeline.
func GroupHandleByte(pipeline driver.Pipeline, group, i uint32) byte {
	return byte(uint32(pipeline)*31 + group*17 + i + 1)
}

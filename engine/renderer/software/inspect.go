package software

import (
	"github.com/spaghettifunk/chronicle/engine/renderer/driver"
)

// Stats counts executed work and live objects.
type Stats struct {
	Submits                 int
	Completed               int
	Allocations             int
	Draws                   int
	Dispatches              int
	TraceRays               int
	Copies                  int
	Blits                   int
	Barriers                int
	Builds                  int
	Updates                 int
	Compactions             int
	DescriptorBinds         int
	DescriptorSetsAllocated int
	PushConstantBytes       uint64
	// Most acceleration structures alive at once.
	PeakAccelerationStructures int
}

// Live is the number of objects of each kind not yet destroyed.
type Live struct {
	Memory                 int
	Buffers                int
	Images                 int
	ImageViews             int
	Samplers               int
	CommandBuffers         int
	Fences                 int
	Semaphores             int
	DescriptorSets         int
	QueryPools             int
	AccelerationStructures int
}

func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *Device) Live() Live {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.liveLocked()
}

func (d *Device) liveLocked() Live {
	return Live{
		Memory:                 len(d.memories),
		Buffers:                len(d.buffers),
		Images:                 len(d.images),
		ImageViews:             len(d.views),
		Samplers:               len(d.samplers),
		CommandBuffers:         len(d.commandBuffers),
		Fences:                 len(d.fences),
		Semaphores:             len(d.semaphores),
		DescriptorSets:         len(d.sets),
		QueryPools:             len(d.queryPools),
		AccelerationStructures: len(d.accels),
	}
}

// Violations returns every misuse observed so far. A correct program leaves
// it empty.
func (d *Device) Violations() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.violations...)
}

// ReadBuffer copies the current contents of a buffer regardless of its
// memory type.
func (d *Device) ReadBuffer(buf driver.Buffer) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.buffers[buf]
	if !ok || b.memory == nil {
		return nil
	}
	return append([]byte(nil), b.bytes()...)
}

// ImageLevel copies the texels of one mip level.
func (d *Device) ImageLevel(img driver.Image, level uint32) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	i, ok := d.images[img]
	if !ok || level >= i.info.MipLevels || i.memory == nil {
		return nil
	}
	return append([]byte(nil), i.level(level)...)
}

// ImageLayouts returns the current layout of every mip level.
func (d *Device) ImageLayouts(img driver.Image) []driver.ImageLayout {
	d.mu.Lock()
	defer d.mu.Unlock()

	i, ok := d.images[img]
	if !ok {
		return nil
	}
	return append([]driver.ImageLayout(nil), i.layouts...)
}

// AccelInfo describes the device-side state of an acceleration structure.
type AccelInfo struct {
	Type       driver.AccelerationStructureType
	Size       uint64
	Built      bool
	Flags      driver.BuildAccelerationStructureFlags
	Primitives uint32
	Updates    int
	Instances  []Instance
}

func (d *Device) AccelInfo(as driver.AccelerationStructure) (AccelInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	a, ok := d.accels[as]
	if !ok {
		return AccelInfo{}, false
	}
	return AccelInfo{
		Type:       a.kind,
		Size:       a.size,
		Built:      a.built,
		Flags:      a.flags,
		Primitives: a.primitives,
		Updates:    a.updates,
		Instances:  append([]Instance(nil), a.instances...),
	}, true
}

// DescriptorBinding returns the last write to a binding of a set.
func (d *Device) DescriptorBinding(set driver.DescriptorSet, binding uint32) (driver.DescriptorWrite, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.sets[set]
	if !ok {
		return driver.DescriptorWrite{}, false
	}
	w, ok := s.bindings[binding]
	return w, ok
}

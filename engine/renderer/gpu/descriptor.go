package gpu

import (
	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/chronicle/engine/core"
	"github.com/spaghettifunk/chronicle/engine/renderer/driver"
)

// DescriptorPool is the pool every command buffer allocates its per
// recording descriptor sets from. Sets go back to it individually when
// their last reference is released.
type DescriptorPool struct {
	ctx    *Context
	Handle driver.DescriptorPool
}

func NewDescriptorPool(ctx *Context, cfg core.DescriptorConfig) (*DescriptorPool, error) {
	counts := []driver.DescriptorPoolSize{
		{Type: driver.DescriptorTypeUniformBuffer, Count: cfg.UniformBuffers},
		{Type: driver.DescriptorTypeStorageBuffer, Count: cfg.StorageBuffers},
		{Type: driver.DescriptorTypeCombinedImageSampler, Count: cfg.CombinedImageSamplers},
		{Type: driver.DescriptorTypeStorageImage, Count: cfg.StorageImages},
	}
	if ctx.Features.AccelerationStructure {
		counts = append(counts, driver.DescriptorPoolSize{Type: driver.DescriptorTypeAccelerationStructure, Count: cfg.AccelerationStructures})
	}
	sizes := counts[:0]
	for _, s := range counts {
		if s.Count > 0 {
			sizes = append(sizes, s)
		}
	}

	handle, err := ctx.Driver.CreateDescriptorPool(driver.DescriptorPoolCreateInfo{
		MaxSets:           cfg.MaxSets,
		Sizes:             sizes,
		FreeDescriptorSet: true,
	})
	if err != nil {
		err = errors.Wrap(err, "failed to create descriptor pool")
		core.LogError(err.Error())
		return nil, err
	}
	return &DescriptorPool{ctx: ctx, Handle: handle}, nil
}

// Allocate returns a set with a reference count of one.
func (p *DescriptorPool) Allocate(layout *DescriptorSetLayout) (*DescriptorSet, error) {
	handle, err := p.ctx.Driver.AllocateDescriptorSet(p.Handle, layout.Handle)
	if err != nil {
		if errors.Is(err, driver.ErrOutOfPoolMemory) {
			err = errors.Mark(err, core.ErrPoolExhausted)
		}
		err = errors.Wrap(err, "failed to allocate descriptor set")
		core.LogError(err.Error())
		return nil, err
	}
	set := &DescriptorSet{pool: p, Handle: handle, Layout: layout}
	set.init(core.NewResourceName("descriptor-set"), set.free)
	return set, nil
}

func (p *DescriptorPool) Destroy() {
	if p.Handle != 0 {
		p.ctx.Driver.DestroyDescriptorPool(p.Handle)
		p.Handle = 0
	}
}

type DescriptorSetLayout struct {
	ctx      *Context
	Handle   driver.DescriptorSetLayout
	Bindings []driver.DescriptorSetLayoutBinding
}

func NewDescriptorSetLayout(ctx *Context, bindings []driver.DescriptorSetLayoutBinding) (*DescriptorSetLayout, error) {
	handle, err := ctx.Driver.CreateDescriptorSetLayout(bindings)
	if err != nil {
		err = errors.Wrap(err, "failed to create descriptor set layout")
		core.LogError(err.Error())
		return nil, err
	}
	return &DescriptorSetLayout{
		ctx:      ctx,
		Handle:   handle,
		Bindings: append([]driver.DescriptorSetLayoutBinding(nil), bindings...),
	}, nil
}

func (l *DescriptorSetLayout) binding(n uint32) (driver.DescriptorSetLayoutBinding, bool) {
	for _, b := range l.Bindings {
		if b.Binding == n {
			return b, true
		}
	}
	return driver.DescriptorSetLayoutBinding{}, false
}

func (l *DescriptorSetLayout) Destroy() {
	if l.Handle != 0 {
		l.ctx.Driver.DestroyDescriptorSetLayout(l.Handle)
		l.Handle = 0
	}
}

// DescriptorSet is reference counted like any other resource; the command
// buffer that wrote it holds it until its submission retires.
type DescriptorSet struct {
	refCount

	pool   *DescriptorPool
	Handle driver.DescriptorSet
	Layout *DescriptorSetLayout
}

var _ Resource = (*DescriptorSet)(nil)

func (s *DescriptorSet) free() {
	if s.Handle == 0 || s.pool.Handle == 0 {
		return
	}
	if err := s.pool.ctx.Driver.FreeDescriptorSet(s.pool.Handle, s.Handle); err != nil {
		core.LogError("failed to free descriptor set: %v", err)
	}
	s.Handle = 0
}

// DescriptorResource is something SetDescriptor can write into a binding.
type DescriptorResource interface {
	write(set driver.DescriptorSet, binding uint32) driver.DescriptorWrite
	resource() Resource
}

type BufferBinding struct {
	Buffer *Buffer
	Offset uint64
	// Zero means the rest of the buffer.
	Range   uint64
	Storage bool
}

func (b BufferBinding) write(set driver.DescriptorSet, binding uint32) driver.DescriptorWrite {
	kind := driver.DescriptorTypeUniformBuffer
	if b.Storage {
		kind = driver.DescriptorTypeStorageBuffer
	}
	rng := b.Range
	if rng == 0 {
		rng = b.Buffer.Size - b.Offset
	}
	return driver.DescriptorWrite{
		Set:     set,
		Binding: binding,
		Type:    kind,
		Buffer:  driver.DescriptorBufferInfo{Buffer: b.Buffer.Handle, Offset: b.Offset, Range: rng},
	}
}

func (b BufferBinding) resource() Resource { return b.Buffer }

type SampledImageBinding struct {
	Image   *Image
	Sampler *Sampler
}

func (b SampledImageBinding) write(set driver.DescriptorSet, binding uint32) driver.DescriptorWrite {
	return driver.DescriptorWrite{
		Set:     set,
		Binding: binding,
		Type:    driver.DescriptorTypeCombinedImageSampler,
		Image: driver.DescriptorImageInfo{
			Sampler: b.Sampler.Handle,
			View:    b.Image.View,
			Layout:  driver.ImageLayoutShaderReadOnlyOptimal,
		},
	}
}

func (b SampledImageBinding) resource() Resource { return b.Image }

type StorageImageBinding struct {
	Image *Image
}

func (b StorageImageBinding) write(set driver.DescriptorSet, binding uint32) driver.DescriptorWrite {
	return driver.DescriptorWrite{
		Set:     set,
		Binding: binding,
		Type:    driver.DescriptorTypeStorageImage,
		Image:   driver.DescriptorImageInfo{View: b.Image.View, Layout: driver.ImageLayoutGeneral},
	}
}

func (b StorageImageBinding) resource() Resource { return b.Image }

type AccelBinding struct {
	Accel *Accel
}

func (b AccelBinding) write(set driver.DescriptorSet, binding uint32) driver.DescriptorWrite {
	return driver.DescriptorWrite{
		Set:                   set,
		Binding:               binding,
		Type:                  driver.DescriptorTypeAccelerationStructure,
		AccelerationStructure: b.Accel.Handle,
	}
}

func (b AccelBinding) resource() Resource { return b.Accel }

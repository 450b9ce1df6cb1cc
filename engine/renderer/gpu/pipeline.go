package gpu

import (
	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/chronicle/engine/core"
	"github.com/spaghettifunk/chronicle/engine/renderer/driver"
)

type PipelineLayout struct {
	ctx           *Context
	Handle        driver.PipelineLayout
	SetLayouts    []*DescriptorSetLayout
	PushConstants []driver.PushConstantRange
}

func NewPipelineLayout(ctx *Context, setLayouts []*DescriptorSetLayout, pushConstants []driver.PushConstantRange) (*PipelineLayout, error) {
	handles := make([]driver.DescriptorSetLayout, len(setLayouts))
	for i, l := range setLayouts {
		handles[i] = l.Handle
	}
	handle, err := ctx.Driver.CreatePipelineLayout(handles, pushConstants)
	if err != nil {
		err = errors.Wrap(err, "failed to create pipeline layout")
		core.LogError(err.Error())
		return nil, err
	}
	return &PipelineLayout{
		ctx:           ctx,
		Handle:        handle,
		SetLayouts:    append([]*DescriptorSetLayout(nil), setLayouts...),
		PushConstants: append([]driver.PushConstantRange(nil), pushConstants...),
	}, nil
}

func (l *PipelineLayout) Destroy() {
	if l.Handle != 0 {
		l.ctx.Driver.DestroyPipelineLayout(l.Handle)
		l.Handle = 0
	}
}

// Pipeline wraps a pipeline compiled outside the core. Shader loading is
// the caller's concern; the core only needs the bind point and layout.
type Pipeline struct {
	ctx       *Context
	Handle    driver.Pipeline
	BindPoint driver.PipelineBindPoint
	Layout    *PipelineLayout
}

func WrapPipeline(ctx *Context, handle driver.Pipeline, bindPoint driver.PipelineBindPoint, layout *PipelineLayout) *Pipeline {
	return &Pipeline{ctx: ctx, Handle: handle, BindPoint: bindPoint, Layout: layout}
}

func (p *Pipeline) Destroy() {
	if p.Handle != 0 {
		p.ctx.Driver.DestroyPipeline(p.Handle)
		p.Handle = 0
	}
}

type Sampler struct {
	ctx    *Context
	Handle driver.Sampler
}

// NewSampler creates the linear, repeating sampler textures use, with
// anisotropic filtering when the device has it and maxLod covering every
// mip level.
func NewSampler(ctx *Context, mipLevels uint32) (*Sampler, error) {
	info := driver.SamplerCreateInfo{
		MagFilter:   driver.FilterLinear,
		MinFilter:   driver.FilterLinear,
		AddressMode: driver.SamplerAddressModeRepeat,
		MaxLod:      float32(mipLevels),
	}
	if ctx.Features.SamplerAnisotropy {
		info.MaxAnisotropy = 16
		if ctx.Limits.MaxSamplerAnisotropy > 0 && ctx.Limits.MaxSamplerAnisotropy < 16 {
			info.MaxAnisotropy = ctx.Limits.MaxSamplerAnisotropy
		}
	}
	handle, err := ctx.Driver.CreateSampler(info)
	if err != nil {
		err = errors.Wrap(err, "failed to create sampler")
		core.LogError(err.Error())
		return nil, err
	}
	return &Sampler{ctx: ctx, Handle: handle}, nil
}

func (s *Sampler) Destroy() {
	if s.Handle != 0 {
		s.ctx.Driver.DestroySampler(s.Handle)
		s.Handle = 0
	}
}

type QueryPool struct {
	ctx    *Context
	Handle driver.QueryPool
	Type   driver.QueryType
	Count  uint32
}

func NewQueryPool(ctx *Context, queryType driver.QueryType, count uint32) (*QueryPool, error) {
	handle, err := ctx.Driver.CreateQueryPool(queryType, count)
	if err != nil {
		err = errors.Wrap(err, "failed to create query pool")
		core.LogError(err.Error())
		return nil, err
	}
	return &QueryPool{ctx: ctx, Handle: handle, Type: queryType, Count: count}, nil
}

// Results reads count results starting at first. With wait it blocks until
// they are available.
func (q *QueryPool) Results(first, count uint32, wait bool) ([]uint64, error) {
	out, err := q.ctx.Driver.QueryResults(q.Handle, first, count, wait)
	if err != nil {
		err = errors.Wrapf(err, "reading %d queries", count)
		core.LogError(err.Error())
		return nil, err
	}
	return out, nil
}

func (q *QueryPool) Destroy() {
	if q.Handle != 0 {
		q.ctx.Driver.DestroyQueryPool(q.Handle)
		q.Handle = 0
	}
}

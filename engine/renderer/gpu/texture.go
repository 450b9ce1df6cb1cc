package gpu

import (
	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/chronicle/engine/core"
	"github.com/spaghettifunk/chronicle/engine/renderer/driver"
)

// Texture is a sampled RGBA8 image and the sampler it is read with.
type Texture struct {
	Image   *Image
	Sampler *Sampler
}

// NewTexture uploads tightly packed RGBA8 pixels. With mips the full chain
// is generated on the GPU; either way the image ends in ShaderReadOnly.
func NewTexture(ctx *Context, name string, width, height uint32, pixels []byte, mips bool) (*Texture, error) {
	name = core.NameOr(name, "texture")
	size := uint64(width) * uint64(height) * 4
	if uint64(len(pixels)) != size {
		err := errors.Wrapf(core.ErrBufferSizeMismatch, "texture %s is %dx%d, got %d bytes", name, width, height, len(pixels))
		core.LogError(err.Error())
		return nil, err
	}

	levels := uint32(1)
	usage := driver.ImageUsageTransferDst | driver.ImageUsageSampled
	if mips {
		levels = 0
		usage |= driver.ImageUsageTransferSrc
	}
	img, err := NewImage(ctx, ImageCreateInfo{
		Name:      name,
		Width:     width,
		Height:    height,
		Format:    driver.FormatR8G8B8A8Unorm,
		MipLevels: levels,
		Usage:     usage,
	})
	if err != nil {
		return nil, err
	}

	staging, err := NewHostBuffer(ctx, name+"-staging", size, driver.BufferUsageTransferSrc)
	if err != nil {
		img.Release()
		return nil, err
	}
	defer staging.Release()
	if err := staging.Write(pixels, 0); err != nil {
		img.Release()
		return nil, err
	}

	err = ctx.Graphics.ImmediateSubmit(func(cb *CommandBuffer) error {
		if err := cb.TransitionImage(img, driver.ImageLayoutUndefined, driver.ImageLayoutTransferDstOptimal); err != nil {
			return err
		}
		if err := cb.CopyBufferToImage(staging, img); err != nil {
			return err
		}
		if img.MipLevels > 1 {
			return cb.GenerateMipChain(img, img.MipLevels)
		}
		return cb.TransitionImage(img, driver.ImageLayoutTransferDstOptimal, driver.ImageLayoutShaderReadOnlyOptimal)
	})
	if err != nil {
		img.Release()
		return nil, err
	}

	sampler, err := NewSampler(ctx, img.MipLevels)
	if err != nil {
		img.Release()
		return nil, err
	}
	return &Texture{Image: img, Sampler: sampler}, nil
}

func (t *Texture) Binding() SampledImageBinding {
	return SampledImageBinding{Image: t.Image, Sampler: t.Sampler}
}

func (t *Texture) Destroy() {
	if t.Sampler != nil {
		t.Sampler.Destroy()
		t.Sampler = nil
	}
	if t.Image != nil {
		t.Image.Release()
		t.Image = nil
	}
}

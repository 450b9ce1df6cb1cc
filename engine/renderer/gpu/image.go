package gpu

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/chronicle/engine/core"
	"github.com/spaghettifunk/chronicle/engine/math"
	"github.com/spaghettifunk/chronicle/engine/renderer/driver"
)

type ImageCreateInfo struct {
	Name   string
	Width  uint32
	Height uint32
	Format driver.Format
	// Zero means a full mip chain down to 1x1.
	MipLevels  uint32
	Usage      driver.ImageUsage
	Properties driver.MemoryProperty
}

type Image struct {
	refCount

	ctx       *Context
	Handle    driver.Image
	View      driver.ImageView
	Width     uint32
	Height    uint32
	Format    driver.Format
	MipLevels uint32
	Usage     driver.ImageUsage

	allocation *Allocation

	mu sync.Mutex
	// layout of every level after the last recorded transition
	layout driver.ImageLayout
}

var _ Resource = (*Image)(nil)

func NewImage(ctx *Context, info ImageCreateInfo) (*Image, error) {
	if info.Width == 0 || info.Height == 0 {
		err := errors.Newf("image %q has zero extent", info.Name)
		core.LogError(err.Error())
		return nil, err
	}
	levels := info.MipLevels
	if levels == 0 {
		levels = math.MipLevelCount(info.Width, info.Height)
	}
	if info.Properties == 0 {
		info.Properties = driver.MemoryPropertyDeviceLocal
	}

	handle, req, err := ctx.Driver.CreateImage(driver.ImageCreateInfo{
		Extent:    driver.Extent3D{Width: info.Width, Height: info.Height, Depth: 1},
		Format:    info.Format,
		MipLevels: levels,
		Usage:     info.Usage,
	})
	if err != nil {
		err = errors.Wrapf(err, "creating image %q", info.Name)
		core.LogError(err.Error())
		return nil, err
	}
	alloc, err := ctx.Allocator.Allocate(req, info.Properties, false)
	if err != nil {
		ctx.Driver.DestroyImage(handle)
		return nil, errors.Wrapf(err, "image %q", info.Name)
	}
	if err := ctx.Driver.BindImageMemory(handle, alloc.Memory, 0); err != nil {
		ctx.Driver.DestroyImage(handle)
		ctx.Allocator.Free(alloc)
		err = errors.Wrapf(err, "binding memory of image %q", info.Name)
		core.LogError(err.Error())
		return nil, err
	}
	view, err := ctx.Driver.CreateImageView(handle, info.Format, levels)
	if err != nil {
		ctx.Driver.DestroyImage(handle)
		ctx.Allocator.Free(alloc)
		err = errors.Wrapf(err, "creating view of image %q", info.Name)
		core.LogError(err.Error())
		return nil, err
	}

	img := &Image{
		ctx:        ctx,
		Handle:     handle,
		View:       view,
		Width:      info.Width,
		Height:     info.Height,
		Format:     info.Format,
		MipLevels:  levels,
		Usage:      info.Usage,
		allocation: alloc,
		layout:     driver.ImageLayoutUndefined,
	}
	img.init(core.NameOr(info.Name, "image"), img.destroy)
	return img, nil
}

func (img *Image) destroy() {
	if img.View != 0 {
		img.ctx.Driver.DestroyImageView(img.View)
		img.View = 0
	}
	if img.Handle != 0 {
		img.ctx.Driver.DestroyImage(img.Handle)
		img.Handle = 0
	}
	img.ctx.Allocator.Free(img.allocation)
}

// Layout is the layout the image will be in once recorded work retires.
func (img *Image) Layout() driver.ImageLayout {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.layout
}

func (img *Image) setLayout(layout driver.ImageLayout) {
	img.mu.Lock()
	img.layout = layout
	img.mu.Unlock()
}

// MipExtent is the size of one level: each dimension halves, never below 1.
func (img *Image) MipExtent(level uint32) (uint32, uint32) {
	return math.MipExtent(img.Width, level), math.MipExtent(img.Height, level)
}

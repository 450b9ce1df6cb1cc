package gpu

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/chronicle/engine/core"
	"github.com/spaghettifunk/chronicle/engine/renderer/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextureWithMipChain(t *testing.T) {
	ctx, dev := newTestContext(t)

	tex, err := NewTexture(ctx, "wall", 8, 4, filled(0x40, 8*4*4), true)
	require.NoError(t, err)
	defer tex.Destroy()

	img := tex.Image
	require.EqualValues(t, 4, img.MipLevels)
	for level, want := range [][2]uint32{{8, 4}, {4, 2}, {2, 1}, {1, 1}} {
		w, h := img.MipExtent(uint32(level))
		assert.Equal(t, want, [2]uint32{w, h}, "level %d", level)
	}

	assert.Equal(t, driver.ImageLayoutShaderReadOnlyOptimal, img.Layout())
	for level, layout := range dev.ImageLayouts(img.Handle) {
		assert.Equal(t, driver.ImageLayoutShaderReadOnlyOptimal, layout, "level %d", level)
	}
	assert.Equal(t, 3, dev.Stats().Blits)
	assert.Equal(t, filled(0x40, 4), dev.ImageLevel(img.Handle, 3), "a uniform image stays uniform down the chain")
	assert.EqualValues(t, 1, img.RefCount())
	assert.Empty(t, dev.Violations())
}

func TestTextureWithoutMips(t *testing.T) {
	ctx, dev := newTestContext(t)

	tex, err := NewTexture(ctx, "", 4, 4, filled(0x7F, 4*4*4), false)
	require.NoError(t, err)
	defer tex.Destroy()

	assert.EqualValues(t, 1, tex.Image.MipLevels)
	assert.Equal(t, []driver.ImageLayout{driver.ImageLayoutShaderReadOnlyOptimal}, dev.ImageLayouts(tex.Image.Handle))
	assert.Zero(t, dev.Stats().Blits)
	assert.Equal(t, filled(0x7F, 64), dev.ImageLevel(tex.Image.Handle, 0))
	assert.Same(t, tex.Image, tex.Binding().Image)

	_, err = NewTexture(ctx, "bad", 4, 4, filled(0, 10), false)
	assert.True(t, errors.Is(err, core.ErrBufferSizeMismatch))
}

func TestPartialMipChain(t *testing.T) {
	ctx, dev := newTestContext(t)

	img, err := NewImage(ctx, ImageCreateInfo{
		Name:   "partial",
		Width:  16,
		Height: 16,
		Format: driver.FormatR8G8B8A8Unorm,
		Usage:  driver.ImageUsageTransferSrc | driver.ImageUsageTransferDst | driver.ImageUsageSampled,
	})
	require.NoError(t, err)
	defer img.Release()
	require.EqualValues(t, 5, img.MipLevels)

	err = ctx.Graphics.ImmediateSubmit(func(cb *CommandBuffer) error {
		if err := cb.TransitionImage(img, driver.ImageLayoutUndefined, driver.ImageLayoutTransferDstOptimal); err != nil {
			return err
		}
		return cb.GenerateMipChain(img, 3)
	})
	require.NoError(t, err)

	assert.Equal(t, 2, dev.Stats().Blits)
	for level, layout := range dev.ImageLayouts(img.Handle) {
		assert.Equal(t, driver.ImageLayoutShaderReadOnlyOptimal, layout, "level %d", level)
	}
	assert.Empty(t, dev.Violations())

	err = ctx.Graphics.ImmediateSubmit(func(cb *CommandBuffer) error {
		return cb.GenerateMipChain(img, 6)
	})
	assert.Error(t, err, "more levels than the image has")
}

func TestUnsupportedTransition(t *testing.T) {
	ctx, dev := newTestContext(t)

	img, err := NewImage(ctx, ImageCreateInfo{
		Name:      "target",
		Width:     4,
		Height:    4,
		Format:    driver.FormatR8G8B8A8Unorm,
		MipLevels: 1,
		Usage:     driver.ImageUsageColorAttachment | driver.ImageUsageSampled,
	})
	require.NoError(t, err)
	defer img.Release()

	barriers := dev.Stats().Barriers
	err = ctx.Graphics.ImmediateSubmit(func(cb *CommandBuffer) error {
		return cb.TransitionImage(img, driver.ImageLayoutShaderReadOnlyOptimal, driver.ImageLayoutTransferDstOptimal)
	})
	assert.True(t, errors.Is(err, core.ErrUnsupportedLayoutTransition))
	assert.Equal(t, barriers, dev.Stats().Barriers)
	assert.Equal(t, driver.ImageLayoutUndefined, img.Layout())

	err = ctx.Graphics.ImmediateSubmit(func(cb *CommandBuffer) error {
		return cb.TransitionImage(img, driver.ImageLayoutUndefined, driver.ImageLayoutColorAttachmentOptimal)
	})
	require.NoError(t, err)
	assert.Equal(t, driver.ImageLayoutColorAttachmentOptimal, img.Layout())
	assert.Empty(t, dev.Violations())
}

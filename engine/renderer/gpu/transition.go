package gpu

import (
	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/chronicle/engine/core"
	"github.com/spaghettifunk/chronicle/engine/renderer/driver"
)

type layoutTransition struct {
	from, to driver.ImageLayout
}

type transitionMasks struct {
	srcAccess, dstAccess driver.Access
	srcStage, dstStage   driver.PipelineStage
}

// The only layout changes the engine performs. Anything else is a bug in
// the caller rather than something to guess masks for.
var supportedTransitions = map[layoutTransition]transitionMasks{
	{driver.ImageLayoutUndefined, driver.ImageLayoutTransferDstOptimal}: {
		srcAccess: driver.AccessNone,
		dstAccess: driver.AccessTransferWrite,
		srcStage:  driver.PipelineStageTopOfPipe,
		dstStage:  driver.PipelineStageTransfer,
	},
	{driver.ImageLayoutTransferDstOptimal, driver.ImageLayoutShaderReadOnlyOptimal}: {
		srcAccess: driver.AccessTransferWrite,
		dstAccess: driver.AccessShaderRead,
		srcStage:  driver.PipelineStageTransfer,
		dstStage:  driver.PipelineStageFragmentShader,
	},
	{driver.ImageLayoutUndefined, driver.ImageLayoutColorAttachmentOptimal}: {
		srcAccess: driver.AccessNone,
		dstAccess: driver.AccessColorAttachmentWrite,
		srcStage:  driver.PipelineStageTopOfPipe,
		dstStage:  driver.PipelineStageColorAttachmentOutput,
	},
}

// TransitionImage moves every mip level of img from oldLayout to newLayout.
func (cb *CommandBuffer) TransitionImage(img *Image, oldLayout, newLayout driver.ImageLayout) error {
	if err := cb.recording("transition image"); err != nil {
		return err
	}
	masks, ok := supportedTransitions[layoutTransition{oldLayout, newLayout}]
	if !ok {
		err := errors.Wrapf(core.ErrUnsupportedLayoutTransition, "%s -> %s on image %s", oldLayout, newLayout, img.Name())
		core.LogError(err.Error())
		return err
	}
	cb.ctx.Driver.CmdPipelineBarrier(cb.Handle, masks.srcStage, masks.dstStage, nil, []driver.ImageBarrier{{
		Image:        img.Handle,
		OldLayout:    oldLayout,
		NewLayout:    newLayout,
		SrcAccess:    masks.srcAccess,
		DstAccess:    masks.dstAccess,
		BaseMipLevel: 0,
		LevelCount:   img.MipLevels,
	}})
	img.setLayout(newLayout)
	cb.Track(img)
	return nil
}

// GenerateMipChain fills levels 1..levels-1 of img by blitting each level
// from the one above it. Every level must start in TransferDst with level 0
// holding the image; the whole chain ends in ShaderReadOnly.
func (cb *CommandBuffer) GenerateMipChain(img *Image, levels uint32) error {
	if err := cb.recording("generate mip chain"); err != nil {
		return err
	}
	if levels == 0 {
		levels = img.MipLevels
	}
	if levels > img.MipLevels {
		err := errors.Newf("image %s has %d mip levels, %d requested", img.Name(), img.MipLevels, levels)
		core.LogError(err.Error())
		return err
	}

	for i := uint32(1); i < levels; i++ {
		cb.ctx.Driver.CmdPipelineBarrier(cb.Handle, driver.PipelineStageTransfer, driver.PipelineStageTransfer, nil, []driver.ImageBarrier{{
			Image:        img.Handle,
			OldLayout:    driver.ImageLayoutTransferDstOptimal,
			NewLayout:    driver.ImageLayoutTransferSrcOptimal,
			SrcAccess:    driver.AccessTransferWrite,
			DstAccess:    driver.AccessTransferRead,
			BaseMipLevel: i - 1,
			LevelCount:   1,
		}})

		srcW, srcH := img.MipExtent(i - 1)
		dstW, dstH := img.MipExtent(i)
		cb.ctx.Driver.CmdBlitImage(cb.Handle,
			img.Handle, driver.ImageLayoutTransferSrcOptimal,
			img.Handle, driver.ImageLayoutTransferDstOptimal,
			driver.ImageBlit{
				SrcMipLevel: i - 1,
				SrcOffsets:  [2]driver.Offset3D{{}, {X: int32(srcW), Y: int32(srcH), Z: 1}},
				DstMipLevel: i,
				DstOffsets:  [2]driver.Offset3D{{}, {X: int32(dstW), Y: int32(dstH), Z: 1}},
			},
			driver.FilterLinear)
	}

	// levels above the last one were blit sources; the last one and any
	// levels beyond the requested chain are still transfer destinations
	barriers := []driver.ImageBarrier{{
		Image:        img.Handle,
		OldLayout:    driver.ImageLayoutTransferDstOptimal,
		NewLayout:    driver.ImageLayoutShaderReadOnlyOptimal,
		SrcAccess:    driver.AccessTransferWrite,
		DstAccess:    driver.AccessShaderRead,
		BaseMipLevel: levels - 1,
		LevelCount:   img.MipLevels - (levels - 1),
	}}
	if levels > 1 {
		barriers = append(barriers, driver.ImageBarrier{
			Image:        img.Handle,
			OldLayout:    driver.ImageLayoutTransferSrcOptimal,
			NewLayout:    driver.ImageLayoutShaderReadOnlyOptimal,
			SrcAccess:    driver.AccessTransferRead,
			DstAccess:    driver.AccessShaderRead,
			BaseMipLevel: 0,
			LevelCount:   levels - 1,
		})
	}
	cb.ctx.Driver.CmdPipelineBarrier(cb.Handle, driver.PipelineStageTransfer, driver.PipelineStageFragmentShader, nil, barriers)

	img.setLayout(driver.ImageLayoutShaderReadOnlyOptimal)
	cb.Track(img)
	return nil
}

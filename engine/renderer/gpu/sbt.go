package gpu

import (
	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/chronicle/engine/core"
	"github.com/spaghettifunk/chronicle/engine/math"
	"github.com/spaghettifunk/chronicle/engine/renderer/driver"
)

// SBTLayout places one raygen group, missCount miss groups and hitCount hit
// groups in a shader binding table. Offsets are relative to the start of
// the table.
type SBTLayout struct {
	HandleSize    uint64
	AlignedHandle uint64

	RaygenOffset, RaygenStride, RaygenSize uint64
	MissOffset, MissStride, MissSize       uint64
	HitOffset, HitStride, HitSize          uint64

	MissCount, HitCount uint32
}

func NewSBTLayout(limits driver.Limits, missCount, hitCount uint32) SBTLayout {
	handle := uint64(limits.ShaderGroupHandleSize)
	aligned := math.AlignUp(handle, uint64(limits.ShaderGroupHandleAlignment))
	base := uint64(limits.ShaderGroupBaseAlignment)

	l := SBTLayout{
		HandleSize:    handle,
		AlignedHandle: aligned,
		MissCount:     missCount,
		HitCount:      hitCount,
	}
	// the raygen region holds exactly one record, so its stride must equal
	// its size
	l.RaygenStride = math.AlignUp(aligned, base)
	l.RaygenSize = l.RaygenStride
	l.MissStride = aligned
	l.MissSize = math.AlignUp(uint64(missCount)*aligned, base)
	l.HitStride = aligned
	l.HitSize = math.AlignUp(uint64(hitCount)*aligned, base)

	l.MissOffset = l.RaygenSize
	l.HitOffset = l.RaygenSize + l.MissSize
	return l
}

func (l SBTLayout) Size() uint64 {
	return l.RaygenSize + l.MissSize + l.HitSize
}

func (l SBTLayout) GroupCount() uint32 {
	return 1 + l.MissCount + l.HitCount
}

// groupOffset is where the handle of group g goes. Groups are ordered
// raygen, miss, hit.
func (l SBTLayout) groupOffset(g uint32) uint64 {
	switch {
	case g == 0:
		return l.RaygenOffset
	case g <= l.MissCount:
		return l.MissOffset + uint64(g-1)*l.MissStride
	default:
		return l.HitOffset + uint64(g-1-l.MissCount)*l.HitStride
	}
}

// ShaderBindingTable holds the group handles of a ray tracing pipeline in
// a host-visible, device-addressable buffer.
type ShaderBindingTable struct {
	Buffer *Buffer
	Layout SBTLayout
}

func NewShaderBindingTable(ctx *Context, pipeline *Pipeline, missCount, hitCount uint32) (*ShaderBindingTable, error) {
	if err := ctx.requireRayTracingPipeline(); err != nil {
		return nil, err
	}
	if pipeline == nil || pipeline.BindPoint != driver.PipelineBindPointRayTracing {
		err := errors.Wrap(core.ErrNoPipeline, "shader binding table needs a ray tracing pipeline")
		core.LogError(err.Error())
		return nil, err
	}

	layout := NewSBTLayout(ctx.Limits, missCount, hitCount)
	handles, err := ctx.Driver.RayTracingShaderGroupHandles(pipeline.Handle, 0, layout.GroupCount())
	if err != nil {
		err = errors.Wrap(err, "failed to get shader group handles")
		core.LogError(err.Error())
		return nil, err
	}

	buf, err := NewBuffer(ctx, BufferCreateInfo{
		Name:       "shader-binding-table",
		Size:       layout.Size(),
		Usage:      driver.BufferUsageShaderBindingTable | driver.BufferUsageShaderDeviceAddress,
		Properties: driver.MemoryPropertyHostVisible | driver.MemoryPropertyHostCoherent,
		Alignment:  uint64(ctx.Limits.ShaderGroupBaseAlignment),
	})
	if err != nil {
		return nil, err
	}

	mapped, err := buf.Map()
	if err != nil {
		buf.Release()
		return nil, err
	}
	for g := uint32(0); g < layout.GroupCount(); g++ {
		src := handles[uint64(g)*layout.HandleSize : uint64(g+1)*layout.HandleSize]
		copy(mapped[layout.groupOffset(g):], src)
	}
	buf.Unmap()

	core.LogDebug("shader binding table: %d bytes for %d groups", layout.Size(), layout.GroupCount())
	return &ShaderBindingTable{Buffer: buf, Layout: layout}, nil
}

// Regions returns the device address ranges passed to TraceRays.
func (s *ShaderBindingTable) Regions() driver.TraceRaysRegions {
	base := s.Buffer.DeviceAddress()
	l := s.Layout
	return driver.TraceRaysRegions{
		Raygen: driver.StridedDeviceAddressRegion{
			DeviceAddress: base + driver.DeviceAddress(l.RaygenOffset),
			Stride:        l.RaygenStride,
			Size:          l.RaygenSize,
		},
		Miss: driver.StridedDeviceAddressRegion{
			DeviceAddress: base + driver.DeviceAddress(l.MissOffset),
			Stride:        l.MissStride,
			Size:          l.MissSize,
		},
		Hit: driver.StridedDeviceAddressRegion{
			DeviceAddress: base + driver.DeviceAddress(l.HitOffset),
			Stride:        l.HitStride,
			Size:          l.HitSize,
		},
	}
}

func (s *ShaderBindingTable) Destroy() {
	if s.Buffer != nil {
		s.Buffer.Release()
		s.Buffer = nil
	}
}

package gpu

import (
	"encoding/binary"
	gomath "math"

	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/chronicle/engine/core"
	"github.com/spaghettifunk/chronicle/engine/math"
	"github.com/spaghettifunk/chronicle/engine/renderer/driver"
)

// InstanceRecordSize is the size of one packed top-level instance.
const InstanceRecordSize = 64

// BlasInstance places a bottom-level structure in the scene.
type BlasInstance struct {
	Transform math.Mat4
	// low 24 bits only
	CustomIndex uint32
	Mask        uint8
	// low 24 bits only
	SBTOffset uint32
	Flags     driver.GeometryInstanceFlags
	Blas      *Accel
}

// TransformToKHR converts a column-major 4x4 matrix into the row-major
// 3x4 layout of an instance record, dropping the last row.
func TransformToKHR(m math.Mat4) [12]float32 {
	var out [12]float32
	for r := 0; r < 3; r++ {
		out[r*4+0] = m.Data[r]
		out[r*4+1] = m.Data[4+r]
		out[r*4+2] = m.Data[8+r]
		out[r*4+3] = m.Data[12+r]
	}
	return out
}

// Encode writes the 64-byte instance record into dst.
func (i BlasInstance) Encode(dst []byte) {
	_ = dst[InstanceRecordSize-1]
	for k, f := range TransformToKHR(i.Transform) {
		binary.LittleEndian.PutUint32(dst[k*4:], gomath.Float32bits(f))
	}
	binary.LittleEndian.PutUint32(dst[48:], i.CustomIndex&0xFFFFFF|uint32(i.Mask)<<24)
	binary.LittleEndian.PutUint32(dst[52:], i.SBTOffset&0xFFFFFF|uint32(i.Flags&0xFF)<<24)
	binary.LittleEndian.PutUint64(dst[56:], uint64(i.Blas.Address))
}

// TopLevel is a scene-wide acceleration structure rebuilt every frame. The
// first Rebuild builds it and later ones update it in place as long as the
// instance count does not change.
type TopLevel struct {
	ctx   *Context
	Name  string
	Flags driver.BuildAccelerationStructureFlags
	Accel *Accel

	instances *Buffer
	scratch   *Buffer
	count     int
	blases    []*Accel
}

func NewTopLevel(ctx *Context, name string, flags driver.BuildAccelerationStructureFlags) (*TopLevel, error) {
	if err := ctx.requireAccelerationStructures(); err != nil {
		return nil, err
	}
	return &TopLevel{
		ctx:   ctx,
		Name:  core.NameOr(name, "tlas"),
		Flags: flags | driver.BuildAccelerationStructureAllowUpdate,
	}, nil
}

// Rebuild uploads instances and builds or updates the structure. It blocks
// until the GPU is done.
func (t *TopLevel) Rebuild(instances []BlasInstance) error {
	if len(instances) == 0 {
		err := errors.Newf("top-level structure %s needs at least one instance", t.Name)
		core.LogError(err.Error())
		return err
	}
	for k, inst := range instances {
		if inst.Blas == nil || inst.Blas.Handle == 0 {
			err := errors.Wrapf(core.ErrReleased, "instance %d of %s has no bottom-level structure", k, t.Name)
			core.LogError(err.Error())
			return err
		}
	}

	size := uint64(len(instances)) * InstanceRecordSize
	staging, err := NewHostBuffer(t.ctx, t.Name+"-staging", size, driver.BufferUsageTransferSrc)
	if err != nil {
		return err
	}
	defer staging.Release()
	mapped, err := staging.Map()
	if err != nil {
		return err
	}
	for k, inst := range instances {
		inst.Encode(mapped[k*InstanceRecordSize:])
	}

	if t.instances == nil || t.instances.Size != size {
		if t.instances != nil {
			t.instances.Release()
		}
		t.instances, err = NewBuffer(t.ctx, BufferCreateInfo{
			Name: t.Name + "-instances",
			Size: size,
			Usage: driver.BufferUsageAccelerationStructureInput | driver.BufferUsageShaderDeviceAddress |
				driver.BufferUsageTransferDst,
			Properties: driver.MemoryPropertyDeviceLocal,
		})
		if err != nil {
			return err
		}
	}

	update := t.Accel != nil && t.count == len(instances)
	info := driver.AccelerationStructureBuildGeometryInfo{
		Type:      driver.AccelerationStructureTypeTopLevel,
		Flags:     t.Flags,
		Mode:      driver.BuildAccelerationStructureModeBuild,
		Instances: &driver.InstancesGeometry{Data: t.instances.DeviceAddress()},
	}
	sizes, err := t.ctx.Driver.AccelerationStructureBuildSizes(info, uint32(len(instances)))
	if err != nil {
		err = errors.Wrapf(err, "querying build sizes of %s", t.Name)
		core.LogError(err.Error())
		return err
	}

	if !update {
		accel, err := newAccel(t.ctx, t.Name, driver.AccelerationStructureTypeTopLevel, sizes.AccelerationStructureSize)
		if err != nil {
			return err
		}
		if t.Accel != nil {
			t.Accel.Release()
		}
		t.Accel = accel
		info.Dst = accel.Handle
	} else {
		info.Mode = driver.BuildAccelerationStructureModeUpdate
		info.Src = t.Accel.Handle
		info.Dst = t.Accel.Handle
	}

	scratchSize := sizes.BuildScratchSize
	if update {
		scratchSize = sizes.UpdateScratchSize
	}
	scratchSize = math.AlignUp(scratchSize, t.ctx.Limits.MinAccelerationStructureScratchOffsetAlignment)
	if t.scratch == nil || t.scratch.Size < scratchSize {
		if t.scratch != nil {
			t.scratch.Release()
		}
		if t.scratch, err = newScratchBuffer(t.ctx, t.Name+"-scratch", scratchSize); err != nil {
			return err
		}
	}
	info.Scratch = t.scratch.DeviceAddress()

	referenced := distinctBlases(instances)
	err = t.ctx.Graphics.ImmediateSubmit(func(cb *CommandBuffer) error {
		if err := cb.CopyBuffer(staging, t.instances); err != nil {
			return err
		}
		if err := cb.Barrier(driver.PipelineStageTransfer, driver.PipelineStageAccelerationStructureBuild,
			driver.AccessTransferWrite, driver.AccessAccelerationStructureRead); err != nil {
			return err
		}
		if err := cb.buildAccelerationStructure(info, driver.AccelerationStructureBuildRange{PrimitiveCount: uint32(len(instances))}); err != nil {
			return err
		}
		cb.Track(t.Accel)
		cb.Track(t.scratch)
		for _, b := range referenced {
			cb.Track(b)
		}
		return recordBuildBarrier(cb, driver.PipelineStageRayTracingShader)
	})
	if err != nil {
		return err
	}

	// hold one reference per distinct bottom-level structure until the
	// next rebuild
	for _, b := range referenced {
		b.Acquire()
	}
	for _, b := range t.blases {
		b.Release()
	}
	t.blases = referenced
	t.count = len(instances)
	return nil
}

// distinctBlases lists the bottom-level structures instances reference,
// each once, in first-use order.
func distinctBlases(instances []BlasInstance) []*Accel {
	seen := make(map[*Accel]struct{}, len(instances))
	out := make([]*Accel, 0, len(instances))
	for _, inst := range instances {
		if _, ok := seen[inst.Blas]; ok {
			continue
		}
		seen[inst.Blas] = struct{}{}
		out = append(out, inst.Blas)
	}
	return out
}

// InstanceCount is the number of instances of the last successful
// Rebuild.
func (t *TopLevel) InstanceCount() int {
	return t.count
}

// Binding describes the structure for SetDescriptor.
func (t *TopLevel) Binding() AccelBinding {
	return AccelBinding{Accel: t.Accel}
}

func (t *TopLevel) Destroy() {
	for _, b := range t.blases {
		b.Release()
	}
	t.blases = nil
	if t.scratch != nil {
		t.scratch.Release()
		t.scratch = nil
	}
	if t.instances != nil {
		t.instances.Release()
		t.instances = nil
	}
	if t.Accel != nil {
		t.Accel.Release()
		t.Accel = nil
	}
}

package gpu

import (
	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/chronicle/engine/core"
	"github.com/spaghettifunk/chronicle/engine/math"
	"github.com/spaghettifunk/chronicle/engine/renderer/driver"
)

// BlasGeometry is indexed triangle input living in device-addressable
// buffers.
type BlasGeometry struct {
	Vertices       *Buffer
	VertexStride   uint64
	VertexCount    uint32
	Indices        *Buffer
	IndexType      driver.IndexType
	PrimitiveCount uint32
	Opaque         bool
}

// BlasBuildInfo is one bottom-level build request. Sizes and Accel are
// filled in by BuildBottomLevel.
type BlasBuildInfo struct {
	Name     string
	Geometry BlasGeometry
	Flags    driver.BuildAccelerationStructureFlags

	Sizes driver.AccelerationStructureBuildSizes
	Accel *Accel

	// the uncompacted structure, dropped once the compacted copy exists
	cleanup *Accel
}

func (b *BlasBuildInfo) compact() bool {
	return b.Flags&driver.BuildAccelerationStructureAllowCompaction != 0
}

func (b *BlasBuildInfo) geometryInfo() driver.AccelerationStructureBuildGeometryInfo {
	g := b.Geometry
	return driver.AccelerationStructureBuildGeometryInfo{
		Type:  driver.AccelerationStructureTypeBottomLevel,
		Flags: b.Flags,
		Mode:  driver.BuildAccelerationStructureModeBuild,
		Triangles: &driver.TrianglesGeometry{
			VertexData:   g.Vertices.DeviceAddress(),
			VertexStride: g.VertexStride,
			MaxVertex:    g.VertexCount - 1,
			IndexData:    g.Indices.DeviceAddress(),
			IndexType:    g.IndexType,
			Opaque:       g.Opaque,
		},
	}
}

func (b *BlasBuildInfo) validate() error {
	g := b.Geometry
	if g.Vertices == nil || g.Indices == nil || g.VertexCount == 0 || g.PrimitiveCount == 0 || g.VertexStride < 12 {
		err := errors.Wrapf(core.ErrInvalidConfig, "bottom-level build %q has incomplete geometry", b.Name)
		core.LogError(err.Error())
		return err
	}
	return nil
}

// PartitionBatches splits builds into consecutive sub-batches whose total
// storage stays within budget. A new sub-batch starts when adding the next
// build would exceed the budget and the current one is not empty, so a
// single build larger than the budget still gets a sub-batch of its own.
func PartitionBatches(sizes []uint64, budget uint64) [][]int {
	var batches [][]int
	var current []int
	var total uint64
	for i, size := range sizes {
		if len(current) > 0 && total+size > budget {
			batches = append(batches, current)
			current, total = nil, 0
		}
		current = append(current, i)
		total += size
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

// BuildBottomLevel builds every request in builds. Builds are grouped
// into sub-batches bounded by the configured memory budget, each recorded
// into one command buffer sharing a single scratch buffer. When the
// requests ask for compaction, all of them must, and each batch's
// structures are replaced by compacted copies before the next batch is
// built.
func BuildBottomLevel(ctx *Context, builds []*BlasBuildInfo) error {
	if err := ctx.requireAccelerationStructures(); err != nil {
		return err
	}
	if len(builds) == 0 {
		return nil
	}

	compactCount := 0
	for _, b := range builds {
		if err := b.validate(); err != nil {
			return err
		}
		if b.compact() {
			compactCount++
		}
	}
	if compactCount > 0 && compactCount != len(builds) {
		err := errors.Wrapf(core.ErrPartialCompaction, "%d of %d builds request compaction", compactCount, len(builds))
		core.LogError(err.Error())
		return err
	}

	var scratchSize uint64
	storage := make([]uint64, len(builds))
	for i, b := range builds {
		sizes, err := ctx.Driver.AccelerationStructureBuildSizes(b.geometryInfo(), b.Geometry.PrimitiveCount)
		if err != nil {
			err = errors.Wrapf(err, "querying build sizes of %q", b.Name)
			core.LogError(err.Error())
			return err
		}
		b.Sizes = sizes
		storage[i] = sizes.AccelerationStructureSize
		scratchSize = max(scratchSize, sizes.BuildScratchSize)
	}
	scratchSize = math.AlignUp(scratchSize, ctx.Limits.MinAccelerationStructureScratchOffsetAlignment)

	scratch, err := newScratchBuffer(ctx, "blas-scratch", scratchSize)
	if err != nil {
		return err
	}
	defer scratch.Release()

	var queries *QueryPool
	if compactCount > 0 {
		if queries, err = NewQueryPool(ctx, driver.QueryTypeAccelerationStructureCompactedSize, uint32(compactCount)); err != nil {
			return err
		}
		defer queries.Destroy()
	}

	batches := PartitionBatches(storage, ctx.Config.BatchBudget())
	core.LogDebug("building %d bottom-level structures in %d batches with %d bytes of scratch", len(builds), len(batches), scratchSize)

	for _, batch := range batches {
		err := ctx.Graphics.ImmediateSubmit(func(cb *CommandBuffer) error {
			return recordBlasBatch(ctx, cb, builds, batch, scratch, queries)
		})
		if err != nil {
			releaseBuilds(builds)
			return err
		}
		// compact before the next batch so at most one batch of
		// uncompacted structures is alive at a time
		if queries != nil {
			if err := compactBottomLevel(ctx, builds, batch, queries); err != nil {
				releaseBuilds(builds)
				return err
			}
		}
	}
	return nil
}

func recordBlasBatch(ctx *Context, cb *CommandBuffer, builds []*BlasBuildInfo, batch []int, scratch *Buffer, queries *QueryPool) error {
	if queries != nil {
		if err := cb.ResetQueryPool(queries, uint32(batch[0]), uint32(len(batch))); err != nil {
			return err
		}
	}
	cb.Track(scratch)

	for _, i := range batch {
		b := builds[i]
		accel, err := newAccel(ctx, core.NameOr(b.Name, "blas"), driver.AccelerationStructureTypeBottomLevel, b.Sizes.AccelerationStructureSize)
		if err != nil {
			return err
		}
		b.Accel = accel

		info := b.geometryInfo()
		info.Dst = accel.Handle
		info.Scratch = scratch.DeviceAddress()
		if err := cb.buildAccelerationStructure(info, driver.AccelerationStructureBuildRange{PrimitiveCount: b.Geometry.PrimitiveCount}); err != nil {
			return err
		}
		cb.Track(accel)
		cb.Track(b.Geometry.Vertices)
		cb.Track(b.Geometry.Indices)

		// the next build reuses the scratch memory and the size query reads
		// the finished structure
		if err := recordBuildBarrier(cb, driver.PipelineStageAccelerationStructureBuild); err != nil {
			return err
		}
		if queries != nil {
			if err := cb.writeCompactedSize(accel, queries, uint32(i)); err != nil {
				return err
			}
		}
	}
	return nil
}

// compactBottomLevel replaces the structures of one finished batch by
// compacted copies. Batches are contiguous ranges of builds, so the batch's
// queries are too.
func compactBottomLevel(ctx *Context, builds []*BlasBuildInfo, batch []int, queries *QueryPool) error {
	first := uint32(batch[0])
	sizes, err := queries.Results(first, uint32(len(batch)), true)
	if err != nil {
		return err
	}

	err = ctx.Graphics.ImmediateSubmit(func(cb *CommandBuffer) error {
		for n, i := range batch {
			b := builds[i]
			compacted, err := newAccel(ctx, b.Accel.Name()+"-compact", driver.AccelerationStructureTypeBottomLevel, sizes[n])
			if err != nil {
				return err
			}
			if err := cb.copyAccelerationStructure(b.Accel, compacted, driver.CopyAccelerationStructureModeCompact); err != nil {
				compacted.Release()
				return err
			}
			b.cleanup, b.Accel = b.Accel, compacted
		}
		return nil
	})
	if err != nil {
		return err
	}

	var before, after uint64
	for _, i := range batch {
		b := builds[i]
		before += b.cleanup.Size
		after += b.Accel.Size
		b.cleanup.Release()
		b.cleanup = nil
	}
	core.LogDebug("compacted %d bottom-level structures from %d to %d bytes", len(batch), before, after)
	return nil
}

// releaseBuilds drops every structure a failed BuildBottomLevel created.
func releaseBuilds(builds []*BlasBuildInfo) {
	for _, b := range builds {
		if b.cleanup != nil {
			b.cleanup.Release()
			b.cleanup = nil
		}
		if b.Accel != nil {
			b.Accel.Release()
			b.Accel = nil
		}
	}
}

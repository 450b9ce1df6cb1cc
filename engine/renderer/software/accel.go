package software

import (
	"encoding/binary"
	stdmath "math"

	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/chronicle/engine/math"
	"github.com/spaghettifunk/chronicle/engine/renderer/driver"
)

const instanceRecordSize = 64

// Instance is a decoded top-level instance record as the device sees it.
type Instance struct {
	Transform   [12]float32
	CustomIndex uint32
	Mask        uint8
	SBTOffset   uint32
	Flags       uint8
	Reference   driver.DeviceAddress
}

type accel struct {
	kind    driver.AccelerationStructureType
	buffer  driver.Buffer
	offset  uint64
	size    uint64
	address driver.DeviceAddress

	built         bool
	flags         driver.BuildAccelerationStructureFlags
	primitives    uint32
	compactedSize uint64
	updates       int
	instances     []Instance
}

type queryPool struct {
	kind      driver.QueryType
	results   []uint64
	available []bool
}

func (d *Device) CreateAccelerationStructure(kind driver.AccelerationStructureType, buf driver.Buffer, offset, size uint64) (driver.AccelerationStructure, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.cfg.RayTracing {
		return 0, errors.Wrap(driver.ErrUnsupported, "acceleration structures")
	}
	b, ok := d.buffers[buf]
	if !ok {
		return 0, errors.Wrapf(driver.ErrInvalidHandle, "buffer %d", buf)
	}
	if b.usage&driver.BufferUsageAccelerationStructureStorage == 0 {
		return 0, errors.Newf("buffer %d lacks acceleration structure storage usage", buf)
	}
	if offset%256 != 0 {
		return 0, errors.Newf("acceleration structure offset %d is not 256-byte aligned", offset)
	}
	if offset+size > b.size {
		return 0, errors.Newf("acceleration structure of %d bytes at %d overruns buffer of %d", size, offset, b.size)
	}
	h := driver.AccelerationStructure(d.handle())
	d.accels[h] = &accel{
		kind:    kind,
		buffer:  buf,
		offset:  offset,
		size:    size,
		address: driver.DeviceAddress(d.nextAddress),
	}
	d.nextAddress += math.AlignUp(size, addressAlignment)
	d.stats.PeakAccelerationStructures = max(d.stats.PeakAccelerationStructures, len(d.accels))
	return h, nil
}

func (d *Device) DestroyAccelerationStructure(as driver.AccelerationStructure) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.accels[as]; !ok {
		d.violation("destroy of unknown acceleration structure %d", as)
		return
	}
	d.checkNotPending(uint64(as), "acceleration structure")
	delete(d.accels, as)
}

func (d *Device) AccelerationStructureDeviceAddress(as driver.AccelerationStructure) (driver.DeviceAddress, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	a, ok := d.accels[as]
	if !ok {
		return 0, errors.Wrapf(driver.ErrInvalidHandle, "acceleration structure %d", as)
	}
	return a.address, nil
}

func (d *Device) AccelerationStructureBuildSizes(info driver.AccelerationStructureBuildGeometryInfo, primitiveCount uint32) (driver.AccelerationStructureBuildSizes, error) {
	if !d.cfg.RayTracing {
		return driver.AccelerationStructureBuildSizes{}, errors.Wrap(driver.ErrUnsupported, "acceleration structures")
	}
	return d.buildSizes(info, primitiveCount), nil
}

// buildSizes is the size model: a fixed header plus a per-primitive cost,
// larger for instances than for triangles.
func (d *Device) buildSizes(info driver.AccelerationStructureBuildGeometryInfo, n uint32) driver.AccelerationStructureBuildSizes {
	if d.cfg.BuildSizes != nil {
		return d.cfg.BuildSizes(info, n)
	}
	c := uint64(n)
	if info.Type == driver.AccelerationStructureTypeTopLevel {
		return driver.AccelerationStructureBuildSizes{
			AccelerationStructureSize: math.AlignUp(c*128+1024, 256),
			BuildScratchSize:          math.AlignUp(c*64+512, 256),
			UpdateScratchSize:         math.AlignUp(c*32+256, 256),
		}
	}
	return driver.AccelerationStructureBuildSizes{
		AccelerationStructureSize: math.AlignUp(c*64+512, 256),
		BuildScratchSize:          math.AlignUp(c*32+256, 256),
		UpdateScratchSize:         math.AlignUp(c*16+256, 256),
	}
}

func (d *Device) CmdBuildAccelerationStructure(cb driver.CommandBuffer, info driver.AccelerationStructureBuildGeometryInfo, rng driver.AccelerationStructureBuildRange) {
	if info.Triangles != nil {
		t := *info.Triangles
		info.Triangles = &t
	}
	if info.Instances != nil {
		i := *info.Instances
		info.Instances = &i
	}
	d.record(cb, "build acceleration structure", func(d *Device) {
		d.executeBuild(info, rng)
	}, uint64(info.Dst), uint64(info.Src))
}

func (d *Device) executeBuild(info driver.AccelerationStructureBuildGeometryInfo, rng driver.AccelerationStructureBuildRange) {
	dst, ok := d.accels[info.Dst]
	if !ok {
		d.violation("build into unknown acceleration structure %d", info.Dst)
		return
	}
	if dst.kind != info.Type {
		d.violation("build of type %d into structure %d of type %d", info.Type, info.Dst, dst.kind)
		return
	}
	sizes := d.buildSizes(info, rng.PrimitiveCount)
	if dst.size < sizes.AccelerationStructureSize {
		d.violation("structure %d holds %d bytes, build needs %d", info.Dst, dst.size, sizes.AccelerationStructureSize)
		return
	}

	update := info.Mode == driver.BuildAccelerationStructureModeUpdate
	scratchNeeded := sizes.BuildScratchSize
	if update {
		scratchNeeded = sizes.UpdateScratchSize
	}
	if uint64(info.Scratch)%d.Limits().MinAccelerationStructureScratchOffsetAlignment != 0 {
		d.violation("scratch address %#x is not aligned", info.Scratch)
	}
	scratch, off, ok := d.bufferAt(info.Scratch)
	if !ok {
		d.violation("scratch address %#x does not resolve to a buffer", info.Scratch)
		return
	}
	if scratch.size-off < scratchNeeded {
		d.violation("scratch holds %d bytes, build needs %d", scratch.size-off, scratchNeeded)
		return
	}

	if update {
		switch {
		case info.Src != info.Dst:
			d.violation("update from %d into %d must be in place", info.Src, info.Dst)
			return
		case !dst.built:
			d.violation("update of structure %d that was never built", info.Dst)
			return
		case dst.flags&driver.BuildAccelerationStructureAllowUpdate == 0:
			d.violation("update of structure %d built without allow-update", info.Dst)
			return
		case dst.primitives != rng.PrimitiveCount:
			d.violation("update changes primitive count %d -> %d", dst.primitives, rng.PrimitiveCount)
			return
		}
	}

	switch info.Type {
	case driver.AccelerationStructureTypeBottomLevel:
		if info.Triangles == nil {
			d.violation("bottom-level build without triangles")
			return
		}
		if !d.checkTriangles(info.Triangles, rng) {
			return
		}
	case driver.AccelerationStructureTypeTopLevel:
		if info.Instances == nil {
			d.violation("top-level build without instances")
			return
		}
		instances, ok := d.readInstances(info.Instances.Data, rng)
		if !ok {
			return
		}
		dst.instances = instances
	}

	dst.primitives = rng.PrimitiveCount
	dst.compactedSize = math.AlignUp(sizes.AccelerationStructureSize/2, 256)
	if update {
		dst.updates++
		d.stats.Updates++
	} else {
		dst.built = true
		dst.flags = info.Flags
		dst.updates = 0
		d.stats.Builds++
	}
}

func (d *Device) checkTriangles(t *driver.TrianglesGeometry, rng driver.AccelerationStructureBuildRange) bool {
	vb, voff, ok := d.bufferAt(t.VertexData)
	if !ok {
		d.violation("vertex address %#x does not resolve to a buffer", t.VertexData)
		return false
	}
	if vb.usage&driver.BufferUsageAccelerationStructureInput == 0 {
		d.violation("vertex buffer lacks acceleration structure input usage")
	}
	if voff+uint64(t.MaxVertex)*t.VertexStride+12 > vb.size {
		d.violation("max vertex %d overruns the vertex buffer", t.MaxVertex)
		return false
	}
	if t.IndexData == 0 {
		return true
	}
	ib, ioff, ok := d.bufferAt(t.IndexData)
	if !ok {
		d.violation("index address %#x does not resolve to a buffer", t.IndexData)
		return false
	}
	width := uint64(4)
	if t.IndexType == driver.IndexTypeUint16 {
		width = 2
	}
	start := ioff + uint64(rng.PrimitiveOffset)
	count := uint64(rng.PrimitiveCount) * 3
	if start+count*width > ib.size {
		d.violation("%d indices overrun the index buffer", count)
		return false
	}
	data := ib.bytes()[start:]
	for i := uint64(0); i < count; i++ {
		var idx uint32
		if width == 2 {
			idx = uint32(binary.LittleEndian.Uint16(data[i*2:]))
		} else {
			idx = binary.LittleEndian.Uint32(data[i*4:])
		}
		if idx+rng.FirstVertex > t.MaxVertex {
			d.violation("index %d exceeds max vertex %d", idx, t.MaxVertex)
			return false
		}
	}
	return true
}

func (d *Device) readInstances(addr driver.DeviceAddress, rng driver.AccelerationStructureBuildRange) ([]Instance, bool) {
	b, off, ok := d.bufferAt(addr)
	if !ok {
		d.violation("instance address %#x does not resolve to a buffer", addr)
		return nil, false
	}
	start := off + uint64(rng.PrimitiveOffset)
	n := uint64(rng.PrimitiveCount)
	if start+n*instanceRecordSize > b.size {
		d.violation("%d instance records overrun their buffer", n)
		return nil, false
	}
	data := b.bytes()[start:]
	out := make([]Instance, n)
	for i := range out {
		out[i] = DecodeInstance(data[i*instanceRecordSize : (i+1)*instanceRecordSize])
		if !d.isBuiltBottomLevel(out[i].Reference) {
			d.violation("instance %d references %#x, which is not a built bottom-level structure", i, out[i].Reference)
			return nil, false
		}
	}
	return out, true
}

func (d *Device) isBuiltBottomLevel(addr driver.DeviceAddress) bool {
	for _, a := range d.accels {
		if a.address == addr {
			return a.built && a.kind == driver.AccelerationStructureTypeBottomLevel
		}
	}
	return false
}

// DecodeInstance unpacks one 64-byte instance record.
func DecodeInstance(rec []byte) Instance {
	var inst Instance
	for i := range inst.Transform {
		inst.Transform[i] = stdmath.Float32frombits(binary.LittleEndian.Uint32(rec[i*4:]))
	}
	w := binary.LittleEndian.Uint32(rec[48:])
	inst.CustomIndex = w & 0xFFFFFF
	inst.Mask = uint8(w >> 24)
	w = binary.LittleEndian.Uint32(rec[52:])
	inst.SBTOffset = w & 0xFFFFFF
	inst.Flags = uint8(w >> 24)
	inst.Reference = driver.DeviceAddress(binary.LittleEndian.Uint64(rec[56:]))
	return inst
}

func (d *Device) CmdWriteAccelerationStructureCompactedSize(cb driver.CommandBuffer, as driver.AccelerationStructure, pool driver.QueryPool, query uint32) {
	d.record(cb, "write compacted size", func(d *Device) {
		a, ok := d.accels[as]
		if !ok {
			d.violation("compacted size of unknown structure %d", as)
			return
		}
		p, ok := d.queryPools[pool]
		if !ok || p.kind != driver.QueryTypeAccelerationStructureCompactedSize {
			d.violation("compacted size written to query pool %d of the wrong type", pool)
			return
		}
		if int(query) >= len(p.results) {
			d.violation("query %d outside pool of %d", query, len(p.results))
			return
		}
		if !a.built || a.flags&driver.BuildAccelerationStructureAllowCompaction == 0 {
			d.violation("compacted size of structure %d built without allow-compaction", as)
			return
		}
		if p.available[query] {
			d.violation("query %d written twice without a reset", query)
		}
		p.results[query] = a.compactedSize
		p.available[query] = true
	}, uint64(as), uint64(pool))
}

func (d *Device) CmdCopyAccelerationStructure(cb driver.CommandBuffer, src, dst driver.AccelerationStructure, mode driver.CopyAccelerationStructureMode) {
	d.record(cb, "copy acceleration structure", func(d *Device) {
		s, ok1 := d.accels[src]
		t, ok2 := d.accels[dst]
		if !ok1 || !ok2 {
			d.violation("copy between unknown structures %d -> %d", src, dst)
			return
		}
		if !s.built {
			d.violation("copy from structure %d that was never built", src)
			return
		}
		if s.kind != t.kind {
			d.violation("copy between structures of different types")
			return
		}
		need := s.size
		if mode == driver.CopyAccelerationStructureModeCompact {
			if s.flags&driver.BuildAccelerationStructureAllowCompaction == 0 {
				d.violation("compaction of structure %d built without allow-compaction", src)
				return
			}
			need = s.compactedSize
		}
		if t.size < need {
			d.violation("copy destination holds %d bytes, needs %d", t.size, need)
			return
		}
		t.built = true
		t.flags = s.flags
		t.primitives = s.primitives
		t.compactedSize = s.compactedSize
		t.instances = append([]Instance(nil), s.instances...)
		if mode == driver.CopyAccelerationStructureModeCompact {
			d.stats.Compactions++
		}
	}, uint64(src), uint64(dst))
}

func (d *Device) CreateQueryPool(queryType driver.QueryType, count uint32) (driver.QueryPool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if count == 0 {
		return 0, errors.New("query pool needs at least one query")
	}
	h := driver.QueryPool(d.handle())
	d.queryPools[h] = &queryPool{
		kind:      queryType,
		results:   make([]uint64, count),
		available: make([]bool, count),
	}
	return h, nil
}

func (d *Device) DestroyQueryPool(pool driver.QueryPool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checkNotPending(uint64(pool), "query pool")
	delete(d.queryPools, pool)
}

func (d *Device) CmdResetQueryPool(cb driver.CommandBuffer, pool driver.QueryPool, first, count uint32) {
	d.record(cb, "reset query pool", func(d *Device) {
		p, ok := d.queryPools[pool]
		if !ok {
			d.violation("reset of unknown query pool %d", pool)
			return
		}
		if int(first+count) > len(p.results) {
			d.violation("query reset %d+%d outside pool of %d", first, count, len(p.results))
			return
		}
		for i := first; i < first+count; i++ {
			p.results[i] = 0
			p.available[i] = false
		}
	}, uint64(pool))
}

// QueryResults with wait completes outstanding work first, the way a
// blocking read would.
func (d *Device) QueryResults(pool driver.QueryPool, first, count uint32, wait bool) ([]uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.queryPools[pool]
	if !ok {
		return nil, errors.Wrapf(driver.ErrInvalidHandle, "query pool %d", pool)
	}
	if int(first+count) > len(p.results) {
		return nil, errors.Newf("query range %d+%d outside pool of %d", first, count, len(p.results))
	}
	if wait {
		d.completeAll()
	}
	out := make([]uint64, count)
	for i := uint32(0); i < count; i++ {
		if !p.available[first+i] {
			return nil, errors.Wrapf(driver.ErrTimeout, "query %d not available", first+i)
		}
		out[i] = p.results[first+i]
	}
	return out, nil
}

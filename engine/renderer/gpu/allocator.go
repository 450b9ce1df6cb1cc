package gpu

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/chronicle/engine/core"
	"github.com/spaghettifunk/chronicle/engine/renderer/driver"
)

// Allocation is one dedicated device memory block.
type Allocation struct {
	Memory     driver.Memory
	Size       uint64
	TypeIndex  uint32
	Properties driver.MemoryProperty
}

func (a *Allocation) HostVisible() bool {
	return a.Properties&driver.MemoryPropertyHostVisible != 0
}

type AllocationStats struct {
	Count int
	Bytes uint64
}

// Allocator picks memory types and hands out dedicated allocations. It
// keeps per-type counters so leaks show up at shutdown.
type Allocator struct {
	drv   driver.Driver
	types []driver.MemoryType

	mu    sync.Mutex
	stats map[uint32]*AllocationStats
}

func NewAllocator(drv driver.Driver) *Allocator {
	return &Allocator{
		drv:   drv,
		types: drv.MemoryTypes(),
		stats: make(map[uint32]*AllocationStats),
	}
}

// FindMemoryIndex returns the first memory type allowed by typeFilter that
// has every requested property, or -1.
func (a *Allocator) FindMemoryIndex(typeFilter uint32, properties driver.MemoryProperty) int32 {
	for i, t := range a.types {
		// Check each memory type to see if its bit is set to 1.
		if typeFilter&(1<<uint(i)) != 0 && t.Properties&properties == properties {
			return int32(i)
		}
	}
	core.LogWarn("Unable to find suitable memory type!")
	return -1
}

func (a *Allocator) Allocate(req driver.MemoryRequirements, properties driver.MemoryProperty, deviceAddress bool) (*Allocation, error) {
	index := a.FindMemoryIndex(req.MemoryTypeBits, properties)
	if index == -1 {
		err := errors.Wrapf(core.ErrNoCompatibleMemory, "properties %#x, type bits %#b", uint32(properties), req.MemoryTypeBits)
		core.LogError(err.Error())
		return nil, err
	}
	mem, err := a.drv.AllocateMemory(req.Size, uint32(index), deviceAddress)
	if err != nil {
		if errors.Is(err, driver.ErrOutOfDeviceMemory) {
			err = errors.Mark(errors.Wrapf(err, "allocating %d bytes", req.Size), core.ErrAllocationFailed)
		}
		core.LogError(err.Error())
		return nil, err
	}

	a.mu.Lock()
	s, ok := a.stats[uint32(index)]
	if !ok {
		s = &AllocationStats{}
		a.stats[uint32(index)] = s
	}
	s.Count++
	s.Bytes += req.Size
	a.mu.Unlock()

	return &Allocation{
		Memory:     mem,
		Size:       req.Size,
		TypeIndex:  uint32(index),
		Properties: a.types[index].Properties,
	}, nil
}

func (a *Allocator) Free(alloc *Allocation) {
	if alloc == nil || alloc.Memory == 0 {
		return
	}
	a.drv.FreeMemory(alloc.Memory)

	a.mu.Lock()
	if s, ok := a.stats[alloc.TypeIndex]; ok {
		s.Count--
		s.Bytes -= alloc.Size
	}
	a.mu.Unlock()
	alloc.Memory = 0
}

// Stats returns a snapshot of live allocations per memory type.
func (a *Allocator) Stats() map[uint32]AllocationStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[uint32]AllocationStats, len(a.stats))
	for k, v := range a.stats {
		out[k] = *v
	}
	return out
}

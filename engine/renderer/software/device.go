// Package software implements driver.Driver entirely in host memory. It
// executes recorded commands when their submission completes, so tests can
// observe copies, blits, layout changes, acceleration-structure builds and
// resource lifetimes without a GPU. Completion is either immediate or
// stepped by hand.
package software

import (
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/chronicle/engine/core"
	"github.com/spaghettifunk/chronicle/engine/renderer/driver"
)

type Config struct {
	// Complete every submission as soon as it is queued.
	AutoComplete bool
	// Override the memory type table. Defaults to device-local, host
	// visible/coherent and host cached types.
	MemoryTypes []driver.MemoryType
	// Allocations larger than this fail with ErrOutOfDeviceMemory. Zero
	// disables the limit.
	MaxAllocationSize uint64
	// Reports acceleration-structure and ray-tracing support. Defaults to
	// true through NewConfig.
	RayTracing bool
	// Replaces the default build-size model.
	BuildSizes func(info driver.AccelerationStructureBuildGeometryInfo, primitiveCount uint32) driver.AccelerationStructureBuildSizes
}

func NewConfig() Config {
	return Config{
		AutoComplete: true,
		RayTracing:   true,
	}
}

// ConfigFrom maps the engine configuration onto a device configuration.
func ConfigFrom(cfg *core.Config) Config {
	c := NewConfig()
	c.AutoComplete = cfg.Software.AutoComplete
	c.MaxAllocationSize = cfg.Software.MaxAllocationSize
	if cfg.Software.DeviceLocalOnly {
		c.MemoryTypes = []driver.MemoryType{{Properties: driver.MemoryPropertyDeviceLocal}}
	}
	return c
}

const (
	graphicsFamily uint32 = 0
	presentFamily  uint32 = 1
	transferFamily uint32 = 2

	addressBase      uint64 = 0x10000000
	addressAlignment uint64 = 256
)

type Device struct {
	mu  sync.Mutex
	cfg Config

	nextHandle  uint64
	nextAddress uint64

	memoryTypes []driver.MemoryType
	queues      map[driver.Queue]*queue

	memories        map[driver.Memory]*memory
	buffers         map[driver.Buffer]*buffer
	images          map[driver.Image]*image
	views           map[driver.ImageView]driver.Image
	samplers        map[driver.Sampler]driver.SamplerCreateInfo
	commandPools    map[driver.CommandPool]uint32
	commandBuffers  map[driver.CommandBuffer]*commandBuffer
	fences          map[driver.Fence]*fence
	semaphores      map[driver.Semaphore]bool
	descriptorPools map[driver.DescriptorPool]*descriptorPool
	setLayouts      map[driver.DescriptorSetLayout][]driver.DescriptorSetLayoutBinding
	sets            map[driver.DescriptorSet]*descriptorSet
	pipelineLayouts map[driver.PipelineLayout]bool
	pipelines       map[driver.Pipeline]driver.PipelineBindPoint
	queryPools      map[driver.QueryPool]*queryPool
	accels          map[driver.AccelerationStructure]*accel

	stats      Stats
	violations []string
}

var _ driver.Driver = (*Device)(nil)

func New(cfg Config) *Device {
	types := cfg.MemoryTypes
	if len(types) == 0 {
		types = []driver.MemoryType{
			{Properties: driver.MemoryPropertyDeviceLocal, HeapIndex: 0},
			{Properties: driver.MemoryPropertyHostVisible | driver.MemoryPropertyHostCoherent, HeapIndex: 1},
			{Properties: driver.MemoryPropertyHostVisible | driver.MemoryPropertyHostCoherent | driver.MemoryPropertyHostCached, HeapIndex: 1},
		}
	}
	d := &Device{
		cfg:             cfg,
		nextAddress:     addressBase,
		memoryTypes:     types,
		queues:          make(map[driver.Queue]*queue),
		memories:        make(map[driver.Memory]*memory),
		buffers:         make(map[driver.Buffer]*buffer),
		images:          make(map[driver.Image]*image),
		views:           make(map[driver.ImageView]driver.Image),
		samplers:        make(map[driver.Sampler]driver.SamplerCreateInfo),
		commandPools:    make(map[driver.CommandPool]uint32),
		commandBuffers:  make(map[driver.CommandBuffer]*commandBuffer),
		fences:          make(map[driver.Fence]*fence),
		semaphores:      make(map[driver.Semaphore]bool),
		descriptorPools: make(map[driver.DescriptorPool]*descriptorPool),
		setLayouts:      make(map[driver.DescriptorSetLayout][]driver.DescriptorSetLayoutBinding),
		sets:            make(map[driver.DescriptorSet]*descriptorSet),
		pipelineLayouts: make(map[driver.PipelineLayout]bool),
		pipelines:       make(map[driver.Pipeline]driver.PipelineBindPoint),
		queryPools:      make(map[driver.QueryPool]*queryPool),
		accels:          make(map[driver.AccelerationStructure]*accel),
	}
	for _, family := range []uint32{graphicsFamily, presentFamily, transferFamily} {
		h := driver.Queue(d.handle())
		d.queues[h] = &queue{handle: h, family: family}
	}
	core.LogDebug("software device created with %d memory types", len(types))
	return d
}

func (d *Device) handle() uint64 {
	d.nextHandle++
	return d.nextHandle
}

// violation records misuse that a real device would turn into undefined
// behaviour. Callers hold d.mu.
func (d *Device) violation(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	core.LogError("software device: %s", msg)
	d.violations = append(d.violations, msg)
}

func (d *Device) Name() string {
	return "software"
}

func (d *Device) Features() driver.Features {
	return driver.Features{
		BufferDeviceAddress:   true,
		AccelerationStructure: d.cfg.RayTracing,
		RayTracingPipeline:    d.cfg.RayTracing,
		SamplerAnisotropy:     true,
	}
}

func (d *Device) Limits() driver.Limits {
	return driver.Limits{
		MinAccelerationStructureScratchOffsetAlignment: 128,
		ShaderGroupHandleSize:                          32,
		ShaderGroupHandleAlignment:                     32,
		ShaderGroupBaseAlignment:                       64,
		MaxPushConstantsSize:                           128,
		MaxSamplerAnisotropy:                           16,
	}
}

func (d *Device) MemoryTypes() []driver.MemoryType {
	return append([]driver.MemoryType(nil), d.memoryTypes...)
}

func (d *Device) Queue(kind driver.QueueKind) (driver.Queue, uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	family := graphicsFamily
	switch kind {
	case driver.QueuePresent:
		family = presentFamily
	case driver.QueueTransfer:
		family = transferFamily
	}
	for h, q := range d.queues {
		if q.family == family {
			return h, family, nil
		}
	}
	return 0, 0, errors.Wrapf(core.ErrNoCompatibleQueue, "no %s queue", kind)
}

// Destroy reports every object that is still alive. The core is expected
// to release everything before tearing the device down.
func (d *Device) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.completeAll()
	live := d.liveLocked()
	if live.Buffers+live.Images+live.Memory+live.AccelerationStructures > 0 {
		core.LogWarn("software device destroyed with live objects: %+v", live)
	}
}

package software

import (
	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/chronicle/engine/math"
	"github.com/spaghettifunk/chronicle/engine/renderer/driver"
)

type memory struct {
	size          uint64
	typeIndex     uint32
	deviceAddress bool
	mapped        bool
	// backing store is created on first touch so large device-local
	// allocations that are never read cost nothing
	data []byte
}

func (m *memory) bytes() []byte {
	if m.data == nil {
		m.data = make([]byte, m.size)
	}
	return m.data
}

type buffer struct {
	size    uint64
	usage   driver.BufferUsage
	memory  *memory
	offset  uint64
	address driver.DeviceAddress
}

func (b *buffer) bytes() []byte {
	if b.memory == nil {
		return nil
	}
	return b.memory.bytes()[b.offset : b.offset+b.size]
}

type image struct {
	info    driver.ImageCreateInfo
	memory  *memory
	offset  uint64
	layouts []driver.ImageLayout
}

// levelRange returns the byte range of one mip level inside the image's
// memory. Levels are packed tightly one after another.
func (img *image) levelRange(level uint32) (uint64, uint64) {
	bpp := uint64(img.info.Format.BytesPerPixel())
	var off uint64
	for l := uint32(0); l < level; l++ {
		off += uint64(math.MipExtent(img.info.Extent.Width, l)) * uint64(math.MipExtent(img.info.Extent.Height, l)) * bpp
	}
	size := uint64(math.MipExtent(img.info.Extent.Width, level)) * uint64(math.MipExtent(img.info.Extent.Height, level)) * bpp
	return img.offset + off, size
}

func (img *image) level(level uint32) []byte {
	if img.memory == nil {
		return nil
	}
	off, size := img.levelRange(level)
	return img.memory.bytes()[off : off+size]
}

func (d *Device) AllocateMemory(size uint64, memoryTypeIndex uint32, deviceAddress bool) (driver.Memory, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if int(memoryTypeIndex) >= len(d.memoryTypes) {
		return 0, errors.Wrapf(driver.ErrInvalidHandle, "memory type %d", memoryTypeIndex)
	}
	if d.cfg.MaxAllocationSize > 0 && size > d.cfg.MaxAllocationSize {
		return 0, errors.Wrapf(driver.ErrOutOfDeviceMemory, "allocation of %d bytes exceeds %d", size, d.cfg.MaxAllocationSize)
	}
	h := driver.Memory(d.handle())
	d.memories[h] = &memory{size: size, typeIndex: memoryTypeIndex, deviceAddress: deviceAddress}
	d.stats.Allocations++
	return h, nil
}

func (d *Device) FreeMemory(mem driver.Memory) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, ok := d.memories[mem]
	if !ok {
		d.violation("free of unknown memory %d", mem)
		return
	}
	for bh, b := range d.buffers {
		if b.memory == m {
			d.violation("memory %d freed while buffer %d is still bound to it", mem, bh)
		}
	}
	delete(d.memories, mem)
}

func (d *Device) MapMemory(mem driver.Memory, offset, size uint64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, ok := d.memories[mem]
	if !ok {
		return nil, errors.Wrapf(driver.ErrInvalidHandle, "memory %d", mem)
	}
	if d.memoryTypes[m.typeIndex].Properties&driver.MemoryPropertyHostVisible == 0 {
		d.violation("map of memory %d which is not host visible", mem)
		return nil, errors.Newf("memory type %d is not host visible", m.typeIndex)
	}
	if offset+size > m.size {
		return nil, errors.Newf("map range %d+%d exceeds allocation of %d", offset, size, m.size)
	}
	m.mapped = true
	return m.bytes()[offset : offset+size : offset+size], nil
}

func (d *Device) UnmapMemory(mem driver.Memory) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if m, ok := d.memories[mem]; ok {
		if !m.mapped {
			d.violation("unmap of memory %d that is not mapped", mem)
		}
		m.mapped = false
	}
}

func (d *Device) allMemoryTypeBits() uint32 {
	return uint32(1)<<len(d.memoryTypes) - 1
}

func (d *Device) CreateBuffer(info driver.BufferCreateInfo) (driver.Buffer, driver.MemoryRequirements, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if info.Size == 0 {
		return 0, driver.MemoryRequirements{}, errors.New("buffer size must be positive")
	}
	alignment := uint64(16)
	if info.Usage&(driver.BufferUsageUniformBuffer|driver.BufferUsageAccelerationStructureStorage|driver.BufferUsageShaderBindingTable) != 0 {
		alignment = 256
	}
	h := driver.Buffer(d.handle())
	d.buffers[h] = &buffer{size: info.Size, usage: info.Usage}
	return h, driver.MemoryRequirements{
		Size:           math.AlignUp(info.Size, alignment),
		Alignment:      alignment,
		MemoryTypeBits: d.allMemoryTypeBits(),
	}, nil
}

func (d *Device) DestroyBuffer(buf driver.Buffer) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.buffers[buf]; !ok {
		d.violation("destroy of unknown buffer %d", buf)
		return
	}
	d.checkNotPending(uint64(buf), "buffer")
	delete(d.buffers, buf)
}

func (d *Device) BindBufferMemory(buf driver.Buffer, mem driver.Memory, offset uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.buffers[buf]
	if !ok {
		return errors.Wrapf(driver.ErrInvalidHandle, "buffer %d", buf)
	}
	m, ok := d.memories[mem]
	if !ok {
		return errors.Wrapf(driver.ErrInvalidHandle, "memory %d", mem)
	}
	if offset+b.size > m.size {
		return errors.Newf("buffer of %d bytes does not fit in allocation of %d at offset %d", b.size, m.size, offset)
	}
	b.memory = m
	b.offset = offset
	if b.usage&driver.BufferUsageShaderDeviceAddress != 0 {
		if !m.deviceAddress {
			d.violation("buffer %d has device address usage but memory %d was allocated without it", buf, mem)
		}
		b.address = driver.DeviceAddress(d.nextAddress)
		d.nextAddress += math.AlignUp(b.size, addressAlignment)
	}
	return nil
}

func (d *Device) BufferDeviceAddress(buf driver.Buffer) (driver.DeviceAddress, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.buffers[buf]
	if !ok {
		return 0, errors.Wrapf(driver.ErrInvalidHandle, "buffer %d", buf)
	}
	if b.address == 0 {
		return 0, errors.Newf("buffer %d was not created with device address usage", buf)
	}
	return b.address, nil
}

// bufferAt resolves a device address to the buffer containing it and the
// offset inside that buffer.
func (d *Device) bufferAt(addr driver.DeviceAddress) (*buffer, uint64, bool) {
	for _, b := range d.buffers {
		if b.address != 0 && addr >= b.address && uint64(addr) < uint64(b.address)+b.size {
			return b, uint64(addr - b.address), true
		}
	}
	return nil, 0, false
}

func (d *Device) CreateImage(info driver.ImageCreateInfo) (driver.Image, driver.MemoryRequirements, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if info.Format.BytesPerPixel() == 0 {
		return 0, driver.MemoryRequirements{}, errors.Wrapf(driver.ErrUnsupported, "image format %d", info.Format)
	}
	if info.MipLevels == 0 || info.MipLevels > math.MipLevelCount(info.Extent.Width, info.Extent.Height) {
		return 0, driver.MemoryRequirements{}, errors.Newf("invalid mip level count %d for %dx%d", info.MipLevels, info.Extent.Width, info.Extent.Height)
	}
	img := &image{info: info, layouts: make([]driver.ImageLayout, info.MipLevels)}
	end, _ := img.levelRange(info.MipLevels)
	h := driver.Image(d.handle())
	d.images[h] = img
	return h, driver.MemoryRequirements{
		Size:           math.AlignUp(end, 256),
		Alignment:      256,
		MemoryTypeBits: d.allMemoryTypeBits(),
	}, nil
}

func (d *Device) DestroyImage(img driver.Image) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.images[img]; !ok {
		d.violation("destroy of unknown image %d", img)
		return
	}
	d.checkNotPending(uint64(img), "image")
	delete(d.images, img)
}

func (d *Device) BindImageMemory(img driver.Image, mem driver.Memory, offset uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	i, ok := d.images[img]
	if !ok {
		return errors.Wrapf(driver.ErrInvalidHandle, "image %d", img)
	}
	m, ok := d.memories[mem]
	if !ok {
		return errors.Wrapf(driver.ErrInvalidHandle, "memory %d", mem)
	}
	i.memory = m
	i.offset = offset
	return nil
}

func (d *Device) CreateImageView(img driver.Image, format driver.Format, mipLevels uint32) (driver.ImageView, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.images[img]; !ok {
		return 0, errors.Wrapf(driver.ErrInvalidHandle, "image %d", img)
	}
	h := driver.ImageView(d.handle())
	d.views[h] = img
	return h, nil
}

func (d *Device) DestroyImageView(view driver.ImageView) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checkNotPending(uint64(view), "image view")
	delete(d.views, view)
}

func (d *Device) CreateSampler(info driver.SamplerCreateInfo) (driver.Sampler, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	h := driver.Sampler(d.handle())
	d.samplers[h] = info
	return h, nil
}

func (d *Device) DestroySampler(sampler driver.Sampler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.samplers, sampler)
}

package gpu

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/chronicle/engine/core"
	"github.com/spaghettifunk/chronicle/engine/renderer/driver"
)

// asBytes views a slice of plain values as raw bytes. T must not contain
// pointers.
func asBytes[T any](data []T) []byte {
	if len(data) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(&data[0])), len(data)*int(unsafe.Sizeof(zero)))
}

type DataBufferCreateInfo struct {
	Name  string
	Usage driver.BufferUsage
	// Dynamic buffers stay mapped and are rewritten with Update. Static
	// ones are uploaded once and live in device-local memory.
	Dynamic bool
}

// DataBuffer is a typed array of T on the GPU.
type DataBuffer[T any] struct {
	*Buffer
	Count   int
	Dynamic bool
}

func NewDataBuffer[T any](ctx *Context, info DataBufferCreateInfo, data []T) (*DataBuffer[T], error) {
	if len(data) == 0 {
		err := errors.Wrapf(core.ErrPayloadMismatch, "data buffer %q needs at least one element", info.Name)
		core.LogError(err.Error())
		return nil, err
	}
	payload := asBytes(data)
	bi := BufferCreateInfo{Name: info.Name, Size: uint64(len(payload)), Usage: info.Usage}

	if !info.Dynamic {
		buf, err := NewStaticBuffer(ctx, bi, payload)
		if err != nil {
			return nil, err
		}
		return &DataBuffer[T]{Buffer: buf, Count: len(data)}, nil
	}

	bi.Properties = driver.MemoryPropertyHostVisible | driver.MemoryPropertyHostCoherent
	buf, err := NewBuffer(ctx, bi)
	if err != nil {
		return nil, err
	}
	if err := buf.Write(payload, 0); err != nil {
		buf.Release()
		return nil, err
	}
	return &DataBuffer[T]{Buffer: buf, Count: len(data), Dynamic: true}, nil
}

// Update rewrites the contents of a dynamic buffer. The element count is
// fixed at creation.
func (b *DataBuffer[T]) Update(data []T) error {
	if !b.Dynamic {
		err := errors.Wrapf(core.ErrNotDynamic, "updating buffer %s", b.Name())
		core.LogError(err.Error())
		return err
	}
	if len(data) != b.Count {
		err := errors.Wrapf(core.ErrPayloadMismatch, "buffer %s holds %d elements, got %d", b.Name(), b.Count, len(data))
		core.LogError(err.Error())
		return err
	}
	return b.Write(asBytes(data), 0)
}

// Elements views the mapped contents as []T. Only dynamic buffers are
// mapped.
func (b *DataBuffer[T]) Elements() ([]T, error) {
	if !b.Dynamic {
		err := errors.Wrapf(core.ErrNotDynamic, "reading buffer %s", b.Name())
		core.LogError(err.Error())
		return nil, err
	}
	mapped, err := b.Map()
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&mapped[0])), b.Count), nil
}

// UniformBuffer is a single dynamic T bound as a uniform buffer.
type UniformBuffer[T any] struct {
	*DataBuffer[T]
}

func NewUniformBuffer[T any](ctx *Context, name string, initial T) (*UniformBuffer[T], error) {
	db, err := NewDataBuffer(ctx, DataBufferCreateInfo{
		Name:    name,
		Usage:   driver.BufferUsageUniformBuffer,
		Dynamic: true,
	}, []T{initial})
	if err != nil {
		return nil, err
	}
	return &UniformBuffer[T]{DataBuffer: db}, nil
}

func (u *UniformBuffer[T]) Set(value T) error {
	return u.Update([]T{value})
}

// Binding describes the uniform buffer for SetDescriptor.
func (u *UniformBuffer[T]) Binding() BufferBinding {
	return BufferBinding{Buffer: u.Buffer}
}

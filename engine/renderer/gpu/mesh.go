package gpu

import (
	"unsafe"

	"github.com/spaghettifunk/chronicle/engine/core"
	"github.com/spaghettifunk/chronicle/engine/math"
	"github.com/spaghettifunk/chronicle/engine/renderer/driver"
)

// geometryUsage adds build-input usage only on devices that can build
// acceleration structures.
func geometryUsage(ctx *Context) driver.BufferUsage {
	usage := driver.BufferUsageStorageBuffer
	if ctx.Features.AccelerationStructure {
		usage |= driver.BufferUsageShaderDeviceAddress | driver.BufferUsageAccelerationStructureInput
	}
	return usage
}

// Mesh is indexed triangle geometry in device-local buffers that can be
// drawn, read from shaders and used as bottom-level build input.
type Mesh struct {
	Name     string
	Vertices *DataBuffer[math.Vertex3D]
	Indices  *DataBuffer[uint32]
	Blas     *Accel
}

func NewMesh(ctx *Context, name string, vertices []math.Vertex3D, indices []uint32) (*Mesh, error) {
	name = core.NameOr(name, "mesh")
	vb, err := NewDataBuffer(ctx, DataBufferCreateInfo{
		Name:  name + "-vertices",
		Usage: geometryUsage(ctx) | driver.BufferUsageVertexBuffer,
	}, vertices)
	if err != nil {
		return nil, err
	}
	ib, err := NewDataBuffer(ctx, DataBufferCreateInfo{
		Name:  name + "-indices",
		Usage: geometryUsage(ctx) | driver.BufferUsageIndexBuffer,
	}, indices)
	if err != nil {
		vb.Release()
		return nil, err
	}
	return &Mesh{Name: name, Vertices: vb, Indices: ib}, nil
}

// BuildInfo describes a bottom-level build over the mesh.
func (m *Mesh) BuildInfo(cfg core.AccelerationConfig) *BlasBuildInfo {
	flags := driver.BuildAccelerationStructurePreferFastTrace
	if cfg.PreferFastBuild {
		flags = driver.BuildAccelerationStructurePreferFastBuild
	}
	if cfg.Compact {
		flags |= driver.BuildAccelerationStructureAllowCompaction
	}
	return &BlasBuildInfo{
		Name: m.Name + "-blas",
		Geometry: BlasGeometry{
			Vertices:       m.Vertices.Buffer,
			VertexStride:   uint64(unsafe.Sizeof(math.Vertex3D{})),
			VertexCount:    uint32(m.Vertices.Count),
			Indices:        m.Indices.Buffer,
			IndexType:      driver.IndexTypeUint32,
			PrimitiveCount: uint32(m.Indices.Count / 3),
			Opaque:         true,
		},
		Flags: flags,
	}
}

// BuildMeshes builds the bottom-level structure of every mesh in one call
// and stores the result on each mesh.
func BuildMeshes(ctx *Context, meshes ...*Mesh) error {
	builds := make([]*BlasBuildInfo, len(meshes))
	for i, m := range meshes {
		builds[i] = m.BuildInfo(ctx.Config.Acceleration)
	}
	if err := BuildBottomLevel(ctx, builds); err != nil {
		return err
	}
	for i, m := range meshes {
		if m.Blas != nil {
			m.Blas.Release()
		}
		m.Blas = builds[i].Accel
	}
	return nil
}

// Draw binds the mesh buffers and records an indexed draw.
func (m *Mesh) Draw(cb *CommandBuffer, instances uint32) error {
	if err := cb.BindVertexBuffer(m.Vertices.Buffer, 0); err != nil {
		return err
	}
	if err := cb.BindIndexBuffer(m.Indices.Buffer, 0, driver.IndexTypeUint32); err != nil {
		return err
	}
	return cb.DrawIndexed(uint32(m.Indices.Count), instances, 0, 0, 0)
}

func (m *Mesh) Destroy() {
	if m.Blas != nil {
		m.Blas.Release()
		m.Blas = nil
	}
	if m.Indices != nil {
		m.Indices.Release()
		m.Indices = nil
	}
	if m.Vertices != nil {
		m.Vertices.Release()
		m.Vertices = nil
	}
}

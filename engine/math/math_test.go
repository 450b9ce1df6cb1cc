package math

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertMatEqual(t *testing.T, expected mgl32.Mat4, got Mat4) {
	t.Helper()
	for i := range got.Data {
		assert.InDelta(t, expected[i], got.Data[i], 1e-5, "element %d", i)
	}
}

func TestMat4MatchesColumnMajorConvention(t *testing.T) {
	tr := NewMat4Translation(NewVec3(1, 2, 3))
	assertMatEqual(t, mgl32.Translate3D(1, 2, 3), tr)

	sc := NewMat4Scale(NewVec3(2, 3, 4))
	assertMatEqual(t, mgl32.Scale3D(2, 3, 4), sc)

	rot := NewMat4EulerY(DegToRad(30))
	assertMatEqual(t, mgl32.HomogRotate3DY(mgl32.DegToRad(30)), rot)

	// a.Mul(b) applies a first, so it equals b*a in column-vector notation.
	assertMatEqual(t, mgl32.Translate3D(1, 2, 3).Mul4(mgl32.Scale3D(2, 3, 4)), sc.Mul(tr))
}

func TestQuaternionToMat4(t *testing.T) {
	axis := NewVec3(0, 1, 0)
	q := NewQuatFromAxisAngle(axis, DegToRad(90))
	expected := mgl32.QuatRotate(mgl32.DegToRad(90), mgl32.Vec3{0, 1, 0}).Mat4()
	assertMatEqual(t, expected, q.ToMat4())
}

func TestTransformLocalAndWorld(t *testing.T) {
	parent := TransformFromPosition(NewVec3(10, 0, 0))
	child := TransformFromPositionRotationScale(
		NewVec3(0, 1, 0),
		NewQuatFromAxisAngle(NewVec3(0, 1, 0), DegToRad(90)),
		NewVec3(2, 2, 2),
	)
	child.Parent = parent

	expectedLocal := mgl32.Translate3D(0, 1, 0).
		Mul4(mgl32.HomogRotate3DY(mgl32.DegToRad(90))).
		Mul4(mgl32.Scale3D(2, 2, 2))
	assertMatEqual(t, expectedLocal, child.GetLocal())
	assertMatEqual(t, mgl32.Translate3D(10, 0, 0).Mul4(expectedLocal), child.GetWorld())

	p := child.GetWorld().Point(NewVec3(1, 0, 0))
	assert.True(t, p.Compare(NewVec3(10, 1, -2), 1e-5), "got %+v", p)

	child.SetPosition(NewVec3(0, 0, 0))
	assert.True(t, child.IsDirty)
	child.GetLocal()
	assert.False(t, child.IsDirty)
}

func TestTransposed(t *testing.T) {
	m := Mat4{}
	for i := range m.Data {
		m.Data[i] = float32(i)
	}
	tr := m.Transposed()
	assert.Equal(t, float32(4), tr.Data[1])
	assert.Equal(t, float32(12), tr.Data[3])
	assert.Equal(t, m, tr.Transposed())
}

func TestAlignUp(t *testing.T) {
	assert.Equal(t, uint64(0), AlignUp(uint64(0), 64))
	assert.Equal(t, uint64(64), AlignUp(uint64(1), 64))
	assert.Equal(t, uint64(64), AlignUp(uint64(64), 64))
	assert.Equal(t, uint64(128), AlignUp(uint64(65), 64))
	assert.Equal(t, uint32(96), AlignUp(uint32(90), 48))
	assert.Equal(t, uint32(7), AlignUp(uint32(7), 0))
}

func TestMipLevelCount(t *testing.T) {
	cases := []struct {
		w, h, levels uint32
	}{
		{1, 1, 1},
		{2, 2, 2},
		{256, 256, 9},
		{256, 64, 9},
		{64, 1024, 11},
		{300, 200, 9},
	}
	for _, c := range cases {
		assert.Equal(t, c.levels, MipLevelCount(c.w, c.h), "%dx%d", c.w, c.h)
	}
	assert.Equal(t, uint32(1), MipExtent(4, 5))
	assert.Equal(t, uint32(32), MipExtent(256, 3))
}

func TestGenerateCube(t *testing.T) {
	vertices, indices := GenerateCube(2, 2, 2)
	require.Len(t, vertices, 24)
	require.Len(t, indices, 36)

	for i := 0; i < len(indices); i += 3 {
		a := vertices[indices[i]].Position
		b := vertices[indices[i+1]].Position
		c := vertices[indices[i+2]].Position
		center := Vec3{X: (a.X + b.X + c.X) / 3, Y: (a.Y + b.Y + c.Y) / 3, Z: (a.Z + b.Z + c.Z) / 3}
		n := vertices[indices[i]].Normal
		dot := n.X*center.X + n.Y*center.Y + n.Z*center.Z
		assert.Greater(t, dot, float32(0), "triangle %d normal points inward", i/3)
		assert.InDelta(t, 1.0, n.Length(), 1e-5)
	}

	ext := GeometryExtents(vertices)
	assert.Equal(t, NewVec3(-1, -1, -1), ext.Min)
	assert.Equal(t, NewVec3(1, 1, 1), ext.Max)
	assert.Equal(t, Extents3D{}, GeometryExtents(nil))
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 5, Clamp(10, 0, 5))
	assert.Equal(t, float32(0), Clamp(float32(-1), 0, 1))
}

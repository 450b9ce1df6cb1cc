package math

// GeometryGenerateNormals assigns flat face normals to every triangle. Shared
// vertices end up with the normal of the last triangle that touches them.
func GeometryGenerateNormals(vertices []Vertex3D, indices []uint32) {
	for i := 0; i+2 < len(indices); i += 3 {
		i0, i1, i2 := indices[i], indices[i+1], indices[i+2]

		edge1 := vertices[i1].Position.Sub(vertices[i0].Position)
		edge2 := vertices[i2].Position.Sub(vertices[i0].Position)
		normal := edge1.Cross(edge2).Normalized()

		vertices[i0].Normal = normal
		vertices[i1].Normal = normal
		vertices[i2].Normal = normal
	}
}

// GeometryExtents returns the bounds of vertices. An empty slice yields zero
// extents.
func GeometryExtents(vertices []Vertex3D) Extents3D {
	if len(vertices) == 0 {
		return Extents3D{}
	}
	ext := Extents3D{Min: vertices[0].Position, Max: vertices[0].Position}
	for _, v := range vertices[1:] {
		p := v.Position
		ext.Min = Vec3{X: min(ext.Min.X, p.X), Y: min(ext.Min.Y, p.Y), Z: min(ext.Min.Z, p.Z)}
		ext.Max = Vec3{X: max(ext.Max.X, p.X), Y: max(ext.Max.Y, p.Y), Z: max(ext.Max.Z, p.Z)}
	}
	return ext
}

// GenerateCube builds an axis-aligned box centered on the origin with four
// vertices per face so each face keeps its own normal and texture
// coordinates.
func GenerateCube(width, height, depth float32) ([]Vertex3D, []uint32) {
	hx, hy, hz := width*0.5, height*0.5, depth*0.5

	corners := [6][4]Vec3{
		// front
		{{-hx, -hy, hz}, {hx, -hy, hz}, {hx, hy, hz}, {-hx, hy, hz}},
		// back
		{{hx, -hy, -hz}, {-hx, -hy, -hz}, {-hx, hy, -hz}, {hx, hy, -hz}},
		// left
		{{-hx, -hy, -hz}, {-hx, -hy, hz}, {-hx, hy, hz}, {-hx, hy, -hz}},
		// right
		{{hx, -hy, hz}, {hx, -hy, -hz}, {hx, hy, -hz}, {hx, hy, hz}},
		// top
		{{-hx, hy, hz}, {hx, hy, hz}, {hx, hy, -hz}, {-hx, hy, -hz}},
		// bottom
		{{-hx, -hy, -hz}, {hx, -hy, -hz}, {hx, -hy, hz}, {-hx, -hy, hz}},
	}
	uvs := [4]Vec2{{0, 1}, {1, 1}, {1, 0}, {0, 0}}

	vertices := make([]Vertex3D, 0, 24)
	indices := make([]uint32, 0, 36)
	for face, quad := range corners {
		base := uint32(face * 4)
		for i, p := range quad {
			vertices = append(vertices, Vertex3D{Position: p, Texcoord: uvs[i]})
		}
		indices = append(indices, base, base+1, base+2, base, base+2, base+3)
	}
	GeometryGenerateNormals(vertices, indices)
	return vertices, indices
}

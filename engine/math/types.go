package math

// Vec2 represents a 2D vector
type Vec2 struct {
	X, Y float32
}

// Vec3 represents a 3D vector
type Vec3 struct {
	X, Y, Z float32
}

// Vec4 represents a 4D vector
type Vec4 struct {
	X, Y, Z, W float32
}

/** @brief A quaternion, used to represent rotational orientation. */
type Quaternion Vec4

/**
 * @brief A 4x4 matrix stored as 16 contiguous floats. Elements 12, 13 and 14
 * hold the translation, which is the layout shaders and the acceleration
 * structure instance conversion expect.
 */
type Mat4 struct {
	Data [16]float32
}

/**
 * @brief Axis-aligned bounds of a set of vertices.
 */
type Extents3D struct {
	Min Vec3
	Max Vec3
}

/**
 * @brief Vertex layout uploaded into mesh vertex buffers. Position comes
 * first so the buffer can be consumed directly as R32G32B32 triangle input
 * by bottom-level acceleration structure builds.
 */
type Vertex3D struct {
	Position Vec3
	Normal   Vec3
	Texcoord Vec2
}

// Transform is a position, rotation and scale with an optional parent. The
// local matrix is cached until one of the components changes.
type Transform struct {
	Position Vec3
	Rotation Quaternion
	Scale    Vec3
	IsDirty  bool
	Local    Mat4
	Parent   *Transform
}

package math

import (
	"math/bits"

	"golang.org/x/exp/constraints"
)

// Clamp returns the value `f` clamped to the range [low, high].
// It works for any numeric type (integers and floats).
func Clamp[T constraints.Ordered](f, low, high T) T {
	if f < low {
		return low
	}
	if f > high {
		return high
	}
	return f
}

// AlignUp rounds v up to the next multiple of alignment. An alignment of 0
// or 1 returns v unchanged. Alignment does not need to be a power of two.
func AlignUp[T constraints.Unsigned](v, alignment T) T {
	if alignment <= 1 {
		return v
	}
	return (v + alignment - 1) / alignment * alignment
}

// MipLevelCount is floor(log2(max(width, height))) + 1.
func MipLevelCount(width, height uint32) uint32 {
	largest := max(width, height)
	if largest == 0 {
		return 1
	}
	return uint32(bits.Len32(largest))
}

// MipExtent halves a dimension level times, never going below 1.
func MipExtent(base, level uint32) uint32 {
	return max(base>>level, 1)
}

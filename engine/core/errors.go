package core

import (
	"github.com/cockroachdb/errors"
)

// Configuration and capability errors. The device or the caller violated a
// hard precondition; callers are expected to fail the frame or the process.
var (
	ErrNoCompatibleMemory          = errors.New("no compatible memory type")
	ErrNoCompatibleQueue           = errors.New("no compatible queue family")
	ErrUnsupportedLayoutTransition = errors.New("unsupported image layout transition")
	ErrPayloadMismatch             = errors.New("payload does not match buffer element type")
	ErrFeatureUnsupported          = errors.New("device feature not supported")
	ErrInvalidConfig               = errors.New("invalid configuration")
)

// Resource exhaustion. Unlike the rest these are safe to recover from by
// freeing caches and retrying.
var (
	ErrAllocationFailed = errors.New("device allocation failed")
	ErrPoolExhausted    = errors.New("descriptor pool exhausted")
)

// Programmer misuse.
var (
	ErrNotDynamic         = errors.New("buffer is not dynamic")
	ErrMapDeviceLocal     = errors.New("cannot map device-local memory")
	ErrBufferSizeMismatch = errors.New("buffer sizes differ")
	ErrPartialCompaction  = errors.New("compaction must be requested by all or none of a batch")
	ErrInvalidState       = errors.New("command buffer in invalid state")
	ErrNoPipeline         = errors.New("no pipeline bound")
	ErrNoDescriptorLayout = errors.New("no descriptor set layout registered for slot")
	ErrDescriptorMismatch = errors.New("descriptor does not match the layout binding")
	ErrReleased           = errors.New("resource already released")
	ErrFenceTimeout       = errors.New("fence wait timed out")
	ErrDeviceLost         = errors.New("device lost")
)

// IsRecoverable reports whether err belongs to the resource-exhaustion
// class.
func IsRecoverable(err error) bool {
	return errors.IsAny(err, ErrAllocationFailed, ErrPoolExhausted)
}

package gpu

import (
	"bytes"
	"testing"

	"github.com/spaghettifunk/chronicle/engine/core"
	"github.com/spaghettifunk/chronicle/engine/renderer/driver"
	"github.com/spaghettifunk/chronicle/engine/renderer/software"
	"github.com/stretchr/testify/require"
)

type testSetup struct {
	device software.Config
	engine *core.Config
}

func newTestContext(t *testing.T, configure ...func(*testSetup)) (*Context, *software.Device) {
	t.Helper()
	setup := &testSetup{device: software.NewConfig(), engine: core.DefaultConfig()}
	for _, fn := range configure {
		fn(setup)
	}
	dev := software.New(setup.device)
	ctx, err := NewContext(dev, setup.engine)
	require.NoError(t, err)
	t.Cleanup(ctx.Destroy)
	return ctx, dev
}

func manualCompletion(s *testSetup) {
	s.device.AutoComplete = false
}

func withoutRayTracing(s *testSetup) {
	s.device.RayTracing = false
}

func newTransferBuffer(t *testing.T, ctx *Context, name string, size uint64) *Buffer {
	t.Helper()
	buf, err := NewHostBuffer(ctx, name, size, driver.BufferUsageTransferSrc|driver.BufferUsageTransferDst)
	require.NoError(t, err)
	return buf
}

// recordCopy records a copy from src to dst into a fresh command buffer of
// the graphics queue, ready for submission.
func recordCopy(t *testing.T, ctx *Context, src, dst *Buffer) *CommandBuffer {
	t.Helper()
	cb, err := ctx.Graphics.AcquireCommandBuffer()
	require.NoError(t, err)
	require.NoError(t, cb.Begin(driver.CommandBufferUsageOneTimeSubmit))
	require.NoError(t, cb.CopyBuffer(src, dst))
	require.NoError(t, cb.End())
	return cb
}

func submitOne(t *testing.T, q *CommandQueue, cb *CommandBuffer) *Fence {
	t.Helper()
	fence, err := q.Submit([]*CommandBuffer{cb}, nil, nil, nil)
	require.NoError(t, err)
	return fence
}

func filled(b byte, n int) []byte {
	return bytes.Repeat([]byte{b}, n)
}

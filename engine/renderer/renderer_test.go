package renderer

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/chronicle/engine/core"
	"github.com/spaghettifunk/chronicle/engine/renderer/gpu"
	"github.com/spaghettifunk/chronicle/engine/renderer/software"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRenderer(t *testing.T, configure func(*core.Config)) (*Renderer, *software.Device) {
	t.Helper()
	cfg := core.DefaultConfig()
	if configure != nil {
		configure(cfg)
	}
	drv, err := NewDriver(cfg)
	require.NoError(t, err)
	dev := drv.(*software.Device)

	r, err := New(dev, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, r.Shutdown())
		dev.Destroy()
	})
	return r, dev
}

func noop(*gpu.CommandBuffer) error { return nil }

func TestNewDriverRejectsUnknownDriver(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.Driver = "metal"
	_, err := NewDriver(cfg)
	assert.True(t, errors.Is(err, core.ErrInvalidConfig))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := core.DefaultConfig()
	dev := software.New(software.NewConfig())
	defer dev.Destroy()

	cfg.FramesInFlight = 0
	_, err := New(dev, cfg)
	assert.True(t, errors.Is(err, core.ErrInvalidConfig))

	cfg = core.DefaultConfig()
	cfg.Acceleration.BatchBudgetMiB = 0
	_, err = gpu.NewContext(dev, cfg)
	assert.True(t, errors.Is(err, core.ErrInvalidConfig))

	assert.Zero(t, dev.Live().CommandBuffers, "nothing is created for a rejected config")
}

func TestFramePacingBoundsFramesInFlight(t *testing.T) {
	r, dev := newTestRenderer(t, func(cfg *core.Config) {
		cfg.FramesInFlight = 2
		cfg.Software.AutoComplete = false
	})
	graphics := r.Context.Graphics

	require.NoError(t, r.DrawFrame(noop))
	require.NoError(t, r.DrawFrame(noop))
	assert.Equal(t, 2, dev.PendingCount(graphics.Handle))
	assert.Equal(t, 2, graphics.InFlightCount())

	// frame 2 reuses the slot of frame 0 and has to wait for it
	cb, err := r.BeginFrame()
	require.NoError(t, err)
	assert.Equal(t, 1, dev.PendingCount(graphics.Handle))
	require.NoError(t, r.EndFrame())

	assert.Equal(t, uint64(3), r.FrameNumber())
	assert.Equal(t, 2, graphics.InFlightCount())
	assert.Equal(t, gpu.COMMAND_BUFFER_STATE_SUBMITTED, cb.State)
}

func TestFramesReuseCommandBuffers(t *testing.T) {
	r, _ := newTestRenderer(t, nil)

	for i := 0; i < 10; i++ {
		require.NoError(t, r.DrawFrame(noop))
	}
	assert.Zero(t, r.Context.Graphics.InFlightCount())
	assert.Equal(t, 1, r.Context.Graphics.IdleCount())
}

func TestDrawFrameErrorRecyclesCommandBuffer(t *testing.T) {
	r, _ := newTestRenderer(t, nil)

	boom := errors.New("record failed")
	err := r.DrawFrame(func(*gpu.CommandBuffer) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, r.Context.Graphics.IdleCount())
	assert.Zero(t, r.FrameNumber())

	require.NoError(t, r.DrawFrame(noop))
}

func TestBeginFrameTwiceFails(t *testing.T) {
	r, _ := newTestRenderer(t, nil)

	_, err := r.BeginFrame()
	require.NoError(t, err)
	_, err = r.BeginFrame()
	assert.True(t, errors.Is(err, core.ErrInvalidState))
	require.NoError(t, r.EndFrame())

	assert.True(t, errors.Is(r.EndFrame(), core.ErrInvalidState))
}

func TestBackgroundDrainRetiresFrames(t *testing.T) {
	r, _ := newTestRenderer(t, func(cfg *core.Config) {
		cfg.Queue.BackgroundDrain = true
		cfg.Queue.DrainInterval = core.Duration{Duration: time.Millisecond}
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, r.DrawFrame(noop))
	}
	require.Eventually(t, func() bool {
		return r.Context.Graphics.InFlightCount() == 0
	}, time.Second, time.Millisecond)
}

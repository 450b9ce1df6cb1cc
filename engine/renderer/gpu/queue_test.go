package gpu

import (
	"math/rand"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/chronicle/engine/core"
	"github.com/spaghettifunk/chronicle/engine/renderer/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResetReleasesTrackedResources(t *testing.T) {
	ctx, _ := newTestContext(t)
	buf := newTransferBuffer(t, ctx, "tracked", 64)
	defer buf.Release()

	cb, err := ctx.Graphics.AcquireCommandBuffer()
	require.NoError(t, err)
	require.NoError(t, cb.Begin(driver.CommandBufferUsageOneTimeSubmit))
	cb.Track(buf)
	cb.Track(buf)

	assert.Equal(t, 2, cb.TrackedResourceCount())
	assert.EqualValues(t, 3, buf.RefCount())
	assert.True(t, buf.Active())

	require.NoError(t, cb.End())
	require.NoError(t, cb.Reset())

	assert.Zero(t, cb.TrackedResourceCount())
	assert.Zero(t, cb.TrackedDescriptorSetCount())
	assert.Nil(t, cb.BoundPipeline())
	assert.Equal(t, COMMAND_BUFFER_STATE_IDLE, cb.State)
	assert.EqualValues(t, 1, buf.RefCount())
	assert.False(t, buf.Active())
}

func TestCommandBufferStateMachine(t *testing.T) {
	ctx, _ := newTestContext(t, manualCompletion)

	cb, err := ctx.Graphics.AcquireCommandBuffer()
	require.NoError(t, err)

	assert.True(t, errors.Is(cb.End(), core.ErrInvalidState))
	require.NoError(t, cb.Begin(driver.CommandBufferUsageOneTimeSubmit))
	assert.True(t, errors.Is(cb.Begin(driver.CommandBufferUsageOneTimeSubmit), core.ErrInvalidState))

	_, err = ctx.Graphics.Submit([]*CommandBuffer{cb}, nil, nil, nil)
	assert.True(t, errors.Is(err, core.ErrInvalidState), "recording buffers cannot be submitted")

	require.NoError(t, cb.End())
	submitOne(t, ctx.Graphics, cb)
	assert.Equal(t, COMMAND_BUFFER_STATE_SUBMITTED, cb.State)
	assert.True(t, errors.Is(cb.Reset(), core.ErrInvalidState))

	require.NoError(t, ctx.Graphics.WaitIdle())
	assert.Equal(t, COMMAND_BUFFER_STATE_IDLE, cb.State)
}

func TestResourcesOutliveTheirOwnerUntilRetired(t *testing.T) {
	ctx, dev := newTestContext(t, manualCompletion)
	src := newTransferBuffer(t, ctx, "src", 128)
	dst := newTransferBuffer(t, ctx, "dst", 128)
	defer dst.Release()
	require.NoError(t, src.Write(filled(0x5A, 128), 0))

	cb := recordCopy(t, ctx, src, dst)
	submitOne(t, ctx.Graphics, cb)
	assert.EqualValues(t, 2, src.RefCount())

	buffersBefore := dev.Live().Buffers
	src.Release()
	assert.EqualValues(t, 1, src.RefCount())
	assert.Equal(t, buffersBefore, dev.Live().Buffers, "the recorder still holds the source")

	assert.Zero(t, ctx.Graphics.ProcessCompleted())
	require.True(t, dev.CompleteNext(ctx.Graphics.Handle))
	assert.Equal(t, 1, ctx.Graphics.ProcessCompleted())

	assert.Zero(t, src.RefCount())
	assert.Equal(t, buffersBefore-1, dev.Live().Buffers)
	assert.Equal(t, filled(0x5A, 128), dev.ReadBuffer(dst.Handle))
	assert.Empty(t, dev.Violations())
}

func TestRefCountAcrossSubmissions(t *testing.T) {
	ctx, dev := newTestContext(t, manualCompletion)
	a := newTransferBuffer(t, ctx, "a", 32)
	b := newTransferBuffer(t, ctx, "b", 32)
	defer b.Release()

	submitOne(t, ctx.Graphics, recordCopy(t, ctx, a, b))
	submitOne(t, ctx.Graphics, recordCopy(t, ctx, a, b))
	assert.EqualValues(t, 3, a.RefCount())
	assert.Equal(t, 2, ctx.Graphics.InFlightCount())

	require.True(t, dev.CompleteNext(ctx.Graphics.Handle))
	ctx.Graphics.ProcessCompleted()
	assert.EqualValues(t, 2, a.RefCount())

	require.True(t, dev.CompleteNext(ctx.Graphics.Handle))
	ctx.Graphics.ProcessCompleted()
	assert.EqualValues(t, 1, a.RefCount())

	a.Release()
	assert.Zero(t, a.RefCount())
	assert.Equal(t, 2, ctx.Graphics.IdleCount())
}

func TestProcessCompletedStopsAtFirstUnsignaledFence(t *testing.T) {
	ctx, dev := newTestContext(t, manualCompletion)
	a := newTransferBuffer(t, ctx, "a", 16)
	b := newTransferBuffer(t, ctx, "b", 16)
	defer a.Release()
	defer b.Release()

	first := submitOne(t, ctx.Graphics, recordCopy(t, ctx, a, b))
	second := submitOne(t, ctx.Graphics, recordCopy(t, ctx, b, a))

	require.True(t, dev.CompleteFence(second.Handle))
	assert.True(t, second.IsCompleted())
	assert.False(t, first.IsCompleted())
	assert.Zero(t, ctx.Graphics.ProcessCompleted(), "the oldest submission has not retired")
	assert.Equal(t, 2, ctx.Graphics.InFlightCount())

	require.True(t, dev.CompleteFence(first.Handle))
	assert.Equal(t, 2, ctx.Graphics.ProcessCompleted())
	assert.Zero(t, ctx.Graphics.InFlightCount())

	// fences are destroyed once retired but still report completion
	assert.Zero(t, dev.Live().Fences)
	assert.True(t, first.IsCompleted())
	assert.NoError(t, second.Wait(time.Millisecond))
}

func TestSharedFenceRetiresWithItsLastBuffer(t *testing.T) {
	ctx, dev := newTestContext(t, manualCompletion)
	a := newTransferBuffer(t, ctx, "a", 16)
	b := newTransferBuffer(t, ctx, "b", 16)
	defer a.Release()
	defer b.Release()

	fence, err := ctx.Graphics.Submit([]*CommandBuffer{
		recordCopy(t, ctx, a, b),
		recordCopy(t, ctx, b, a),
	}, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, ctx.Graphics.InFlightCount())
	assert.Equal(t, 1, dev.Live().Fences)

	require.NoError(t, fence.Wait(time.Second))
	assert.Equal(t, 2, ctx.Graphics.ProcessCompleted())
	assert.Zero(t, dev.Live().Fences)
}

func TestSubmitWithSemaphores(t *testing.T) {
	ctx, dev := newTestContext(t)
	a := newTransferBuffer(t, ctx, "a", 16)
	b := newTransferBuffer(t, ctx, "b", 16)
	defer a.Release()
	defer b.Release()

	done, err := NewSemaphore(ctx)
	require.NoError(t, err)
	defer done.Destroy()

	_, err = ctx.Graphics.Submit([]*CommandBuffer{recordCopy(t, ctx, a, b)}, []*Semaphore{done}, nil, nil)
	assert.Error(t, err, "every wait semaphore needs a stage")

	_, err = ctx.Graphics.Submit([]*CommandBuffer{recordCopy(t, ctx, a, b)}, nil, nil, []*Semaphore{done})
	require.NoError(t, err)
	_, err = ctx.Graphics.Submit([]*CommandBuffer{recordCopy(t, ctx, b, a)},
		[]*Semaphore{done}, []driver.PipelineStage{driver.PipelineStageTransfer}, nil)
	require.NoError(t, err)

	require.NoError(t, ctx.Graphics.WaitIdle())
	assert.Empty(t, dev.Violations())
}

func TestWaitOnUnsubmittedFenceTimesOut(t *testing.T) {
	ctx, _ := newTestContext(t)
	fence, err := NewFence(ctx, false)
	require.NoError(t, err)
	defer fence.Destroy()

	err = fence.Wait(5 * time.Millisecond)
	assert.True(t, errors.Is(err, core.ErrFenceTimeout))

	signaled, err := NewFence(ctx, true)
	require.NoError(t, err)
	defer signaled.Destroy()
	assert.NoError(t, signaled.Wait(0))
	require.NoError(t, signaled.Reset())
	assert.False(t, signaled.IsCompleted())
}

func TestImmediateSubmitFailureReturnsBufferToIdle(t *testing.T) {
	ctx, dev := newTestContext(t)
	buf := newTransferBuffer(t, ctx, "buf", 16)
	defer buf.Release()
	submitsBefore := dev.Stats().Submits

	boom := errors.New("recording failed")
	err := ctx.Graphics.ImmediateSubmit(func(cb *CommandBuffer) error {
		cb.Track(buf)
		return boom
	})
	assert.True(t, errors.Is(err, boom))
	assert.EqualValues(t, 1, buf.RefCount())
	assert.Equal(t, 1, ctx.Graphics.IdleCount())
	assert.Zero(t, ctx.Graphics.InFlightCount())
	assert.Equal(t, submitsBefore, dev.Stats().Submits)
}

func TestFramesReuseCommandBuffers(t *testing.T) {
	ctx, dev := newTestContext(t)
	a := newTransferBuffer(t, ctx, "a", 256)
	b := newTransferBuffer(t, ctx, "b", 256)
	defer a.Release()
	defer b.Release()

	for frame := 0; frame < 3; frame++ {
		submitOne(t, ctx.Graphics, recordCopy(t, ctx, a, b))
		ctx.Graphics.ProcessCompleted()
		assert.LessOrEqual(t, ctx.Graphics.IdleCount(), 3)
	}
	assert.Equal(t, 1, ctx.Graphics.IdleCount(), "completed buffers are reused")
	assert.Equal(t, 3, dev.Stats().Completed)
	assert.EqualValues(t, 1, a.RefCount())
}

func TestCompletionWorkerDrainsQueues(t *testing.T) {
	ctx, dev := newTestContext(t, manualCompletion)
	a := newTransferBuffer(t, ctx, "a", 16)
	b := newTransferBuffer(t, ctx, "b", 16)
	defer a.Release()
	defer b.Release()

	submitOne(t, ctx.Graphics, recordCopy(t, ctx, a, b))
	require.True(t, dev.CompleteNext(ctx.Graphics.Handle))

	w := NewCompletionWorker(time.Millisecond, ctx.Graphics, ctx.Present)
	require.Eventually(t, func() bool {
		return ctx.Graphics.InFlightCount() == 0
	}, time.Second, time.Millisecond)
	w.Stop()
	w.Stop()

	assert.EqualValues(t, 1, a.RefCount())
}

func TestPresentQueueRejectsGraphicsBuffers(t *testing.T) {
	ctx, _ := newTestContext(t)
	a := newTransferBuffer(t, ctx, "a", 16)
	b := newTransferBuffer(t, ctx, "b", 16)
	defer a.Release()
	defer b.Release()

	cb := recordCopy(t, ctx, a, b)
	_, err := ctx.Present.Submit([]*CommandBuffer{cb}, nil, nil, nil)
	assert.True(t, errors.Is(err, core.ErrInvalidState))
	require.NoError(t, cb.Reset())
}

func TestRecycleReturnsUnsubmittedBuffers(t *testing.T) {
	ctx, _ := newTestContext(t, manualCompletion)
	buf := newTransferBuffer(t, ctx, "buf", 16)
	defer buf.Release()

	cb, err := ctx.Graphics.AcquireCommandBuffer()
	require.NoError(t, err)
	require.NoError(t, cb.Begin(driver.CommandBufferUsageOneTimeSubmit))
	cb.Track(buf)
	require.NoError(t, cb.SetViewport(driver.Viewport{Width: 64, Height: 64, MaxDepth: 1}))
	require.NoError(t, cb.SetScissor(driver.Rect2D{Width: 64, Height: 64}))

	require.NoError(t, ctx.Graphics.Recycle(cb))
	assert.Equal(t, COMMAND_BUFFER_STATE_IDLE, cb.State)
	assert.EqualValues(t, 1, buf.RefCount())
	assert.Equal(t, 1, ctx.Graphics.IdleCount())

	assert.True(t, errors.Is(ctx.Present.Recycle(cb), core.ErrInvalidState))
	assert.Equal(t, 1, ctx.Graphics.IdleCount())

	again, err := ctx.Graphics.AcquireCommandBuffer()
	require.NoError(t, err)
	assert.Same(t, cb, again)
	require.NoError(t, again.Begin(driver.CommandBufferUsageOneTimeSubmit))
	require.NoError(t, again.End())
	submitOne(t, ctx.Graphics, again)
	assert.True(t, errors.Is(ctx.Graphics.Recycle(again), core.ErrInvalidState), "submitted buffers retire through the FIFO")

	require.NoError(t, ctx.Graphics.WaitIdle())
	assert.Equal(t, 1, ctx.Graphics.IdleCount())
}

func TestRecycleTwiceIsRefused(t *testing.T) {
	ctx, _ := newTestContext(t, manualCompletion)

	cb, err := ctx.Graphics.AcquireCommandBuffer()
	require.NoError(t, err)
	require.NoError(t, ctx.Graphics.Recycle(cb))
	assert.True(t, errors.Is(ctx.Graphics.Recycle(cb), core.ErrInvalidState))
	assert.Equal(t, 1, ctx.Graphics.IdleCount(), "the pool holds the buffer once")

	first, err := ctx.Graphics.AcquireCommandBuffer()
	require.NoError(t, err)
	second, err := ctx.Graphics.AcquireCommandBuffer()
	require.NoError(t, err)
	assert.Same(t, cb, first)
	assert.NotSame(t, first, second)

	// a retired buffer is pooled too
	require.NoError(t, first.Begin(driver.CommandBufferUsageOneTimeSubmit))
	require.NoError(t, first.End())
	submitOne(t, ctx.Graphics, first)
	require.NoError(t, ctx.Graphics.WaitIdle())
	assert.True(t, errors.Is(ctx.Graphics.Recycle(first), core.ErrInvalidState))
	require.NoError(t, ctx.Graphics.Recycle(second))
	assert.Equal(t, 2, ctx.Graphics.IdleCount())
}

func TestRetirementFollowsSubmissionOrder(t *testing.T) {
	const submissions = 5
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 50; round++ {
		ctx, dev := newTestContext(t, manualCompletion)
		a := newTransferBuffer(t, ctx, "a", 16)
		b := newTransferBuffer(t, ctx, "b", 16)

		cbs := make([]*CommandBuffer, submissions)
		fences := make([]*Fence, submissions)
		for i := range cbs {
			cbs[i] = recordCopy(t, ctx, a, b)
			fences[i] = submitOne(t, ctx.Graphics, cbs[i])
		}

		order := rng.Perm(submissions)
		signaled := make([]bool, submissions)
		for _, i := range order {
			require.True(t, dev.CompleteFence(fences[i].Handle))
			signaled[i] = true
			ctx.Graphics.ProcessCompleted()

			prefix := 0
			for prefix < submissions && signaled[prefix] {
				prefix++
			}
			require.Equal(t, submissions-prefix, ctx.Graphics.InFlightCount(), "round %d order %v", round, order)
			for k, cb := range cbs {
				if k < prefix {
					assert.Equal(t, COMMAND_BUFFER_STATE_IDLE, cb.State, "round %d order %v", round, order)
				} else {
					assert.Equal(t, COMMAND_BUFFER_STATE_SUBMITTED, cb.State, "round %d order %v", round, order)
				}
			}
		}
		assert.Equal(t, submissions, ctx.Graphics.IdleCount())
		assert.EqualValues(t, 1, a.RefCount())
		assert.Empty(t, dev.Violations())
		a.Release()
		b.Release()
	}
}

func TestEmptySubmitFenceIsRetired(t *testing.T) {
	ctx, dev := newTestContext(t, manualCompletion)
	a := newTransferBuffer(t, ctx, "a", 16)
	b := newTransferBuffer(t, ctx, "b", 16)
	defer a.Release()
	defer b.Release()

	work := submitOne(t, ctx.Graphics, recordCopy(t, ctx, a, b))
	empty, err := ctx.Graphics.Submit(nil, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, ctx.Graphics.InFlightCount())
	assert.Equal(t, 2, dev.Live().Fences)

	// the empty submission still retires behind earlier work
	require.True(t, dev.CompleteFence(empty.Handle))
	assert.Zero(t, ctx.Graphics.ProcessCompleted())
	assert.Equal(t, 2, ctx.Graphics.InFlightCount())

	require.True(t, dev.CompleteFence(work.Handle))
	assert.Equal(t, 1, ctx.Graphics.ProcessCompleted(), "only command buffers count")
	assert.Zero(t, ctx.Graphics.InFlightCount())
	assert.Zero(t, dev.Live().Fences, "both fences are destroyed once retired")
	assert.True(t, empty.IsCompleted())
	assert.NoError(t, empty.Wait(time.Millisecond))
	assert.Empty(t, dev.Violations())
}

package gpu

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/chronicle/engine/containers"
	"github.com/spaghettifunk/chronicle/engine/core"
	"github.com/spaghettifunk/chronicle/engine/renderer/driver"
)

// inFlightEntry is one command buffer of a submission, or a nil cb for a
// submission with no command buffers.
type inFlightEntry struct {
	fence *Fence
	cb    *CommandBuffer
}

// CommandQueue owns a device queue, a command pool and two FIFOs: command
// buffers in flight, oldest first, and idle command buffers ready for
// reuse. A command buffer returns to the idle FIFO only after its fence
// signals, and that is the only point its references are released.
type CommandQueue struct {
	ctx    *Context
	Kind   driver.QueueKind
	Handle driver.Queue
	Family uint32
	pool   driver.CommandPool

	mu       sync.Mutex
	inFlight *containers.RingQueue[inFlightEntry]
	idle     *containers.RingQueue[*CommandBuffer]
	all      []*CommandBuffer
}

func NewCommandQueue(ctx *Context, kind driver.QueueKind) (*CommandQueue, error) {
	handle, family, err := ctx.Driver.Queue(kind)
	if err != nil {
		err = errors.Wrapf(err, "%s queue", kind)
		core.LogError(err.Error())
		return nil, err
	}
	pool, err := ctx.Driver.CreateCommandPool(family)
	if err != nil {
		err = errors.Wrapf(err, "failed to create %s command pool", kind)
		core.LogError(err.Error())
		return nil, err
	}
	core.LogDebug("%s queue uses family %d", kind, family)
	return &CommandQueue{
		ctx:      ctx,
		Kind:     kind,
		Handle:   handle,
		Family:   family,
		pool:     pool,
		inFlight: containers.NewGrowableRingQueue[inFlightEntry](8),
		idle:     containers.NewGrowableRingQueue[*CommandBuffer](8),
	}, nil
}

// AcquireCommandBuffer returns an idle command buffer, allocating a new one
// when none is free. There is no upper bound.
func (q *CommandQueue) AcquireCommandBuffer() (*CommandBuffer, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if cb, err := q.idle.Dequeue(); err == nil {
		cb.pooled = false
		return cb, nil
	}
	cb, err := newCommandBuffer(q.ctx, q)
	if err != nil {
		return nil, err
	}
	q.all = append(q.all, cb)
	return cb, nil
}

// Submit sends every command buffer in one batch guarded by a single new
// fence and returns that fence.
func (q *CommandQueue) Submit(cbs []*CommandBuffer, wait []*Semaphore, waitStages []driver.PipelineStage, signal []*Semaphore) (*Fence, error) {
	if len(wait) != len(waitStages) {
		err := errors.Newf("%d wait semaphores with %d wait stages", len(wait), len(waitStages))
		core.LogError(err.Error())
		return nil, err
	}
	for _, cb := range cbs {
		if cb.queue != q {
			err := errors.Wrapf(core.ErrInvalidState, "command buffer from the %s queue submitted to the %s queue", cb.queue.Kind, q.Kind)
			core.LogError(err.Error())
			return nil, err
		}
		if cb.State != COMMAND_BUFFER_STATE_RECORDING_ENDED {
			return nil, cb.invalidState("submit")
		}
	}

	info := driver.SubmitInfo{
		CommandBuffers:   make([]driver.CommandBuffer, len(cbs)),
		WaitSemaphores:   make([]driver.Semaphore, len(wait)),
		WaitStages:       waitStages,
		SignalSemaphores: make([]driver.Semaphore, len(signal)),
	}
	for i, cb := range cbs {
		info.CommandBuffers[i] = cb.Handle
	}
	for i, s := range wait {
		info.WaitSemaphores[i] = s.Handle
	}
	for i, s := range signal {
		info.SignalSemaphores[i] = s.Handle
	}

	fence, err := NewFence(q.ctx, false)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.ctx.Driver.QueueSubmit(q.Handle, []driver.SubmitInfo{info}, fence.Handle); err != nil {
		fence.Destroy()
		err = errors.Wrapf(err, "failed submit to %s queue", q.Kind)
		core.LogError(err.Error())
		return nil, err
	}
	for _, cb := range cbs {
		cb.State = COMMAND_BUFFER_STATE_SUBMITTED
		if err := q.inFlight.Enqueue(inFlightEntry{fence: fence, cb: cb}); err != nil {
			return nil, errors.WithAssertionFailure(err)
		}
		fence.pending++
	}
	if len(cbs) == 0 {
		// a marker entry so the fence retires in order like any other
		if err := q.inFlight.Enqueue(inFlightEntry{fence: fence}); err != nil {
			return nil, errors.WithAssertionFailure(err)
		}
		fence.pending++
	}
	return fence, nil
}

// ProcessCompleted retires in-flight command buffers from the front of the
// FIFO while their fences are signaled, stopping at the first that is not.
// It returns how many command buffers were retired.
func (q *CommandQueue) ProcessCompleted() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	retired := 0
	for !q.inFlight.IsEmpty() {
		front, _ := q.inFlight.Peek()
		if !front.fence.IsCompleted() {
			break
		}
		_, _ = q.inFlight.Dequeue()

		if front.cb != nil {
			if err := front.cb.reset(); err != nil {
				core.LogWarn("command buffer reset after completion failed: %v", err)
			}
			front.cb.pooled = true
			_ = q.idle.Enqueue(front.cb)
			retired++
		}

		front.fence.pending--
		if front.fence.pending == 0 {
			front.fence.Destroy()
		}
	}
	return retired
}

// ImmediateSubmit records fn into a one-time command buffer, submits it,
// blocks until it completes and retires it. Used for uploads and builds.
func (q *CommandQueue) ImmediateSubmit(fn func(cb *CommandBuffer) error) error {
	cb, err := q.AcquireCommandBuffer()
	if err != nil {
		return err
	}
	abandon := func() { _ = q.Recycle(cb) }

	if err := cb.Begin(driver.CommandBufferUsageOneTimeSubmit); err != nil {
		abandon()
		return err
	}
	if err := fn(cb); err != nil {
		abandon()
		return err
	}
	if err := cb.End(); err != nil {
		abandon()
		return err
	}
	fence, err := q.Submit([]*CommandBuffer{cb}, nil, nil, nil)
	if err != nil {
		abandon()
		return err
	}
	if err := fence.Wait(q.ctx.FenceTimeout()); err != nil {
		return err
	}
	q.ProcessCompleted()
	return nil
}

// Recycle discards whatever cb recorded and returns it to the idle pool.
// Submitted buffers come back through ProcessCompleted instead, and a
// buffer already in the pool is refused.
func (q *CommandQueue) Recycle(cb *CommandBuffer) error {
	if cb.queue != q {
		return errors.Wrapf(core.ErrInvalidState, "command buffer from the %s queue recycled by the %s queue", cb.queue.Kind, q.Kind)
	}
	if cb.State == COMMAND_BUFFER_STATE_SUBMITTED {
		return cb.invalidState("recycle")
	}

	q.mu.Lock()
	if cb.pooled {
		q.mu.Unlock()
		err := errors.Wrapf(core.ErrInvalidState, "command buffer recycled twice by the %s queue", q.Kind)
		core.LogError(err.Error())
		return err
	}
	cb.pooled = true
	q.mu.Unlock()

	err := cb.reset()
	q.mu.Lock()
	_ = q.idle.Enqueue(cb)
	q.mu.Unlock()
	return err
}

// WaitIdle blocks until the queue has no work and retires everything.
func (q *CommandQueue) WaitIdle() error {
	if err := q.ctx.Driver.QueueWaitIdle(q.Handle); err != nil {
		err = errors.Wrapf(err, "waiting for %s queue", q.Kind)
		core.LogError(err.Error())
		return err
	}
	q.ProcessCompleted()
	return nil
}

func (q *CommandQueue) IdleCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.idle.Len()
}

// InFlightCount is the number of in-flight entries: one per submitted
// command buffer, or one for a submission without any.
func (q *CommandQueue) InFlightCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight.Len()
}

// Destroy frees every command buffer and the pool. In-flight work must
// have retired.
func (q *CommandQueue) Destroy() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n := q.inFlight.Len(); n > 0 {
		core.LogWarn("%s queue destroyed with %d command buffers in flight", q.Kind, n)
	}
	for _, cb := range q.all {
		if cb.State != COMMAND_BUFFER_STATE_SUBMITTED {
			_ = cb.reset()
		}
		q.ctx.Driver.FreeCommandBuffer(q.pool, cb.Handle)
	}
	q.all = nil
	if q.pool != 0 {
		q.ctx.Driver.DestroyCommandPool(q.pool)
		q.pool = 0
	}
}

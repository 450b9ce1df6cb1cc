package software

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/chronicle/engine/renderer/driver"
)

type fence struct {
	signaled bool
}

type batch struct {
	commandBuffers []driver.CommandBuffer
	waits          []driver.Semaphore
	signals        []driver.Semaphore
	fence          driver.Fence
}

type queue struct {
	handle  driver.Queue
	family  uint32
	pending []*batch
}

func (d *Device) CreateFence(signaled bool) (driver.Fence, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	h := driver.Fence(d.handle())
	d.fences[h] = &fence{signaled: signaled}
	return h, nil
}

func (d *Device) DestroyFence(f driver.Fence) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, q := range d.queues {
		for _, b := range q.pending {
			if b.fence == f {
				d.violation("fence %d destroyed while its submission is pending", f)
			}
		}
	}
	delete(d.fences, f)
}

func (d *Device) FenceStatus(f driver.Fence) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	fc, ok := d.fences[f]
	if !ok {
		return false, errors.Wrapf(driver.ErrInvalidHandle, "fence %d", f)
	}
	return fc.signaled, nil
}

// WaitForFence stands in for the GPU catching up: every batch queued ahead
// of the fence on its queue completes, in order. A fence nobody submitted
// never signals and the wait times out.
func (d *Device) WaitForFence(f driver.Fence, timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	fc, ok := d.fences[f]
	if !ok {
		return errors.Wrapf(driver.ErrInvalidHandle, "fence %d", f)
	}
	if fc.signaled {
		return nil
	}
	for _, q := range d.queues {
		for i, b := range q.pending {
			if b.fence != f {
				continue
			}
			for j := 0; j <= i; j++ {
				d.completeNextLocked(q)
			}
			return nil
		}
	}
	return errors.Wrapf(driver.ErrTimeout, "fence %d after %s", f, timeout)
}

func (d *Device) ResetFence(f driver.Fence) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	fc, ok := d.fences[f]
	if !ok {
		return errors.Wrapf(driver.ErrInvalidHandle, "fence %d", f)
	}
	fc.signaled = false
	return nil
}

func (d *Device) CreateSemaphore() (driver.Semaphore, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	h := driver.Semaphore(d.handle())
	d.semaphores[h] = false
	return h, nil
}

func (d *Device) DestroySemaphore(s driver.Semaphore) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.semaphores, s)
}

func (d *Device) QueueSubmit(qh driver.Queue, submits []driver.SubmitInfo, f driver.Fence) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	q, ok := d.queues[qh]
	if !ok {
		return errors.Wrapf(driver.ErrInvalidHandle, "queue %d", qh)
	}
	if f != 0 {
		fc, ok := d.fences[f]
		if !ok {
			return errors.Wrapf(driver.ErrInvalidHandle, "fence %d", f)
		}
		if fc.signaled {
			return errors.Newf("fence %d submitted while signaled", f)
		}
	}
	b := &batch{fence: f}
	for _, s := range submits {
		if len(s.WaitSemaphores) != len(s.WaitStages) {
			return errors.Newf("%d wait semaphores with %d wait stages", len(s.WaitSemaphores), len(s.WaitStages))
		}
		for _, h := range s.CommandBuffers {
			cb, ok := d.commandBuffers[h]
			if !ok {
				return errors.Wrapf(driver.ErrInvalidHandle, "command buffer %d", h)
			}
			if cb.state != commandBufferExecutable {
				return errors.Newf("command buffer %d submitted in %s state", h, cb.state)
			}
			if family := d.commandPools[cb.pool]; family != q.family {
				d.violation("command buffer %d from family %d submitted to family %d", h, family, q.family)
			}
		}
		b.commandBuffers = append(b.commandBuffers, s.CommandBuffers...)
		b.waits = append(b.waits, s.WaitSemaphores...)
		b.signals = append(b.signals, s.SignalSemaphores...)
	}
	for _, h := range b.commandBuffers {
		d.commandBuffers[h].state = commandBufferPending
	}
	d.stats.Submits++

	q.pending = append(q.pending, b)
	if d.cfg.AutoComplete {
		d.completeNextLocked(q)
	}
	return nil
}

// completeNextLocked executes the oldest pending batch of q.
func (d *Device) completeNextLocked(q *queue) bool {
	if len(q.pending) == 0 {
		return false
	}
	b := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]

	for _, s := range b.waits {
		if !d.semaphores[s] {
			d.violation("submission on queue %d waits on semaphore %d that no earlier submission signals", q.handle, s)
		}
		d.semaphores[s] = false
	}
	for _, h := range b.commandBuffers {
		cb, ok := d.commandBuffers[h]
		if !ok {
			continue
		}
		for _, c := range cb.cmds {
			c(d)
		}
		if cb.usage&driver.CommandBufferUsageOneTimeSubmit != 0 {
			cb.state = commandBufferInvalid
		} else {
			cb.state = commandBufferExecutable
		}
	}
	for _, s := range b.signals {
		d.semaphores[s] = true
	}
	if fc, ok := d.fences[b.fence]; ok {
		fc.signaled = true
	}
	d.stats.Completed++
	return true
}

func (d *Device) completeAll() {
	for _, q := range d.queues {
		for d.completeNextLocked(q) {
		}
	}
}

func (d *Device) QueueWaitIdle(qh driver.Queue) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	q, ok := d.queues[qh]
	if !ok {
		return errors.Wrapf(driver.ErrInvalidHandle, "queue %d", qh)
	}
	for d.completeNextLocked(q) {
	}
	return nil
}

func (d *Device) DeviceWaitIdle() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.completeAll()
	return nil
}

// CompleteNext finishes the oldest pending submission on the queue. It
// reports false when nothing was pending.
func (d *Device) CompleteNext(qh driver.Queue) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	q, ok := d.queues[qh]
	if !ok {
		return false
	}
	return d.completeNextLocked(q)
}

// CompleteFence finishes exactly the submission signalling f, leaving the
// ones queued before it pending. Real queues retire work in order; this is
// for exercising consumers against out-of-order signals.
func (d *Device) CompleteFence(f driver.Fence) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, q := range d.queues {
		for i, b := range q.pending {
			if b.fence != f {
				continue
			}
			q.pending = append(q.pending[:i:i], q.pending[i+1:]...)
			tmp := &queue{handle: q.handle, family: q.family, pending: []*batch{b}}
			return d.completeNextLocked(tmp)
		}
	}
	return false
}

// PendingCount is the number of submissions not yet completed on a queue.
func (d *Device) PendingCount(qh driver.Queue) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	if q, ok := d.queues[qh]; ok {
		return len(q.pending)
	}
	return 0
}

// SetAutoComplete switches between immediate and stepped completion.
func (d *Device) SetAutoComplete(auto bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg.AutoComplete = auto
}

package vulkan

import (
	"time"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/chronicle/engine/core"
	"github.com/spaghettifunk/chronicle/engine/renderer/driver"
)

func (d *Device) CreateFence(signaled bool) (driver.Fence, error) {
	fenceCreateInfo := vk.FenceCreateInfo{
		SType: vk.StructureTypeFenceCreateInfo,
	}
	if signaled {
		fenceCreateInfo.Flags = vk.FenceCreateFlags(vk.FenceCreateSignaledBit)
	}
	var fence vk.Fence
	if err := check(vk.CreateFence(d.LogicalDevice, &fenceCreateInfo, d.context.Allocator, &fence), "vkCreateFence"); err != nil {
		core.LogError(err.Error())
		return 0, err
	}
	return driver.Fence(d.fences.add(fence)), nil
}

func (d *Device) DestroyFence(fence driver.Fence) {
	if f, ok := d.fences.remove(uint64(fence)); ok {
		vk.DestroyFence(d.LogicalDevice, f, d.context.Allocator)
	}
}

func (d *Device) FenceStatus(fence driver.Fence) (bool, error) {
	f, ok := d.fences.get(uint64(fence))
	if !ok {
		return false, errors.Wrap(driver.ErrInvalidHandle, "fence status")
	}
	switch res := vk.GetFenceStatus(d.LogicalDevice, f); res {
	case vk.Success:
		return true, nil
	case vk.NotReady:
		return false, nil
	default:
		return false, check(res, "vkGetFenceStatus")
	}
}

func (d *Device) WaitForFence(fence driver.Fence, timeout time.Duration) error {
	f, ok := d.fences.get(uint64(fence))
	if !ok {
		return errors.Wrap(driver.ErrInvalidHandle, "wait for fence")
	}
	result := vk.WaitForFences(d.LogicalDevice, 1, []vk.Fence{f}, vk.True, uint64(timeout.Nanoseconds()))
	switch result {
	case vk.Success:
		return nil
	case vk.Timeout:
		core.LogWarn("vk_fence_wait - Timed out")
	case vk.ErrorDeviceLost:
		core.LogError("vk_fence_wait - VK_ERROR_DEVICE_LOST.")
	case vk.ErrorOutOfHostMemory:
		core.LogError("vk_fence_wait - VK_ERROR_OUT_OF_HOST_MEMORY.")
	case vk.ErrorOutOfDeviceMemory:
		core.LogError("vk_fence_wait - VK_ERROR_OUT_OF_DEVICE_MEMORY.")
	default:
		core.LogError("vk_fence_wait - An unknown error has occurred.")
	}
	return check(result, "vkWaitForFences")
}

func (d *Device) ResetFence(fence driver.Fence) error {
	f, ok := d.fences.get(uint64(fence))
	if !ok {
		return errors.Wrap(driver.ErrInvalidHandle, "reset fence")
	}
	return check(vk.ResetFences(d.LogicalDevice, 1, []vk.Fence{f}), "vkResetFences")
}

func (d *Device) CreateSemaphore() (driver.Semaphore, error) {
	semaphoreCreateInfo := vk.SemaphoreCreateInfo{
		SType: vk.StructureTypeSemaphoreCreateInfo,
	}
	var semaphore vk.Semaphore
	if err := check(vk.CreateSemaphore(d.LogicalDevice, &semaphoreCreateInfo, d.context.Allocator, &semaphore), "vkCreateSemaphore"); err != nil {
		return 0, err
	}
	return driver.Semaphore(d.semaphores.add(semaphore)), nil
}

func (d *Device) DestroySemaphore(semaphore driver.Semaphore) {
	if s, ok := d.semaphores.remove(uint64(semaphore)); ok {
		vk.DestroySemaphore(d.LogicalDevice, s, d.context.Allocator)
	}
}

func (d *Device) QueueSubmit(queue driver.Queue, submits []driver.SubmitInfo, fence driver.Fence) error {
	q, ok := d.queues.get(uint64(queue))
	if !ok {
		return errors.Wrap(driver.ErrInvalidHandle, "queue submit")
	}
	f := vk.NullFence
	if fence != 0 {
		if f, ok = d.fences.get(uint64(fence)); !ok {
			return errors.Wrap(driver.ErrInvalidHandle, "queue submit fence")
		}
	}

	infos := make([]vk.SubmitInfo, len(submits))
	for i, s := range submits {
		cbs := make([]vk.CommandBuffer, len(s.CommandBuffers))
		for j, h := range s.CommandBuffers {
			c, ok := d.commandBuffers.get(uint64(h))
			if !ok {
				return errors.Wrapf(driver.ErrInvalidHandle, "command buffer %d", h)
			}
			cbs[j] = c.handle
		}
		wait, err := d.semaphoreHandles(s.WaitSemaphores)
		if err != nil {
			return err
		}
		signal, err := d.semaphoreHandles(s.SignalSemaphores)
		if err != nil {
			return err
		}
		stages := make([]vk.PipelineStageFlags, len(s.WaitStages))
		for j, stage := range s.WaitStages {
			stages[j] = vk.PipelineStageFlags(stage)
		}
		infos[i] = vk.SubmitInfo{
			SType:                vk.StructureTypeSubmitInfo,
			WaitSemaphoreCount:   uint32(len(wait)),
			PWaitSemaphores:      wait,
			PWaitDstStageMask:    stages,
			CommandBufferCount:   uint32(len(cbs)),
			PCommandBuffers:      cbs,
			SignalSemaphoreCount: uint32(len(signal)),
			PSignalSemaphores:    signal,
		}
	}

	return d.locks.SafeQueueCall(q.family, func() error {
		return check(vk.QueueSubmit(q.handle, uint32(len(infos)), infos, f), "vkQueueSubmit")
	})
}

func (d *Device) semaphoreHandles(in []driver.Semaphore) ([]vk.Semaphore, error) {
	out := make([]vk.Semaphore, len(in))
	for i, h := range in {
		s, ok := d.semaphores.get(uint64(h))
		if !ok {
			return nil, errors.Wrapf(driver.ErrInvalidHandle, "semaphore %d", h)
		}
		out[i] = s
	}
	return out, nil
}

func (d *Device) QueueWaitIdle(queue driver.Queue) error {
	q, ok := d.queues.get(uint64(queue))
	if !ok {
		return errors.Wrap(driver.ErrInvalidHandle, "queue wait idle")
	}
	return d.locks.SafeQueueCall(q.family, func() error {
		return check(vk.QueueWaitIdle(q.handle), "vkQueueWaitIdle")
	})
}

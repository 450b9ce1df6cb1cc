package vulkan

import (
	"bytes"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/chronicle/engine/core"
	"github.com/spaghettifunk/chronicle/engine/renderer/driver"
	"github.com/spaghettifunk/chronicle/engine/renderer/gpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckMarksDriverErrors(t *testing.T) {
	assert.NoError(t, check(vk.Success, "vkNoop"))

	cases := []struct {
		result vk.Result
		mark   error
	}{
		{vk.ErrorOutOfDeviceMemory, driver.ErrOutOfDeviceMemory},
		{vk.ErrorOutOfHostMemory, driver.ErrOutOfDeviceMemory},
		{vk.ErrorOutOfPoolMemory, driver.ErrOutOfPoolMemory},
		{vk.ErrorFragmentedPool, driver.ErrOutOfPoolMemory},
		{vk.Timeout, driver.ErrTimeout},
		{vk.ErrorDeviceLost, driver.ErrDeviceLost},
		{vk.ErrorFeatureNotPresent, driver.ErrUnsupported},
	}
	for _, c := range cases {
		err := check(c.result, "vkOp")
		require.Error(t, err)
		assert.True(t, errors.Is(err, c.mark), "%s should be marked %v", VulkanResultString(c.result, false), c.mark)
		assert.Contains(t, err.Error(), "vkOp")
	}

	err := check(vk.ErrorInitializationFailed, "vkCreateInstance")
	assert.False(t, errors.IsAny(err, driver.ErrOutOfDeviceMemory, driver.ErrOutOfPoolMemory, driver.ErrUnsupported))
}

func TestOutOfMemoryIsRecoverable(t *testing.T) {
	err := errors.Mark(check(vk.ErrorOutOfDeviceMemory, "vkAllocateMemory"), core.ErrAllocationFailed)
	assert.True(t, core.IsRecoverable(err))
}

func TestVulkanResultString(t *testing.T) {
	assert.Equal(t, "VK_ERROR_DEVICE_LOST", VulkanResultString(vk.ErrorDeviceLost, false))
	assert.Contains(t, VulkanResultString(vk.ErrorDeviceLost, true), "has been lost")
	assert.Equal(t, "VK_RESULT_UNRECOGNIZED", VulkanResultString(vk.Result(-12345), false))
	assert.True(t, VulkanResultIsSuccess(vk.Timeout))
	assert.False(t, VulkanResultIsSuccess(vk.ErrorUnknown))
}

func TestVulkanSafeString(t *testing.T) {
	assert.Equal(t, "\x00", VulkanSafeString(""))
	assert.Equal(t, "main\x00", VulkanSafeString("main"))
	assert.Equal(t, "main\x00", VulkanSafeString("main\x00"))

	in := []string{"a", "b\x00"}
	out := VulkanSafeStrings(in)
	assert.Equal(t, []string{"a\x00", "b\x00"}, out)
	assert.Equal(t, "a", in[0])
}

func TestFindFirstZeroInByteArray(t *testing.T) {
	assert.Equal(t, 3, FindFirstZeroInByteArray([]byte{'g', 'p', 'u', 0, 'x'}))
	assert.Equal(t, 0, FindFirstZeroInByteArray([]byte{0}))
	assert.Equal(t, 2, FindFirstZeroInByteArray([]byte{'o', 'k'}))
}

func TestHandleTable(t *testing.T) {
	a := newHandleTable[string]()
	b := newHandleTable[int]()

	h1 := a.add("buffer")
	h2 := b.add(7)
	assert.NotZero(t, h1)
	assert.NotEqual(t, h1, h2)

	v, ok := a.get(h1)
	assert.True(t, ok)
	assert.Equal(t, "buffer", v)

	_, ok = a.get(h2)
	assert.False(t, ok)

	v, ok = a.remove(h1)
	assert.True(t, ok)
	assert.Equal(t, "buffer", v)
	_, ok = a.remove(h1)
	assert.False(t, ok)

	for i := 0; i < 4; i++ {
		b.add(i)
	}
	b.removeWhere(func(n int) bool { return n%2 == 0 })
	assert.Equal(t, 3, b.len())

	sum := 0
	b.drain(func(n int) { sum += n })
	assert.Equal(t, 7+1+3, sum)
	assert.Zero(t, b.len())
}

func TestLockPoolSerialisesQueueCalls(t *testing.T) {
	pool := NewVulkanLockPool()
	pool.SetQueueFamily(0)

	var wg sync.WaitGroup
	inside := 0
	maxInside := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(family uint32) {
			defer wg.Done()
			_ = pool.SafeQueueCall(0, func() error {
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				inside--
				return nil
			})
		}(uint32(i))
	}
	wg.Wait()
	assert.Equal(t, 1, maxInside)

	want := errors.New("boom")
	assert.ErrorIs(t, pool.SafeCall(DescriptorManagement, func() error { return want }), want)
	assert.NoError(t, pool.SafeQueueCall(3, func() error { return nil }))
}

// newTestDevice skips when no Vulkan loader or device is available.
func newTestDevice(t *testing.T) *Device {
	t.Helper()
	dev, err := New("chronicle-test", core.VulkanConfig{})
	if err != nil {
		t.Skipf("vulkan unavailable: %v", err)
	}
	t.Cleanup(dev.Destroy)
	return dev
}

func TestDeviceReportsNoRayTracing(t *testing.T) {
	dev := newTestDevice(t)

	f := dev.Features()
	assert.False(t, f.AccelerationStructure)
	assert.False(t, f.RayTracingPipeline)
	assert.NotEmpty(t, dev.MemoryTypes())

	_, _, err := dev.CreateBuffer(driver.BufferCreateInfo{Size: 64, Usage: driver.BufferUsageShaderDeviceAddress})
	assert.ErrorIs(t, err, driver.ErrUnsupported)
	_, err = dev.CreateQueryPool(driver.QueryTypeAccelerationStructureCompactedSize, 1)
	assert.ErrorIs(t, err, driver.ErrUnsupported)
}

func TestDeviceBufferCopyRoundTrip(t *testing.T) {
	dev := newTestDevice(t)
	ctx, err := gpu.NewContext(dev, core.DefaultConfig())
	require.NoError(t, err)
	defer ctx.Destroy()

	usage := driver.BufferUsageTransferSrc | driver.BufferUsageTransferDst
	src, err := gpu.NewHostBuffer(ctx, "src", 256, usage)
	require.NoError(t, err)
	dst, err := gpu.NewHostBuffer(ctx, "dst", 256, usage)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{0x5a}, 256)
	require.NoError(t, src.Write(payload, 0))

	require.NoError(t, ctx.Graphics.ImmediateSubmit(func(cb *gpu.CommandBuffer) error {
		return cb.CopyBuffer(src, dst)
	}))

	got, err := dst.Map()
	require.NoError(t, err)
	assert.Equal(t, payload, got[:256])
	dst.Unmap()

	src.Release()
	dst.Release()
	ctx.Graphics.ProcessCompleted()
}

package vulkan

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/chronicle/engine/core"
	"github.com/spaghettifunk/chronicle/engine/renderer/driver"
)

type queryPool struct {
	handle    vk.QueryPool
	queryType driver.QueryType
	count     uint32
}

// CreateQueryPool only accepts the core query types. Compacted-size
// queries belong to the acceleration structure extension.
func (d *Device) CreateQueryPool(queryType driver.QueryType, count uint32) (driver.QueryPool, error) {
	if queryType == driver.QueryTypeAccelerationStructureCompactedSize {
		return 0, errors.Wrap(driver.ErrUnsupported, "compacted size queries")
	}
	createInfo := vk.QueryPoolCreateInfo{
		SType:      vk.StructureTypeQueryPoolCreateInfo,
		QueryType:  vk.QueryType(queryType),
		QueryCount: count,
	}
	var pool vk.QueryPool
	if err := check(vk.CreateQueryPool(d.LogicalDevice, &createInfo, d.context.Allocator, &pool), "vkCreateQueryPool"); err != nil {
		return 0, err
	}
	return driver.QueryPool(d.queryPools.add(&queryPool{handle: pool, queryType: queryType, count: count})), nil
}

func (d *Device) DestroyQueryPool(pool driver.QueryPool) {
	if p, ok := d.queryPools.remove(uint64(pool)); ok {
		vk.DestroyQueryPool(d.LogicalDevice, p.handle, d.context.Allocator)
	}
}

func (d *Device) QueryResults(pool driver.QueryPool, first, count uint32, wait bool) ([]uint64, error) {
	p, ok := d.queryPools.get(uint64(pool))
	if !ok {
		return nil, errors.Wrap(driver.ErrInvalidHandle, "query results")
	}
	if first+count > p.count {
		return nil, errors.Newf("queries [%d, %d) out of range for pool of %d", first, first+count, p.count)
	}
	if count == 0 {
		return nil, nil
	}
	results := make([]uint64, count)
	flags := vk.QueryResultFlags(vk.QueryResult64Bit)
	if wait {
		flags |= vk.QueryResultFlags(vk.QueryResultWaitBit)
	}
	res := vk.GetQueryPoolResults(d.LogicalDevice, p.handle, first, count,
		uint64(count*8), unsafe.Pointer(&results[0]), 8, flags)
	if res == vk.NotReady {
		return nil, errors.Wrap(driver.ErrTimeout, "query results not ready")
	}
	if err := check(res, "vkGetQueryPoolResults"); err != nil {
		return nil, err
	}
	return results, nil
}

func (d *Device) CmdResetQueryPool(cb driver.CommandBuffer, pool driver.QueryPool, first, count uint32) {
	c := d.cmd(cb)
	p, ok := d.queryPools.get(uint64(pool))
	if c == nil || !ok {
		return
	}
	vk.CmdResetQueryPool(c, p.handle, first, count)
}

// The binding carries no VK_KHR_acceleration_structure entry points, so
// Features reports the extension as absent and the calls below never
// reach the device.

func (d *Device) CreateAccelerationStructure(driver.AccelerationStructureType, driver.Buffer, uint64, uint64) (driver.AccelerationStructure, error) {
	return 0, errors.Wrap(driver.ErrUnsupported, "vkCreateAccelerationStructureKHR")
}

func (d *Device) DestroyAccelerationStructure(driver.AccelerationStructure) {}

func (d *Device) AccelerationStructureDeviceAddress(driver.AccelerationStructure) (driver.DeviceAddress, error) {
	return 0, errors.Wrap(driver.ErrUnsupported, "vkGetAccelerationStructureDeviceAddressKHR")
}

func (d *Device) AccelerationStructureBuildSizes(driver.AccelerationStructureBuildGeometryInfo, uint32) (driver.AccelerationStructureBuildSizes, error) {
	return driver.AccelerationStructureBuildSizes{}, errors.Wrap(driver.ErrUnsupported, "vkGetAccelerationStructureBuildSizesKHR")
}

func (d *Device) CmdBuildAccelerationStructure(driver.CommandBuffer, driver.AccelerationStructureBuildGeometryInfo, driver.AccelerationStructureBuildRange) {
	core.LogError("vkCmdBuildAccelerationStructuresKHR is not available")
}

func (d *Device) CmdWriteAccelerationStructureCompactedSize(driver.CommandBuffer, driver.AccelerationStructure, driver.QueryPool, uint32) {
	core.LogError("vkCmdWriteAccelerationStructuresPropertiesKHR is not available")
}

func (d *Device) CmdCopyAccelerationStructure(driver.CommandBuffer, driver.AccelerationStructure, driver.AccelerationStructure, driver.CopyAccelerationStructureMode) {
	core.LogError("vkCmdCopyAccelerationStructureKHR is not available")
}

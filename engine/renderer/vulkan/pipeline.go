package vulkan

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/chronicle/engine/core"
	"github.com/spaghettifunk/chronicle/engine/renderer/driver"
)

/**
 * @brief Holds a Vulkan pipeline and the bind point it was created for.
 */
type pipeline struct {
	/** @brief The internal pipeline handle. */
	handle    vk.Pipeline
	bindPoint driver.PipelineBindPoint
}

func (d *Device) CreatePipelineLayout(setLayouts []driver.DescriptorSetLayout, pushConstants []driver.PushConstantRange) (driver.PipelineLayout, error) {
	layouts := make([]vk.DescriptorSetLayout, len(setLayouts))
	for i, h := range setLayouts {
		l, ok := d.setLayouts.get(uint64(h))
		if !ok {
			return 0, errors.Wrapf(driver.ErrInvalidHandle, "descriptor set layout %d", h)
		}
		layouts[i] = l
	}
	ranges := make([]vk.PushConstantRange, len(pushConstants))
	for i, r := range pushConstants {
		ranges[i] = vk.PushConstantRange{
			StageFlags: vk.ShaderStageFlags(r.Stages),
			Offset:     r.Offset,
			Size:       r.Size,
		}
	}
	pipelineLayoutCreateInfo := vk.PipelineLayoutCreateInfo{
		SType:                  vk.StructureTypePipelineLayoutCreateInfo,
		SetLayoutCount:         uint32(len(layouts)),
		PSetLayouts:            layouts,
		PushConstantRangeCount: uint32(len(ranges)),
		PPushConstantRanges:    ranges,
	}

	var layout vk.PipelineLayout
	if err := d.locks.SafeCall(PipelineManagement, func() error {
		return check(vk.CreatePipelineLayout(d.LogicalDevice, &pipelineLayoutCreateInfo, d.context.Allocator, &layout), "vkCreatePipelineLayout")
	}); err != nil {
		core.LogError(err.Error())
		return 0, err
	}
	return driver.PipelineLayout(d.pipelineLayouts.add(layout)), nil
}

func (d *Device) DestroyPipelineLayout(layout driver.PipelineLayout) {
	if l, ok := d.pipelineLayouts.remove(uint64(layout)); ok {
		vk.DestroyPipelineLayout(d.LogicalDevice, l, d.context.Allocator)
	}
}

// createShaderModule wraps SPIR-V words in a module. The caller destroys
// it once the pipeline is created.
func (d *Device) createShaderModule(code []byte) (vk.ShaderModule, error) {
	if len(code) == 0 || len(code)%4 != 0 {
		return vk.NullShaderModule, errors.Newf("SPIR-V size %d is not a multiple of 4", len(code))
	}
	words := make([]uint32, len(code)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(code[i*4:])
	}
	createInfo := vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint64(len(code)),
		PCode:    words,
	}
	var module vk.ShaderModule
	if err := check(vk.CreateShaderModule(d.LogicalDevice, &createInfo, d.context.Allocator, &module), "vkCreateShaderModule"); err != nil {
		return vk.NullShaderModule, err
	}
	return module, nil
}

// CreateComputePipeline builds a compute pipeline from a SPIR-V blob whose
// entry point is "main".
func (d *Device) CreateComputePipeline(layout driver.PipelineLayout, spirv []byte) (driver.Pipeline, error) {
	l, ok := d.pipelineLayouts.get(uint64(layout))
	if !ok {
		return 0, errors.Wrap(driver.ErrInvalidHandle, "create compute pipeline")
	}
	module, err := d.createShaderModule(spirv)
	if err != nil {
		core.LogError(err.Error())
		return 0, err
	}
	defer vk.DestroyShaderModule(d.LogicalDevice, module, d.context.Allocator)

	createInfo := vk.ComputePipelineCreateInfo{
		SType: vk.StructureTypeComputePipelineCreateInfo,
		Stage: vk.PipelineShaderStageCreateInfo{
			SType:  vk.StructureTypePipelineShaderStageCreateInfo,
			Stage:  vk.ShaderStageComputeBit,
			Module: module,
			PName:  VulkanSafeString("main"),
		},
		Layout:            l,
		BasePipelineIndex: -1,
	}
	pipelines := make([]vk.Pipeline, 1)
	if err := d.locks.SafeCall(PipelineManagement, func() error {
		return check(vk.CreateComputePipelines(d.LogicalDevice, vk.NullPipelineCache, 1, []vk.ComputePipelineCreateInfo{createInfo}, d.context.Allocator, pipelines), "vkCreateComputePipelines")
	}); err != nil {
		core.LogError(err.Error())
		return 0, err
	}
	core.LogDebug("Compute pipeline created!")
	return driver.Pipeline(d.pipelines.add(&pipeline{handle: pipelines[0], bindPoint: driver.PipelineBindPointCompute})), nil
}

func (d *Device) DestroyPipeline(p driver.Pipeline) {
	if pl, ok := d.pipelines.remove(uint64(p)); ok {
		_ = d.locks.SafeCall(PipelineManagement, func() error {
			vk.DestroyPipeline(d.LogicalDevice, pl.handle, d.context.Allocator)
			return nil
		})
	}
}

func (d *Device) RayTracingShaderGroupHandles(driver.Pipeline, uint32, uint32) ([]byte, error) {
	return nil, errors.Wrap(driver.ErrUnsupported, "vkGetRayTracingShaderGroupHandlesKHR")
}

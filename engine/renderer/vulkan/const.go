package vulkan

const engineName = "Chronicle Engine"

/**
 * @brief The validation layer enabled when the configuration asks for it.
 */
const validationLayerName = "VK_LAYER_KHRONOS_validation"

// Device extensions reported in the startup log. The binding has no
// entry points for them, so their presence never enables a feature.
const (
	accelerationStructureExtensionName = "VK_KHR_acceleration_structure"
	rayTracingPipelineExtensionName    = "VK_KHR_ray_tracing_pipeline"
	bufferDeviceAddressExtensionName   = "VK_KHR_buffer_device_address"
	portabilitySubsetExtensionName     = "VK_KHR_portability_subset"
)

/**
 * @brief Upper bound on the number of sets a single pool is created with
 * when the caller does not ask for one.
 */
const defaultMaxDescriptorSets uint32 = 1024

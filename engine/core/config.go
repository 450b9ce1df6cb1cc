package core

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml/v2"
)

const (
	DriverSoftware = "software"
	DriverVulkan   = "vulkan"
)

type Config struct {
	Name           string `toml:"name"`
	LogLevel       string `toml:"log_level"`
	Driver         string `toml:"driver"`
	FramesInFlight uint32 `toml:"frames_in_flight"`
	// Number of frames the engine loop renders before exiting. Zero runs
	// until shutdown.
	Frames uint32 `toml:"frames"`

	Queue        QueueConfig        `toml:"queue"`
	Descriptors  DescriptorConfig   `toml:"descriptors"`
	Acceleration AccelerationConfig `toml:"acceleration"`
	Software     SoftwareConfig     `toml:"software"`
	Vulkan       VulkanConfig       `toml:"vulkan"`
}

type QueueConfig struct {
	// Drain completed submissions from a background worker instead of once
	// per frame.
	BackgroundDrain bool     `toml:"background_drain"`
	DrainInterval   Duration `toml:"drain_interval"`
	// Upper bound for blocking fence waits on uploads and builds.
	FenceTimeout Duration `toml:"fence_timeout"`
}

type DescriptorConfig struct {
	MaxSets                uint32 `toml:"max_sets"`
	UniformBuffers         uint32 `toml:"uniform_buffers"`
	StorageBuffers         uint32 `toml:"storage_buffers"`
	CombinedImageSamplers  uint32 `toml:"combined_image_samplers"`
	StorageImages          uint32 `toml:"storage_images"`
	AccelerationStructures uint32 `toml:"acceleration_structures"`
}

type AccelerationConfig struct {
	BatchBudgetMiB  uint64 `toml:"batch_budget_mib"`
	Compact         bool   `toml:"compact"`
	PreferFastBuild bool   `toml:"prefer_fast_build"`
}

type SoftwareConfig struct {
	// Signal fences as soon as work is submitted. When false, work only
	// completes when something waits on it or the device is stepped.
	AutoComplete      bool   `toml:"auto_complete"`
	DeviceLocalOnly   bool   `toml:"device_local_only"`
	MaxAllocationSize uint64 `toml:"max_allocation_size"`
}

type VulkanConfig struct {
	Validation bool `toml:"validation"`
}

// Duration decodes TOML strings such as "250ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Wrapf(ErrInvalidConfig, "duration %q: %v", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func DefaultConfig() *Config {
	return &Config{
		Name:           "Chronicle",
		LogLevel:       "info",
		Driver:         DriverSoftware,
		FramesInFlight: 2,
		Frames:         0,
		Queue: QueueConfig{
			BackgroundDrain: false,
			DrainInterval:   Duration{time.Millisecond},
			FenceTimeout:    Duration{10 * time.Second},
		},
		Descriptors: DescriptorConfig{
			MaxSets:                128,
			UniformBuffers:         64,
			StorageBuffers:         32,
			CombinedImageSamplers:  128,
			StorageImages:          32,
			AccelerationStructures: 16,
		},
		Acceleration: AccelerationConfig{
			BatchBudgetMiB:  256,
			Compact:         true,
			PreferFastBuild: true,
		},
		Software: SoftwareConfig{
			AutoComplete: true,
		},
	}
}

// LoadConfig reads path and overlays it on DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(ErrInvalidConfig, "decoding config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.Driver {
	case DriverSoftware, DriverVulkan:
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown driver %q", c.Driver)
	}
	if c.FramesInFlight == 0 {
		return errors.Wrap(ErrInvalidConfig, "frames_in_flight must be at least 1")
	}
	if c.Acceleration.BatchBudgetMiB == 0 {
		return errors.Wrap(ErrInvalidConfig, "acceleration.batch_budget_mib must be positive")
	}
	if c.Descriptors.MaxSets == 0 {
		return errors.Wrap(ErrInvalidConfig, "descriptors.max_sets must be positive")
	}
	return nil
}

// BatchBudget is the acceleration structure sub-batch budget in bytes.
func (c *Config) BatchBudget() uint64 {
	return c.Acceleration.BatchBudgetMiB << 20
}

// Apply pushes the runtime-adjustable settings into the process.
func (c *Config) Apply() {
	lvl, err := ParseLogLevel(c.LogLevel)
	if err != nil {
		LogWarn(err.Error())
		return
	}
	SetLogLevel(lvl)
}

func (c *Config) Marshal() ([]byte, error) {
	return toml.Marshal(c)
}

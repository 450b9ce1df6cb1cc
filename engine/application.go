package engine

import (
	"github.com/spaghettifunk/chronicle/engine/core"
)

type ApplicationConfig struct {
	// The application name used for the device and in logs.
	Name string
	// Optional TOML file overlaid on the defaults and watched for changes.
	ConfigPath string
	// Used as is when ConfigPath is empty. Nil means core.DefaultConfig.
	Config *core.Config
	// Optional directory of shaders and textures, watched for changes.
	AssetPath string
}

// load resolves the engine configuration.
func (a *ApplicationConfig) load() (*core.Config, error) {
	var cfg *core.Config
	switch {
	case a.ConfigPath != "":
		c, err := core.LoadConfig(a.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = c
	case a.Config != nil:
		cfg = a.Config
	default:
		cfg = core.DefaultConfig()
	}
	if a.Name != "" {
		cfg.Name = a.Name
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

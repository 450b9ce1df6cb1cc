package engine

import (
	"github.com/spaghettifunk/chronicle/engine/assets"
	"github.com/spaghettifunk/chronicle/engine/renderer/gpu"
)

type Game struct {
	ApplicationConfig *ApplicationConfig
	State             interface{}
	FnBoot            Boot
	FnInitialize      Initialize
	FnUpdate          Update
	FnRender          Render
	FnShutdown        Shutdown

	// Set by the engine when ApplicationConfig.AssetPath is valid.
	Assets *assets.AssetManager
}

type Boot func() error
type Initialize func(ctx *gpu.Context) error
type Update func(deltaTime float64) error
type Render func(cb *gpu.CommandBuffer, deltaTime float64) error
type Shutdown func() error

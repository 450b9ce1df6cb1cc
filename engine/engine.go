package engine

import (
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/chronicle/engine/assets"
	"github.com/spaghettifunk/chronicle/engine/core"
	"github.com/spaghettifunk/chronicle/engine/renderer"
	"github.com/spaghettifunk/chronicle/engine/renderer/driver"
	"github.com/spaghettifunk/chronicle/engine/renderer/gpu"
)

type Stage uint8

const (
	// Engine is in an uninitialized state
	EngineStageUninitialized Stage = iota
	// Engine is currently booting up
	EngineStageBooting
	// Engine completed boot process and is ready to be initialized
	EngineStageBootComplete
	// Engine is currently initializing
	EngineStageInitializing
	// Engine initialization is complete
	EngineStageInitialized
	// Engine is currently running
	EngineStageRunning
	// Engine is in the process of shutting down
	EngineStageShuttingDown
)

// Engine drives a game headlessly: every iteration updates the game and
// records one frame through the renderer.
type Engine struct {
	currentStage Stage
	gameInstance *Game
	isRunning    atomic.Bool
	config       *core.Config
	watcher      *core.ConfigWatcher
	assets       *assets.AssetManager
	driver       driver.Driver
	renderer     *renderer.Renderer
	clock        *core.Clock
	lastTime     time.Duration
}

func New(g *Game) (*Engine, error) {
	if g.ApplicationConfig == nil {
		g.ApplicationConfig = &ApplicationConfig{}
	}
	e := &Engine{
		currentStage: EngineStageBooting,
		gameInstance: g,
		clock:        core.NewClock(),
	}

	cfg, err := g.ApplicationConfig.load()
	if err != nil {
		core.LogError(err.Error())
		return nil, err
	}
	cfg.Apply()
	e.config = cfg

	if path := g.ApplicationConfig.ConfigPath; path != "" {
		w, err := core.NewConfigWatcher(path, cfg)
		if err != nil {
			core.LogWarn("config hot reload disabled: %v", err)
		} else {
			w.Subscribe(e.onConfigChanged)
			e.watcher = w
		}
	}

	if path := g.ApplicationConfig.AssetPath; path != "" {
		am, err := assets.NewAssetManager(path)
		if err != nil {
			core.LogWarn("assets disabled: %v", err)
		} else {
			e.assets = am
		}
	}
	g.Assets = e.assets

	if g.FnBoot != nil {
		if err := g.FnBoot(); err != nil {
			core.LogError("game boot failed: %v", err)
			if e.watcher != nil {
				_ = e.watcher.Close()
			}
			if e.assets != nil {
				_ = e.assets.Close()
			}
			return nil, err
		}
	}
	e.currentStage = EngineStageBootComplete
	return e, nil
}

func (e *Engine) Initialize() error {
	if e.currentStage != EngineStageBootComplete {
		return errors.Newf("engine initialized in stage %d", e.currentStage)
	}
	e.currentStage = EngineStageInitializing

	drv, err := renderer.NewDriver(e.config)
	if err != nil {
		core.LogError("failed to open %s device: %v", e.config.Driver, err)
		return err
	}
	e.driver = drv

	r, err := renderer.New(drv, e.config)
	if err != nil {
		drv.Destroy()
		e.driver = nil
		return err
	}
	e.renderer = r

	if e.gameInstance.FnInitialize != nil {
		if err := e.gameInstance.FnInitialize(r.Context); err != nil {
			return err
		}
	}
	e.currentStage = EngineStageInitialized
	return nil
}

// Run loops until Stop is called or the configured number of frames has
// been rendered.
func (e *Engine) Run() error {
	if e.currentStage != EngineStageInitialized {
		return errors.Newf("engine started in stage %d", e.currentStage)
	}
	e.currentStage = EngineStageRunning
	e.isRunning.Store(true)

	e.clock.Start()
	e.clock.Update()
	e.lastTime = e.clock.Elapsed()

	limit := uint64(e.config.Frames)
	for e.isRunning.Load() {
		if limit > 0 && e.renderer.FrameNumber() >= limit {
			break
		}

		// Update clock and get delta time.
		e.clock.Update()
		currentTime := e.clock.Elapsed()
		delta := (currentTime - e.lastTime).Seconds()

		if e.gameInstance.FnUpdate != nil {
			if err := e.gameInstance.FnUpdate(delta); err != nil {
				core.LogError("Game update failed, shutting down.")
				e.isRunning.Store(false)
				return err
			}
		}

		err := e.renderer.DrawFrame(func(cb *gpu.CommandBuffer) error {
			if e.gameInstance.FnRender == nil {
				return nil
			}
			return e.gameInstance.FnRender(cb, delta)
		})
		if err != nil {
			core.LogError("Game render failed, shutting down.")
			e.isRunning.Store(false)
			return err
		}

		// Update last time
		e.lastTime = currentTime
	}
	e.isRunning.Store(false)
	core.LogInfo("engine stopped after %d frames in %v", e.renderer.FrameNumber(), e.clock.Elapsed())
	return nil
}

// Stop asks Run to return after the current frame. Safe to call from any
// goroutine.
func (e *Engine) Stop() {
	e.isRunning.Store(false)
}

func (e *Engine) Shutdown() error {
	e.currentStage = EngineStageShuttingDown

	var errs error
	if e.gameInstance.FnShutdown != nil {
		errs = errors.CombineErrors(errs, e.gameInstance.FnShutdown())
	}
	if e.renderer != nil {
		errs = errors.CombineErrors(errs, e.renderer.Shutdown())
		e.renderer = nil
	}
	if e.driver != nil {
		e.driver.Destroy()
		e.driver = nil
	}
	if e.watcher != nil {
		errs = errors.CombineErrors(errs, e.watcher.Close())
		e.watcher = nil
	}
	if e.assets != nil {
		errs = errors.CombineErrors(errs, e.assets.Close())
		e.assets = nil
		e.gameInstance.Assets = nil
	}
	e.currentStage = EngineStageUninitialized
	return errs
}

func (e *Engine) Stage() Stage {
	return e.currentStage
}

func (e *Engine) FrameNumber() uint64 {
	if e.renderer == nil {
		return 0
	}
	return e.renderer.FrameNumber()
}

func (e *Engine) onConfigChanged(cfg *core.Config) {
	if cfg.Driver != e.config.Driver || cfg.FramesInFlight != e.config.FramesInFlight {
		core.LogWarn("driver and frames_in_flight changes take effect after a restart")
	}
	if cfg.Frames != e.config.Frames {
		core.LogInfo("frame limit changed from %d to %d", e.config.Frames, cfg.Frames)
	}
}

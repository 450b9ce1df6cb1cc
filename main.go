/*
This is an example of application that will use the
engine package to test things out
*/
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/spaghettifunk/chronicle/engine"
	"github.com/spaghettifunk/chronicle/engine/core"
	"github.com/spaghettifunk/chronicle/testbed"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file, watched for changes")
	driverName := flag.String("driver", "", "override the configured driver (software or vulkan)")
	frames := flag.Uint("frames", 0, "stop after this many frames, 0 runs until interrupted")
	assetPath := flag.String("assets", "assets", "directory of shaders and textures")
	flag.Parse()

	appConfig := &engine.ApplicationConfig{Name: "Chronicle Testbed", ConfigPath: *configPath, AssetPath: *assetPath}
	if *configPath == "" {
		appConfig.Config = core.DefaultConfig()
		if *driverName != "" {
			appConfig.Config.Driver = *driverName
		}
		appConfig.Config.Frames = uint32(*frames)
	} else if *driverName != "" || *frames != 0 {
		core.LogWarn("-driver and -frames are ignored when -config is set")
	}

	tb := testbed.NewTestGame(appConfig)

	engine, err := engine.New(tb.Game)
	if err != nil {
		core.LogFatal(err.Error())
	}

	if err := engine.Initialize(); err != nil {
		core.LogError(err.Error())
		_ = engine.Shutdown()
		os.Exit(1)
	}

	// signal channel to capture system calls
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)

	// stop the loop on sigterm and other system calls
	go func() {
		<-sigCh
		engine.Stop()
	}()

	runErr := engine.Run()
	if err := engine.Shutdown(); err != nil {
		core.LogError(err.Error())
	}
	if runErr != nil {
		core.LogFatal(runErr.Error())
	}
}

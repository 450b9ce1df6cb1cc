//go:build mage

package main

import (
	"fmt"
	"path/filepath"

	"github.com/magefile/mage/mg"
)

type Build mg.Namespace

// Compiles the testbed binary into bin/.
func (Build) Engine() error {
	if err := goCmd("build", "-o", "bin/chronicle", "."); err != nil {
		return err
	}
	return nil
}

// Compiles every compute shader under assets/shaders/ to SPIR-V with glslc.
func (Build) Shaders() error {
	return buildShaders()
}

func buildShaders() error {
	sources, err := filepath.Glob("assets/shaders/*.comp")
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		fmt.Println("no shaders to compile")
		return nil
	}
	if err := requireTool("glslc", "install the Vulkan SDK"); err != nil {
		return err
	}
	for _, src := range sources {
		if err := runCmd("glslc", "--target-env=vulkan1.2", src, "-o", src+".spv"); err != nil {
			return err
		}
	}
	return nil
}

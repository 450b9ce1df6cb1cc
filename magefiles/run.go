//go:build mage

package main

import (
	"fmt"

	"github.com/magefile/mage/mg"
)

type Run mg.Namespace

// Runs the testbed on the native Vulkan device.
func (Run) Engine() error {
	mg.Deps(Build.Shaders)
	fmt.Println("Run engine...")
	if err := goCmd("run", ".", "-driver", "vulkan"); err != nil {
		return err
	}
	return nil
}

// Runs the testbed for a few hundred frames on the in-memory device.
func (Run) Software() error {
	fmt.Println("Run engine on the software device...")
	if err := goCmd("run", ".", "-driver", "software", "-frames", "300"); err != nil {
		return err
	}
	return nil
}

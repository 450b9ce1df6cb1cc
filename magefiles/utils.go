//go:build mage

package main

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

// goki/vulkan is a cgo binding.
var buildEnv = map[string]string{"CGO_ENABLED": "1"}

func goCmd(args ...string) error {
	return runCmd("go", args...)
}

// runCmd echoes the command line and streams the command's output.
func runCmd(command string, args ...string) error {
	fmt.Printf("Executing: %s %s\n", command, strings.Join(args, " "))
	if err := sh.RunWithV(buildEnv, command, args...); err != nil {
		return fmt.Errorf("error executing %s: %w", command, err)
	}
	return nil
}

func requireTool(name, hint string) error {
	if _, err := exec.LookPath(name); err != nil {
		return mg.Fatalf(1, "%s not found in PATH, %s", name, hint)
	}
	return nil
}

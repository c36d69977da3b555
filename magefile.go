//go:build mage

package main

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

// Default target - build the binary
var Default = Build

const binary = "bin/reqforge"

func version() string {
	if v := os.Getenv("VERSION"); v != "" {
		return v
	}
	out, err := sh.Output("git", "describe", "--tags", "--always", "--dirty")
	if err != nil {
		return "dev"
	}
	return strings.TrimSpace(out)
}

func ldflags() string {
	return "-X main.Version=" + version()
}

// Build builds the reqforge binary into bin/.
func Build() error {
	return sh.RunV("go", "build", "-ldflags", ldflags(), "-o", binary, "./cmd/reqforge")
}

// Install installs reqforge into GOBIN.
func Install() error {
	return sh.RunV("go", "install", "-ldflags", ldflags(), "./cmd/reqforge")
}

// Test runs the test suite with the race detector.
func Test() error {
	return sh.RunV("go", "test", "-race", "./...")
}

// Lint runs go vet, and staticcheck when it is installed.
func Lint() error {
	if err := sh.RunV("go", "vet", "./..."); err != nil {
		return err
	}
	if _, err := exec.LookPath("staticcheck"); err != nil {
		fmt.Println("staticcheck not found (install: go install honnef.co/go/tools/cmd/staticcheck@latest)")
		return nil
	}
	return sh.RunV("staticcheck", "./...")
}

// CI runs lint and tests.
func CI() {
	mg.SerialDeps(Lint, Test)
}

// Clean removes build artifacts.
func Clean() error {
	return os.RemoveAll("bin")
}

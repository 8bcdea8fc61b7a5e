package process

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// Strategy yields candidate paths for the tool, in preference order.
type Strategy interface {
	Candidates(tool string) []string
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(tool string) []string

func (f StrategyFunc) Candidates(tool string) []string { return f(tool) }

// ConfiguredPath tries an explicitly configured path.
func ConfiguredPath(path string) Strategy {
	return StrategyFunc(func(string) []string {
		if path == "" {
			return nil
		}
		return []string{path}
	})
}

// ExecutableRelative looks next to the running binary and in its assets directory.
func ExecutableRelative() Strategy {
	return StrategyFunc(func(tool string) []string {
		exe, err := os.Executable()
		if err != nil {
			return nil
		}
		dir := filepath.Dir(exe)
		return []string{
			filepath.Join(dir, "assets", tool),
			filepath.Join(dir, tool),
		}
	})
}

// WorkingDirRelative looks in ./assets and ../assets, the layouts used by
// installed and development builds.
func WorkingDirRelative() Strategy {
	return StrategyFunc(func(tool string) []string {
		wd, err := os.Getwd()
		if err != nil {
			return nil
		}
		return []string{
			filepath.Join(wd, "assets", tool),
			filepath.Join(filepath.Dir(wd), "assets", tool),
			filepath.Join(wd, tool),
		}
	})
}

// SearchPath looks the tool up in $PATH.
func SearchPath() Strategy {
	return StrategyFunc(func(tool string) []string {
		p, err := exec.LookPath(tool)
		if err != nil {
			return nil
		}
		return []string{p}
	})
}

// Resolver finds the download tool. The first candidate that is an executable
// regular file wins.
type Resolver struct {
	Tool       string
	Strategies []Strategy
}

// NewResolver returns a Resolver trying the configured path, then the binary's
// directory, the working directory and finally $PATH.
func NewResolver(tool, configuredPath string) *Resolver {
	return &Resolver{
		Tool: toolFileName(tool),
		Strategies: []Strategy{
			ConfiguredPath(configuredPath),
			ExecutableRelative(),
			WorkingDirRelative(),
			SearchPath(),
		},
	}
}

func (r *Resolver) Resolve() (string, error) {
	var tried []string
	for _, s := range r.Strategies {
		for _, candidate := range s.Candidates(r.Tool) {
			if isExecutable(candidate) {
				if abs, err := filepath.Abs(candidate); err == nil {
					return abs, nil
				}
				return candidate, nil
			}
			tried = append(tried, candidate)
		}
	}
	return "", fmt.Errorf("%w: %s (tried: %s)", ErrToolNotFound, r.Tool, strings.Join(tried, ", "))
}

func toolFileName(tool string) string {
	if runtime.GOOS == "windows" && filepath.Ext(tool) == "" {
		return tool + ".exe"
	}
	return tool
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode().Perm()&0111 != 0
}

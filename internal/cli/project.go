package cli

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cruciblehq/kiln/internal/pipeline"
)

// Flags shared by commands that generate a build from a project.
type ProjectFlags struct {
	Dir       string            `arg:"" optional:"" default:"." type:"existingdir" help:"Project directory."`
	Config    string            `short:"c" type:"existingfile" placeholder:"FILE" help:"Pipeline config file. Defaults to kiln.yaml in the project directory, when present."`
	BuildArgs map[string]string `name:"build-arg" placeholder:"NAME=VALUE" help:"Override a build argument. May be repeated."`
}

// Loads the pipeline config and prepares the project build.
func (f *ProjectFlags) prepare() (*pipeline.Build, error) {
	file, err := f.configFile()
	if err != nil {
		return nil, err
	}

	cfg, err := pipeline.LoadConfig(file)
	if err != nil {
		return nil, err
	}

	return pipeline.Prepare(f.Dir, cfg, f.BuildArgs)
}

// Returns the config file to load, or "" to use the defaults.
func (f *ProjectFlags) configFile() (string, error) {
	if f.Config != "" {
		return f.Config, nil
	}

	file := filepath.Join(f.Dir, pipeline.ConfigFile)
	if _, err := os.Stat(file); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return file, nil
}

// Returns a container ID prefix derived from a project name.
func resourceName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, name)
}

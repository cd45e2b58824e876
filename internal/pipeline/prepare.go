package pipeline

import (
	"log/slog"
	"strings"

	"github.com/cruciblehq/kiln/internal/errs"
	"github.com/cruciblehq/kiln/internal/project"
	"github.com/cruciblehq/kiln/internal/recipe"
	"github.com/distribution/reference"
)

// A generated build, checked and ready to be sent to the daemon.
type Build struct {
	Recipe  *recipe.Recipe    // Generated recipe, arguments unsubstituted.
	Args    map[string]string // Argument overrides, applied by the daemon.
	Name    string            // Image reference recorded in the exported archive.
	Project *project.Project
	Lock    *project.Lock
}

// Generates and checks the build of the project in root.
//
// The manifest and lock are loaded, the recipe is generated and resolved
// with the given overrides, and the interpreter version is checked against
// the lock's constraint. The resolved recipe must validate and its exported
// stage must be minimal. No container work happens here, so a bad version
// argument or a stale lock is reported before the daemon is involved.
func Prepare(root string, cfg *Config, overrides map[string]string) (*Build, error) {
	proj, err := project.LoadManifest(root)
	if err != nil {
		return nil, err
	}

	lock, err := project.LoadLock(root)
	if err != nil {
		return nil, err
	}

	rec := Generate(cfg, proj)

	resolved, err := rec.Resolve(overrides)
	if err != nil {
		return nil, err
	}

	python := cfg.PythonVersion
	if v, ok := overrides[ArgPythonVersion]; ok {
		python = v
	}
	if err := project.CheckPython(python, lock.PythonVersions); err != nil {
		return nil, err
	}

	if err := resolved.Validate(); err != nil {
		return nil, err
	}

	if err := CheckMinimal(resolved, cfg); err != nil {
		return nil, err
	}

	name, err := imageName(cfg, proj)
	if err != nil {
		return nil, err
	}

	slog.Debug("pipeline prepared",
		"project", proj.Name,
		"version", proj.Version,
		"python", python,
		"packages", len(lock.Packages),
		"image", name,
	)

	return &Build{
		Recipe:  rec,
		Args:    overrides,
		Name:    name,
		Project: proj,
		Lock:    lock,
	}, nil
}

// Returns the normalized image reference for the exported archive.
//
// Without a configured name, the project name is used and tagged with the
// project version. Local version segments ("+local") are not valid in a tag
// and are joined with a dash instead.
func imageName(cfg *Config, proj *project.Project) (string, error) {
	name := cfg.Name
	if name == "" {
		name = strings.ToLower(proj.Name)
		if proj.Version != "" {
			name += ":" + strings.ReplaceAll(proj.Version, "+", "-")
		}
	}

	named, err := reference.ParseNormalizedNamed(name)
	if err != nil {
		return "", errs.Wrapf(ErrConfig, "image name %q: %w", name, err)
	}
	return reference.TagNameOnly(named).String(), nil
}

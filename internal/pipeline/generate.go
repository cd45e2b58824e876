package pipeline

import (
	"maps"
	"path"
	"strings"

	"github.com/cruciblehq/kiln/internal/project"
	"github.com/cruciblehq/kiln/internal/recipe"
)

const (

	// Name of the stage that compiles dependencies.
	BuilderStage = "builder"

	// Name of the exported stage.
	RuntimeStage = "runtime"

	// Path of the entrypoint script in the runtime image.
	startScriptPath = "/start.py"

	// Path of the configuration directory in the runtime image.
	confPath = "/conf"

	// PATH of the base image, before the virtualenv is prepended.
	systemPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
)

// Cache mounts for the apt archive and package lists. apt holds its own
// lock on both, so concurrent writers must be serialized.
var aptMounts = []recipe.CacheMount{
	{ID: "apt-archives", Target: "/var/cache/apt", Sharing: recipe.SharingLocked},
	{ID: "apt-lists", Target: "/var/lib/apt", Sharing: recipe.SharingLocked},
}

// Stops the distro image from deleting downloaded packages after install,
// so they stay in the apt cache mount.
const keepAptCache = `rm -f /etc/apt/apt.conf.d/docker-clean && ` +
	`echo 'Binary::apt::APT::Keep-Downloaded-Packages "true";' > /etc/apt/apt.conf.d/keep-cache`

// Generates the two-stage recipe for a project.
//
// The builder stage runs, in order: apt cache setup, build tooling install,
// dependency manager install and virtualenv creation, the manifest, lock and
// descriptor copies, the locked dependency install, the source copies and
// finally the registration of the project itself. The runtime stage installs
// the runtime allow-list and copies the virtualenv, start script and
// configuration directory. The recipe is returned with build arguments
// unsubstituted.
func Generate(cfg *Config, proj *project.Project) *recipe.Recipe {
	return &recipe.Recipe{
		Args: []recipe.Arg{
			{Name: ArgPythonVersion, Default: cfg.PythonVersion},
			{Name: ArgPoetryVersion, Default: cfg.PoetryVersion},
		},
		Stages: []recipe.Stage{
			{
				Name:      BuilderStage,
				From:      cfg.Base,
				Transient: true,
				Steps:     builderSteps(cfg, proj),
			},
			{
				Name:  RuntimeStage,
				From:  cfg.Base,
				Steps: runtimeSteps(cfg),
			},
		},
		Image: imageConfig(cfg, proj),
	}
}

func builderSteps(cfg *Config, proj *project.Project) []recipe.Step {
	steps := []recipe.Step{
		{Workdir: cfg.Workdir},
		{Env: map[string]string{
			"PATH":                          path.Join(cfg.Venv, "bin") + ":/root/.local/bin:" + systemPath,
			"VIRTUAL_ENV":                   cfg.Venv,
			"PIP_DISABLE_PIP_VERSION_CHECK": "1",
		}},
		{Run: keepAptCache},
		{Run: aptInstall(cfg.BuildPackages), Mounts: aptMounts},
		{
			Run:    `pip install --user "poetry==${` + ArgPoetryVersion + `}" && python -m venv ` + cfg.Venv,
			Mounts: []recipe.CacheMount{{ID: "pip", Target: "/root/.cache/pip"}},
		},
		{Copy: project.ManifestFile + " " + project.ManifestFile},
		{Copy: project.LockFile + " " + project.LockFile},
	}

	if d := descriptor(cfg, proj); d != "" {
		steps = append(steps, recipe.Step{Copy: d + " " + d})
	}

	steps = append(steps, recipe.Step{
		Run:    "poetry check --lock && poetry install --no-root --only main --no-interaction",
		Mounts: []recipe.CacheMount{{ID: "pypoetry", Target: "/root/.cache/pypoetry"}},
	})

	for _, src := range sources(cfg, proj) {
		steps = append(steps, recipe.Step{Copy: src + " " + src})
	}

	return append(steps, recipe.Step{Run: "poetry install --only-root --no-interaction"})
}

func runtimeSteps(cfg *Config) []recipe.Step {
	return []recipe.Step{
		{Run: keepAptCache},
		{Run: aptInstall(cfg.RuntimePackages), Mounts: aptMounts},
		{Copy: BuilderStage + ":" + cfg.Venv + " " + cfg.Venv},
		{Copy: cfg.StartScript + " " + startScriptPath},
		{Copy: cfg.ConfDir + " " + confPath},
	}
}

// Builds the exported image config. Labels derived from the manifest are
// overridden by configured ones.
func imageConfig(cfg *Config, proj *project.Project) recipe.ImageConfig {
	env := map[string]string{
		"PATH":        path.Join(cfg.Venv, "bin") + ":" + systemPath,
		"VIRTUAL_ENV": cfg.Venv,
	}
	maps.Copy(env, cfg.Env)

	labels := make(map[string]string)
	for key, value := range map[string]string{
		"org.opencontainers.image.url":           proj.Homepage,
		"org.opencontainers.image.documentation": proj.Documentation,
		"org.opencontainers.image.source":        proj.Repository,
		"org.opencontainers.image.licenses":      proj.License,
		"org.opencontainers.image.version":       proj.Version,
	} {
		if value != "" {
			labels[key] = value
		}
	}
	maps.Copy(labels, cfg.Labels)

	hc := cfg.Healthcheck
	hc.Test = append([]string(nil), cfg.Healthcheck.Test...)

	ic := recipe.ImageConfig{
		Entrypoint: []string{startScriptPath},
		Env:        env,
		Ports:      append([]string(nil), cfg.Ports...),
		Labels:     labels,
	}
	if len(hc.Test) > 0 {
		ic.Healthcheck = &hc
	}
	return ic
}

// Returns the project descriptor to copy alongside the lock.
func descriptor(cfg *Config, proj *project.Project) string {
	if cfg.Descriptor != "" {
		return cfg.Descriptor
	}
	return proj.Readme
}

// Returns the source trees to copy before registering the project.
func sources(cfg *Config, proj *project.Project) []string {
	if len(cfg.Sources) > 0 {
		return cfg.Sources
	}
	return proj.Packages
}

// Returns the command installing OS packages without recommendations.
func aptInstall(packages []string) string {
	return "apt-get update -qq && apt-get install -yqq --no-install-recommends " + strings.Join(packages, " ")
}

package pipeline

import (
	"errors"
	"io"
	"os"
	"path"
	"time"

	"github.com/cruciblehq/kiln/internal/errs"
	"github.com/cruciblehq/kiln/internal/recipe"
	"gopkg.in/yaml.v3"
)

const (

	// Default name of the pipeline config file in the project root.
	ConfigFile = "kiln.yaml"

	// Build argument selecting the interpreter version of the base image.
	ArgPythonVersion = "PYTHON_VERSION"

	// Build argument pinning the dependency manager version.
	ArgPoetryVersion = "POETRY_VERSION"
)

// Pipeline settings.
//
// Every field has a default; a config file only needs to name what differs.
// Lists replace their defaults wholesale, the healthcheck and labels are
// merged field by field.
type Config struct {
	Name            string             `yaml:"name,omitempty"`             // Image reference. Defaults to the project name and version.
	Base            string             `yaml:"base,omitempty"`             // Base image of both stages, may reference build arguments.
	PythonVersion   string             `yaml:"python_version,omitempty"`   // Default of PYTHON_VERSION.
	PoetryVersion   string             `yaml:"poetry_version,omitempty"`   // Default of POETRY_VERSION.
	Venv            string             `yaml:"venv,omitempty"`             // Path of the isolated dependency environment.
	Workdir         string             `yaml:"workdir,omitempty"`          // Builder working directory.
	Descriptor      string             `yaml:"descriptor,omitempty"`       // Project descriptor copied with the lock. Defaults to the manifest readme.
	Sources         []string           `yaml:"sources,omitempty"`          // Source trees. Defaults to the manifest packages.
	BuildPackages   []string           `yaml:"build_packages,omitempty"`   // OS packages needed to compile dependencies.
	RuntimePackages []string           `yaml:"runtime_packages,omitempty"` // OS packages needed to run the service.
	StartScript     string             `yaml:"start_script,omitempty"`     // Host path of the entrypoint script.
	ConfDir         string             `yaml:"conf_dir,omitempty"`         // Host path of the configuration templates.
	Ports           []string           `yaml:"ports,omitempty"`
	Env             map[string]string  `yaml:"env,omitempty"`
	Labels          map[string]string  `yaml:"labels,omitempty"`
	Healthcheck     recipe.Healthcheck `yaml:"healthcheck,omitempty"`
}

// Returns the built-in pipeline settings.
func Defaults() *Config {
	return &Config{
		Base:          "docker.io/library/python:${" + ArgPythonVersion + "}-slim-bookworm",
		PythonVersion: "3.12",
		PoetryVersion: "1.8.3",
		Venv:          "/opt/venv",
		Workdir:       "/app",
		BuildPackages: []string{
			"build-essential",
			"libffi-dev",
			"libjpeg-dev",
			"libpq-dev",
			"libssl-dev",
			"libwebp-dev",
			"libxml++2.6-dev",
			"libxslt1-dev",
			"openssl",
			"zlib1g-dev",
			"git",
			"curl",
			"libicu-dev",
			"pkg-config",
		},
		RuntimePackages: []string{
			"curl",
			"gosu",
			"libjpeg62-turbo",
			"libpq5",
			"libwebp7",
			"xmlsec1",
			"libjemalloc2",
			"libicu72",
			"openssl",
		},
		StartScript: "docker/start.py",
		ConfDir:     "docker/conf",
		Ports:       []string{"8008/tcp", "8009/tcp", "8448/tcp"},
		Healthcheck: recipe.Healthcheck{
			Test:        []string{"CMD-SHELL", "curl -fSs http://localhost:8008/health || exit 1"},
			Interval:    15 * time.Second,
			Timeout:     5 * time.Second,
			StartPeriod: 5 * time.Second,
			Retries:     3,
		},
	}
}

// Reads a pipeline config file over the defaults.
//
// An empty path returns the defaults. Unknown keys are rejected.
func LoadConfig(file string) (*Config, error) {
	cfg := Defaults()
	if file == "" {
		return cfg, nil
	}

	f, err := os.Open(file)
	if err != nil {
		return nil, errs.Wrap(ErrConfig, err)
	}
	defer f.Close()

	return decodeConfig(f, cfg)
}

// Decodes YAML into cfg and validates the result.
func decodeConfig(r io.Reader, cfg *Config) (*Config, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errs.Wrap(ErrConfig, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.Base == "":
		return errs.Wrapf(ErrConfig, "base must not be empty")
	case c.PythonVersion == "":
		return errs.Wrapf(ErrConfig, "python_version must not be empty")
	case c.PoetryVersion == "":
		return errs.Wrapf(ErrConfig, "poetry_version must not be empty")
	case !path.IsAbs(c.Venv):
		return errs.Wrapf(ErrConfig, "venv %q must be absolute", c.Venv)
	case !path.IsAbs(c.Workdir):
		return errs.Wrapf(ErrConfig, "workdir %q must be absolute", c.Workdir)
	case c.StartScript == "":
		return errs.Wrapf(ErrConfig, "start_script must not be empty")
	case c.ConfDir == "":
		return errs.Wrapf(ErrConfig, "conf_dir must not be empty")
	case len(c.RuntimePackages) == 0:
		return errs.Wrapf(ErrConfig, "runtime_packages must not be empty")
	}
	return nil
}

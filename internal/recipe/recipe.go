package recipe

import (
	"io"
	"os"
	"time"

	"github.com/cruciblehq/kiln/internal/errs"
	"gopkg.in/yaml.v3"
)

// A complete build description.
//
// Stages are listed in declaration order. Image holds the config applied to
// the exported stage.
type Recipe struct {
	Args   []Arg       `yaml:"args,omitempty" json:"args,omitempty"`
	Stages []Stage     `yaml:"stages" json:"stages"`
	Image  ImageConfig `yaml:"image,omitempty" json:"image,omitempty"`
}

// A build argument with an optional default.
type Arg struct {
	Name    string `yaml:"name" json:"name"`
	Default string `yaml:"default,omitempty" json:"default,omitempty"`
}

// A named phase of the build producing one filesystem snapshot.
//
// From is an image reference or an OCI archive path. The name is what
// cross-stage copies refer to. Transient stages are never exported.
type Stage struct {
	Name      string `yaml:"name,omitempty" json:"name,omitempty"`
	From      string `yaml:"from" json:"from"`
	Transient bool   `yaml:"transient,omitempty" json:"transient,omitempty"`
	Steps     []Step `yaml:"steps,omitempty" json:"steps,omitempty"`
}

// A single recipe step.
//
// A step is either an operation (Run or Copy), a group (Steps), or a
// standalone modifier (Shell, Workdir, Env without an operation). Modifiers
// attached to an operation apply to that operation only.
type Step struct {
	Run     string            `yaml:"run,omitempty" json:"run,omitempty"`
	Copy    string            `yaml:"copy,omitempty" json:"copy,omitempty"`
	Shell   string            `yaml:"shell,omitempty" json:"shell,omitempty"`
	Workdir string            `yaml:"workdir,omitempty" json:"workdir,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Mounts  []CacheMount      `yaml:"mounts,omitempty" json:"mounts,omitempty"`
	Steps   []Step            `yaml:"steps,omitempty" json:"steps,omitempty"`
}

// Controls concurrent access to a cache mount across builds.
type Sharing string

const (
	SharingShared  Sharing = "shared"  // Concurrent builds read and write the same directory.
	SharingLocked  Sharing = "locked"  // One build at a time per mount ID.
	SharingPrivate Sharing = "private" // A fresh directory per build.
)

// A persistent directory mounted while a step runs.
//
// ID identifies the cache across builds and defaults to Target, the absolute
// path inside the container. Sharing defaults to [SharingShared].
type CacheMount struct {
	ID      string  `yaml:"id,omitempty" json:"id,omitempty"`
	Target  string  `yaml:"target" json:"target"`
	Sharing Sharing `yaml:"sharing,omitempty" json:"sharing,omitempty"`
}

// Config applied to the exported image.
//
// Ports are "number/proto"; a bare number means tcp.
type ImageConfig struct {
	Entrypoint  []string          `yaml:"entrypoint,omitempty" json:"entrypoint,omitempty"`
	Cmd         []string          `yaml:"cmd,omitempty" json:"cmd,omitempty"`
	Env         map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Workdir     string            `yaml:"workdir,omitempty" json:"workdir,omitempty"`
	User        string            `yaml:"user,omitempty" json:"user,omitempty"`
	Ports       []string          `yaml:"ports,omitempty" json:"ports,omitempty"`
	Labels      map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
	Healthcheck *Healthcheck      `yaml:"healthcheck,omitempty" json:"healthcheck,omitempty"`
}

// A liveness probe declared on the image.
//
// Test follows the Docker convention: ["CMD-SHELL", "command"] or
// ["CMD", "arg0", ...].
type Healthcheck struct {
	Test        []string      `yaml:"test" json:"test"`
	Interval    time.Duration `yaml:"interval,omitempty" json:"interval,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	StartPeriod time.Duration `yaml:"start_period,omitempty" json:"start_period,omitempty"`
	Retries     int           `yaml:"retries,omitempty" json:"retries,omitempty"`
}

// Returns the effective mount ID.
func (m CacheMount) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.Target
}

// Returns the effective sharing mode.
func (m CacheMount) Mode() Sharing {
	if m.Sharing == "" {
		return SharingShared
	}
	return m.Sharing
}

// Reports whether the step runs or copies something.
func (s Step) IsOperation() bool {
	return s.Run != "" || s.Copy != ""
}

// Returns the exported (non-transient) stage and its index.
func (r *Recipe) Output() (*Stage, int) {
	for i := range r.Stages {
		if !r.Stages[i].Transient {
			return &r.Stages[i], i
		}
	}
	return nil, -1
}

// Returns the stage with the given name.
func (r *Recipe) Stage(name string) (*Stage, bool) {
	for i := range r.Stages {
		if r.Stages[i].Name == name {
			return &r.Stages[i], true
		}
	}
	return nil, false
}

// Reads a YAML recipe from a file.
func Load(path string) (*Recipe, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(ErrInvalidRecipe, err)
	}
	defer f.Close()
	return Decode(f)
}

// Decodes a YAML recipe. Unknown fields are rejected.
func Decode(r io.Reader) (*Recipe, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var rec Recipe
	if err := dec.Decode(&rec); err != nil {
		return nil, errs.Wrap(ErrInvalidRecipe, err)
	}
	return &rec, nil
}

// Encodes the recipe as YAML.
func (r *Recipe) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return err
	}
	return enc.Close()
}

package build

import (
	"maps"
	"os"
	"slices"

	"github.com/cruciblehq/kiln/internal/recipe"
)

// Default shell used for run steps when no shell modifier has been set.
const defaultShell = "/bin/sh"

// Modifiers in effect at a point of a stage.
//
// Standalone modifiers and groups change it for every later step through
// apply. An operation sees its own overrides through resolve, which leaves
// the receiver untouched. Env values may reference earlier variables as $NAME
// or ${NAME}; references are expanded against the state they are applied to
// and unknown names are kept verbatim, so the container's own environment
// can still resolve them at exec time.
type stepState struct {
	shell   string
	workdir string
	env     map[string]string
}

func newStepState() *stepState {
	return &stepState{
		shell: defaultShell,
		env:   make(map[string]string),
	}
}

// Persists the modifiers of a step.
func (s *stepState) apply(step recipe.Step) {
	if step.Shell != "" {
		s.shell = step.Shell
	}
	if step.Workdir != "" {
		s.workdir = step.Workdir
	}
	s.setEnv(step.Env)
}

// Returns a copy of the state with the step's modifiers overlaid.
func (s *stepState) resolve(step recipe.Step) *stepState {
	resolved := &stepState{
		shell:   s.shell,
		workdir: s.workdir,
		env:     maps.Clone(s.env),
	}
	resolved.apply(step)
	return resolved
}

// Expands and stores env values in key order.
//
// Values of one step see the variables set before the step, never each
// other, so the result does not depend on map iteration.
func (s *stepState) setEnv(env map[string]string) {
	prev := maps.Clone(s.env)
	for _, k := range slices.Sorted(maps.Keys(env)) {
		s.env[k] = expand(env[k], prev)
	}
}

// Formats the environment as sorted "key=value" entries for exec.
func (s *stepState) environ() []string {
	env := make([]string, 0, len(s.env))
	for _, k := range slices.Sorted(maps.Keys(s.env)) {
		env = append(env, k+"="+s.env[k])
	}
	return env
}

// Replaces references to known variables.
func expand(value string, vars map[string]string) string {
	return os.Expand(value, func(name string) string {
		if v, ok := vars[name]; ok {
			return v
		}
		return "${" + name + "}"
	})
}

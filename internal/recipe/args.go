package recipe

import (
	"maps"
	"regexp"
	"sort"

	"github.com/cruciblehq/kiln/internal/errs"
)

var (
	argName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	argRef  = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)
)

// Returns a copy of the recipe with build arguments substituted.
//
// Overrides replace declared defaults. Overriding an argument the recipe does
// not declare is an error, as is a declared argument that ends up with neither
// a default nor an override. References to names that are not declared
// arguments (e.g. $HOME inside a run command) are left in place for the shell.
func (r *Recipe) Resolve(overrides map[string]string) (*Recipe, error) {
	values, err := r.argValues(overrides)
	if err != nil {
		return nil, err
	}

	expand := func(s string) string {
		return argRef.ReplaceAllStringFunc(s, func(ref string) string {
			m := argRef.FindStringSubmatch(ref)
			name := m[1] + m[2]
			if v, ok := values[name]; ok {
				return v
			}
			return ref
		})
	}

	out := &Recipe{
		Args:   append([]Arg(nil), r.Args...),
		Stages: make([]Stage, len(r.Stages)),
		Image:  r.Image,
	}

	for i, stage := range r.Stages {
		out.Stages[i] = Stage{
			Name:      stage.Name,
			From:      expand(stage.From),
			Transient: stage.Transient,
			Steps:     expandSteps(stage.Steps, expand),
		}
	}

	out.Image.Env = expandMap(r.Image.Env, expand)
	out.Image.Labels = expandMap(r.Image.Labels, expand)

	return out, nil
}

// Computes the final argument values from defaults and overrides.
func (r *Recipe) argValues(overrides map[string]string) (map[string]string, error) {
	declared := make(map[string]Arg, len(r.Args))
	for _, a := range r.Args {
		declared[a.Name] = a
	}

	names := make([]string, 0, len(overrides))
	for name := range overrides {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := declared[name]; !ok {
			return nil, errs.Wrapf(ErrUnknownArg, "%s", name)
		}
	}

	values := make(map[string]string, len(declared))
	for _, a := range r.Args {
		v, ok := overrides[a.Name]
		if !ok {
			v = a.Default
		}
		if v == "" {
			return nil, errs.Wrapf(ErrMissingArg, "%s has no default and no value was given", a.Name)
		}
		values[a.Name] = v
	}
	return values, nil
}

// Expands argument references in every string field of the steps.
func expandSteps(steps []Step, expand func(string) string) []Step {
	if steps == nil {
		return nil
	}

	out := make([]Step, len(steps))
	for i, s := range steps {
		out[i] = Step{
			Run:     expand(s.Run),
			Copy:    expand(s.Copy),
			Shell:   expand(s.Shell),
			Workdir: expand(s.Workdir),
			Env:     expandMap(s.Env, expand),
			Steps:   expandSteps(s.Steps, expand),
		}
		if s.Mounts != nil {
			out[i].Mounts = make([]CacheMount, len(s.Mounts))
			for j, m := range s.Mounts {
				out[i].Mounts[j] = CacheMount{ID: expand(m.ID), Target: expand(m.Target), Sharing: m.Sharing}
			}
		}
	}
	return out
}

// Expands argument references in map values, returning a new map.
func expandMap(m map[string]string, expand func(string) string) map[string]string {
	if m == nil {
		return nil
	}
	out := maps.Clone(m)
	for k, v := range out {
		out[k] = expand(v)
	}
	return out
}

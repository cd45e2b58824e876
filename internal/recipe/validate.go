package recipe

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/cruciblehq/kiln/internal/errs"
)

// Checks the structural invariants of the recipe.
//
// Stage names must be unique, cross-stage copies may only reference stages
// declared earlier, and exactly one stage must be non-transient. Every step
// must be well formed and every cache mount must target an absolute path with
// a known sharing mode. Within a stage, a target may be used by one mount only.
func (r *Recipe) Validate() error {
	if len(r.Stages) == 0 {
		return errs.Wrapf(ErrInvalidRecipe, "no stages")
	}

	for _, a := range r.Args {
		if !argName.MatchString(a.Name) {
			return errs.Wrapf(ErrInvalidRecipe, "invalid argument name %q", a.Name)
		}
	}

	seen := make(map[string]int, len(r.Stages))
	outputs := 0

	for i, stage := range r.Stages {
		label := StageLabel(stage.Name, i)

		if stage.Name != "" {
			if strings.ContainsAny(stage.Name, ":/ ") {
				return errs.Wrapf(ErrInvalidRecipe, "stage %s: name must not contain ':', '/' or spaces", label)
			}
			if _, dup := seen[stage.Name]; dup {
				return errs.Wrapf(ErrInvalidRecipe, "duplicate stage name %q", stage.Name)
			}
		}

		if strings.TrimSpace(stage.From) == "" {
			return errs.Wrapf(ErrInvalidRecipe, "stage %s: missing base", label)
		}

		if err := validateSteps(stage.Steps, seen); err != nil {
			return errs.Wrapf(ErrInvalidRecipe, "stage %s: %w", label, err)
		}

		if err := validateMountTargets(stage.Steps); err != nil {
			return errs.Wrapf(ErrInvalidRecipe, "stage %s: %w", label, err)
		}

		if stage.Name != "" {
			seen[stage.Name] = i
		}
		if !stage.Transient {
			outputs++
		}
	}

	if outputs != 1 {
		return errs.Wrapf(ErrInvalidRecipe, "expected exactly one non-transient stage, found %d", outputs)
	}

	if err := validatePorts(r.Image.Ports); err != nil {
		return errs.Wrap(ErrInvalidRecipe, err)
	}

	return nil
}

// Returns the names of the stages a stage copies from, in first-use order.
func (s Stage) Dependencies() []string {
	var deps []string
	seen := make(map[string]bool)
	walkSteps(s.Steps, func(step Step) {
		if step.Copy == "" {
			return
		}
		fields := strings.Fields(step.Copy)
		if len(fields) == 0 {
			return
		}
		if name, _, ok := ParseStageCopy(fields[0]); ok && !seen[name] {
			seen[name] = true
			deps = append(deps, name)
		}
	})
	return deps
}

// Returns a label for a stage, preferring the name when available and falling
// back to the 1-based index.
func StageLabel(name string, index int) string {
	if name != "" {
		return fmt.Sprintf("%q", name)
	}
	return fmt.Sprintf("%d", index+1)
}

// Calls fn for every step, descending into groups.
func walkSteps(steps []Step, fn func(Step)) {
	for _, s := range steps {
		fn(s)
		walkSteps(s.Steps, fn)
	}
}

// Validates steps against the set of stages declared so far.
func validateSteps(steps []Step, earlier map[string]int) error {
	for i, step := range steps {
		if err := validateStep(step, earlier); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return nil
}

func validateStep(step Step, earlier map[string]int) error {
	if step.Run != "" && step.Copy != "" {
		return fmt.Errorf("run and copy are mutually exclusive")
	}

	if len(step.Steps) > 0 {
		if step.IsOperation() {
			return fmt.Errorf("a group cannot also run or copy")
		}
		return validateSteps(step.Steps, earlier)
	}

	if step.Copy != "" {
		fields := strings.Fields(step.Copy)
		if len(fields) != 2 {
			return fmt.Errorf("expected source and destination, got %q", step.Copy)
		}
		if name, p, ok := ParseStageCopy(fields[0]); ok {
			if _, known := earlier[name]; !known {
				return fmt.Errorf("copy from unknown or later stage %q", name)
			}
			if !path.IsAbs(p) {
				return fmt.Errorf("cross-stage source %q must be absolute", p)
			}
			if path.Base(p) != path.Base(fields[1]) {
				return fmt.Errorf("cross-stage copy cannot rename %q to %q", path.Base(p), path.Base(fields[1]))
			}
		}
	}

	if len(step.Mounts) > 0 && step.Run == "" {
		return fmt.Errorf("cache mounts are only valid on run steps")
	}

	for _, m := range step.Mounts {
		if !path.IsAbs(m.Target) {
			return fmt.Errorf("cache mount target %q must be absolute", m.Target)
		}
		switch m.Mode() {
		case SharingShared, SharingLocked, SharingPrivate:
		default:
			return fmt.Errorf("cache mount %q: unknown sharing mode %q", m.Key(), m.Sharing)
		}
	}

	if step.Workdir != "" && !path.IsAbs(step.Workdir) {
		return fmt.Errorf("workdir %q must be absolute", step.Workdir)
	}

	return nil
}

// Checks that each cache mount target of a stage belongs to one mount.
//
// A stage container is created with all of its mounts at once, so the same
// target cannot be bound to two different cache directories.
func validateMountTargets(steps []Step) error {
	targets := make(map[string]CacheMount)
	var err error
	walkSteps(steps, func(step Step) {
		for _, m := range step.Mounts {
			prev, ok := targets[m.Target]
			if !ok {
				targets[m.Target] = m
				continue
			}
			if err == nil && (prev.Key() != m.Key() || prev.Mode() != m.Mode()) {
				err = fmt.Errorf("conflicting cache mounts %q and %q at %q", prev.Key(), m.Key(), m.Target)
			}
		}
	})
	return err
}

// Checks port specifications of the form "8008" or "8008/tcp".
func validatePorts(ports []string) error {
	seen := make(map[string]bool, len(ports))
	for _, p := range ports {
		norm, err := NormalizePort(p)
		if err != nil {
			return err
		}
		if seen[norm] {
			return fmt.Errorf("duplicate port %q", norm)
		}
		seen[norm] = true
	}
	return nil
}

// Normalizes a port specification to "number/proto".
func NormalizePort(p string) (string, error) {
	num, proto, found := strings.Cut(p, "/")
	if !found {
		proto = "tcp"
	}
	n, err := strconv.Atoi(num)
	if err != nil || n < 1 || n > 65535 {
		return "", fmt.Errorf("invalid port %q", p)
	}
	switch proto {
	case "tcp", "udp", "sctp":
	default:
		return "", fmt.Errorf("invalid protocol in port %q", p)
	}
	return fmt.Sprintf("%d/%s", n, proto), nil
}

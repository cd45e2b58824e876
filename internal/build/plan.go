package build

import (
	"fmt"
	"slices"

	"github.com/cruciblehq/kiln/internal/buildctx"
	"github.com/cruciblehq/kiln/internal/cache"
	"github.com/cruciblehq/kiln/internal/errs"
	"github.com/cruciblehq/kiln/internal/recipe"
	"github.com/opencontainers/go-digest"
)

// One entry in a stage's flattened step list.
//
// Modifiers are replayed into the step state; operations are executed (or
// skipped when cached) and carry their cache key.
type action struct {
	step  recipe.Step
	op    int           // 1-based operation ordinal, 0 for modifiers.
	key   digest.Digest // Cache key after this operation.
	input digest.Digest // Digest of external inputs read by the operation.
}

// The execution plan of one stage for one platform.
type stagePlan struct {
	index   int
	stage   recipe.Stage
	label   string
	root    digest.Digest       // Stage key, derived from the base.
	final   digest.Digest       // Key after the last operation.
	actions []action            // Flattened steps in execution order.
	mounts  []recipe.CacheMount // Every cache mount used by the stage.
	ops     int                 // Number of operations.
}

// Canonical encoding of an operation for cache keys.
//
// Only what changes the resulting filesystem is included. Mount targets are
// part of the key; mount contents are not.
type opKey struct {
	Run     string   `json:"run,omitempty"`
	Copy    string   `json:"copy,omitempty"`
	Shell   string   `json:"shell"`
	Workdir string   `json:"workdir,omitempty"`
	Env     []string `json:"env,omitempty"`
	Mounts  []string `json:"mounts,omitempty"`
}

// Computes the cache keys of every stage.
//
// bases holds the resolved base digest of each stage by index. Host copy
// inputs are hashed from the build context after ignore rules; cross-stage
// copy inputs are derived from the source stage's final key, so a change in
// an earlier stage propagates to every stage that copies from it. Planning
// touches no container and is deterministic for identical inputs.
func plan(rec *recipe.Recipe, bases []digest.Digest, platform string, bctx *buildctx.Context) ([]*stagePlan, error) {
	if len(bases) != len(rec.Stages) {
		return nil, errs.Wrapf(ErrBuild, "have %d bases for %d stages", len(bases), len(rec.Stages))
	}

	finals := make(map[string]digest.Digest, len(rec.Stages))
	plans := make([]*stagePlan, 0, len(rec.Stages))

	for i, stage := range rec.Stages {
		sp := &stagePlan{
			index: i,
			stage: stage,
			label: recipe.StageLabel(stage.Name, i),
			root:  cache.StageKey(bases[i], platform),
		}

		if err := sp.plan(bctx, finals); err != nil {
			return nil, errs.Wrapf(ErrBuild, "stage %s: %w", sp.label, err)
		}

		if stage.Name != "" {
			finals[stage.Name] = sp.final
		}
		plans = append(plans, sp)
	}

	return plans, nil
}

// Flattens the stage's steps and chains their keys.
func (sp *stagePlan) plan(bctx *buildctx.Context, finals map[string]digest.Digest) error {
	state := newStepState()
	key := sp.root

	var flatten func(steps []recipe.Step) error
	flatten = func(steps []recipe.Step) error {
		for _, step := range steps {
			switch {
			case len(step.Steps) > 0:
				state.apply(step)
				sp.actions = append(sp.actions, action{step: modifiers(step)})
				if err := flatten(step.Steps); err != nil {
					return err
				}

			case step.IsOperation():
				sp.ops++
				resolved := state.resolve(step)

				input, err := inputDigest(step, resolved, bctx, finals)
				if err != nil {
					return fmt.Errorf("step %d: %w", sp.ops, err)
				}

				key, err = cache.StepKey(key, encodeOp(step, resolved), input)
				if err != nil {
					return err
				}

				sp.actions = append(sp.actions, action{step: step, op: sp.ops, key: key, input: input})
				sp.mounts = append(sp.mounts, step.Mounts...)

			default:
				state.apply(step)
				sp.actions = append(sp.actions, action{step: step})
			}
		}
		return nil
	}

	if err := flatten(sp.stage.Steps); err != nil {
		return err
	}

	sp.final = key
	return nil
}

// Returns the key after the given operation, or the stage root for op 0.
func (sp *stagePlan) keyAt(op int) digest.Digest {
	if op == 0 {
		return sp.root
	}
	for _, a := range sp.actions {
		if a.op == op {
			return a.key
		}
	}
	return ""
}

// Returns the group's modifiers without its children.
func modifiers(group recipe.Step) recipe.Step {
	return recipe.Step{Shell: group.Shell, Workdir: group.Workdir, Env: group.Env}
}

// Builds the canonical key encoding of an operation under its resolved state.
func encodeOp(step recipe.Step, resolved *stepState) opKey {
	k := opKey{
		Run:     step.Run,
		Copy:    step.Copy,
		Shell:   resolved.shell,
		Workdir: resolved.workdir,
		Env:     resolved.environ(),
	}
	for _, m := range step.Mounts {
		k.Mounts = append(k.Mounts, m.Target)
	}
	slices.Sort(k.Mounts)
	return k
}

// Returns the digest of the content an operation reads from outside the
// container, or "" when it reads none.
func inputDigest(step recipe.Step, resolved *stepState, bctx *buildctx.Context, finals map[string]digest.Digest) (digest.Digest, error) {
	if step.Copy == "" {
		return "", nil
	}

	src, _, err := recipe.ParseCopy(step.Copy, resolved.workdir)
	if err != nil {
		return "", err
	}

	if stage, path, ok := recipe.ParseStageCopy(src); ok {
		final, known := finals[stage]
		if !known {
			return "", fmt.Errorf("copy from unknown stage %q", stage)
		}
		return digest.FromString(final.String() + "\x00" + path), nil
	}

	if bctx == nil {
		return "", fmt.Errorf("host copy %q without a build context", src)
	}
	return bctx.Digest(src)
}

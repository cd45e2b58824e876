package pipeline

import (
	"slices"
	"strings"

	"github.com/cruciblehq/kiln/internal/errs"
	"github.com/cruciblehq/kiln/internal/recipe"
)

// Checks that the exported stage carries no build tooling.
//
// A run step of the exported stage must not name a package that only the
// build list contains, and a host copy must not take the whole build
// context. Packages present in both lists (curl, openssl) are allowed.
func CheckMinimal(rec *recipe.Recipe, cfg *Config) error {
	stage, i := rec.Output()
	if stage == nil {
		return errs.Wrapf(ErrMinimality, "recipe has no exported stage")
	}
	label := recipe.StageLabel(stage.Name, i)

	buildOnly := make(map[string]bool)
	for _, pkg := range cfg.BuildPackages {
		if !slices.Contains(cfg.RuntimePackages, pkg) {
			buildOnly[pkg] = true
		}
	}

	for _, step := range flatten(stage.Steps) {
		for _, word := range strings.Fields(step.Run) {
			word = strings.Trim(word, `"'`)
			if buildOnly[word] {
				return errs.Wrapf(ErrMinimality, "stage %s installs build package %q", label, word)
			}
		}

		fields := strings.Fields(step.Copy)
		if len(fields) == 0 {
			continue
		}
		src := fields[0]
		if _, _, ok := recipe.ParseStageCopy(src); ok {
			continue
		}
		if src == "." || src == "./" {
			return errs.Wrapf(ErrMinimality, "stage %s copies the whole build context", label)
		}
	}

	return nil
}

// Returns every step, with groups expanded in place.
func flatten(steps []recipe.Step) []recipe.Step {
	var out []recipe.Step
	for _, s := range steps {
		out = append(out, s)
		out = append(out, flatten(s.Steps)...)
	}
	return out
}

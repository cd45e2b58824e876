package build

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cruciblehq/kiln/internal/buildctx"
	"github.com/cruciblehq/kiln/internal/recipe"
	"github.com/opencontainers/go-digest"
)

func testRecipe() *recipe.Recipe {
	apt := []recipe.CacheMount{
		{ID: "apt-cache", Target: "/var/cache/apt", Sharing: recipe.SharingLocked},
		{ID: "apt-lib", Target: "/var/lib/apt", Sharing: recipe.SharingLocked},
	}
	return &recipe.Recipe{
		Stages: []recipe.Stage{
			{
				Name:      "builder",
				From:      "python:3.12-slim-bookworm",
				Transient: true,
				Steps: []recipe.Step{
					{Run: "apt-get update && apt-get install -y build-essential", Mounts: apt},
					{Workdir: "/synapse"},
					{Copy: "pyproject.toml pyproject.toml"},
					{Copy: "poetry.lock poetry.lock"},
					{Run: "poetry install --no-root", Mounts: []recipe.CacheMount{{Target: "/root/.cache/pypoetry"}}},
					{Copy: "synapse synapse"},
					{Run: "poetry install --only-root"},
				},
			},
			{
				Name: "runtime",
				From: "python:3.12-slim-bookworm",
				Steps: []recipe.Step{
					{Run: "apt-get update && apt-get install -y curl gosu", Mounts: apt},
					{Copy: "builder:/opt/venv /opt/venv"},
					{Copy: "docker/start.py /start.py"},
				},
			},
		},
	}
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func testContext(t *testing.T) (string, *buildctx.Context) {
	t.Helper()
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"pyproject.toml":      "[tool.poetry]\nname = \"matrix-synapse\"\n",
		"poetry.lock":         "[metadata]\ncontent-hash = \"abc\"\n",
		"synapse/__init__.py": "__version__ = \"1.0\"\n",
		"docker/start.py":     "#!/usr/bin/env python\n",
		".git/HEAD":           "ref: refs/heads/main\n",
	})
	bctx, err := buildctx.Open(root)
	if err != nil {
		t.Fatal(err)
	}
	return root, bctx
}

func testBases() []digest.Digest {
	d := digest.FromString("python:3.12-slim-bookworm")
	return []digest.Digest{d, d}
}

func opKeys(plans []*stagePlan) [][]digest.Digest {
	keys := make([][]digest.Digest, len(plans))
	for i, sp := range plans {
		for op := 1; op <= sp.ops; op++ {
			keys[i] = append(keys[i], sp.keyAt(op))
		}
	}
	return keys
}

func mustPlan(t *testing.T, bctx *buildctx.Context, platform string) [][]digest.Digest {
	t.Helper()
	plans, err := plan(testRecipe(), testBases(), platform, bctx)
	if err != nil {
		t.Fatal(err)
	}
	return opKeys(plans)
}

func TestPlanDeterministic(t *testing.T) {
	_, bctx := testContext(t)

	a := mustPlan(t, bctx, "linux/amd64")
	b := mustPlan(t, bctx, "linux/amd64")

	for i := range a {
		for j := range a[i] {
			if a[i][j] != b[i][j] {
				t.Fatalf("stage %d op %d: keys differ between identical plans", i, j+1)
			}
		}
	}

	if len(a[0]) != 6 || len(a[1]) != 3 {
		t.Fatalf("unexpected op counts %d, %d", len(a[0]), len(a[1]))
	}
}

func TestPlanPlatformScoping(t *testing.T) {
	_, bctx := testContext(t)

	amd := mustPlan(t, bctx, "linux/amd64")
	arm := mustPlan(t, bctx, "linux/arm64")

	for i := range amd {
		for j := range amd[i] {
			if amd[i][j] == arm[i][j] {
				t.Fatalf("stage %d op %d: key shared across platforms", i, j+1)
			}
		}
	}
}

func TestPlanSourceChangeScoping(t *testing.T) {
	root, bctx := testContext(t)
	before := mustPlan(t, bctx, "linux/amd64")

	writeFiles(t, root, map[string]string{"synapse/__init__.py": "__version__ = \"1.1\"\n"})
	after := mustPlan(t, bctx, "linux/amd64")

	// Builder: apt, manifest, lock and dependency install are unchanged;
	// the source copy and everything after it are invalidated.
	for op := 0; op < 4; op++ {
		if before[0][op] != after[0][op] {
			t.Fatalf("builder op %d invalidated by a source change", op+1)
		}
	}
	for op := 4; op < 6; op++ {
		if before[0][op] == after[0][op] {
			t.Fatalf("builder op %d not invalidated by a source change", op+1)
		}
	}

	// Runtime: package install is unchanged, the venv copy is invalidated.
	if before[1][0] != after[1][0] {
		t.Fatal("runtime package install invalidated by a source change")
	}
	if before[1][1] == after[1][1] || before[1][2] == after[1][2] {
		t.Fatal("runtime venv copy not invalidated by a builder change")
	}
}

func TestPlanLockChangeScoping(t *testing.T) {
	root, bctx := testContext(t)
	before := mustPlan(t, bctx, "linux/amd64")

	writeFiles(t, root, map[string]string{"poetry.lock": "[metadata]\ncontent-hash = \"def\"\n"})
	after := mustPlan(t, bctx, "linux/amd64")

	if before[0][1] != after[0][1] {
		t.Fatal("manifest copy invalidated by a lock change")
	}
	if before[0][2] == after[0][2] || before[0][3] == after[0][3] {
		t.Fatal("dependency install not invalidated by a lock change")
	}
}

func TestPlanIgnoresVCSMetadata(t *testing.T) {
	root, bctx := testContext(t)
	before := mustPlan(t, bctx, "linux/amd64")

	writeFiles(t, root, map[string]string{
		".git/HEAD":           "ref: refs/heads/other\n",
		"synapse/.git/config": "[core]\n",
	})
	after := mustPlan(t, bctx, "linux/amd64")

	for i := range before {
		for j := range before[i] {
			if before[i][j] != after[i][j] {
				t.Fatalf("stage %d op %d invalidated by VCS metadata", i, j+1)
			}
		}
	}
}

func TestPlanModifiersAffectKeys(t *testing.T) {
	_, bctx := testContext(t)
	base := mustPlan(t, bctx, "linux/amd64")

	rec := testRecipe()
	rec.Stages[0].Steps[1].Workdir = "/app"
	plans, err := plan(rec, testBases(), "linux/amd64", bctx)
	if err != nil {
		t.Fatal(err)
	}
	changed := opKeys(plans)

	if base[0][0] != changed[0][0] {
		t.Fatal("step before the modifier was invalidated")
	}
	if base[0][1] == changed[0][1] {
		t.Fatal("step after the modifier kept its key")
	}
}

func TestPlanGroupModifiersPersist(t *testing.T) {
	_, bctx := testContext(t)

	rec := &recipe.Recipe{
		Stages: []recipe.Stage{{
			From: "python:3.12-slim-bookworm",
			Steps: []recipe.Step{
				{Env: map[string]string{"A": "1"}, Steps: []recipe.Step{{Run: "true"}}},
				{Run: "env"},
			},
		}},
	}

	plans, err := plan(rec, testBases()[:1], "linux/amd64", bctx)
	if err != nil {
		t.Fatal(err)
	}
	sp := plans[0]

	if sp.ops != 2 {
		t.Fatalf("ops = %d, want 2", sp.ops)
	}
	if sp.actions[0].op != 0 || len(sp.actions[0].step.Steps) != 0 || sp.actions[0].step.Env["A"] != "1" {
		t.Fatalf("group modifiers not flattened: %+v", sp.actions[0])
	}

	state := newStepState()
	for _, a := range sp.actions {
		if a.op == 0 {
			state.apply(a.step)
		}
	}
	if state.env["A"] != "1" {
		t.Fatal("group env not carried into later steps")
	}
}

func TestPlanMissingSource(t *testing.T) {
	_, bctx := testContext(t)

	rec := testRecipe()
	rec.Stages[0].Steps[5].Copy = "missing missing"
	if _, err := plan(rec, testBases(), "linux/amd64", bctx); !errors.Is(err, ErrBuild) {
		t.Fatalf("expected ErrBuild for a missing copy source, got %v", err)
	}
}

func TestPlanBaseCount(t *testing.T) {
	_, bctx := testContext(t)
	if _, err := plan(testRecipe(), testBases()[:1], "linux/amd64", bctx); !errors.Is(err, ErrBuild) {
		t.Fatalf("expected ErrBuild, got %v", err)
	}
}

func TestKeyAt(t *testing.T) {
	_, bctx := testContext(t)
	plans, err := plan(testRecipe(), testBases(), "linux/amd64", bctx)
	if err != nil {
		t.Fatal(err)
	}

	sp := plans[1]
	if sp.keyAt(0) != sp.root {
		t.Fatal("keyAt(0) is not the stage root")
	}
	if sp.keyAt(sp.ops) != sp.final {
		t.Fatal("keyAt(last) is not the final key")
	}
	if sp.keyAt(sp.ops+1) != "" {
		t.Fatal("keyAt past the end should be empty")
	}
}

func TestFirstLine(t *testing.T) {
	tests := map[string]string{
		"echo hi":              "echo hi",
		"  set -e\n  make\n":   "set -e ...",
		"apt-get update && \\": "apt-get update && \\",
	}
	for in, want := range tests {
		if got := firstLine(in); got != want {
			t.Errorf("firstLine(%q) = %q, want %q", in, got, want)
		}
	}
}

package build

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cruciblehq/kiln/internal/cache"
	"github.com/cruciblehq/kiln/internal/errs"
	"github.com/cruciblehq/kiln/internal/recipe"
	"github.com/cruciblehq/kiln/internal/runtime"
	"github.com/google/go-cmp/cmp"
	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// In-memory runtime recording every call made by a build.
type fakeRuntime struct {
	mu     sync.Mutex
	bases  map[string]bool // Base references that resolve.
	images map[string]bool // Image tags present in the store.
	fail   string          // Run command that exits non-zero.
	block  string          // Run command that blocks until cancelled.
	events []string
}

func newFakeRuntime(bases ...string) *fakeRuntime {
	r := &fakeRuntime{
		bases:  make(map[string]bool),
		images: make(map[string]bool),
	}
	for _, b := range bases {
		r.bases[b] = true
	}
	return r
}

func (r *fakeRuntime) record(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Returns the recorded events starting with prefix.
func (r *fakeRuntime) calls(prefix string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if strings.HasPrefix(e, prefix) {
			out = append(out, e)
		}
	}
	return out
}

func (r *fakeRuntime) ResolveBase(ctx context.Context, src recipe.Source, platform string) (*runtime.Base, error) {
	r.record("resolve " + src.Value)
	if !r.bases[src.Value] {
		return nil, errs.Wrapf(runtime.ErrRuntime, "%s: not found", src.Value)
	}
	return &runtime.Base{
		Ref:      src.Value,
		Name:     src.Value,
		Platform: platform,
		Digest:   digest.FromString(src.Value),
	}, nil
}

func (r *fakeRuntime) StartContainer(ctx context.Context, tag, id, platform string, mounts []specs.Mount) (Container, error) {
	r.record("start " + tag)
	return &fakeContainer{rt: r, id: id}, nil
}

func (r *fakeRuntime) ImageExists(ctx context.Context, tag string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.images[tag], nil
}

type fakeContainer struct {
	rt *fakeRuntime
	id string
}

func (c *fakeContainer) ID() string { return c.id }

func (c *fakeContainer) Exec(ctx context.Context, cmd runtime.Command) (*runtime.ExecResult, error) {
	script := cmd.Args[len(cmd.Args)-1]
	c.rt.record("exec " + script)

	switch script {
	case c.rt.block:
		<-ctx.Done()
		return nil, ctx.Err()
	case c.rt.fail:
		return &runtime.ExecResult{ExitCode: 1, Stderr: "boom"}, nil
	}
	return &runtime.ExecResult{}, nil
}

func (c *fakeContainer) Mkdir(context.Context, ...string) error { return nil }

func (c *fakeContainer) Extract(ctx context.Context, r io.Reader, dir string) error {
	_, err := io.Copy(io.Discard, r)
	return err
}

func (c *fakeContainer) Archive(context.Context, io.Writer, string) error { return nil }

func (c *fakeContainer) Commit(ctx context.Context, base *runtime.Base, tag string, epoch *time.Time) (int64, error) {
	c.rt.mu.Lock()
	c.rt.images[tag] = true
	c.rt.mu.Unlock()
	c.rt.record("commit " + tag)
	return 1, nil
}

func (c *fakeContainer) Stop(context.Context) error {
	c.rt.record("stop " + c.id)
	return nil
}

func (c *fakeContainer) Export(ctx context.Context, output, name string, base *runtime.Base, cfg recipe.ImageConfig, epoch *time.Time) error {
	c.rt.record("export " + c.id)
	return nil
}

func (c *fakeContainer) Destroy(context.Context) {
	c.rt.record("destroy " + c.id)
}

const testBase = "docker.io/library/python:3.12-slim"

func runOptions(t *testing.T, rec *recipe.Recipe) Options {
	t.Helper()
	return Options{
		Recipe:    rec,
		Resource:  "synapse",
		Name:      "synapse:latest",
		Output:    t.TempDir(),
		Root:      t.TempDir(),
		Platforms: []string{"linux/amd64"},
	}
}

func openIndex(t *testing.T) *cache.Index {
	t.Helper()
	idx, err := cache.OpenIndex(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestRunResolvesBasesBeforeStages(t *testing.T) {
	rt := newFakeRuntime(testBase)
	rec := &recipe.Recipe{
		Stages: []recipe.Stage{
			{
				Name:      "builder",
				From:      "python:3.12-slim",
				Transient: true,
				Steps:     []recipe.Step{{Run: "pip install ."}},
			},
			{
				From:  "example.com/unknown:1.0",
				Steps: []recipe.Step{{Run: "true"}},
			},
		},
	}

	_, err := Run(t.Context(), Services{Runtime: rt}, runOptions(t, rec))
	if !errors.Is(err, runtime.ErrRuntime) {
		t.Fatalf("err = %v, want ErrRuntime", err)
	}

	want := []string{"resolve " + testBase, "resolve example.com/unknown:1.0"}
	if diff := cmp.Diff(want, rt.events); diff != "" {
		t.Fatalf("runtime calls mismatch (-want +got):\n%s", diff)
	}
}

func TestRunStageFailureCancelsOthers(t *testing.T) {
	rt := newFakeRuntime(testBase)
	rt.block = "sleep infinity"
	rt.fail = "false"

	rec := &recipe.Recipe{
		Stages: []recipe.Stage{
			{
				Name:      "builder",
				From:      "python:3.12-slim",
				Transient: true,
				Steps:     []recipe.Step{{Run: "sleep infinity"}},
			},
			{
				From:  "python:3.12-slim",
				Steps: []recipe.Step{{Run: "false"}},
			},
		},
	}

	done := make(chan error, 1)
	go func() {
		_, err := Run(t.Context(), Services{Runtime: rt}, runOptions(t, rec))
		done <- err
	}()

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("build did not return after a stage failed")
	}

	if !errors.Is(err, ErrRun) {
		t.Fatalf("err = %v, want ErrRun", err)
	}
	if got := rt.calls("export"); len(got) != 0 {
		t.Fatalf("image exported after failure: %v", got)
	}
	if started, destroyed := len(rt.calls("start")), len(rt.calls("destroy")); started != destroyed {
		t.Fatalf("started %d containers, destroyed %d", started, destroyed)
	}
}

func TestRunExportsAfterAllStages(t *testing.T) {
	rt := newFakeRuntime(testBase)
	rec := &recipe.Recipe{
		Stages: []recipe.Stage{
			{
				Name:      "builder",
				From:      "python:3.12-slim",
				Transient: true,
				Steps:     []recipe.Step{{Run: "pip wheel ."}},
			},
			{
				Name: "runtime",
				From: "python:3.12-slim",
				Steps: []recipe.Step{
					{Copy: "builder:/wheels /wheels"},
					{Run: "pip install /wheels/*"},
				},
			},
		},
	}

	result, err := Run(t.Context(), Services{Runtime: rt}, runOptions(t, rec))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Stages) != 2 {
		t.Fatalf("stages = %d, want 2", len(result.Stages))
	}

	exports := rt.calls("export")
	if len(exports) != 1 || !strings.HasSuffix(exports[0], "-stage-runtime") {
		t.Fatalf("exports = %v, want the runtime stage only", exports)
	}

	last := rt.events[len(rt.events)-1]
	if !strings.HasPrefix(last, "destroy ") {
		t.Fatalf("last call = %q, want container cleanup", last)
	}
}

func TestRunReusesCache(t *testing.T) {
	rt := newFakeRuntime(testBase)
	idx := openIndex(t)
	rec := &recipe.Recipe{
		Stages: []recipe.Stage{{
			From: "python:3.12-slim",
			Steps: []recipe.Step{
				{Run: "pip install poetry"},
				{Run: "poetry install"},
			},
		}},
	}
	svc := Services{Runtime: rt, Index: idx}

	if _, err := Run(t.Context(), svc, runOptions(t, rec)); err != nil {
		t.Fatalf("cold Run: %v", err)
	}
	if got := len(rt.calls("exec")); got != 2 {
		t.Fatalf("cold build executed %d steps, want 2", got)
	}

	rt.events = nil
	result, err := Run(t.Context(), svc, runOptions(t, rec))
	if err != nil {
		t.Fatalf("warm Run: %v", err)
	}

	if got := rt.calls("exec"); len(got) != 0 {
		t.Fatalf("warm build executed %v", got)
	}
	starts := rt.calls("start")
	if len(starts) != 1 || !strings.HasPrefix(starts[0], "start "+cache.TagPrefix) {
		t.Fatalf("warm build started from %v, want a cached image", starts)
	}
	if st := result.Stages[0]; st.Cached != 2 || st.Executed != 0 {
		t.Fatalf("cached = %d, executed = %d, want 2 and 0", st.Cached, st.Executed)
	}
	if len(rt.calls("export")) != 1 {
		t.Fatal("warm build did not export")
	}
}

func TestLookup(t *testing.T) {
	rec := &recipe.Recipe{
		Stages: []recipe.Stage{{
			From: "python:3.12-slim",
			Steps: []recipe.Step{
				{Run: "apt-get update"},
				{Workdir: "/app"},
				{Run: "pip install poetry"},
				{Run: "poetry install"},
			},
		}},
	}

	tests := []struct {
		name    string
		cached  map[int]bool // Operation with an index entry, and whether its image exists.
		noCache bool
		want    int
		dropped []int
	}{
		{
			name:   "longest prefix",
			cached: map[int]bool{1: true, 2: true, 3: true},
			want:   3,
		},
		{
			name:   "skips missing entries",
			cached: map[int]bool{1: true},
			want:   1,
		},
		{
			name:    "stale entries dropped",
			cached:  map[int]bool{1: true, 2: false, 3: false},
			want:    1,
			dropped: []int{2, 3},
		},
		{
			name:    "all stale",
			cached:  map[int]bool{2: false},
			want:    0,
			dropped: []int{2},
		},
		{
			name: "nothing cached",
			want: 0,
		},
		{
			name:    "cache disabled",
			cached:  map[int]bool{1: true, 2: true, 3: true},
			noCache: true,
			want:    0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := newFakeRuntime()
			idx := openIndex(t)
			base := &runtime.Base{Name: testBase, Digest: digest.FromString(testBase)}

			plans, err := plan(rec, []digest.Digest{base.Digest}, "linux/amd64", nil)
			if err != nil {
				t.Fatal(err)
			}
			sp := plans[0]

			for op, exists := range tt.cached {
				key := sp.keyAt(op)
				if err := idx.Put(cache.Entry{Key: key, Image: cache.Tag(key), Step: op}); err != nil {
					t.Fatal(err)
				}
				rt.images[cache.Tag(key)] = exists
			}

			b := newBuilder(Services{Runtime: rt, Index: idx, Observer: nopObserver{}}, Options{NoCache: tt.noCache}, nil)
			image, skip := b.lookup(t.Context(), sp, base)

			if skip != tt.want {
				t.Fatalf("skip = %d, want %d", skip, tt.want)
			}
			wantImage := base.Name
			if tt.want > 0 {
				wantImage = cache.Tag(sp.keyAt(tt.want))
			}
			if image != wantImage {
				t.Fatalf("image = %q, want %q", image, wantImage)
			}

			for op := 1; op <= sp.ops; op++ {
				_, found, err := idx.Get(sp.keyAt(op))
				if err != nil {
					t.Fatal(err)
				}
				_, had := tt.cached[op]
				gone := had && !found
				if gone != slices.Contains(tt.dropped, op) {
					t.Fatalf("op %d: entry removed = %v, want %v", op, gone, !gone)
				}
			}
		})
	}
}

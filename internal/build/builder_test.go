package build

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/cruciblehq/kiln/internal/buildctx"
	"github.com/cruciblehq/kiln/internal/recipe"
)

func TestPlatformSlug(t *testing.T) {
	if got := platformSlug("linux/arm64/v8"); got != "linux-arm64-v8" {
		t.Fatalf("platformSlug = %q", got)
	}
}

func TestPlatformOutput(t *testing.T) {
	single := newBuilder(Services{}, Options{Output: "dist", Platforms: []string{"linux/amd64"}}, nil)
	if got := single.platformOutput("linux/amd64"); got != "dist" {
		t.Fatalf("single platform output = %q, want dist", got)
	}

	multi := newBuilder(Services{}, Options{Output: "dist", Platforms: []string{"linux/amd64", "linux/arm64"}}, nil)
	if got := multi.platformOutput("linux/arm64"); got != filepath.Join("dist", "linux-arm64") {
		t.Fatalf("multi platform output = %q", got)
	}
}

func TestContainerID(t *testing.T) {
	b := newBuilder(Services{}, Options{Resource: "synapse"}, nil)

	named := b.containerID("builder", 0, "linux/amd64")
	if !strings.HasPrefix(named, "synapse-"+b.id+"-linux-amd64-stage-") || !strings.HasSuffix(named, "builder") {
		t.Fatalf("unexpected named container ID %q", named)
	}

	unnamed := b.containerID("", 2, "linux/amd64")
	if !strings.HasSuffix(unnamed, "-stage-3") {
		t.Fatalf("unexpected unnamed container ID %q", unnamed)
	}

	other := newBuilder(Services{}, Options{Resource: "synapse"}, nil)
	other.id = b.id + "x"
	if other.containerID("builder", 0, "linux/amd64") == named {
		t.Fatal("container IDs collide across builds")
	}
}

func TestStageSetWait(t *testing.T) {
	plans := []*stagePlan{
		{index: 0, stage: recipe.Stage{Name: "builder"}},
		{index: 1, stage: recipe.Stage{Name: "runtime"}},
	}
	set := newStageSet(plans)
	ctr := &fakeContainer{id: "builder"}

	got := make(chan Container, 1)
	go func() {
		c, err := set.wait(t.Context(), "builder")
		if err != nil {
			t.Error(err)
		}
		got <- c
	}()

	select {
	case <-got:
		t.Fatal("wait returned before the stage finished")
	case <-time.After(20 * time.Millisecond):
	}

	set.finish(plans[0], ctr)

	select {
	case c := <-got:
		if c != ctr {
			t.Fatal("wait returned the wrong container")
		}
	case <-time.After(time.Second):
		t.Fatal("wait did not return after finish")
	}

	if set.byIndex(0) != ctr {
		t.Fatal("byIndex did not return the finished container")
	}
}

func TestStageSetWaitCancelled(t *testing.T) {
	set := newStageSet([]*stagePlan{{stage: recipe.Stage{Name: "builder"}}})

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	if _, err := set.wait(ctx, "builder"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := set.wait(t.Context(), "missing"); err == nil {
		t.Fatal("expected error for unknown stage")
	}
}

func TestHostArchive(t *testing.T) {
	dir := t.TempDir()
	writeContext(t, dir, map[string]string{
		"conf/start.py":  "print()\n",
		"conf/start.pyc": "bytecode",
		"conf/docs/a.md": "",
		"conf/docs/b.md": "",
		".dockerignore":  "**/*.pyc\nconf/docs\n!conf/docs/b.md\n",
	})
	if err := os.Chmod(filepath.Join(dir, "conf/start.py"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("start.py", filepath.Join(dir, "conf/link")); err != nil {
		t.Fatal(err)
	}

	bctx, err := buildctx.Open(dir)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		src     string
		dest    string
		wantDir string
		want    []string
		absent  []string
	}{
		{
			name:    "directory renamed to dest",
			src:     "conf",
			dest:    "/etc/app",
			wantDir: "/etc",
			want:    []string{"app", "app/docs/b.md", "app/link", "app/start.py"},
			absent:  []string{"app/start.pyc", "app/docs/a.md"},
		},
		{
			name:    "single file",
			src:     "conf/start.py",
			dest:    "/srv/run.py",
			wantDir: "/srv",
			want:    []string{"run.py"},
		},
		{
			name:    "whole context",
			src:     ".",
			dest:    "/srv/app",
			wantDir: "/srv/app",
			want:    []string{"conf/start.py"},
			absent:  []string{"conf/start.pyc"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc, gotDir, err := hostArchive(bctx, tt.src, tt.dest)
			if err != nil {
				t.Fatalf("hostArchive: %v", err)
			}
			defer rc.Close()

			if gotDir != tt.wantDir {
				t.Fatalf("extract dir = %q, want %q", gotDir, tt.wantDir)
			}

			headers := readHeaders(t, rc)
			for _, name := range tt.want {
				if _, ok := headers[name]; !ok {
					t.Fatalf("%s missing from archive: %v", name, slices.Sorted(maps.Keys(headers)))
				}
			}
			for _, name := range tt.absent {
				if _, ok := headers[name]; ok {
					t.Fatalf("excluded entry %s in archive", name)
				}
			}
			for name, h := range headers {
				if h.Uid != 0 || h.Gid != 0 {
					t.Fatalf("%s owned by %d:%d, want 0:0", name, h.Uid, h.Gid)
				}
			}
		})
	}

	rc, _, err := hostArchive(bctx, "conf", "/etc/app")
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	headers := readHeaders(t, rc)

	if f := headers["app/start.py"]; fs.FileMode(f.Mode).Perm() != 0o755 {
		t.Fatalf("mode = %o, want 755", f.Mode)
	}
	if l := headers["app/link"]; l.Typeflag != tar.TypeSymlink || l.Linkname != "start.py" {
		t.Fatalf("symlink not preserved: %+v", l)
	}
}

func TestHostArchiveErrors(t *testing.T) {
	dir := t.TempDir()
	writeContext(t, dir, map[string]string{
		"app/main.py":   "",
		"secrets/key":   "",
		".dockerignore": "secrets\n",
	})

	bctx, err := buildctx.Open(dir)
	if err != nil {
		t.Fatal(err)
	}

	for _, src := range []string{"../outside", "missing", "secrets"} {
		if _, _, err := hostArchive(bctx, src, "/dest"); err == nil {
			t.Fatalf("hostArchive(%q) succeeded", src)
		}
	}
	if _, _, err := hostArchive(bctx, "secrets", "/dest"); !errors.Is(err, buildctx.ErrContext) {
		t.Fatalf("excluded source: err = %v, want ErrContext", err)
	}
}

func writeContext(t *testing.T, root string, files map[string]string) {
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

// Reads every header of a tar stream, keyed by name without the trailing
// slash of directories.
func readHeaders(t *testing.T, r io.Reader) map[string]*tar.Header {
	t.Helper()
	headers := map[string]*tar.Header{}
	tr := tar.NewReader(r)
	for {
		h, err := tr.Next()
		if err == io.EOF {
			return headers
		}
		if err != nil {
			t.Fatal(err)
		}
		headers[strings.TrimSuffix(h.Name, "/")] = h
	}
}

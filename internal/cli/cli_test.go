package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/cruciblehq/kiln/internal/cache"
	"github.com/cruciblehq/kiln/internal/pipeline"
	"github.com/cruciblehq/kiln/internal/protocol"
	"github.com/google/go-cmp/cmp"
	"github.com/opencontainers/go-digest"
)

func TestResourceName(t *testing.T) {
	tests := map[string]string{
		"matrix-synapse": "matrix-synapse",
		"My Service":     "my-service",
		"pkg_name.v2":    "pkg_name.v2",
		"a/b:c":          "a-b-c",
	}
	for in, want := range tests {
		if got := resourceName(in); got != want {
			t.Errorf("resourceName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	f := &ProjectFlags{Dir: dir}

	got, err := f.configFile()
	if err != nil || got != "" {
		t.Fatalf("configFile() = %q, %v, want defaults", got, err)
	}

	file := filepath.Join(dir, pipeline.ConfigFile)
	if err := os.WriteFile(file, []byte("python_version: \"3.11\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got, _ := f.configFile(); got != file {
		t.Fatalf("configFile() = %q, want %q", got, file)
	}

	f.Config = "/etc/kiln.yaml"
	if got, _ := f.configFile(); got != "/etc/kiln.yaml" {
		t.Fatalf("configFile() = %q, want the explicit file", got)
	}
}

func TestParseBuildFlags(t *testing.T) {
	var root struct {
		Build BuildCmd `cmd:""`
	}
	parser, err := kong.New(&root)
	if err != nil {
		t.Fatalf("kong.New: %v", err)
	}

	dir := t.TempDir()
	_, err = parser.Parse([]string{
		"build", dir,
		"--build-arg", "PYTHON_VERSION=3.11",
		"--build-arg", "POETRY_VERSION=1.7.1",
		"--platform", "linux/amd64",
		"--platform", "linux/arm64",
		"--no-cache",
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	want := map[string]string{"PYTHON_VERSION": "3.11", "POETRY_VERSION": "1.7.1"}
	if diff := cmp.Diff(want, root.Build.BuildArgs); diff != "" {
		t.Errorf("build args mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"linux/amd64", "linux/arm64"}, root.Build.Platforms); diff != "" {
		t.Errorf("platforms mismatch (-want +got):\n%s", diff)
	}
	if !root.Build.NoCache || root.Build.Output != "dist" || root.Build.Dir != dir {
		t.Errorf("flags = %+v", root.Build)
	}
}

func TestPrintCache(t *testing.T) {
	now := time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC)
	res := &protocol.CacheListResult{
		Entries: []cache.Entry{{
			Key:      digest.FromString("step"),
			Stage:    "builder",
			Step:     4,
			Platform: "linux/amd64",
			Size:     3 * 1000 * 1000,
			Created:  now.Add(-2 * time.Hour),
		}},
		Mounts: []cache.MountUsage{{Name: "apt-archives", Size: 2000}},
	}

	var buf bytes.Buffer
	if err := printCache(&buf, res, now); err != nil {
		t.Fatalf("printCache: %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		digest.FromString("step").Encoded()[:12],
		"builder",
		"3.0 MB",
		"2 hours ago",
		"apt-archives",
		"2.0 kB",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

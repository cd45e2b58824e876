package cache

import (
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
)

type testOp struct {
	Run string            `json:"run"`
	Env map[string]string `json:"env"`
}

func TestStageKey(t *testing.T) {
	base := digest.FromString("manifest")

	a := StageKey(base, "linux/amd64")
	if a != StageKey(base, "linux/amd64") {
		t.Fatal("stage key not deterministic")
	}
	if a == StageKey(base, "linux/arm64") {
		t.Fatal("platform does not affect stage key")
	}
	if a == StageKey(digest.FromString("other"), "linux/amd64") {
		t.Fatal("base does not affect stage key")
	}
}

func TestStepKey(t *testing.T) {
	root := StageKey(digest.FromString("manifest"), "linux/amd64")
	op := testOp{Run: "make", Env: map[string]string{"A": "1", "B": "2"}}

	k1, err := StepKey(root, op, "")
	if err != nil {
		t.Fatal(err)
	}

	// Map iteration order must not matter.
	k2, err := StepKey(root, testOp{Run: "make", Env: map[string]string{"B": "2", "A": "1"}}, "")
	if err != nil {
		t.Fatal(err)
	}
	if k1 != k2 {
		t.Fatalf("equal ops produced different keys: %s != %s", k1, k2)
	}

	k3, err := StepKey(root, op, digest.FromString("input"))
	if err != nil {
		t.Fatal(err)
	}
	if k3 == k1 {
		t.Fatal("input digest does not affect step key")
	}

	k4, err := StepKey(k1, op, "")
	if err != nil {
		t.Fatal(err)
	}
	if k4 == k1 {
		t.Fatal("previous key does not affect step key")
	}
}

func TestStepKeyUnencodable(t *testing.T) {
	if _, err := StepKey("", make(chan int), ""); err == nil {
		t.Fatal("expected error for unencodable op")
	}
}

func TestTag(t *testing.T) {
	key := digest.FromString("x")
	tag := Tag(key)
	if !strings.HasPrefix(tag, TagPrefix) || !strings.HasSuffix(tag, key.Encoded()) {
		t.Fatalf("unexpected tag %q", tag)
	}
}

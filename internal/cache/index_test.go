package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/opencontainers/go-digest"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := OpenIndex(filepath.Join(t.TempDir(), "cache", "index.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func testEntry(name string, created time.Time) Entry {
	key := digest.FromString(name)
	return Entry{
		Key:      key,
		Image:    Tag(key),
		Stage:    "builder",
		Step:     1,
		Platform: "linux/amd64",
		Created:  created.UTC(),
	}
}

func TestIndexPutGet(t *testing.T) {
	idx := openTestIndex(t)
	e := testEntry("a", time.Unix(100, 0))

	if _, ok, err := idx.Get(e.Key); err != nil || ok {
		t.Fatalf("Get on empty index: ok=%v err=%v", ok, err)
	}

	if err := idx.Put(e); err != nil {
		t.Fatal(err)
	}

	got, ok, err := idx.Get(e.Key)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if diff := cmp.Diff(e, got); diff != "" {
		t.Fatalf("entry mismatch (-want +got):\n%s", diff)
	}

	if err := idx.Delete(e.Key); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := idx.Get(e.Key); ok {
		t.Fatal("entry still present after Delete")
	}
}

func TestIndexPutRequiresKey(t *testing.T) {
	idx := openTestIndex(t)
	if err := idx.Put(Entry{Image: "x"}); err == nil {
		t.Fatal("expected error for entry without key")
	}
}

func TestIndexListAndPrune(t *testing.T) {
	idx := openTestIndex(t)
	old := testEntry("old", time.Unix(100, 0))
	mid := testEntry("mid", time.Unix(200, 0))
	recent := testEntry("new", time.Unix(300, 0))

	for _, e := range []Entry{recent, old, mid} {
		if err := idx.Put(e); err != nil {
			t.Fatal(err)
		}
	}

	list, err := idx.List()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]Entry{old, mid, recent}, list); diff != "" {
		t.Fatalf("List mismatch (-want +got):\n%s", diff)
	}

	removed, err := idx.Prune(time.Unix(250, 0))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]Entry{old, mid}, removed); diff != "" {
		t.Fatalf("Prune mismatch (-want +got):\n%s", diff)
	}

	removed, err = idx.Prune(time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 1 || removed[0].Key != recent.Key {
		t.Fatalf("expected only %s pruned, got %v", recent.Key, removed)
	}

	list, err = idx.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Fatalf("expected empty index, got %v", list)
	}
}

func TestIndexPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	e := testEntry("a", time.Unix(100, 0))

	idx, err := OpenIndex(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := idx.Put(e); err != nil {
		t.Fatal(err)
	}
	if err := idx.Close(); err != nil {
		t.Fatal(err)
	}

	idx, err = OpenIndex(path)
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()

	if _, ok, err := idx.Get(e.Key); err != nil || !ok {
		t.Fatalf("entry lost after reopen: ok=%v err=%v", ok, err)
	}
}

package cache

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/cruciblehq/kiln/internal/errs"
	"github.com/cruciblehq/kiln/internal/paths"
	"github.com/cruciblehq/kiln/internal/recipe"
	"github.com/moby/locker"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Subdirectory holding per-build private mounts.
const privateDir = ".private"

// Hands out host directories backing cache mounts.
type Mounts struct {
	root   string
	locker *locker.Locker
}

// Mount directories acquired for one stage. Release must be called once the
// stage's container is gone.
type Lease struct {
	Mounts  []specs.Mount
	private []string
}

// Disk usage of one shared mount directory.
type MountUsage struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Creates a mount manager rooted at the given directory.
func NewMounts(root string) *Mounts {
	return &Mounts{root: root, locker: locker.New()}
}

// Resolves host directories for a stage's cache mounts.
//
// Shared and locked mounts map to a persistent directory per key. Private
// mounts get a fresh directory that is removed on release. No locks are
// taken here; see [Mounts.Lock].
func (m *Mounts) Acquire(build string, mounts []recipe.CacheMount) (*Lease, error) {
	lease := &Lease{}
	for _, cm := range dedupe(mounts) {
		dir, err := m.source(build, cm)
		if err != nil {
			lease.Release()
			return nil, err
		}
		if cm.Mode() == recipe.SharingPrivate {
			lease.private = append(lease.private, dir)
		}
		lease.Mounts = append(lease.Mounts, specs.Mount{
			Destination: cm.Target,
			Type:        "bind",
			Source:      dir,
			Options:     []string{"rbind", "rw"},
		})
	}

	return lease, nil
}

// Removes private directories. Safe to call more than once.
func (l *Lease) Release() {
	for _, dir := range l.private {
		os.RemoveAll(dir)
	}
	l.private = nil
}

// Takes the locks of every locked mount in the list.
//
// Locks are taken in key order so that concurrent steps cannot deadlock on
// each other. Waiting honours ctx. The returned function releases them.
func (m *Mounts) Lock(ctx context.Context, mounts []recipe.CacheMount) (func(), error) {
	var held []string
	unlock := func() {
		for i := len(held) - 1; i >= 0; i-- {
			m.locker.Unlock(held[i])
		}
		held = nil
	}

	for _, cm := range dedupe(mounts) {
		if cm.Mode() != recipe.SharingLocked {
			continue
		}
		key := cm.Key()
		if slices.Contains(held, key) {
			continue
		}
		if err := lockContext(ctx, m.locker, key); err != nil {
			unlock()
			return nil, errs.Wrapf(ErrMount, "waiting for %s: %w", key, err)
		}
		held = append(held, key)
	}

	return unlock, nil
}

// Returns the host directory backing a mount.
func (m *Mounts) source(build string, cm recipe.CacheMount) (string, error) {
	if cm.Mode() != recipe.SharingPrivate {
		return m.dir(cm.Key())
	}

	base := filepath.Join(m.root, privateDir)
	if err := os.MkdirAll(base, paths.DefaultDirMode); err != nil {
		return "", errs.Wrap(ErrMount, err)
	}
	dir, err := os.MkdirTemp(base, slug(build)+"-"+slug(cm.Key())+"-")
	if err != nil {
		return "", errs.Wrap(ErrMount, err)
	}
	return dir, nil
}

// Returns the persistent directory for a mount key, creating it if needed.
func (m *Mounts) dir(key string) (string, error) {
	dir := filepath.Join(m.root, slug(key))
	if err := os.MkdirAll(dir, paths.DefaultDirMode); err != nil {
		return "", errs.Wrap(ErrMount, err)
	}
	return dir, nil
}

// Reports the size of every persistent mount directory.
func (m *Mounts) Usage() ([]MountUsage, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(ErrMount, err)
	}

	var usage []MountUsage
	for _, e := range entries {
		if !e.IsDir() || e.Name() == privateDir {
			continue
		}
		size, err := dirSize(filepath.Join(m.root, e.Name()))
		if err != nil {
			return nil, errs.Wrap(ErrMount, err)
		}
		usage = append(usage, MountUsage{Name: e.Name(), Size: size})
	}
	return usage, nil
}

// Removes every persistent mount directory. Must not be called while a
// build is running.
//
// Returns the names removed.
func (m *Mounts) Prune() ([]string, error) {
	usage, err := m.Usage()
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, u := range usage {
		if err := os.RemoveAll(filepath.Join(m.root, u.Name)); err != nil {
			return removed, errs.Wrap(ErrMount, err)
		}
		removed = append(removed, u.Name)
	}
	return removed, nil
}

// Sorts mounts by key and drops later duplicates of the same target.
func dedupe(mounts []recipe.CacheMount) []recipe.CacheMount {
	seen := make(map[string]bool, len(mounts))
	out := make([]recipe.CacheMount, 0, len(mounts))
	for _, cm := range mounts {
		if seen[cm.Target] {
			continue
		}
		seen[cm.Target] = true
		out = append(out, cm)
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].Key() < out[b].Key()
	})
	return out
}

// Acquires a named lock, giving up when ctx is done.
func lockContext(ctx context.Context, l *locker.Locker, name string) error {
	acquired := make(chan struct{})
	go func() {
		l.Lock(name)
		close(acquired)
	}()

	select {
	case <-acquired:
		return nil
	case <-ctx.Done():
		go func() {
			<-acquired
			l.Unlock(name)
		}()
		return ctx.Err()
	}
}

// Converts a mount key to a directory name.
func slug(key string) string {
	s := strings.Trim(key, "/")
	s = strings.NewReplacer("/", "-", ":", "-", " ", "-").Replace(s)
	if s == "" || s == "." || s == ".." {
		return "root"
	}
	return s
}

func dirSize(root string) (int64, error) {
	var size int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			size += info.Size()
		}
		return nil
	})
	return size, err
}

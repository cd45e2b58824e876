package project

import (
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/cruciblehq/kiln/internal/errs"
)

// A resolved, version-locked package set.
type Lock struct {
	Version        string    // Lock format version.
	PythonVersions string    // Interpreter constraint recorded at lock time.
	ContentHash    string    // Hash of the manifest sections the lock was computed from.
	Packages       []Package // Locked packages, sorted by name.
}

// A single locked package.
type Package struct {
	Name     string `toml:"name"`
	Version  string `toml:"version"`
	Category string `toml:"category"`
	Optional bool   `toml:"optional"`
}

type poetryLock struct {
	Package  []Package `toml:"package"`
	Metadata struct {
		LockVersion    string `toml:"lock-version"`
		PythonVersions string `toml:"python-versions"`
		ContentHash    string `toml:"content-hash"`
	} `toml:"metadata"`
}

// Reads the lock file in dir.
//
// A lock without a content hash was not produced by a resolver and is
// rejected, as is a lock that pins the same package twice.
func LoadLock(dir string) (*Lock, error) {
	var raw poetryLock
	if _, err := toml.DecodeFile(filepath.Join(dir, LockFile), &raw); err != nil {
		return nil, errs.Wrap(ErrLockFile, err)
	}

	if raw.Metadata.ContentHash == "" {
		return nil, errs.Wrapf(ErrLockFile, "%s: missing content-hash", LockFile)
	}

	seen := make(map[string]string, len(raw.Package))
	for _, p := range raw.Package {
		if p.Name == "" || p.Version == "" {
			return nil, errs.Wrapf(ErrLockFile, "%s: package entry without name or version", LockFile)
		}
		if v, dup := seen[p.Name]; dup && v != p.Version {
			return nil, errs.Wrapf(ErrLockFile, "%s: %s pinned to both %s and %s", LockFile, p.Name, v, p.Version)
		}
		seen[p.Name] = p.Version
	}

	pkgs := append([]Package(nil), raw.Package...)
	sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].Name < pkgs[j].Name })

	return &Lock{
		Version:        raw.Metadata.LockVersion,
		PythonVersions: raw.Metadata.PythonVersions,
		ContentHash:    raw.Metadata.ContentHash,
		Packages:       pkgs,
	}, nil
}

// Returns the locked version of a package.
func (l *Lock) Lookup(name string) (string, bool) {
	i := sort.Search(len(l.Packages), func(i int) bool { return l.Packages[i].Name >= name })
	if i < len(l.Packages) && l.Packages[i].Name == name {
		return l.Packages[i].Version, true
	}
	return "", false
}

package buildctx

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/cruciblehq/kiln/internal/errs"
	"github.com/moby/patternmatcher"
	"github.com/moby/patternmatcher/ignorefile"
	"github.com/opencontainers/go-digest"
)

// Ignore files, in order of preference.
var ignoreFiles = []string{".kilnignore", ".dockerignore"}

// Patterns for directories that never leave the build context. They are
// appended after the ignore file so no exception can re-include them.
var vcsPatterns = []string{"**/.git", "**/.hg", "**/.svn"}

// A build context rooted at a host directory.
type Context struct {
	root     string
	patterns []string
	matcher  *patternmatcher.PatternMatcher
}

// Opens the build context at root and loads its ignore rules.
func Open(root string) (*Context, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errs.Wrap(ErrContext, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, errs.Wrap(ErrContext, err)
	}
	if !info.IsDir() {
		return nil, errs.Wrapf(ErrContext, "%s is not a directory", abs)
	}

	patterns, err := readIgnore(abs)
	if err != nil {
		return nil, errs.Wrap(ErrContext, err)
	}

	patterns = append(patterns, vcsPatterns...)
	pm, err := patternmatcher.New(patterns)
	if err != nil {
		return nil, errs.Wrap(ErrContext, err)
	}

	return &Context{root: abs, patterns: patterns, matcher: pm}, nil
}

// Returns the absolute root of the context.
func (c *Context) Root() string {
	return c.root
}

// Returns the exclude patterns in effect, VCS directories included.
func (c *Context) Patterns() []string {
	return slices.Clone(c.patterns)
}

// Resolves a copy source to an absolute path inside the context.
//
// Sources that escape the context root are rejected.
func (c *Context) Resolve(src string) (string, error) {
	p := src
	if !filepath.IsAbs(p) {
		p = filepath.Join(c.root, p)
	}
	p = filepath.Clean(p)

	rel, err := filepath.Rel(c.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errs.Wrapf(ErrContext, "%q is outside the build context", src)
	}
	return p, nil
}

// Reports whether a context-relative path is excluded.
func (c *Context) Excluded(rel string) (bool, error) {
	rel = filepath.ToSlash(filepath.Clean(rel))
	if rel == "." {
		return false, nil
	}
	return c.matcher.MatchesOrParentMatches(rel)
}

// Reports whether an exception pattern may re-include something below an
// excluded directory. Only literal prefixes are considered, the same rule
// the archiver applies when it decides to descend.
func (c *Context) reincludes(dir string) bool {
	if !c.matcher.Exclusions() {
		return false
	}

	dirSlash := filepath.ToSlash(dir) + "/"
	for _, p := range c.matcher.Patterns() {
		if p.Exclusion() && strings.HasPrefix(p.String()+"/", dirSlash) {
			return true
		}
	}
	return false
}

// Walks a copy source, calling fn for every entry that is not excluded.
//
// The name passed to fn is the entry's path relative to the source itself,
// "." for the source root. Entries are visited in lexical order. Excluded
// entries are not passed to fn. An excluded directory is still descended
// into when an exception pattern names something below it.
func (c *Context) Walk(src string, fn func(path, name string, d fs.DirEntry) error) error {
	abs, err := c.Resolve(src)
	if err != nil {
		return err
	}

	rootRel, err := filepath.Rel(c.root, abs)
	if err != nil {
		return errs.Wrap(ErrContext, err)
	}

	if excluded, err := c.Excluded(rootRel); err != nil {
		return errs.Wrap(ErrContext, err)
	} else if excluded {
		return errs.Wrapf(ErrContext, "%q is excluded by ignore rules", src)
	}

	return filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		ctxRel, err := filepath.Rel(c.root, path)
		if err != nil {
			return err
		}

		excluded, err := c.Excluded(ctxRel)
		if err != nil {
			return err
		}
		if excluded {
			if d.IsDir() && !c.reincludes(ctxRel) {
				return filepath.SkipDir
			}
			return nil
		}

		name, err := filepath.Rel(abs, path)
		if err != nil {
			return err
		}
		return fn(path, filepath.ToSlash(name), d)
	})
}

// Computes the content digest of a copy source.
func (c *Context) Digest(src string) (digest.Digest, error) {
	digester := digest.Canonical.Digester()
	h := digester.Hash()

	err := c.Walk(src, func(path, name string, d fs.DirEntry) error {
		return writeEntry(h, path, name, d)
	})
	if err != nil {
		return "", errs.Wrap(ErrContext, err)
	}

	return digester.Digest(), nil
}

// Hashes one entry: name, type and permission bits, then the symlink target
// or file contents.
func writeEntry(w io.Writer, path, name string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	mode := info.Mode()
	fmt.Fprintf(w, "%s\x00%s\x00", name, mode.String())

	switch {
	case mode&fs.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\x00", target)

	case mode.IsRegular():
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		fmt.Fprintf(w, "%d\x00", info.Size())
		if _, err := io.Copy(w, f); err != nil {
			return err
		}
	}

	return nil
}

// Reads the first ignore file present in root.
func readIgnore(root string) ([]string, error) {
	for _, name := range ignoreFiles {
		f, err := os.Open(filepath.Join(root, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		defer f.Close()
		return ignorefile.ReadAll(f)
	}
	return nil, nil
}

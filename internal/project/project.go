package project

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cruciblehq/kiln/internal/errs"
)

const (

	// Filename of the project manifest.
	ManifestFile = "pyproject.toml"

	// Filename of the Poetry lock file.
	LockFile = "poetry.lock"
)

// Metadata of a Python project, merged from the PEP 621 [project] table and
// the [tool.poetry] table. PEP 621 values win when both are present.
type Project struct {
	Name           string
	Version        string
	Readme         string
	License        string
	Homepage       string
	Repository     string
	Documentation  string
	RequiresPython string   // Interpreter constraint, e.g. "^3.9".
	Packages       []string // Top-level source directories to install.
}

// Raw layout of pyproject.toml. Only the keys kiln uses are decoded.
type pyproject struct {
	Project struct {
		Name           string            `toml:"name"`
		Version        string            `toml:"version"`
		Readme         any               `toml:"readme"`
		License        any               `toml:"license"`
		RequiresPython string            `toml:"requires-python"`
		URLs           map[string]string `toml:"urls"`
	} `toml:"project"`
	Tool struct {
		Poetry struct {
			Name          string         `toml:"name"`
			Version       string         `toml:"version"`
			Readme        any            `toml:"readme"`
			License       string         `toml:"license"`
			Homepage      string         `toml:"homepage"`
			Repository    string         `toml:"repository"`
			Documentation string         `toml:"documentation"`
			Dependencies  map[string]any `toml:"dependencies"`
			Packages      []struct {
				Include string `toml:"include"`
				From    string `toml:"from"`
			} `toml:"packages"`
		} `toml:"poetry"`
	} `toml:"tool"`
}

// Reads the manifest in dir.
func LoadManifest(dir string) (*Project, error) {
	var raw pyproject
	if _, err := toml.DecodeFile(filepath.Join(dir, ManifestFile), &raw); err != nil {
		return nil, errs.Wrap(ErrManifest, err)
	}

	poetry := raw.Tool.Poetry
	p := &Project{
		Name:          first(raw.Project.Name, poetry.Name),
		Version:       first(raw.Project.Version, poetry.Version),
		Readme:        first(stringOrFile(raw.Project.Readme), stringOrFile(poetry.Readme)),
		License:       first(licenseText(raw.Project.License), poetry.License),
		Homepage:      first(raw.Project.URLs["homepage"], raw.Project.URLs["Homepage"], poetry.Homepage),
		Repository:    first(raw.Project.URLs["repository"], raw.Project.URLs["Repository"], poetry.Repository),
		Documentation: first(raw.Project.URLs["documentation"], raw.Project.URLs["Documentation"], poetry.Documentation),
	}

	p.RequiresPython = raw.Project.RequiresPython
	if p.RequiresPython == "" {
		if v, ok := poetry.Dependencies["python"].(string); ok {
			p.RequiresPython = v
		}
	}

	for _, pkg := range poetry.Packages {
		if pkg.Include == "" {
			continue
		}
		p.Packages = append(p.Packages, filepath.ToSlash(filepath.Join(pkg.From, pkg.Include)))
	}

	if p.Name == "" {
		return nil, errs.Wrapf(ErrManifest, "%s: missing project name", ManifestFile)
	}

	if len(p.Packages) == 0 {
		p.Packages = []string{defaultPackage(dir, p.Name)}
	}

	return p, nil
}

// Returns the conventional source directory for a distribution name.
//
// Poetry's own fallback is the normalized name with dashes replaced by
// underscores; a "src/" layout is preferred when present.
func defaultPackage(dir, name string) string {
	pkg := strings.ReplaceAll(strings.ToLower(name), "-", "_")
	if info, err := os.Stat(filepath.Join(dir, "src", pkg)); err == nil && info.IsDir() {
		return "src/" + pkg
	}
	return pkg
}

// Extracts the file name from a readme value, which may be a string or a
// table with a "file" key.
func stringOrFile(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		if len(t) > 0 {
			s, _ := t[0].(string)
			return s
		}
	case map[string]any:
		s, _ := t["file"].(string)
		return s
	}
	return ""
}

// Extracts a license identifier from a string or a {text = "..."} table.
func licenseText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		s, _ := t["text"].(string)
		return s
	}
	return ""
}

// Returns the first non-empty value.
func first(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

package internal

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/Masterminds/semver"
)

const (

	// Program name, used for logging groups, the CLI and path naming.
	Name = "kiln"

	// Placeholder for build metadata that is not known.
	undefined = "(undefined)"

	// Length of an abbreviated commit hash.
	shortCommit = 12
)

// Set with -ldflags "-X github.com/cruciblehq/kiln/internal.version=...".
var (
	version = "" // Release version (e.g., "v0.4.1").
	commit  = "" // Git commit hash.

	rawLogLevel = "info"  // Default log level, one of debug, info, warn, error.
	rawVerbose  = "false" // Whether to enable verbose logging.
)

// Returns the release version without a "v" prefix.
//
// A version that is not a valid semantic version is reported as undefined,
// so a mistyped linker flag never shows up as a release.
func Version() string {
	v, err := semver.NewVersion(strings.TrimSpace(version))
	if err != nil {
		return undefined
	}
	return v.String()
}

// Returns the commit the binary was built from.
//
// The linker flag wins; otherwise the VCS revision recorded by the Go
// toolchain is used, with a "-dirty" suffix for modified trees.
func Commit() string {
	if c := strings.TrimSpace(commit); c != "" {
		return c
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return undefined
	}

	var rev string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if rev == "" {
		return undefined
	}
	if len(rev) > shortCommit {
		rev = rev[:shortCommit]
	}
	if dirty {
		rev += "-dirty"
	}
	return rev
}

// Returns true if the binary carries no release version.
func IsLocal() bool {
	return Version() == undefined
}

// Returns a detailed version string.
//
// Formatted as "<version> (<commit>, <os>/<arch>, <go version>)". Local
// builds report "(local)" in place of the version.
func VersionString() string {
	v := Version()
	if IsLocal() {
		v = "(local)"
	}
	return fmt.Sprintf("%s (%s, %s/%s, %s)", v, Commit(), runtime.GOOS, runtime.GOARCH, runtime.Version())
}

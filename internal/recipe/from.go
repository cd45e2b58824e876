package recipe

import (
	"strings"

	"github.com/cruciblehq/kiln/internal/errs"
	"github.com/distribution/reference"
)

// Kind of a stage base.
type SourceKind int

const (
	SourceImage   SourceKind = iota // A registry image reference.
	SourceArchive                   // A local OCI archive.
)

// A parsed stage base.
type Source struct {
	Kind  SourceKind
	Value string // Normalized reference, or the archive path as given.
}

// Parses the stage's From field.
//
// Values ending in ".tar" or starting with "/" or "./" are OCI archive paths.
// Everything else must be a valid image reference; it is normalized to its
// fully qualified form, with the "latest" tag added when no tag or digest is
// present. Unsubstituted argument references are rejected, since they would
// otherwise be sent to the registry verbatim.
func (s Stage) ParseFrom() (Source, error) {
	from := strings.TrimSpace(s.From)
	if from == "" {
		return Source{}, errs.Wrapf(ErrInvalidFrom, "empty base")
	}

	if strings.Contains(from, "${") {
		return Source{}, errs.Wrapf(ErrInvalidFrom, "unresolved argument in %q", from)
	}

	if strings.HasSuffix(from, ".tar") || strings.HasPrefix(from, "/") || strings.HasPrefix(from, "./") {
		return Source{Kind: SourceArchive, Value: from}, nil
	}

	named, err := reference.ParseNormalizedNamed(from)
	if err != nil {
		return Source{}, errs.Wrapf(ErrInvalidFrom, "%q: %w", from, err)
	}

	return Source{Kind: SourceImage, Value: reference.TagNameOnly(named).String()}, nil
}

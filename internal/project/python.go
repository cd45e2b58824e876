package project

import (
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/Masterminds/semver"
	"github.com/cruciblehq/kiln/internal/errs"
)

// Accepted shape of an interpreter version argument.
var pythonVersion = regexp.MustCompile(`^3\.[0-9]+(\.[0-9]+)?$`)

// Checks an interpreter version argument against a lock constraint.
//
// The version must look like "3.MINOR" or "3.MINOR.PATCH". An empty
// constraint accepts any well-formed version. Constraints use Poetry's
// syntax, which is translated where it differs from semver ranges ("~=" and
// "==X.Y.*").
func CheckPython(version, constraint string) error {
	if !pythonVersion.MatchString(version) {
		return errs.Wrapf(ErrPythonVersion, "%q is not a MAJOR.MINOR[.PATCH] python 3 version", version)
	}

	if strings.TrimSpace(constraint) == "" {
		return nil
	}

	v, err := semver.NewVersion(version)
	if err != nil {
		return errs.Wrap(ErrPythonVersion, err)
	}

	c, err := semver.NewConstraint(translateConstraint(constraint))
	if err != nil {
		return errs.Wrapf(ErrPythonVersion, "constraint %q: %w", constraint, err)
	}

	if !c.Check(v) {
		return errs.Wrapf(ErrPythonVersion, "%s does not satisfy %q", version, constraint)
	}
	return nil
}

// Rewrites PEP 440 operators that semver ranges spell differently.
//
// Clauses are rewritten one at a time, keeping the "," and "||" structure.
func translateConstraint(c string) string {
	alts := strings.Split(c, "||")
	for i, alt := range alts {
		clauses := strings.Split(alt, ",")
		for j, clause := range clauses {
			clauses[j] = translateClause(strings.TrimSpace(clause))
		}
		alts[i] = strings.Join(clauses, ",")
	}
	return strings.Join(alts, " || ")
}

func translateClause(clause string) string {
	if v, ok := strings.CutPrefix(clause, "~="); ok {
		return compatibleRange(strings.TrimSpace(v))
	}
	clause = strings.Replace(clause, "==", "=", 1)
	return strings.Replace(clause, ".*", ".x", 1)
}

// Expands a compatible release clause into a range.
//
// The upper bound drops the last segment and bumps the one before it, so
// "~=3.9" is ">=3.9,<4" and "~=3.9.2" is ">=3.9.2,<3.10". A clause with a
// single segment is not valid PEP 440 and is passed through for the
// constraint parser to reject.
func compatibleRange(v string) string {
	segs := strings.Split(v, ".")
	if len(segs) < 2 {
		return "~=" + v
	}

	upper := slices.Clone(segs[:len(segs)-1])
	n, err := strconv.Atoi(upper[len(upper)-1])
	if err != nil {
		return "~=" + v
	}
	upper[len(upper)-1] = strconv.Itoa(n + 1)

	return ">=" + v + ",<" + strings.Join(upper, ".")
}

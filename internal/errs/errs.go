// Wraps errors under package-level sentinels.
//
// Every package in kiln declares its failure classes as sentinel errors in an
// errors.go file. Call sites wrap the underlying cause under the sentinel so
// that callers can classify with [errors.Is] against either the sentinel or
// the original cause.
package errs

import "fmt"

// Wraps err under the sentinel kind.
//
// The returned error matches both kind and err with [errors.Is]. A nil err
// yields nil.
func Wrap(kind, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", kind, err)
}

// Wraps a formatted message under the sentinel kind.
//
// The format may itself contain %w verbs, in which case the wrapped operands
// also match with [errors.Is].
func Wrapf(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{kind}, args...)...)
}

package runtime

import (
	"context"
	"io"
	"path"
	"strings"

	"github.com/cruciblehq/kiln/internal/errs"
)

// Creates directories inside the container, including parents.
func (c *Container) Mkdir(ctx context.Context, dirs ...string) error {
	if len(dirs) == 0 {
		return nil
	}
	return c.run(ctx, nil, nil, append([]string{"mkdir", "-p", "--"}, dirs...)...)
}

// Unpacks a tar stream into dir, creating dir first.
//
// Ownership recorded in the stream is kept, which is what host copies rely
// on to produce root-owned files.
func (c *Container) Extract(ctx context.Context, r io.Reader, dir string) error {
	if err := c.Mkdir(ctx, dir); err != nil {
		return err
	}
	return c.run(ctx, r, nil, "tar", "-x", "-p", "-f", "-", "-C", dir)
}

// Writes the file or directory at p to w as a tar stream.
//
// Entries are named relative to the parent of p, so the stream unpacks to
// the base name of p. Owners are stored numerically so that users missing
// from the target image do not remap them.
func (c *Container) Archive(ctx context.Context, w io.Writer, p string) error {
	return c.run(ctx, nil, w, "tar", "-c", "--numeric-owner", "-f", "-", "-C", path.Dir(p), path.Base(p))
}

// Runs a helper command in the container and fails on a non-zero exit.
func (c *Container) run(ctx context.Context, stdin io.Reader, stdout io.Writer, args ...string) error {
	res, err := c.Exec(ctx, Command{Args: args, Stdin: stdin, Stdout: stdout})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return errs.Wrapf(ErrRuntime, "%s exited with code %d: %s", args[0], res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

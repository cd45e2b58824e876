package build

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/cruciblehq/kiln/internal/buildctx"
	"github.com/cruciblehq/kiln/internal/errs"
	"github.com/cruciblehq/kiln/internal/recipe"
	"github.com/moby/go-archive"
	"github.com/moby/go-archive/compression"
)

// Executes a copy operation, transferring files into the container.
//
// The copy string has the format "src dest" for host copies, or "stage:src
// dest" for cross-stage copies. Host sources are resolved relative to the
// build context and filtered by its ignore rules. Cross-stage sources are
// read from the named stage's container once that stage has finished.
func (b *builder) executeCopy(ctx context.Context, ctr Container, copyStr, workdir string, stages *stageSet) error {
	src, dest, err := recipe.ParseCopy(copyStr, workdir)
	if err != nil {
		return errs.Wrap(ErrCopy, err)
	}

	slog.Info("copy", "src", src, "dest", dest)

	if stage, path, ok := recipe.ParseStageCopy(src); ok {
		return executeStageCopy(ctx, ctr, stages, stage, path, dest)
	}

	return b.executeHostCopy(ctx, ctr, src, dest)
}

// Copies a file or directory from the build context into the container.
func (b *builder) executeHostCopy(ctx context.Context, ctr Container, src, dest string) error {
	rc, dir, err := hostArchive(b.bctx, src, dest)
	if err != nil {
		return errs.Wrap(ErrCopy, err)
	}
	defer rc.Close()

	if err := ctr.Extract(ctx, rc, dir); err != nil {
		return errs.Wrap(ErrCopy, err)
	}

	return nil
}

// Opens a tar stream of a build context source and returns it with the
// container directory it must be extracted into.
//
// The stream holds the source under the base name of dest, filtered by the
// context's ignore rules, with every entry owned by root. Timestamps are
// left as they are on the host; commits clamp them to the build epoch.
func hostArchive(bctx *buildctx.Context, src, dest string) (io.ReadCloser, string, error) {
	abs, err := bctx.Resolve(src)
	if err != nil {
		return nil, "", err
	}

	if _, err := os.Lstat(abs); err != nil {
		return nil, "", err
	}

	rel, err := filepath.Rel(bctx.Root(), abs)
	if err != nil {
		return nil, "", err
	}

	excluded, err := bctx.Excluded(rel)
	if err != nil {
		return nil, "", err
	}
	if excluded {
		return nil, "", errs.Wrapf(buildctx.ErrContext, "%q is excluded by ignore rules", src)
	}

	opts := &archive.TarOptions{
		Compression:     compression.None,
		ExcludePatterns: bctx.Patterns(),
		ChownOpts:       &archive.ChownOpts{UID: 0, GID: 0},
	}

	// The whole context unpacks into dest itself, since it has no name of
	// its own to rebase.
	if rel == "." {
		rc, err := archive.TarWithOptions(bctx.Root(), opts)
		return rc, dest, err
	}

	opts.IncludeFiles = []string{rel}
	opts.RebaseNames = map[string]string{rel: path.Base(dest)}

	rc, err := archive.TarWithOptions(bctx.Root(), opts)
	return rc, path.Dir(dest), err
}

// Copies a path from a named stage container into the target container.
//
// The archive of the source container is streamed straight into the target.
// The source keeps its base name under the parent of dest.
func executeStageCopy(ctx context.Context, ctr Container, stages *stageSet, stage, path, dest string) error {
	srcCtr, err := stages.wait(ctx, stage)
	if err != nil {
		return errs.Wrap(ErrCopy, err)
	}

	slog.Debug("cross-stage copy", "stage", stage, "src", path, "dest", dest)

	pr, pw := io.Pipe()

	errc := make(chan error, 1)
	go func() {
		err := srcCtr.Archive(ctx, pw, path)
		pw.CloseWithError(err)
		errc <- err
	}()

	if err := ctr.Extract(ctx, pr, filepath.Dir(dest)); err != nil {
		pr.CloseWithError(err)
		<-errc
		return errs.Wrap(ErrCopy, err)
	}

	if err := <-errc; err != nil {
		return errs.Wrap(ErrCopy, err)
	}

	return nil
}

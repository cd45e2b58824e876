package build

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cruciblehq/kiln/internal/buildctx"
	"github.com/cruciblehq/kiln/internal/cache"
	"github.com/cruciblehq/kiln/internal/errs"
	"github.com/cruciblehq/kiln/internal/paths"
	"github.com/cruciblehq/kiln/internal/recipe"
	"github.com/cruciblehq/kiln/internal/runtime"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"
)

// Holds shared state for building all stages of a recipe.
type builder struct {
	svc  Services
	opts Options
	bctx *buildctx.Context // Host build context, for copy sources.
	id   string            // Unique build identifier, part of container IDs.

	mu         sync.Mutex
	containers []Container // All stage containers across all platforms, destroyed after the build completes.
	leases     []*cache.Lease       // Cache mount leases, released after the containers are gone.
	results    []StageResult
}

// Creates a new [builder] from the given options.
func newBuilder(svc Services, opts Options, bctx *buildctx.Context) *builder {
	return &builder{
		svc:  svc,
		opts: opts,
		bctx: bctx,
		id:   strconv.FormatInt(time.Now().UnixNano(), 36),
	}
}

// Builds the recipe end-to-end against the container runtime.
//
// Each target platform is built independently. The non-transient stage is
// exported as the final image to the platform's output directory. All stage
// containers are destroyed when the build completes, including when it is
// cancelled.
func (b *builder) build(ctx context.Context) (*Result, error) {
	defer b.cleanup(context.WithoutCancel(ctx))

	for _, platform := range b.opts.Platforms {
		if err := b.buildPlatform(ctx, platform); err != nil {
			return nil, err
		}
	}

	return &Result{Output: b.opts.Output, Stages: b.results}, nil
}

// Builds all stages of the recipe for a single platform.
//
// Every stage base is resolved first, so an unknown base aborts the build
// before any step runs. Stages then run concurrently; a stage that copies
// from another waits for it at the copy step. The first failure cancels
// every other stage and nothing is exported.
func (b *builder) buildPlatform(ctx context.Context, platform string) error {
	slog.Info("building platform", "platform", platform)

	output := b.platformOutput(platform)
	if err := os.MkdirAll(output, paths.DefaultDirMode); err != nil {
		return errs.Wrap(ErrOutput, err)
	}

	bases, err := b.resolveBases(ctx, platform)
	if err != nil {
		return err
	}

	digests := make([]digest.Digest, len(bases))
	for i, base := range bases {
		digests[i] = base.Digest
	}

	plans, err := plan(b.opts.Recipe, digests, platform, b.bctx)
	if err != nil {
		return err
	}

	stages := newStageSet(plans)

	g, gctx := errgroup.WithContext(ctx)
	for i, sp := range plans {
		g.Go(func() error {
			if err := b.buildStage(gctx, sp, bases[i], platform, stages); err != nil {
				return errs.Wrapf(ErrBuild, "platform %s, stage %s: %w", platform, sp.label, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return b.export(ctx, stages, bases, output)
}

// Resolves the base of every stage for a platform.
//
// Stages sharing a base reference share the resolved image.
func (b *builder) resolveBases(ctx context.Context, platform string) ([]*runtime.Base, error) {
	resolved := make(map[string]*runtime.Base)
	bases := make([]*runtime.Base, len(b.opts.Recipe.Stages))

	for i, stage := range b.opts.Recipe.Stages {
		src, err := stage.ParseFrom()
		if err != nil {
			return nil, errs.Wrapf(ErrBuild, "stage %s: %w", recipe.StageLabel(stage.Name, i), err)
		}

		base, ok := resolved[src.Value]
		if !ok {
			base, err = b.svc.Runtime.ResolveBase(ctx, src, platform)
			if err != nil {
				return nil, errs.Wrapf(ErrBuild, "stage %s: %w", recipe.StageLabel(stage.Name, i), err)
			}
			resolved[src.Value] = base
		}
		bases[i] = base
	}

	return bases, nil
}

// Stops the exported stage's container and writes the image archive.
func (b *builder) export(ctx context.Context, stages *stageSet, bases []*runtime.Base, output string) error {
	_, index := b.opts.Recipe.Output()
	ctr := stages.byIndex(index)

	if err := ctr.Stop(ctx); err != nil {
		return errs.Wrap(runtime.ErrRuntime, err)
	}

	if err := ctr.Export(ctx, output, b.opts.Name, bases[index], b.opts.Recipe.Image, b.opts.Epoch); err != nil {
		return errs.Wrap(runtime.ErrRuntime, err)
	}

	return nil
}

// Registers a container for destruction when the build ends.
func (b *builder) track(ctr Container, lease *cache.Lease) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ctr != nil {
		b.containers = append(b.containers, ctr)
	}
	if lease != nil {
		b.leases = append(b.leases, lease)
	}
}

// Records a stage summary.
func (b *builder) record(r StageResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.results = append(b.results, r)
}

// Destroys all stage containers, then releases their cache mounts.
func (b *builder) cleanup(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ctr := range b.containers {
		ctr.Destroy(ctx)
	}
	for _, lease := range b.leases {
		lease.Release()
	}
	b.containers = nil
	b.leases = nil
}

// Returns a unique container ID for a stage, scoped to this build and platform.
func (b *builder) containerID(name string, index int, platform string) string {
	slug := platformSlug(platform)
	if name != "" {
		return fmt.Sprintf("%s-%s-%s-stage-%s", b.opts.Resource, b.id, slug, name)
	}
	return fmt.Sprintf("%s-%s-%s-stage-%d", b.opts.Resource, b.id, slug, index+1)
}

// Returns the output directory for a specific platform.
//
// When building for a single platform, the output directory is left as-is
// to preserve the {output}/image.tar convention. For multi-platform builds,
// each platform gets a subdirectory (e.g., {output}/linux-amd64).
func (b *builder) platformOutput(platform string) string {
	if len(b.opts.Platforms) == 1 {
		return b.opts.Output
	}
	return filepath.Join(b.opts.Output, platformSlug(platform))
}

// Converts a platform string to a filesystem-safe slug.
//
// Replaces slashes with dashes (e.g., "linux/amd64" becomes "linux-amd64").
func platformSlug(platform string) string {
	return strings.ReplaceAll(platform, "/", "-")
}

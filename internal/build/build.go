package build

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/cruciblehq/kiln/internal/buildctx"
	"github.com/cruciblehq/kiln/internal/cache"
	"github.com/cruciblehq/kiln/internal/errs"
	"github.com/cruciblehq/kiln/internal/paths"
	"github.com/cruciblehq/kiln/internal/recipe"
	"github.com/cruciblehq/kiln/internal/runtime"
	"github.com/opencontainers/go-digest"
)

// Controls recipe execution.
type Options struct {
	Recipe    *recipe.Recipe // Recipe to execute, with arguments already substituted.
	Resource  string         // Resource name, used as a prefix for container IDs.
	Name      string         // Image reference recorded in the exported archive.
	Output    string         // Directory for the exported image.
	Root      string         // Build context root, for resolving copy sources.
	Platforms []string       // Target platforms (e.g., ["linux/amd64"]). Defaults to host.
	NoCache   bool           // Skip cache lookups. Steps are still committed.
	Epoch     *time.Time     // Pins image and layer timestamps when set.
}

// Services shared by every build run by the daemon.
//
// Index and Mounts may be nil: without an index nothing is looked up or
// committed, and without a mount manager cache mounts are rejected.
type Services struct {
	Runtime  Runtime
	Index    *cache.Index
	Mounts   *cache.Mounts
	Observer Observer
}

// Receives build events, typically to record metrics.
type Observer interface {
	CacheLookup(stage string, hit bool)
	StageCompleted(stage string, cached, executed int, elapsed time.Duration)
}

// Returned after successful recipe execution.
type Result struct {
	Output string        // Directory containing the exported image.
	Stages []StageResult // Per-platform stage summaries, in execution order.
}

// Summary of one executed stage.
type StageResult struct {
	Platform string        `json:"platform"`
	Stage    string        `json:"stage"`
	Key      digest.Digest `json:"key"`
	Cached   int           `json:"cached"`
	Executed int           `json:"executed"`
}

// Executes a recipe against the container runtime.
//
// The recipe is validated, then every target platform is built in turn. For
// each platform all stage bases are resolved before any stage starts, stages
// run concurrently as their dependencies allow, and the non-transient stage
// is exported to the output directory only after every stage succeeded.
func Run(ctx context.Context, svc Services, opts Options) (*Result, error) {
	if len(opts.Platforms) == 0 {
		opts.Platforms = []string{runtime.DefaultPlatform()}
	}

	if err := opts.Recipe.Validate(); err != nil {
		return nil, err
	}

	slog.Info("executing recipe",
		"resource", opts.Resource,
		"output", opts.Output,
		"stages", len(opts.Recipe.Stages),
		"platforms", opts.Platforms,
		"cache", svc.Index != nil && !opts.NoCache,
	)

	bctx, err := buildctx.Open(opts.Root)
	if err != nil {
		return nil, errs.Wrap(ErrBuild, err)
	}

	if err := os.MkdirAll(opts.Output, paths.DefaultDirMode); err != nil {
		return nil, errs.Wrap(ErrOutput, err)
	}

	if svc.Observer == nil {
		svc.Observer = nopObserver{}
	}

	return newBuilder(svc, opts, bctx).build(ctx)
}

type nopObserver struct{}

func (nopObserver) CacheLookup(string, bool)                       {}
func (nopObserver) StageCompleted(string, int, int, time.Duration) {}

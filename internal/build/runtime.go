package build

import (
	"context"
	"io"
	"time"

	"github.com/cruciblehq/kiln/internal/recipe"
	"github.com/cruciblehq/kiln/internal/runtime"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Container runtime a build runs against.
//
// [ContainerdRuntime] adapts the containerd runtime the daemon uses.
type Runtime interface {
	// Resolves a stage base for a platform, pulling or importing it as needed.
	ResolveBase(ctx context.Context, src recipe.Source, platform string) (*runtime.Base, error)

	// Starts a stage container from a local image with the given cache mounts.
	StartContainer(ctx context.Context, tag, id, platform string, mounts []specs.Mount) (Container, error)

	// Reports whether a cached image still exists.
	ImageExists(ctx context.Context, tag string) (bool, error)
}

// A running stage container.
type Container interface {
	ID() string
	Exec(ctx context.Context, cmd runtime.Command) (*runtime.ExecResult, error)
	Mkdir(ctx context.Context, dirs ...string) error
	Extract(ctx context.Context, r io.Reader, dir string) error
	Archive(ctx context.Context, w io.Writer, p string) error
	Commit(ctx context.Context, base *runtime.Base, tag string, epoch *time.Time) (int64, error)
	Stop(ctx context.Context) error
	Export(ctx context.Context, output, name string, base *runtime.Base, cfg recipe.ImageConfig, epoch *time.Time) error
	Destroy(ctx context.Context)
}

// Returns a [Runtime] backed by containerd.
func ContainerdRuntime(rt *runtime.Runtime) Runtime {
	return containerdRuntime{rt}
}

type containerdRuntime struct {
	*runtime.Runtime
}

func (r containerdRuntime) StartContainer(ctx context.Context, tag, id, platform string, mounts []specs.Mount) (Container, error) {
	ctr, err := r.Runtime.StartContainer(ctx, tag, id, platform, mounts)
	if err != nil {
		return nil, err
	}
	return ctr, nil
}

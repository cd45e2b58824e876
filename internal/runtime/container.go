package runtime

import (
	"context"
	"log/slog"
	"syscall"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/pkg/cio"
	"github.com/containerd/containerd/v2/pkg/oci"
	"github.com/containerd/errdefs"
	"github.com/cruciblehq/kiln/internal/errs"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// A stage container backed by containerd.
//
// The container runs an idle task for its whole life; steps are executed as
// additional processes of that task. Its snapshot is what commits and
// exports diff against the stage base.
type Container struct {
	client   *containerd.Client
	id       string // Containerd container ID, also the snapshot key.
	platform string // OCI platform (e.g., "linux/amd64").
}

// Returns the containerd container ID.
func (c *Container) ID() string {
	return c.id
}

// Kills the idle task so the snapshot is quiescent.
//
// The container and its snapshot are kept for export. Stopping a container
// without a task is not an error.
func (c *Container) Stop(ctx context.Context) error {
	ctr, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return errs.Wrap(ErrRuntime, err)
	}
	return killTask(ctx, ctr)
}

// Removes the container and its snapshot. Failures are logged, since this
// runs during cleanup where there is no caller left to handle them.
func (c *Container) Destroy(ctx context.Context) {
	if err := c.remove(ctx); err != nil {
		slog.Warn("failed to remove container", "id", c.id, "error", err)
	}
}

// Creates the containerd container with the build configuration.
//
// The idle task uses host networking and resolv.conf so that package
// managers reach their indexes. Cache mounts are bind mounts, so their
// contents live outside the snapshot and never appear in a committed layer.
func (c *Container) create(ctx context.Context, image containerd.Image, mounts []specs.Mount) (containerd.Container, error) {
	return c.client.NewContainer(ctx, c.id,
		containerd.WithImage(image),
		containerd.WithSnapshotter(snapshotter),
		containerd.WithNewSnapshot(c.id, image),
		containerd.WithRuntime(ociRuntime, nil),
		containerd.WithNewSpec(
			oci.WithDefaultSpecForPlatform(c.platform),
			oci.WithImageConfig(image),
			oci.WithHostNamespace(specs.NetworkNamespace),
			oci.WithHostResolvconf,
			oci.WithProcessArgs("sleep", "infinity"),
			oci.WithMounts(mounts),
		),
	)
}

// Starts the idle task with no attached IO.
func (c *Container) startTask(ctx context.Context, ctr containerd.Container) error {
	task, err := ctr.NewTask(ctx, cio.NullIO)
	if err != nil {
		return err
	}
	if err := task.Start(ctx); err != nil {
		task.Delete(ctx)
		return err
	}
	return nil
}

// Deletes the container with this ID and its snapshot, if it exists.
func (c *Container) remove(ctx context.Context) error {
	ctr, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return err
	}
	return deleteContainer(ctx, ctr)
}

// Kills a container's task, if any, and deletes it.
func killTask(ctx context.Context, ctr containerd.Container) error {
	task, err := ctr.Task(ctx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return errs.Wrap(ErrRuntime, err)
	}

	task.Kill(ctx, syscall.SIGKILL)
	if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
		return errs.Wrap(ErrRuntime, err)
	}
	return nil
}

// Kills a container's task and deletes the container with its snapshot.
func deleteContainer(ctx context.Context, ctr containerd.Container) error {
	if err := killTask(ctx, ctr); err != nil {
		return err
	}
	if err := ctr.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return errs.Wrap(ErrRuntime, err)
	}
	return nil
}

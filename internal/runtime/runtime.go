package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	goruntime "runtime"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/errdefs"
	"github.com/containerd/platforms"
	"github.com/cruciblehq/kiln/internal/errs"
	"github.com/cruciblehq/kiln/internal/recipe"
	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (

	// Snapshotter used for container filesystems. fuse-overlayfs provides
	// overlay semantics without requiring root privileges (no mount(2)),
	// allowing kiln to run as a regular user.
	snapshotter = "fuse-overlayfs"

	// OCI runtime shim for running containers.
	ociRuntime = "io.containerd.runc.v2"
)

// Manages the containerd client and provides image and container operations.
type Runtime struct {
	client *containerd.Client // Containerd client for managing containers and images.
}

// A stage base resolved for one platform.
//
// Digest identifies the image content for the platform (its config digest)
// and is the root of the stage's cache keys.
type Base struct {
	Ref      string        // Reference or archive path as given in the recipe.
	Name     string        // Image record name in containerd.
	Platform string        // OCI platform (e.g., "linux/amd64").
	Digest   digest.Digest // Platform-specific config digest.
	DiffIDs  []digest.Digest
}

// Creates a runtime connected to the containerd socket at the given address.
//
// The namespace scopes all containerd operations to a single tenant. The
// runtime must be closed when no longer needed.
func New(address, namespace string) (*Runtime, error) {
	client, err := containerd.New(address, containerd.WithDefaultNamespace(namespace))
	if err != nil {
		return nil, errs.Wrap(ErrRuntime, err)
	}
	return &Runtime{client: client}, nil
}

// Closes the containerd client connection.
func (rt *Runtime) Close() error {
	return rt.client.Close()
}

// Makes a stage base available locally for the target platform.
//
// Registry references are pulled and unpacked; a reference that does not
// exist fails with [ErrBaseImage], which includes an unknown tag produced by
// a bad version argument. OCI archive paths are imported under a name
// derived from the archive content.
func (rt *Runtime) ResolveBase(ctx context.Context, src recipe.Source, platform string) (*Base, error) {
	var name string

	switch src.Kind {
	case recipe.SourceArchive:
		archived, err := archiveName(src.Value)
		if err != nil {
			return nil, errs.Wrapf(ErrBaseImage, "%s: %w", src.Value, err)
		}
		name = archived

		source, err := rt.importArchive(ctx, src.Value)
		if err != nil {
			return nil, errs.Wrapf(ErrBaseImage, "%s: %w", src.Value, err)
		}
		if err := rt.tagImage(ctx, source, name); err != nil {
			return nil, errs.Wrap(ErrRuntime, err)
		}

	default:
		name = src.Value

		if err := rt.pullImage(ctx, name, platform); err != nil {
			if errdefs.IsNotFound(err) {
				return nil, errs.Wrapf(ErrBaseImage, "%s not found for %s: %w", name, platform, err)
			}
			return nil, errs.Wrapf(ErrBaseImage, "%s: %w", name, err)
		}
	}

	if err := rt.unpackImage(ctx, name, platform); err != nil {
		return nil, errs.Wrap(ErrRuntime, err)
	}

	image, err := rt.resolveImage(ctx, name, platform)
	if err != nil {
		return nil, errs.Wrap(ErrRuntime, err)
	}

	config, err := image.Config(ctx)
	if err != nil {
		return nil, errs.Wrapf(ErrBaseImage, "%s has no config for %s: %w", name, platform, err)
	}

	diffIDs, err := image.RootFS(ctx)
	if err != nil {
		return nil, errs.Wrap(ErrRuntime, err)
	}

	slog.Debug("base resolved", "ref", src.Value, "platform", platform, "digest", config.Digest)

	return &Base{
		Ref:      src.Value,
		Name:     name,
		Platform: platform,
		Digest:   config.Digest,
		DiffIDs:  diffIDs,
	}, nil
}

// Pulls a registry image for a single platform and unpacks it.
func (rt *Runtime) pullImage(ctx context.Context, ref, platform string) error {
	slog.Info("pulling base image", "ref", ref, "platform", platform)

	_, err := rt.client.Pull(ctx, ref,
		containerd.WithPlatform(platform),
		containerd.WithPullUnpack,
		containerd.WithPullSnapshotter(snapshotter),
	)
	return err
}

// Starts a container from a local image.
//
// The image is unpacked for the platform if needed, a container is created
// with a fresh snapshot and the given bind mounts, and a long-running task
// (sleep infinity) is started so that subsequent Exec calls have a running
// process to attach to. Any existing container with the same ID is removed
// before the new one is created. Building for a platform other than the host
// requires QEMU / binfmt_misc support in the kernel.
func (rt *Runtime) StartContainer(ctx context.Context, tag, id, platform string, mounts []specs.Mount) (*Container, error) {
	if err := rt.unpackImage(ctx, tag, platform); err != nil {
		return nil, errs.Wrap(ErrRuntime, err)
	}

	c := &Container{
		client:   rt.client,
		id:       id,
		platform: platform,
	}

	if err := c.remove(ctx); err != nil {
		return nil, errs.Wrapf(ErrRuntime, "stale container %s: %w", id, err)
	}

	image, err := rt.resolveImage(ctx, tag, platform)
	if err != nil {
		return nil, errs.Wrap(ErrRuntime, err)
	}

	ctr, err := c.create(ctx, image, mounts)
	if err != nil {
		return nil, errs.Wrap(ErrRuntime, err)
	}

	if err := c.startTask(ctx, ctr); err != nil {
		ctr.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, errs.Wrap(ErrRuntime, err)
	}

	slog.Debug("container started", "id", id, "image", tag, "mounts", len(mounts))

	return c, nil
}

// Reports whether an image record exists.
func (rt *Runtime) ImageExists(ctx context.Context, tag string) (bool, error) {
	if _, err := rt.client.ImageService().Get(ctx, tag); err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, errs.Wrap(ErrRuntime, err)
	}
	return true, nil
}

// Imports an OCI archive into the content store.
//
// The archive must contain exactly one image. Multi-platform archives
// are supported (single OCI index with per-platform manifests).
func (rt *Runtime) importArchive(ctx context.Context, path string) (images.Image, error) {
	fh, err := os.Open(path)
	if err != nil {
		return images.Image{}, err
	}
	defer fh.Close()

	imported, err := rt.client.Import(ctx, fh)
	if err != nil {
		return images.Image{}, err
	}

	// One record per entry in the archive's index.json. Platform selection
	// happens later in resolveImage.
	if len(imported) == 0 {
		return images.Image{}, ErrEmptyArchive
	} else if len(imported) > 1 {
		return images.Image{}, ErrMultipleImages
	}

	return imported[0], nil
}

// Points a tag at an image target.
//
// Updates the tag if it already exists. Removes the source record when
// its name differs from the tag to avoid duplicates.
func (rt *Runtime) tagImage(ctx context.Context, source images.Image, tag string) error {
	if err := createOrUpdate(ctx, rt.client.ImageService(), images.Image{Name: tag, Target: source.Target}); err != nil {
		return err
	}

	if source.Name != "" && source.Name != tag {
		_ = rt.client.ImageService().Delete(ctx, source.Name)
	}

	return nil
}

// Creates an image record, replacing the target of an existing one.
func createOrUpdate(ctx context.Context, is images.Store, img images.Image) error {
	if _, err := is.Create(ctx, img); err != nil {
		if !errdefs.IsAlreadyExists(err) {
			return err
		}
		if _, err := is.Update(ctx, img, "target"); err != nil {
			return err
		}
	}
	return nil
}

// Unpacks the image layers for the target platform into the snapshotter.
func (rt *Runtime) unpackImage(ctx context.Context, tag, platform string) error {
	image, err := rt.resolveImage(ctx, tag, platform)
	if err != nil {
		return err
	}

	unpacked, err := image.IsUnpacked(ctx, snapshotter)
	if err != nil {
		return err
	}
	if unpacked {
		return nil
	}

	return image.Unpack(ctx, snapshotter)
}

// Looks up a tagged image and selects the manifest for the given platform.
//
// Multi-platform images contain manifests for multiple architectures. This
// method selects one, so that subsequent operations target the correct
// architecture.
func (rt *Runtime) resolveImage(ctx context.Context, tag, platform string) (containerd.Image, error) {
	p, err := platforms.Parse(platform)
	if err != nil {
		return nil, err
	}

	img, err := rt.client.ImageService().Get(ctx, tag)
	if err != nil {
		return nil, err
	}

	return containerd.NewImageWithPlatform(rt.client, img, platforms.Only(p)), nil
}

// Returns the image record name for an archive base.
//
// The name is derived from the archive's content rather than its path, so
// that replacing the file at the same path produces a new record and two
// copies of one archive share a record.
func archiveName(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	dgst, err := digest.SHA256.FromReader(f)
	if err != nil {
		return "", err
	}
	return "kiln.local/archive:" + dgst.Encoded()[:32], nil
}

// Returns the default OCI platform for the host architecture.
func DefaultPlatform() string {
	return "linux/" + goruntime.GOARCH
}

// Removes an image and all containers created from it.
//
// Containers are discovered by querying containerd for records whose image
// field matches the tag. Each container's task is killed before the container
// and its snapshot are deleted. Removing a missing image is not an error.
func (rt *Runtime) DestroyImage(ctx context.Context, tag string) error {
	ctrs, err := rt.client.Containers(ctx, fmt.Sprintf("image==%s", tag))
	if err != nil {
		return errs.Wrap(ErrRuntime, err)
	}

	for _, ctr := range ctrs {
		if err := deleteContainer(ctx, ctr); err != nil {
			return err
		}
	}

	if err := rt.client.ImageService().Delete(ctx, tag); err != nil && !errdefs.IsNotFound(err) {
		return errs.Wrap(ErrRuntime, err)
	}

	slog.Debug("image destroyed", "tag", tag)
	return nil
}

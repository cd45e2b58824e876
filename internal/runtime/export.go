package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/containerd/containerd/v2/core/content"
	"github.com/containerd/containerd/v2/core/diff"
	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/containerd/v2/core/images/archive"
	"github.com/containerd/platforms"
	"github.com/cruciblehq/kiln/internal/errs"
	"github.com/cruciblehq/kiln/internal/recipe"
	"github.com/dustin/go-humanize"
	dockerspec "github.com/moby/docker-image-spec/specs-go/v1"
	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/identity"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Filename of the OCI archive produced by Export.
const exportFilename = "image.tar"

// History entry recorded for the layer added on top of a base.
const historyCreatedBy = "kiln build"

// Commits the container's filesystem as a local image under tag.
//
// The image is the base plus a single layer holding every change made since
// the base. Committing after each step therefore produces images that differ
// only in that last layer, whatever step the container was started from.
// Returns the size of the new layer.
func (c *Container) Commit(ctx context.Context, base *Base, tag string, epoch *time.Time) (int64, error) {
	ctx, done, err := c.client.WithLease(ctx)
	if err != nil {
		return 0, errs.Wrap(ErrRuntime, err)
	}
	defer done(context.Background())

	layer, diffID, err := c.diffFromBase(ctx, base, epoch)
	if err != nil {
		return 0, errs.Wrap(ErrRuntime, err)
	}

	target, err := c.buildExportTarget(ctx, base.Name, func(manifest *ocispec.Manifest, config *dockerspec.DockerOCIImage) {
		appendLayer(manifest, config, layer, diffID, epoch)
	})
	if err != nil {
		return 0, errs.Wrap(ErrRuntime, err)
	}

	if err := createOrUpdate(ctx, c.client.ImageService(), images.Image{Name: tag, Target: target}); err != nil {
		return 0, errs.Wrap(ErrRuntime, err)
	}

	slog.Debug("layer committed", "image", tag, "size", humanize.Bytes(uint64(layer.Size)))
	return layer.Size, nil
}

// Exports the container's filesystem as an OCI archive.
//
// The layer structure matches [Container.Commit]: the base layers plus one
// layer with all changes since the base. cfg is applied to the image config
// and name is recorded as the image reference inside the archive.
// When epoch is set it pins the image creation time and the timestamps of
// the new layer. The result is written to output/image.tar. The stored image
// records in containerd are never modified. The mutated manifest, config, and
// index are written to the content store as ephemeral blobs and referenced
// only during the export. A content lease protects these blobs from garbage
// collection until the export completes.
func (c *Container) Export(ctx context.Context, output, name string, base *Base, cfg recipe.ImageConfig, epoch *time.Time) error {
	ctx, done, err := c.client.WithLease(ctx)
	if err != nil {
		return errs.Wrap(ErrRuntime, err)
	}
	defer done(context.Background())

	layer, diffID, err := c.diffFromBase(ctx, base, epoch)
	if err != nil {
		return errs.Wrap(ErrRuntime, err)
	}

	var configErr error
	target, err := c.buildExportTarget(ctx, base.Name, func(manifest *ocispec.Manifest, config *dockerspec.DockerOCIImage) {
		appendLayer(manifest, config, layer, diffID, epoch)
		configErr = applyConfig(config, cfg)
	})
	if err != nil {
		return errs.Wrap(ErrRuntime, err)
	}
	if configErr != nil {
		return errs.Wrap(ErrRuntime, configErr)
	}

	exportPath := filepath.Join(output, exportFilename)
	if err := c.exportImage(ctx, target, name, exportPath); err != nil {
		return errs.Wrap(ErrRuntime, err)
	}

	slog.Info("image exported", "path", exportPath, "layer", humanize.Bytes(uint64(layer.Size)))
	return nil
}

// Computes the diff between the container's snapshot and the base image's
// root filesystem, returning the layer descriptor and its diff ID.
//
// The base filesystem is mounted through a temporary read-only view of the
// base chain, so the result does not depend on which cached image the
// container was started from.
func (c *Container) diffFromBase(ctx context.Context, base *Base, epoch *time.Time) (ocispec.Descriptor, digest.Digest, error) {
	loaded, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		return ocispec.Descriptor{}, "", err
	}

	info, err := loaded.Info(ctx)
	if err != nil {
		return ocispec.Descriptor{}, "", err
	}

	sn := c.client.SnapshotService(info.Snapshotter)

	upper, err := sn.Mounts(ctx, info.SnapshotKey)
	if err != nil {
		return ocispec.Descriptor{}, "", err
	}

	viewKey := fmt.Sprintf("%s-base-view-%d", c.id, time.Now().UnixNano())
	lower, err := sn.View(ctx, viewKey, identity.ChainID(base.DiffIDs).String())
	if err != nil {
		return ocispec.Descriptor{}, "", err
	}
	defer sn.Remove(context.Background(), viewKey)

	opts := []diff.Opt{diff.WithMediaType(ocispec.MediaTypeImageLayerGzip)}
	if epoch != nil {
		opts = append(opts, diff.WithSourceDateEpoch(epoch))
	}

	layer, err := c.client.DiffService().Compare(ctx, lower, upper, opts...)
	if err != nil {
		return ocispec.Descriptor{}, "", err
	}

	diffID, err := images.GetDiffID(ctx, c.client.ContentStore(), layer)
	if err != nil {
		return ocispec.Descriptor{}, "", err
	}

	return layer, diffID, nil
}

// Adds a layer to a manifest and its config.
func appendLayer(manifest *ocispec.Manifest, config *dockerspec.DockerOCIImage, layer ocispec.Descriptor, diffID digest.Digest, epoch *time.Time) {
	manifest.Layers = append(manifest.Layers, layer)
	config.RootFS.DiffIDs = append(config.RootFS.DiffIDs, diffID)

	created := time.Now().UTC()
	if epoch != nil {
		created = epoch.UTC()
	}
	config.Created = &created
	config.History = append(config.History, ocispec.History{
		Created:   &created,
		CreatedBy: historyCreatedBy,
	})
}

// Applies the recipe's image config on top of the base config.
//
// Exposed ports are replaced rather than merged so the image exposes exactly
// the configured set. Setting an entrypoint clears the inherited command.
func applyConfig(img *dockerspec.DockerOCIImage, cfg recipe.ImageConfig) error {
	c := &img.Config

	if len(cfg.Entrypoint) > 0 {
		c.Entrypoint = slices.Clone(cfg.Entrypoint)
		c.Cmd = slices.Clone(cfg.Cmd)
	} else if len(cfg.Cmd) > 0 {
		c.Cmd = slices.Clone(cfg.Cmd)
	}

	if len(cfg.Env) > 0 {
		env := make([]string, 0, len(cfg.Env))
		for _, k := range slices.Sorted(maps.Keys(cfg.Env)) {
			env = append(env, k+"="+cfg.Env[k])
		}
		c.Env = mergeEnv(c.Env, env)
	}

	if cfg.Workdir != "" {
		c.WorkingDir = cfg.Workdir
	}
	if cfg.User != "" {
		c.User = cfg.User
	}

	if cfg.Ports != nil {
		c.ExposedPorts = make(map[string]struct{}, len(cfg.Ports))
		for _, p := range cfg.Ports {
			port, err := recipe.NormalizePort(p)
			if err != nil {
				return err
			}
			c.ExposedPorts[port] = struct{}{}
		}
	}

	if len(cfg.Labels) > 0 {
		if c.Labels == nil {
			c.Labels = make(map[string]string, len(cfg.Labels))
		}
		maps.Copy(c.Labels, cfg.Labels)
	}

	if hc := cfg.Healthcheck; hc != nil {
		c.Healthcheck = &dockerspec.HealthcheckConfig{
			Test:        slices.Clone(hc.Test),
			Interval:    hc.Interval,
			Timeout:     hc.Timeout,
			StartPeriod: hc.StartPeriod,
			Retries:     hc.Retries,
		}
	}

	return nil
}

// Writes the image to an OCI tar archive at the given path.
//
// The target descriptor is exported directly via [archive.WithManifest]
// rather than looking up the image by name. This allows the caller to
// export ephemeral content (e.g., a mutated manifest with an extra layer)
// without modifying the stored image record. The image name is attached
// as the OCI reference annotation on the archive entry. When the target
// is a multi-platform index, only the manifest matching the container's
// platform is included.
func (c *Container) exportImage(ctx context.Context, target ocispec.Descriptor, imageName, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	p, err := platforms.Parse(c.platform)
	if err != nil {
		return err
	}

	return c.client.Export(ctx, f,
		archive.WithManifest(target, imageName),
		archive.WithPlatform(platforms.Only(p)),
	)
}

// Builds the export target descriptor by applying a mutation to the image's
// manifest and config.
//
// The mutated manifest, config, and (when the root is an index) a new
// single-entry index are written to the content store as ephemeral blobs.
// The stored image record is never modified, so later commits and exports
// always start from the original, clean base.
func (c *Container) buildExportTarget(ctx context.Context, imageName string, mutate func(*ocispec.Manifest, *dockerspec.DockerOCIImage)) (ocispec.Descriptor, error) {
	is := c.client.ImageService()

	img, err := is.Get(ctx, imageName)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	target, index, manifestIdx, err := c.resolveManifestDescriptor(ctx, img.Target, imageName)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	newManifestDesc, err := c.mutateManifest(ctx, target, mutate)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	return c.buildImageTarget(ctx, img.Target, index, manifestIdx, newManifestDesc)
}

// Resolves the image root descriptor to a platform-specific manifest.
//
// If the root is an OCI Image Index, the index is read and walked to find
// the manifest matching the container's platform. Returns the manifest
// descriptor, the index (nil when the root is already a manifest), and the
// position of the manifest within the index.
//
// Some registries (notably Docker Hub) serve index entries without explicit
// platform metadata. When a descriptor lacks a platform field, the manifest
// and its config are read to extract the platform from the image config, the
// same fallback that containerd's images.Manifest uses internally.
func (c *Container) resolveManifestDescriptor(ctx context.Context, root ocispec.Descriptor, imageName string) (ocispec.Descriptor, *ocispec.Index, int, error) {
	if !images.IsIndexType(root.MediaType) {
		return root, nil, 0, nil
	}

	idx, err := c.readIndex(ctx, root)
	if err != nil {
		return ocispec.Descriptor{}, nil, 0, err
	}

	p, err := platforms.Parse(c.platform)
	if err != nil {
		return ocispec.Descriptor{}, nil, 0, err
	}

	i, ok := c.matchManifest(ctx, idx, platforms.OnlyStrict(p))
	if ok {
		return idx.Manifests[i], &idx, i, nil
	}

	if len(idx.Manifests) == 0 {
		return ocispec.Descriptor{}, nil, 0, errs.Wrapf(ErrEmptyIndex, "%s", imageName)
	}
	return idx.Manifests[0], &idx, 0, nil
}

// Searches the index for a manifest matching the given platform.
//
// Descriptors with an explicit platform field are checked first. If none
// match, descriptors without a platform field are probed by reading the
// image config to discover the platform (the "ConfigPlatform" fallback).
// Returns the index position and true when a match is found.
func (c *Container) matchManifest(ctx context.Context, idx ocispec.Index, matcher platforms.MatchComparer) (int, bool) {
	for i, m := range idx.Manifests {
		if m.Platform != nil && matcher.Match(*m.Platform) {
			return i, true
		}
	}
	for i, m := range idx.Manifests {
		if m.Platform != nil || !images.IsManifestType(m.MediaType) {
			continue
		}
		if p, ok := c.configPlatform(ctx, m); ok && matcher.Match(p) {
			return i, true
		}
	}
	return 0, false
}

// Reads the image config referenced by a manifest descriptor and returns the
// platform declared in the config.
//
// Returns false when the config cannot be read.
func (c *Container) configPlatform(ctx context.Context, desc ocispec.Descriptor) (ocispec.Platform, bool) {
	manifest, err := c.readManifest(ctx, desc)
	if err != nil {
		return ocispec.Platform{}, false
	}
	config, err := c.readConfig(ctx, manifest.Config)
	if err != nil {
		return ocispec.Platform{}, false
	}
	return ocispec.Platform{
		OS:           config.OS,
		Architecture: config.Architecture,
		Variant:      config.Variant,
	}, true
}

// Reads the manifest and config, applies the mutation, and writes the
// updated blobs back to the content store.
func (c *Container) mutateManifest(ctx context.Context, target ocispec.Descriptor, mutate func(*ocispec.Manifest, *dockerspec.DockerOCIImage)) (ocispec.Descriptor, error) {
	manifest, err := c.readManifest(ctx, target)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	config, err := c.readConfig(ctx, manifest.Config)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	mutate(&manifest, &config)

	newConfigDesc, err := c.writeBlob(ctx, manifest.Config.MediaType, config, c.id+"-config")
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	manifest.Config = newConfigDesc

	return c.writeBlob(ctx, target.MediaType, manifest, c.id+"-manifest", content.WithLabels(manifestGCLabels(manifest)))
}

// Produces the final image target descriptor after a manifest update.
//
// When the image was resolved through an index, a new single-entry index is
// written containing only the updated manifest. Entries for other platforms
// are dropped because their layer blobs are typically not present in the
// content store (only the target platform's layers are fetched).
func (c *Container) buildImageTarget(ctx context.Context, root ocispec.Descriptor, index *ocispec.Index, manifestIdx int, newManifest ocispec.Descriptor) (ocispec.Descriptor, error) {
	if index == nil {
		return newManifest, nil
	}

	newManifest.Platform = index.Manifests[manifestIdx].Platform
	index.Manifests = []ocispec.Descriptor{newManifest}
	return c.writeBlob(ctx, root.MediaType, index, c.id+"-index", content.WithLabels(indexGCLabels(*index)))
}

// Loads an OCI manifest from the content store.
func (c *Container) readManifest(ctx context.Context, desc ocispec.Descriptor) (ocispec.Manifest, error) {
	b, err := content.ReadBlob(ctx, c.client.ContentStore(), desc)
	if err != nil {
		return ocispec.Manifest{}, err
	}
	var m ocispec.Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return ocispec.Manifest{}, err
	}
	return m, nil
}

// Loads an OCI image index from the content store.
func (c *Container) readIndex(ctx context.Context, desc ocispec.Descriptor) (ocispec.Index, error) {
	b, err := content.ReadBlob(ctx, c.client.ContentStore(), desc)
	if err != nil {
		return ocispec.Index{}, err
	}
	var idx ocispec.Index
	if err := json.Unmarshal(b, &idx); err != nil {
		return ocispec.Index{}, err
	}
	return idx, nil
}

// Loads an image config from the content store, including Docker extensions
// such as the healthcheck.
func (c *Container) readConfig(ctx context.Context, desc ocispec.Descriptor) (dockerspec.DockerOCIImage, error) {
	b, err := content.ReadBlob(ctx, c.client.ContentStore(), desc)
	if err != nil {
		return dockerspec.DockerOCIImage{}, err
	}
	var img dockerspec.DockerOCIImage
	if err := json.Unmarshal(b, &img); err != nil {
		return dockerspec.DockerOCIImage{}, err
	}
	return img, nil
}

// Serializes a value and writes it to the content store, returning the
// descriptor that references the stored blob.
func (c *Container) writeBlob(ctx context.Context, mediaType string, v any, ref string, opts ...content.Opt) (ocispec.Descriptor, error) {
	cs := c.client.ContentStore()
	b, err := json.Marshal(v)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	desc := ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    digest.FromBytes(b),
		Size:      int64(len(b)),
	}
	if err := content.WriteBlob(ctx, cs, ref, bytes.NewReader(b), desc, opts...); err != nil {
		return ocispec.Descriptor{}, err
	}
	return desc, nil
}

// Computes containerd GC reference labels for a manifest's children.
//
// These labels allow containerd's garbage collector to trace reachability
// from the manifest blob to its config and layer blobs.
func manifestGCLabels(m ocispec.Manifest) map[string]string {
	labels := map[string]string{
		"containerd.io/gc.ref.content.config": m.Config.Digest.String(),
	}
	for i, layer := range m.Layers {
		key := fmt.Sprintf("containerd.io/gc.ref.content.l.%d", i)
		labels[key] = layer.Digest.String()
	}
	return labels
}

// Computes containerd GC reference labels for an index's children.
func indexGCLabels(idx ocispec.Index) map[string]string {
	labels := make(map[string]string, len(idx.Manifests))
	for i, m := range idx.Manifests {
		key := fmt.Sprintf("containerd.io/gc.ref.content.m.%d", i)
		labels[key] = m.Digest.String()
	}
	return labels
}

// Package build orchestrates recipe execution against the container runtime.
//
// A recipe is a list of stages, each backed by a container created from a
// base image. Before anything runs, every stage base is resolved for the
// target platform and the build is planned: the steps of each stage are
// flattened (groups become a modifier entry followed by their children) and
// every operation gets a cache key chained from the stage base, the
// operation as resolved against the accumulated step state, and the digest
// of what it reads from the build context or from an earlier stage.
//
// Stages run concurrently. A cross-stage copy waits for the source stage to
// finish, and the first failure cancels every stage. Each stage starts from
// the longest prefix of its operations found in the cache index, replays the
// modifiers of the skipped steps, and commits a cache image after every
// operation it executes. Committed and exported images always consist of the
// base layers plus one layer holding all changes since the base, so warm and
// cold builds produce the same structure. The non-transient stage is exported
// only once all stages have succeeded.
//
// Example usage:
//
//	result, err := build.Run(ctx, build.Services{
//	    Runtime: build.ContainerdRuntime(rt),
//	    Index:   idx,
//	    Mounts:  cache.NewMounts(paths.CacheMounts()),
//	}, build.Options{
//	    Recipe:    rec,
//	    Resource:  "synapse",
//	    Name:      "synapse:latest",
//	    Output:    "dist",
//	    Root:      ".",
//	    Platforms: []string{"linux/amd64", "linux/arm64"},
//	})
//	if err != nil {
//	    return err
//	}
package build

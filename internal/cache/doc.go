// Package cache provides build cache primitives: content-addressed step keys,
// a persistent index of committed layers, and cache mounts.
//
// Keys form a chain. A stage key hashes the resolved base manifest digest and
// the target platform. Each step key hashes the previous key, the canonical
// encoding of the step after argument substitution and state resolution, and
// the digest of the step's inputs. Changing any input therefore invalidates
// the step and every step after it, and nothing before it.
//
// The [Index] maps keys to image tags committed in containerd. It is a bbolt
// database owned by the daemon; entries are written only after a commit
// completes, so the index never refers to a partial layer.
//
// The [Mounts] manager hands out host directories for cache mounts and
// serializes access to locked ones. Mount contents persist across builds but
// never enter an image layer.
//
// Example usage:
//
//	idx, err := cache.OpenIndex(paths.CacheIndex())
//	if err != nil {
//	    return err
//	}
//	defer idx.Close()
//
//	key := cache.StageKey(manifest.Digest, "linux/amd64")
//	key, err = cache.StepKey(key, op, input)
//	if err != nil {
//	    return err
//	}
//
//	if entry, ok, err := idx.Get(key); err == nil && ok {
//	    slog.Info("cache hit", "image", entry.Image)
//	}
package cache

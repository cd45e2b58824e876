// Package runtime manages build containers backed by containerd.
//
// A [Runtime] connects to a containerd daemon. Stage bases are resolved with
// [Runtime.ResolveBase]: registry references are pulled for the target
// platform, OCI archives are imported under a name derived from their content,
// and either way the layers are unpacked into the snapshotter before any
// container is created from them.
//
// Each [Container] wraps a running containerd task. Commands can be executed
// inside the container, files can be copied in and out as tar streams, and
// cache mounts are bound at creation time so their contents stay outside the
// container's snapshot. [Container.Commit] stores the current filesystem as a
// local image and [Container.Export] writes it to an OCI archive. Both diff
// the container against its stage base, so an image always has the base
// layers plus exactly one layer of its own. When the container is no longer
// needed it should be destroyed to release its snapshot and task resources.
//
// Example usage:
//
//	rt, err := runtime.New("/run/containerd/containerd.sock", "kiln")
//	if err != nil {
//	    return err
//	}
//	defer rt.Close()
//
//	src, _ := stage.ParseFrom()
//	base, err := rt.ResolveBase(ctx, src, "linux/amd64")
//	if err != nil {
//	    return err
//	}
//
//	ctr, err := rt.StartContainer(ctx, base.Name, "build-1", base.Platform, nil)
//	if err != nil {
//	    return err
//	}
//	defer ctr.Destroy(ctx)
//
//	result, err := ctr.Exec(ctx, runtime.Command{Args: []string{"/bin/sh", "-c", "echo hello"}})
//	if err != nil {
//	    return err
//	}
//
//	if err := ctr.Export(ctx, "dist", "synapse:latest", base, recipe.ImageConfig{}, nil); err != nil {
//	    return err
//	}
package runtime

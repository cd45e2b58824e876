// Package pipeline generates the two-stage build of a Python server image.
//
// The pipeline is described by a small YAML file (kiln.yaml) layered over
// built-in defaults. [Generate] turns it and the project metadata into a
// recipe with two stages. The builder stage installs OS build tooling and
// the locked dependency set into an isolated virtualenv, then registers the
// application in it. The runtime stage starts again from the same base,
// installs only the runtime package allow-list and copies the virtualenv,
// start script and configuration directory across. The builder steps are
// ordered so that everything up to the dependency install depends only on
// the manifest, lock and project descriptor, never on application source.
//
// [Prepare] loads the project, checks the interpreter version against the
// lock and enforces minimality of the runtime stage before anything is sent
// to the daemon. [Render] writes an equivalent Dockerfile.
//
// Example usage:
//
//	cfg, err := pipeline.LoadConfig("kiln.yaml")
//	if err != nil {
//	    return err
//	}
//
//	b, err := pipeline.Prepare(".", cfg, map[string]string{"PYTHON_VERSION": "3.11"})
//	if err != nil {
//	    return err
//	}
//
//	if err := pipeline.Render(os.Stdout, b.Recipe); err != nil {
//	    return err
//	}
package pipeline

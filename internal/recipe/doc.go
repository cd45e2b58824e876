// Package recipe defines the build recipe executed by the kiln daemon.
//
// A recipe is an ordered list of named stages. Each stage starts from a base
// image and applies steps: shell commands, copies from the build context or
// from an earlier stage, and modifiers (shell, workdir, env) that persist for
// subsequent steps. Steps may declare cache mounts, persistent directories
// that are available while the step runs but never become part of an image.
//
// Recipes declare build arguments with defaults. [Recipe.Resolve] substitutes
// argument references of the form ${NAME} and returns a new recipe; the
// receiver is never modified. [Recipe.Validate] checks the structural
// invariants: unique stage names, copies only from earlier stages, and
// exactly one exported (non-transient) stage.
//
// Example recipe:
//
//	args:
//	  - name: PYTHON_VERSION
//	    default: "3.12"
//	stages:
//	  - name: builder
//	    from: python:${PYTHON_VERSION}-slim-bookworm
//	    transient: true
//	    steps:
//	      - workdir: /app
//	      - copy: pyproject.toml pyproject.toml
//	      - run: pip install .
//	        mounts:
//	          - target: /root/.cache/pip
//	  - from: python:${PYTHON_VERSION}-slim-bookworm
//	    steps:
//	      - copy: builder:/opt/venv /opt/venv
//	image:
//	  entrypoint: ["/start.py"]
//	  ports: ["8008/tcp"]
package recipe

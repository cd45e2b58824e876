// Package project reads the Python project metadata that drives a build.
//
// A project is described by its manifest (pyproject.toml) and its lock file
// (poetry.lock). Both are parsed with a TOML decoder. The manifest supplies
// the name, version and provenance used for image labels and for choosing the
// source tree to install. The lock supplies the pinned package set and the
// interpreter constraint recorded at lock time.
//
// [CheckPython] compares a requested interpreter version with the lock's
// constraint so that an unsatisfiable version argument is rejected before
// any build work is done.
package project

// Package buildctx exposes the build context: the host directory that copy
// steps read from.
//
// Ignore rules are read from .kilnignore, falling back to .dockerignore, and
// use the same pattern syntax. Version control metadata (.git, .hg, .svn) is
// always excluded, whatever the ignore file says, so it can never reach an
// image layer.
//
// [Context.Digest] hashes a source path (file or directory) after applying the
// ignore rules. The digest covers relative paths, file modes, symlink targets
// and file contents, and nothing else, so it is stable across checkouts and
// machines. It is the input digest used in step cache keys.
package buildctx

package project

import "errors"

var (
	ErrManifest      = errors.New("invalid project manifest")
	ErrLockFile      = errors.New("invalid lock file")
	ErrPythonVersion = errors.New("unsupported python version")
)

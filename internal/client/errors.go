package client

import "errors"

var (
	ErrDaemon  = errors.New("daemon unavailable")
	ErrCommand = errors.New("daemon command failed")
)

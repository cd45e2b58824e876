package cache

import "errors"

var (
	ErrCache = errors.New("cache error")
	ErrMount = errors.New("cache mount error")
)

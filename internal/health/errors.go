package health

import "errors"

var (
	ErrCheckFailed = errors.New("health check failed")
	ErrUnhealthy   = errors.New("service is unhealthy")
)

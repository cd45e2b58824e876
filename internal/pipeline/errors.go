package pipeline

import "errors"

var (
	ErrConfig     = errors.New("invalid pipeline config")
	ErrMinimality = errors.New("runtime stage is not minimal")
	ErrRender     = errors.New("dockerfile rendering failed")
)

package buildctx

import "errors"

var ErrContext = errors.New("build context error")

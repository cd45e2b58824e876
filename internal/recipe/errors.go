package recipe

import "errors"

var (
	ErrInvalidRecipe = errors.New("invalid recipe")
	ErrUnknownArg    = errors.New("unknown build argument")
	ErrMissingArg    = errors.New("missing build argument")
	ErrInvalidFrom   = errors.New("invalid base image reference")
)

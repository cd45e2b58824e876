package protocol

import "errors"

var (
	ErrProtocol = errors.New("protocol error")
	ErrVersion  = errors.New("unsupported protocol version")
)

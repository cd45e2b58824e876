package protocol

import (
	"encoding/json"

	"github.com/cruciblehq/kiln/internal/errs"
)

// Protocol version carried in every envelope.
const Version = 1

// A request or response kind.
type Command string

const (
	CmdBuild      Command = "build"       // Execute a recipe.
	CmdStatus     Command = "status"      // Report daemon status.
	CmdShutdown   Command = "shutdown"    // Stop the daemon.
	CmdCacheList  Command = "cache-ls"    // List cache entries and mounts.
	CmdCachePrune Command = "cache-prune" // Remove cache entries and mounts.
	CmdOK         Command = "ok"          // Successful response.
	CmdError      Command = "error"       // Failed response, payload is an [ErrorResult].
)

// Wire frame of every message.
type Envelope struct {
	Version int             `json:"version"`
	Command Command         `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encodes a command and its payload into an envelope, without the trailing
// newline. A nil payload is omitted.
func Encode(cmd Command, payload any) ([]byte, error) {
	env := Envelope{Version: Version, Command: cmd}

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, errs.Wrap(ErrProtocol, err)
		}
		env.Payload = raw
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, errs.Wrap(ErrProtocol, err)
	}
	return data, nil
}

// Decodes an envelope and returns it with its raw payload.
func Decode(data []byte) (*Envelope, json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, errs.Wrap(ErrProtocol, err)
	}

	if env.Version != Version {
		return nil, nil, errs.Wrapf(ErrVersion, "got %d, want %d", env.Version, Version)
	}

	if env.Command == "" {
		return nil, nil, errs.Wrapf(ErrProtocol, "missing command")
	}

	return &env, env.Payload, nil
}

// Decodes a payload into a value of type T. An empty payload yields the zero
// value.
func DecodePayload[T any](payload json.RawMessage) (*T, error) {
	var v T
	if len(payload) == 0 {
		return &v, nil
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, errs.Wrap(ErrProtocol, err)
	}
	return &v, nil
}

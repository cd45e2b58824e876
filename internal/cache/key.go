package cache

import (
	"encoding/json"
	"strings"

	"github.com/cruciblehq/kiln/internal/errs"
	"github.com/opencontainers/go-digest"
)

// Name prefix of images committed to the build cache.
const TagPrefix = "kiln-cache/"

// Returns the root key of a stage.
func StageKey(base digest.Digest, platform string) digest.Digest {
	return digest.FromString("stage\x00" + base.String() + "\x00" + platform)
}

// Returns the key of a step.
//
// The op is encoded as JSON, which sorts map keys, so equal values always
// produce the same key. The input digest is empty for steps that read no
// external content.
func StepKey(prev digest.Digest, op any, input digest.Digest) (digest.Digest, error) {
	b, err := json.Marshal(op)
	if err != nil {
		return "", errs.Wrap(ErrCache, err)
	}

	var sb strings.Builder
	sb.WriteString("step\x00")
	sb.WriteString(prev.String())
	sb.WriteByte(0)
	sb.Write(b)
	sb.WriteByte(0)
	sb.WriteString(input.String())

	return digest.FromString(sb.String()), nil
}

// Returns the image tag a key is committed under.
func Tag(key digest.Digest) string {
	return TagPrefix + key.Encoded()
}

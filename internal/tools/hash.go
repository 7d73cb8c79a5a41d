package tools

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"hash"

	"github.com/rendis/agentgraph/pkg/schema"
)

const hashSchema = `{
  "type": "object",
  "required": ["data"],
  "properties": {
    "data": {"type": "string"},
    "algorithm": {"type": "string", "enum": ["sha256", "sha384", "sha512", "sha1", "md5"]}
  },
  "additionalProperties": false
}`

const hmacSchema = `{
  "type": "object",
  "required": ["data", "key"],
  "properties": {
    "data": {"type": "string"},
    "key": {"type": "string", "minLength": 1},
    "algorithm": {"type": "string", "enum": ["sha256", "sha384", "sha512", "sha1", "md5"]}
  },
  "additionalProperties": false
}`

func hashFunc(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "sha256":
		return sha256.New, nil
	case "sha384":
		return sha512.New384, nil
	case "sha512":
		return sha512.New, nil
	case "sha1":
		return sha1.New, nil
	case "md5":
		return md5.New, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeToolArgumentInvalid, "unsupported hash algorithm %q", algorithm)
	}
}

func hashTool() Tool {
	return NewFuncTool(schema.ToolDefinition{
		Name:        "hash",
		Description: "Returns the hex digest of a string. Default algorithm sha256.",
		Parameters:  json.RawMessage(hashSchema),
	}, func(_ context.Context, args map[string]any) (any, error) {
		algorithm := stringParam(args, "algorithm", "sha256")
		newHash, err := hashFunc(algorithm)
		if err != nil {
			return nil, err
		}
		h := newHash()
		h.Write([]byte(stringParam(args, "data", "")))
		return map[string]any{"algorithm": algorithm, "hash": hex.EncodeToString(h.Sum(nil))}, nil
	})
}

func hmacTool() Tool {
	return NewFuncTool(schema.ToolDefinition{
		Name:        "hmac",
		Description: "Returns the hex HMAC of a string under a key. Default algorithm sha256.",
		Parameters:  json.RawMessage(hmacSchema),
	}, func(_ context.Context, args map[string]any) (any, error) {
		algorithm := stringParam(args, "algorithm", "sha256")
		newHash, err := hashFunc(algorithm)
		if err != nil {
			return nil, err
		}
		mac := hmac.New(newHash, []byte(stringParam(args, "key", "")))
		mac.Write([]byte(stringParam(args, "data", "")))
		return map[string]any{"algorithm": algorithm, "hmac": hex.EncodeToString(mac.Sum(nil))}, nil
	})
}

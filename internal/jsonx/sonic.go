//go:build !nojsonsimd

// Package jsonx exposes a fast JSON codec, backed by sonic by default and
// falling back to encoding/json under the nojsonsimd build tag.
package jsonx

import "github.com/bytedance/sonic"

var fast = sonic.ConfigDefault

// Marshal encodes v using the fast codec.
func Marshal(v any) ([]byte, error) {
	return fast.Marshal(v)
}

// Unmarshal decodes data into v using the fast codec.
func Unmarshal(data []byte, v any) error {
	return fast.Unmarshal(data, v)
}

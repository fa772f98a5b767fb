//go:build nojsonsimd

package jsonx

import stdjson "encoding/json"

// Marshal encodes v using encoding/json.
func Marshal(v any) ([]byte, error) {
	return stdjson.Marshal(v)
}

// Unmarshal decodes data into v using encoding/json.
func Unmarshal(data []byte, v any) error {
	return stdjson.Unmarshal(data, v)
}

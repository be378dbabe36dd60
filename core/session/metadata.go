package session

import (
	"encoding/json"
	"fmt"
)

// DefaultMaxMetadataBytes bounds the serialized size of a session's metadata
const DefaultMaxMetadataBytes = 10 * 1024

// MetadataSize returns the JSON-encoded length of metadata.
// A nil or empty map has size zero.
func MetadataSize(metadata map[string]any) (int, error) {
	data, err := encodeMetadata(metadata)
	return len(data), err
}

// encodeMetadata returns the JSON form a session stores and measures.
// A nil or empty map encodes to nil.
func encodeMetadata(metadata map[string]any) ([]byte, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	return data, nil
}

// decodeMetadata builds a fresh map from stored JSON. Numbers decode as
// float64 and nested values as map[string]any and []any.
func decodeMetadata(data []byte) map[string]any {
	if len(data) == 0 {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		// data was produced by encodeMetadata
		return nil
	}
	return out
}

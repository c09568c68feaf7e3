package codec

import (
	"github.com/segmentio/encoding/json"
)

// Serializer converts structured records to and from payload bytes. The
// network core only moves the bytes; which format is used is up to the
// component that owns the record type.
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONSerializer encodes records as JSON.
type JSONSerializer struct{}

// Marshal implements Serializer.
func (JSONSerializer) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal implements Serializer.
func (JSONSerializer) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// DefaultSerializer is used wherever no serializer is configured.
var DefaultSerializer Serializer = JSONSerializer{}

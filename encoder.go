package taskflow

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

// Encoder serializes task inputs and results, WAL events and the task
// records the stores persist. Stores accept a custom Encoder; the engine
// itself always hashes and stores inputs through JSONEncoder.
type Encoder interface {
	Encode(any) ([]byte, error)
	Decode([]byte, any) error
}

// JSONEncoder encodes with encoding/json and decodes with sonic.
//
// Encoding emits map keys in sorted order. Idempotency keys are computed over
// that output, so a replacement encoder must keep the ordering stable or keys
// for identical requests will drift apart.
type JSONEncoder struct{}

var (
	defaultEncoder Encoder = &JSONEncoder{}
	_              Encoder = (*JSONEncoder)(nil)
)

// Encode returns v as JSON. json.RawMessage values pass through unchanged.
func (*JSONEncoder) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode reads events and records written by Encode; numbers decode into
// float64 when the target is untyped.
func (*JSONEncoder) Decode(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}

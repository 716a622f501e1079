package minerapi

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the content-subtype the miner channel negotiates. Both sides
// marshal messages as JSON; the schema is defined by the structs in types.go
// and tolerates unknown fields on decode.
const CodecName = "basilica-json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("basilica-json marshal: %w", err)
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("basilica-json unmarshal: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string { return CodecName }

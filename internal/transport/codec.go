// Package transport carries the sync protocol over gRPC.
//
// Messages are the remote package's Go types encoded as JSON by a codec
// registered under the "json" content subtype, so there are no generated
// stubs; the service descriptor is declared by hand.
package transport

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

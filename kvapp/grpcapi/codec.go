package grpcapi

import "encoding/json"

// codecName matches transport/grpcapi's choice: a JSON codec negotiated via
// grpc's content-subtype mechanism, so this client-facing service avoids a
// second protoc-generated stub set for the same documented reason (§4.F).
const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

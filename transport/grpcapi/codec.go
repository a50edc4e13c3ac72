package grpcapi

import "encoding/json"

// codecName is negotiated on the wire via gRPC's content-subtype mechanism
// (content type application/grpc+json) so a JSON-speaking client and server
// agree on it explicitly.
const codecName = "json"

// jsonCodec satisfies grpc/encoding.Codec without depending on generated
// protobuf message types: §4.F documents choosing a hand-registered
// grpc.ServiceDesc plus this codec over running protoc in an environment
// that cannot run the Go toolchain to verify generated stubs.
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

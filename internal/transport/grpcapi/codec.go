package grpcapi

import "encoding/json"

// jsonCodec serializes gRPC messages as JSON. The service is defined with
// hand-written descriptors and plain structs, so no protobuf types exist.
type jsonCodec struct{}

// Name is the content-subtype clients request (application/grpc+json).
func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

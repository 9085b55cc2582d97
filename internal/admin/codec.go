package admin

import "encoding/json"

// jsonCodec lets the attach/detach gRPC service exchange plain Go structs
// over the wire without a protoc-generated Marshal/Unmarshal pair — the
// admin surface is a small, internal-only RPC set, so paying for a full
// .proto toolchain isn't worth it. Registered as the server's forced codec
// in NewGRPCServer; the generic grpc.Codec interface only requires
// Marshal/Unmarshal/Name.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return "json" }

package raftrpc

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is registered as a gRPC content-subtype so Client/Server
// route through wireCodec instead of requiring generated
// proto.Message implementations.
const codecName = "raftrpc"

// wireMessage is implemented by every request/reply type in this
// package.
type wireMessage interface {
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

type wireCodec struct{}

func (wireCodec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("raftrpc: %T does not implement wireMessage", v)
	}
	return m.Marshal()
}

func (wireCodec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(wireMessage)
	if !ok {
		return fmt.Errorf("raftrpc: %T does not implement wireMessage", v)
	}
	return m.Unmarshal(data)
}

func (wireCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(wireCodec{})
}

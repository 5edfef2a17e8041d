package protocol

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype of the session protocol
const CodecName = "raft-session"

// Codec carries session protocol frames inside gRPC messages unchanged
type Codec struct{}

var _ encoding.Codec = Codec{}

func init() {
	encoding.RegisterCodec(Codec{})
}

func (Codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(Message)
	if !ok {
		return nil, fmt.Errorf("%s codec cannot marshal %T", CodecName, v)
	}
	return m.MarshalBinary()
}

func (Codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(Message)
	if !ok {
		return fmt.Errorf("%s codec cannot unmarshal into %T", CodecName, v)
	}
	return m.UnmarshalBinary(data)
}

func (Codec) Name() string {
	return CodecName
}

package codec

import (
	"errors"

	"google.golang.org/protobuf/proto"
)

// Protobuf encodes generated message types. Marshaling is deterministic so
// equal items produce equal bytes in the store.
type Protobuf[T proto.Message] struct {
	ctor func() T // empty message to decode into, e.g. func() *pb.Member { return &pb.Member{} }
	mo   proto.MarshalOptions
}

func NewProtobuf[T proto.Message](ctor func() T) Protobuf[T] {
	return Protobuf[T]{ctor: ctor, mo: proto.MarshalOptions{Deterministic: true}}
}

func (c Protobuf[T]) Encode(v T) ([]byte, error) {
	return c.mo.Marshal(v)
}

func (c Protobuf[T]) Decode(b []byte) (T, error) {
	if c.ctor == nil {
		var zero T
		return zero, errors.New("codec: Protobuf needs NewProtobuf")
	}
	m := c.ctor()
	err := proto.Unmarshal(b, m)
	return m, err
}

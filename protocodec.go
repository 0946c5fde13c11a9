package agent

import (
	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"
)

// ProtoCodec is a Codec for protobuf payloads. Encode accepts any
// proto.Message. Decode unmarshals each payload into a fresh clone of a
// prototype message, so one codec instance serves one message type and
// decoded messages share no state.
type ProtoCodec struct {
	prototype proto.Message
}

// NewProtoCodec returns a codec that decodes payloads into clones of
// prototype. The prototype itself is never mutated, which keeps the codec
// safe for concurrent use.
func NewProtoCodec(prototype proto.Message) *ProtoCodec {
	return &ProtoCodec{prototype: prototype}
}

// Encode marshals m, which must be a proto.Message.
func (c *ProtoCodec) Encode(m Message) ([]byte, error) {
	pm, ok := m.(proto.Message)
	if !ok {
		return nil, errors.Errorf("proto codec: unsupported message type %T", m)
	}

	return proto.Marshal(pm)
}

// Decode unmarshals p into a fresh clone of the prototype.
func (c *ProtoCodec) Decode(p []byte) (Message, error) {
	m := proto.Clone(c.prototype)
	if err := proto.Unmarshal(p, m); err != nil {
		return nil, err
	}

	return m, nil
}

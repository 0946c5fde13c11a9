package agent

import "github.com/pkg/errors"

// Message is one request or response value carried over the protocol.
// The framework never looks inside a Message: it is decoded from a frame,
// handed to the Handler, and the Handler's result is encoded into the
// response frame. The concrete type is whatever the application Codec
// produces.
type Message interface{}

// Codec is the interface for message payload serialization. Applications
// implement this interface to define their own payload format (e.g.
// Protocol Buffers, JSON, etc.).
//
// The framing layer is not the Codec's concern: Decode receives exactly the
// payload bytes of one frame, and the bytes returned by Encode travel inside
// exactly one frame. Malformed input must fail with an error; the owning
// connection is then torn down.
//
// A single Codec instance is shared by every connection of a Server and must
// be safe for concurrent use.
type Codec interface {
	// Encode serializes a Message into payload bytes.
	Encode(m Message) ([]byte, error)
	// Decode deserializes payload bytes into a Message. The slice is reused
	// by the framing layer; implementations must not retain it after
	// returning.
	Decode(p []byte) (Message, error)
}

// RawCodec passes payload bytes through untouched: a decoded Message is the
// []byte payload itself. It is the smallest useful Codec, handy for tests,
// tools and protocols that do their own payload parsing.
type RawCodec struct{}

// Encode accepts []byte and string messages.
func (RawCodec) Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	}
	return nil, errors.Errorf("raw codec: unsupported message type %T", m)
}

// Decode returns a copy of the payload bytes.
func (RawCodec) Decode(p []byte) (Message, error) {
	return append([]byte(nil), p...), nil
}

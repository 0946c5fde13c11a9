package agent

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// Wire format: every message travels as one frame, a 4-byte unsigned
// big-endian payload length followed by exactly that many payload bytes.
// The length does not count the header itself. There is no version field,
// no type discriminator and no checksum; anything beyond the payload bytes
// is the Codec's business.
const frameHeaderLength = 4

// DefaultMaxFrameLength is the default maximum payload length of a single
// frame (1MB). Override it per connection with MaxFrameLengthOption.
const DefaultMaxFrameLength = 1024 * 1024

var (
	// ErrIncompleteFrame reports that the receive buffer does not yet hold
	// one complete frame. It is a retry signal, not a failure: feed more
	// bytes and call Next again.
	ErrIncompleteFrame = errors.New("incomplete frame")
	// ErrMessageTooLarge is returned when a frame declares a payload larger
	// than the configured maximum. It is terminal for the connection.
	ErrMessageTooLarge = errors.New("message too large")
)

// EncodeFrame serializes m with codec and wraps the payload in one wire
// frame. The returned bytes are ready to be written to the stream as-is.
func EncodeFrame(codec Codec, m Message) ([]byte, error) {
	payload, err := codec.Encode(m)
	if err != nil {
		return nil, errors.Wrap(err, "encode message")
	}
	if uint64(len(payload)) > math.MaxUint32 {
		return nil, ErrMessageTooLarge
	}
	frame := make([]byte, frameHeaderLength+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[frameHeaderLength:], payload)
	return frame, nil
}

// Decoder turns the raw byte stream of one connection back into Messages.
// Bytes are appended with Write as they arrive from the socket; Next yields
// complete Messages one at a time.
//
// A partial frame is never consumed: Next keeps answering ErrIncompleteFrame
// without side effects until the remaining bytes arrive, however the stream
// was chunked. A Decoder is not safe for concurrent use; every connection
// owns its own.
type Decoder struct {
	codec Codec
	max   int
	buf   []byte
}

// NewDecoder returns a Decoder that produces Messages with codec. maxLength
// bounds the declared payload length of a single frame; 0 means
// DefaultMaxFrameLength.
func NewDecoder(codec Codec, maxLength int) *Decoder {
	if maxLength <= 0 {
		maxLength = DefaultMaxFrameLength
	}
	return &Decoder{codec: codec, max: maxLength}
}

// Write appends raw stream bytes to the receive buffer. It implements
// io.Writer and never fails.
func (d *Decoder) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Buffered returns the number of bytes waiting in the receive buffer.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next decodes the next Message from the receive buffer, consuming exactly
// one frame on success.
//
// A declared length above the maximum fails with ErrMessageTooLarge
// immediately, without waiting for the payload bytes. A payload the Codec
// rejects fails with the wrapped Codec error; the buffer is no longer
// trustworthy after that and the connection must be torn down, no
// resynchronization is attempted.
func (d *Decoder) Next() (Message, error) {
	if len(d.buf) < frameHeaderLength {
		return nil, ErrIncompleteFrame
	}
	declared := binary.BigEndian.Uint32(d.buf)
	if uint64(declared) > uint64(d.max) {
		return nil, errors.WithMessagef(ErrMessageTooLarge, "frame declares %d bytes, limit %d", declared, d.max)
	}
	// Bounded by d.max, so the conversion cannot go negative on 32-bit ints.
	length := int(declared)
	if len(d.buf) < frameHeaderLength+length {
		return nil, ErrIncompleteFrame
	}
	m, err := d.codec.Decode(d.buf[frameHeaderLength : frameHeaderLength+length])
	if err != nil {
		return nil, errors.Wrap(err, "decode message")
	}
	d.buf = d.buf[frameHeaderLength+length:]
	return m, nil
}

package agent

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeFrame(t *testing.T) {
	frame, err := EncodeFrame(RawCodec{}, []byte("ping"))
	require.NoError(t, err)

	// 4-byte big-endian length, then the payload, nothing else.
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x04, 'p', 'i', 'n', 'g'}, frame)
}

func TestEncodeFrame_EmptyPayload(t *testing.T) {
	frame, err := EncodeFrame(RawCodec{}, []byte{})
	require.NoError(t, err)

	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x00}, frame)
}

func TestEncodeFrame_String(t *testing.T) {
	frame, err := EncodeFrame(RawCodec{}, "ok")
	require.NoError(t, err)

	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x02, 'o', 'k'}, frame)
}

func TestEncodeFrame_EncodeError(t *testing.T) {
	encodeErr := errors.New("encode error")
	codec := &mockCodec{
		encodeFunc: func(m Message) ([]byte, error) {
			return nil, encodeErr
		},
	}

	_, err := EncodeFrame(codec, []byte("ping"))
	assert.ErrorIs(t, err, encodeErr)
}

func TestRawCodec_UnsupportedType(t *testing.T) {
	_, err := RawCodec{}.Encode(42)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported message type")
}

func TestRawCodec_DecodeCopies(t *testing.T) {
	src := []byte("data")
	m, err := RawCodec{}.Decode(src)
	require.NoError(t, err)

	// Mutating the input afterwards must not change the decoded message.
	src[0] = 'X'
	assert.Equal(t, []byte("data"), m)
}

func TestDecoder_RoundTrip(t *testing.T) {
	codec := RawCodec{}
	frame, err := EncodeFrame(codec, []byte("hello world"))
	require.NoError(t, err)

	d := NewDecoder(codec, 0)
	_, err = d.Write(frame)
	require.NoError(t, err)

	m, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), m)
	assert.Equal(t, 0, d.Buffered())

	// Nothing left to decode.
	_, err = d.Next()
	assert.ErrorIs(t, err, ErrIncompleteFrame)
}

func TestDecoder_EveryChunkSize(t *testing.T) {
	codec := RawCodec{}
	frame, err := EncodeFrame(codec, []byte("hello world"))
	require.NoError(t, err)

	// However the stream is chunked, the decoder must report an incomplete
	// frame until the last byte arrives and then yield exactly one message.
	for chunk := 1; chunk <= len(frame); chunk++ {
		d := NewDecoder(codec, 0)

		for i := 0; i < len(frame); i += chunk {
			end := i + chunk
			if end > len(frame) {
				end = len(frame)
			}

			_, err := d.Write(frame[i:end])
			require.NoError(t, err)

			if end < len(frame) {
				_, err := d.Next()
				assert.ErrorIs(t, err, ErrIncompleteFrame, "chunk size %d, %d bytes fed", chunk, end)
			}
		}

		m, err := d.Next()
		require.NoError(t, err, "chunk size %d", chunk)
		assert.Equal(t, []byte("hello world"), m, "chunk size %d", chunk)
		assert.Equal(t, 0, d.Buffered(), "chunk size %d", chunk)
	}
}

func TestDecoder_Idempotent(t *testing.T) {
	d := NewDecoder(RawCodec{}, 0)

	_, err := d.Write([]byte{0x00, 0x00})
	require.NoError(t, err)

	// Retrying without new bytes must keep answering the same way, without
	// consuming anything.
	for i := 0; i < 3; i++ {
		_, err := d.Next()
		assert.ErrorIs(t, err, ErrIncompleteFrame)
		assert.Equal(t, 2, d.Buffered())
	}
}

func TestDecoder_NoOverConsumption(t *testing.T) {
	codec := RawCodec{}
	frame, err := EncodeFrame(codec, []byte("first"))
	require.NoError(t, err)

	trailing := []byte{0xde, 0xad, 0xbe}
	d := NewDecoder(codec, 0)
	_, err = d.Write(append(frame, trailing...))
	require.NoError(t, err)

	m, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), m)

	// The bytes after the frame stay untouched in the buffer.
	assert.Equal(t, len(trailing), d.Buffered())
}

func TestDecoder_BackToBackFrames(t *testing.T) {
	codec := RawCodec{}
	var stream []byte
	for _, s := range []string{"one", "two", "three"} {
		frame, err := EncodeFrame(codec, []byte(s))
		require.NoError(t, err)
		stream = append(stream, frame...)
	}

	d := NewDecoder(codec, 0)
	_, err := d.Write(stream)
	require.NoError(t, err)

	for _, want := range []string{"one", "two", "three"} {
		m, err := d.Next()
		require.NoError(t, err)
		assert.Equal(t, []byte(want), m)
	}

	_, err = d.Next()
	assert.ErrorIs(t, err, ErrIncompleteFrame)
}

func TestDecoder_EmptyPayload(t *testing.T) {
	d := NewDecoder(RawCodec{}, 0)
	_, err := d.Write([]byte{0x00, 0x00, 0x00, 0x00})
	require.NoError(t, err)

	m, err := d.Next()
	require.NoError(t, err)
	assert.Len(t, m, 0)
	assert.Equal(t, 0, d.Buffered())
}

func TestDecoder_TooLarge(t *testing.T) {
	d := NewDecoder(RawCodec{}, 16)

	// The declared length alone triggers the failure; the payload bytes
	// never have to arrive.
	_, err := d.Write([]byte{0x00, 0x00, 0x03, 0xe8})
	require.NoError(t, err)

	_, err = d.Next()
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestDecoder_HugeDeclaredLength(t *testing.T) {
	// Headers with the high bit set must be rejected as oversized, not
	// reinterpreted as negative lengths on 32-bit ints.
	headers := [][]byte{
		{0x80, 0x00, 0x00, 0x00},
		{0xff, 0xff, 0xff, 0xff},
	}

	for _, header := range headers {
		d := NewDecoder(RawCodec{}, 16)

		_, err := d.Write(header)
		require.NoError(t, err)

		_, err = d.Next()
		assert.ErrorIs(t, err, ErrMessageTooLarge)
	}
}

func TestDecoder_DecodeError(t *testing.T) {
	decodeErr := errors.New("decode error")
	codec := &mockCodec{
		decodeFunc: func(p []byte) (Message, error) {
			return nil, decodeErr
		},
	}

	frame, err := EncodeFrame(RawCodec{}, []byte("junk"))
	require.NoError(t, err)

	d := NewDecoder(codec, 0)
	_, err = d.Write(frame)
	require.NoError(t, err)

	_, err = d.Next()
	assert.ErrorIs(t, err, decodeErr)
}

func TestDecoder_DefaultMaxLength(t *testing.T) {
	d := NewDecoder(RawCodec{}, 0)
	assert.Equal(t, DefaultMaxFrameLength, d.max)
}

func TestEncodeDecode_FrameRoundTripEqualsRequest(t *testing.T) {
	// An echoed message re-encodes to the exact same frame bytes.
	codec := RawCodec{}
	request, err := EncodeFrame(codec, []byte("ping"))
	require.NoError(t, err)

	d := NewDecoder(codec, 0)
	_, err = d.Write(request)
	require.NoError(t, err)

	m, err := d.Next()
	require.NoError(t, err)

	response, err := EncodeFrame(codec, m)
	require.NoError(t, err)
	assert.Equal(t, request, response)
}

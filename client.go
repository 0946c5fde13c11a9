package agent

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Client is the peer side of the protocol. It dials a server and issues
// requests one at a time over a single connection, mirroring the server's
// single in-flight request contract.
// A Client is safe for concurrent use; calls are serialized.
type Client struct {
	conn    net.Conn
	decoder *Decoder
	codec   Codec
	logger  Logger

	mu     sync.Mutex
	closed bool
}

// Dial connects to a server at address over the given network ("tcp" or
// "unix") and returns a Client speaking the framed protocol.
// CustomCodecOption is required; handler options are ignored.
func Dial(network, address string, opt ...Option) (*Client, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	if err := checkClientOptions(&opts); err != nil {
		return nil, err
	}

	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s %q", network, address)
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	opts.logger.Debug("connected", "network", network, "addr", address)

	return &Client{
		conn:    conn,
		decoder: NewDecoder(opts.codec, opts.maxFrameLength),
		codec:   opts.codec,
		logger:  opts.logger,
	}, nil
}

// checkClientOptions validates and sets default values for client options.
// Unlike server connections, a client needs no handler and stays quiet
// unless given a logger.
func checkClientOptions(opts *options) error {
	if opts.codec == nil {
		return ErrInvalidCodec
	}

	if opts.maxFrameLength <= 0 {
		opts.maxFrameLength = DefaultMaxFrameLength
	}

	if opts.logger == nil {
		opts.logger = nopLogger{}
	}

	return nil
}

// Call sends request and blocks until the response arrives, the context's
// deadline expires or the connection dies. Responses correspond one to one,
// in order, to the requests that preceded them.
//
// A deadline carried by ctx is applied to the underlying socket. After a
// transport or decode failure the stream position is unknown, so the Client
// closes itself; only EncodeFrame failures leave it usable.
func (c *Client) Call(ctx context.Context, request Message) (Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrConnectionClosed
	}

	frame, err := EncodeFrame(c.codec, request)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
		defer func() { _ = c.conn.SetDeadline(time.Time{}) }()
	}

	if _, err := c.conn.Write(frame); err != nil {
		c.broken(err)
		return nil, errors.Wrap(err, "write frame")
	}

	response, err := c.readResponse()
	if err != nil {
		c.broken(err)
		return nil, err
	}

	return response, nil
}

// readResponse reads stream chunks until the decoder yields one message.
func (c *Client) readResponse() (Message, error) {
	buf := make([]byte, readChunkSize)

	for {
		m, err := c.decoder.Next()
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, ErrIncompleteFrame) {
			return nil, err
		}

		n, rerr := c.conn.Read(buf)
		if n > 0 {
			_, _ = c.decoder.Write(buf[:n])
		}
		if rerr != nil && n == 0 {
			if errors.Is(rerr, io.EOF) {
				// The server closed before answering.
				rerr = io.ErrUnexpectedEOF
			}
			return nil, errors.Wrap(rerr, "read response")
		}
	}
}

// broken closes the socket after a failure mid exchange. Callers hold c.mu.
func (c *Client) broken(err error) {
	c.logger.Debug("client connection broken", "error", err)
	c.closed = true
	_ = c.conn.Close()
}

// Close closes the connection to the server. Safe to call multiple times.
// Close waits for an in-flight Call to finish.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	return c.conn.Close()
}

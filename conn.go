// Package agent provides a minimal framework for request/response servers
// speaking a length-prefixed binary message protocol over TCP or unix
// domain sockets. It supports custom payload codecs, strictly ordered
// per-connection request handling, and connection management with optional
// idle timeouts.
package agent

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Errors returned by connection operations.
var (
	// ErrInvalidCodec is returned when no codec is provided.
	ErrInvalidCodec = errors.New("invalid codec")
	// ErrInvalidHandler is returned when no message handler is provided.
	ErrInvalidHandler = errors.New("invalid handler")
)

// ErrConnectionClosed is returned when operating on a closed connection.
var ErrConnectionClosed = errors.New("connection closed")

// readChunkSize is the size of the scratch buffer for socket reads.
const readChunkSize = 4 * 1024

// Default configuration values.
const (
	// defaultBufferSize is the default capacity of the push queue.
	defaultBufferSize = 1
)

// Conn represents one connection to a peer.
// It owns the underlying socket and an incremental frame decoder, and
// drives the decode, handle, respond cycle until the peer goes away.
type Conn struct {
	rawConn net.Conn
	decoder *Decoder
	logger  Logger

	opts options

	writeMu sync.Mutex
	sendQ   chan []byte
	closed  atomic.Bool

	// cancelMu guards cancel: Run stores it after deriving its context and
	// Close may read it from another goroutine at any time.
	cancelMu sync.Mutex
	cancel   context.CancelFunc

	stat connStats
}

// NewConn wraps an accepted network connection.
// It applies the provided options and validates them before returning.
// Returns an error if required options (codec, handler) are missing.
func NewConn(conn net.Conn, opt ...Option) (*Conn, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	err := checkOptions(&opts)
	if err != nil {
		return nil, err
	}

	return &Conn{
		rawConn: conn,
		decoder: NewDecoder(opts.codec, opts.maxFrameLength),
		logger:  opts.logger,
		opts:    opts,
		sendQ:   make(chan []byte, opts.bufferSize),
	}, nil
}

// checkOptions validates and sets default values for connection options.
func checkOptions(opts *options) error {
	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.maxFrameLength <= 0 {
		opts.maxFrameLength = DefaultMaxFrameLength
	}

	if opts.handler == nil {
		return ErrInvalidHandler
	}

	if opts.codec == nil {
		return ErrInvalidCodec
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	return nil
}

// Run drives the connection until the peer disconnects, the stream or the
// handler fails, or ctx is canceled. Messages are handled one at a time in
// arrival order, and each response is written back before the next message
// is decoded. A clean disconnect between frames returns nil, cancellation
// returns the context's error, and everything else returns the cause.
// The socket is closed when Run returns.
func (c *Conn) Run(ctx context.Context) error {
	c.logger.Info("connection established", "addr", c.Addr())
	c.logger.Debug("connection options", "addr", c.Addr(),
		"buffer_size", c.opts.bufferSize,
		"max_frame_length", c.opts.maxFrameLength,
		"idle_timeout", c.opts.idleTimeout)

	var cancel context.CancelFunc
	ctx, cancel = context.WithCancel(ctx)
	c.cancelMu.Lock()
	c.cancel = cancel
	c.cancelMu.Unlock()

	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return c.readLoop(child)
	})

	group.Go(func() error {
		return c.pushLoop(child)
	})

	group.Go(func() error {
		// Closing the socket is the only way to unblock a read or write
		// already in flight.
		<-child.Done()
		c.rawConn.Close()
		return nil
	})

	err := group.Wait()
	requested := c.closed.Load()
	canceled := ctx.Err()
	c.closeConn()

	switch {
	case requested:
		err = nil // locally requested close
	case errors.Is(err, io.EOF):
		err = nil // peer closed cleanly between frames
	case canceled != nil:
		err = canceled
	}

	// Shutdown by cancellation is a clean close as far as the log goes.
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Info("connection closed with error", "addr", c.Addr(), "error", err)
	} else {
		c.logger.Info("connection closed", "addr", c.Addr())
	}

	return err
}

// Close gracefully closes the connection.
// It cancels the pump's context and closes the underlying socket.
// Safe to call multiple times. A Run in progress returns nil.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil // already closed
	}

	c.cancelMu.Lock()
	cancel := c.cancel
	c.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}

	return c.rawConn.Close()
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Stats returns a snapshot of the connection's counters.
func (c *Conn) Stats() ConnStats {
	return c.stat.snapshot()
}

// ErrBufferFull is returned when the push queue is full and cannot accept
// more messages. This error indicates backpressure - the peer is not
// draining pushed messages fast enough.
// Recommended handling strategies:
//   - Drop the message (for non-critical data like metrics)
//   - Use WriteBlocking or WriteTimeout to wait for queue space
//   - Implement application-level flow control
var ErrBufferFull = errors.New("send buffer full")

// Write queues a message for sending without blocking (fire-and-forget).
// It exists for pushes outside the request/response cycle; responses
// returned by the handler do not go through this path.
//
// Returns:
//   - nil: message was successfully queued (not yet sent)
//   - ErrBufferFull: push queue is full, message was NOT queued
//   - ErrConnectionClosed: connection is closed
//   - encoding error: if the codec rejects the message
//
// For guaranteed delivery, use WriteBlocking or WriteTimeout instead.
func (c *Conn) Write(message Message) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	frame, err := EncodeFrame(c.opts.codec, message)
	if err != nil {
		return err
	}

	select {
	case c.sendQ <- frame:
		return nil
	default:
		return ErrBufferFull
	}
}

// WriteBlocking queues a message for sending, blocking until there is
// queue space or the context is canceled. This is the safest write method
// for guaranteed delivery.
//
// Returns:
//   - nil: message was successfully queued
//   - context.Canceled or context.DeadlineExceeded: context was canceled
//   - ErrConnectionClosed: connection is closed
//   - encoding error: if the codec rejects the message
func (c *Conn) WriteBlocking(ctx context.Context, message Message) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	frame, err := EncodeFrame(c.opts.codec, message)
	if err != nil {
		return err
	}

	select {
	case c.sendQ <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteTimeout queues a message for sending with a timeout.
// This provides a middle ground between Write (non-blocking) and
// WriteBlocking.
//
// Returns:
//   - nil: message was successfully queued
//   - ErrBufferFull: timeout expired before the message could be queued
//   - ErrConnectionClosed: connection is closed
//   - encoding error: if the codec rejects the message
func (c *Conn) WriteTimeout(message Message, timeout time.Duration) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	frame, err := EncodeFrame(c.opts.codec, message)
	if err != nil {
		return err
	}

	select {
	case c.sendQ <- frame:
		return nil
	case <-time.After(timeout):
		return ErrBufferFull
	}
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// readLoop reads stream chunks, feeds them to the frame decoder and handles
// every complete message before reading again. A slow handler therefore
// stalls further reads on this connection, which is the only backpressure
// mechanism.
func (c *Conn) readLoop(ctx context.Context) error {
	buf := make([]byte, readChunkSize)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if c.opts.idleTimeout > 0 {
			_ = c.rawConn.SetReadDeadline(time.Now().Add(c.opts.idleTimeout))
		}

		n, err := c.rawConn.Read(buf)
		if n > 0 {
			c.stat.bytesRead.Add(int64(n))
			_, _ = c.decoder.Write(buf[:n])

			if derr := c.dispatch(ctx); derr != nil {
				return derr
			}
		}

		if err != nil {
			if !errors.Is(err, io.EOF) {
				return err
			}
			if c.decoder.Buffered() > 0 {
				// The peer went away in the middle of a frame.
				return io.ErrUnexpectedEOF
			}
			return io.EOF
		}
	}
}

// dispatch drains every complete frame sitting in the decoder, invoking the
// handler once per message and writing its response before moving on to the
// next one.
func (c *Conn) dispatch(ctx context.Context) error {
	for {
		message, err := c.decoder.Next()
		if errors.Is(err, ErrIncompleteFrame) {
			return nil
		}
		if err != nil {
			return err
		}

		response, err := c.opts.handler.Handle(ctx, message)
		if err != nil {
			c.stat.handlerFailures.Add(1)
			return errors.Wrap(err, "handle message")
		}
		c.stat.messagesHandled.Add(1)

		if response == nil {
			continue
		}

		frame, err := EncodeFrame(c.opts.codec, response)
		if err != nil {
			return err
		}

		if err := c.write(frame); err != nil {
			return err
		}
	}
}

// pushLoop sends messages queued by Write and friends.
func (c *Conn) pushLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-c.sendQ:
			if err := c.write(frame); err != nil {
				return err
			}
		}
	}
}

// write sends one frame. Responses and pushes share the socket, so writes
// are serialized and a frame is never interleaved with another.
func (c *Conn) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.opts.idleTimeout > 0 {
		_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.opts.idleTimeout))
	}

	n, err := c.rawConn.Write(frame)
	c.stat.bytesWritten.Add(int64(n))
	if err != nil {
		return errors.Wrap(err, "write frame")
	}

	return nil
}

// closeConn marks the connection as closed and closes the underlying socket.
func (c *Conn) closeConn() {
	c.closed.Store(true)

	c.cancelMu.Lock()
	cancel := c.cancel
	c.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}

	c.rawConn.Close()
}

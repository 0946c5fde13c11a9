package agent

import (
	"time"
)

// options holds the configuration for a connection.
type options struct {
	codec   Codec
	handler Handler
	logger  Logger

	bufferSize     int           // capacity of the outgoing push queue
	maxFrameLength int           // maximum payload length of a single frame
	idleTimeout    time.Duration // read/write deadline, zero waits forever
}

// Option is a function that configures connection options.
type Option func(*options)

// CustomCodecOption returns an Option that sets the payload codec.
// The codec is required and must be provided before creating a connection.
func CustomCodecOption(codec Codec) Option {
	return func(o *options) {
		o.codec = codec
	}
}

// HandlerOption returns an Option that sets the message handler.
// The handler is required for server-side connections and is invoked once
// per received message.
func HandlerOption(h Handler) Option {
	return func(o *options) {
		o.handler = h
	}
}

// BufferSizeOption returns an Option that sets the capacity of the push
// queue used by Write and friends. A larger queue allows more messages to
// be queued before blocking.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// MaxFrameLengthOption returns an Option that sets the maximum payload
// length of a single frame. A peer declaring a larger frame is disconnected.
func MaxFrameLengthOption(length int) Option {
	return func(o *options) {
		o.maxFrameLength = length
	}
}

// IdleTimeoutOption returns an Option that sets the idle timeout. Every read
// and write operation arms a deadline this far in the future, so a
// connection that stays silent longer is dropped. Zero, the default, keeps
// connections open forever.
func IdleTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = timeout
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

package agent

import "sync/atomic"

// ConnStats is a point-in-time snapshot of one connection's counters.
type ConnStats struct {
	// BytesRead is the number of raw bytes read from the socket.
	BytesRead int64
	// BytesWritten is the number of raw bytes written to the socket,
	// frame headers included.
	BytesWritten int64
	// MessagesHandled is the number of messages the handler processed
	// successfully.
	MessagesHandled int64
	// HandlerFailures is the number of handler invocations that returned
	// an error.
	HandlerFailures int64
}

// connStats holds the live counters behind ConnStats.
type connStats struct {
	bytesRead       atomic.Int64
	bytesWritten    atomic.Int64
	messagesHandled atomic.Int64
	handlerFailures atomic.Int64
}

func (s *connStats) snapshot() ConnStats {
	return ConnStats{
		BytesRead:       s.bytesRead.Load(),
		BytesWritten:    s.bytesWritten.Load(),
		MessagesHandled: s.messagesHandled.Load(),
		HandlerFailures: s.handlerFailures.Load(),
	}
}

// ServerStats is a point-in-time snapshot of a server's counters.
type ServerStats struct {
	// Accepted is the total number of connections accepted.
	Accepted int64
	// Active is the number of connections currently being served.
	Active int64
	// AcceptFailures is the number of failed accept attempts.
	AcceptFailures int64
}

// serverStats holds the live counters behind ServerStats.
type serverStats struct {
	accepted       atomic.Int64
	active         atomic.Int64
	acceptFailures atomic.Int64
}

func (s *serverStats) snapshot() ServerStats {
	return ServerStats{
		Accepted:       s.accepted.Load(),
		Active:         s.active.Load(),
		AcceptFailures: s.acceptFailures.Load(),
	}
}

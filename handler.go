package agent

import "context"

// Handler processes decoded request messages. Handle is called once per
// received Message, in arrival order, with at most one call in flight per
// connection. Returning a non-nil Message sends it back as the response;
// returning nil sends nothing. Returning an error closes the connection.
//
// One Handler value is shared by every connection of a Server, so it must
// be safe for concurrent use.
type Handler interface {
	Handle(ctx context.Context, m Message) (Message, error)
}

// HandlerFunc adapts an ordinary function to the Handler interface.
type HandlerFunc func(ctx context.Context, m Message) (Message, error)

// Handle calls f(ctx, m).
func (f HandlerFunc) Handle(ctx context.Context, m Message) (Message, error) {
	return f(ctx, m)
}

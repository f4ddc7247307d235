package engine

import "context"

// Transport is the duplex realtime channel supplied by an external
// collaborator. The engine treats it as an opaque capability: it can
// establish a connection and exchange events on it, nothing more.
type Transport interface {
	Connect(ctx context.Context) (Conn, error)
}

// Conn is one established transport connection. Receive blocks until an
// event arrives or the connection dies; Close unblocks it.
type Conn interface {
	Send(ctx context.Context, event Event) error
	Receive(ctx context.Context) (Event, error)
	Close() error
}

package engine

// Stream is a bidirectional byte stream of a connection. It accumulates
// inbound bytes until they are shifted out and outbound bytes until the
// engine sends them.
type Stream interface {
	ID() int64
	// Peek returns the received bytes that have not been shifted yet.
	Peek() []byte
	// Shift discards the first n bytes returned by Peek.
	Shift(n int)
	// Consumed returns the number of inbound bytes shifted so far.
	Consumed() uint64
	// RecvShutdown reports whether the peer finished (or reset) its side and
	// every received byte has been shifted.
	RecvShutdown() bool
	Write(b []byte) error
	// ShutdownSend marks the end of local writes. Buffered bytes are still sent.
	ShutdownSend() error
}

// StreamHandler is attached to a stream when it is created and invoked
// whenever data arrives or the inbound side shuts down.
type StreamHandler interface {
	OnUpdate(s Stream) error
}

// StreamOpener returns the handler for a stream opened by the peer.
type StreamOpener func(s Stream) StreamHandler

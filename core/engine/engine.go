// Package engine defines the contract between the event loops and the QUIC
// protocol engine that drives each connection. The loops never look inside a
// connection: they decode, route, feed, drain and free handles through the
// interfaces declared here.
package engine

import (
	"encoding/hex"
	"errors"
	"net/netip"
	"time"
)

// IDLen is the width of a ConnectionID in bytes.
const IDLen = 8

var (
	// ErrRejected is returned by Engine.Accept when a packet cannot open a new
	// connection (not an Initial, too short, unsupported version...).
	ErrRejected = errors.New("packet rejected")
	// ErrMalformed is returned by Engine.Decode for datagrams that are not QUIC.
	ErrMalformed = errors.New("malformed packet")
)

// ConnectionID is the routing key the engine extracts from inbound packets.
type ConnectionID [IDLen]byte

func (id ConnectionID) String() string {
	return hex.EncodeToString(id[:])
}

// ConnectionIDFromBytes returns the identifier carried in the first IDLen bytes of b.
// ok is false when b is too short to carry one.
func ConnectionIDFromBytes(b []byte) (id ConnectionID, ok bool) {
	if len(b) < IDLen {
		return id, false
	}
	copy(id[:], b)
	return id, true
}

// State is the lifecycle state of a connection.
type State int

const (
	StateHandshake State = iota
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshake:
		return "handshake"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Packet is a decoded inbound datagram.
// Data aliases the receive buffer and is only valid until the next receive;
// engines that keep it must copy.
type Packet struct {
	Addr      netip.AddrPort
	Data      []byte
	Long      bool
	Type      uint8 // long header packet type, 0 for short header packets
	Version   uint32
	DstConnID []byte
	SrcConnID []byte
	Token     []byte
	HasID     bool
	ID        ConnectionID
}

// Handle is one connection state machine owned by an event loop.
// All methods are called from the loop goroutine only.
type Handle interface {
	ID() ConnectionID
	State() State
	// FirstTimeout returns the earliest time the connection needs to be
	// serviced even without input. The zero time means no pending timer.
	FirstTimeout() time.Time
	// Receive feeds a decoded packet to the connection. Errors returned by
	// stream handlers invoked during processing are passed through.
	Receive(p *Packet) error
	// Service runs timer driven work that is due at now, invoking stream
	// handlers as needed. Handler errors are passed through.
	Service(now time.Time) error
	// Send fills out with pending egress packets and returns how many were
	// written. A non-nil error means the connection is unusable and must be freed.
	Send(out []*PendingPacket) (int, error)
	// OpenStream opens a locally initiated bidirectional stream with h attached.
	OpenStream(h StreamHandler) (Stream, error)
	// LocalStreams returns the number of locally opened streams so far.
	LocalStreams() int
	// Free releases the connection. The handle must not be used afterwards.
	Free()
}

// Engine creates and decodes for connections.
type Engine interface {
	// Connect initiates a client connection to addr.
	Connect(serverName string, addr netip.AddrPort) (Handle, error)
	// Accept creates a server connection from the first packet of a peer.
	// ErrRejected means the packet was dropped without creating state.
	Accept(addr netip.AddrPort, p *Packet) (Handle, error)
	// Decode parses the invariant header of a datagram.
	Decode(b []byte) (*Packet, error)
	Now() time.Time
}

// DropReason tells why an event loop discarded an inbound datagram.
type DropReason string

const (
	DropMalformed DropReason = "malformed"
	DropNoID      DropReason = "no_connection_id"
	DropRetired   DropReason = "retired"
	DropRejected  DropReason = "rejected"
)

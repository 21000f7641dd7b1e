package quicgo

import (
	"crypto/rand"

	"github.com/quic-go/quic-go"

	"github.com/apernet/quicmux/core/engine"
)

// prefixGenerator issues connection IDs that start with the routing ID of
// the connection, so that every packet of the connection routes to the
// same handle whichever of its IDs the peer uses.
type prefixGenerator struct {
	prefix engine.ConnectionID
}

func (g prefixGenerator) GenerateConnectionID() (quic.ConnectionID, error) {
	b := make([]byte, connIDLen)
	copy(b, g.prefix[:])
	if _, err := rand.Read(b[engine.IDLen:]); err != nil {
		return quic.ConnectionID{}, err
	}
	return quic.ConnectionIDFromBytes(b), nil
}

func (g prefixGenerator) ConnectionIDLen() int {
	return connIDLen
}

func randomID() (engine.ConnectionID, error) {
	var id engine.ConnectionID
	_, err := rand.Read(id[:])
	return id, err
}

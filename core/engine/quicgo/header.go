package quicgo

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/apernet/quicmux/core/engine"
)

const (
	// connIDLen is the length of every connection ID this engine issues.
	// Short header packets carry no length, so the decoder relies on it.
	connIDLen = 16

	maxConnIDLen = 20

	// minInitialSize is the smallest datagram a client Initial may arrive in.
	minInitialSize = 1200

	versionNumber     = 0x1
	packetTypeInitial = 0x0
)

// decodeHeader parses the version independent header fields of a datagram.
// For version 1 Initial packets the token is extracted as well.
func decodeHeader(b []byte) (*engine.Packet, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty datagram", engine.ErrMalformed)
	}
	p := &engine.Packet{Data: b}
	first := b[0]
	if first&0x80 == 0 {
		if first&0x40 == 0 {
			return nil, fmt.Errorf("%w: fixed bit not set", engine.ErrMalformed)
		}
		if len(b) < 1+connIDLen {
			return nil, fmt.Errorf("%w: short header too short", engine.ErrMalformed)
		}
		p.DstConnID = b[1 : 1+connIDLen]
		p.ID, p.HasID = engine.ConnectionIDFromBytes(p.DstConnID)
		return p, nil
	}

	p.Long = true
	if len(b) < 7 {
		return nil, fmt.Errorf("%w: long header too short", engine.ErrMalformed)
	}
	p.Version = binary.BigEndian.Uint32(b[1:5])
	if p.Version != 0 && first&0x40 == 0 {
		return nil, fmt.Errorf("%w: fixed bit not set", engine.ErrMalformed)
	}
	off := 5
	dcid, off, err := readConnID(b, off)
	if err != nil {
		return nil, err
	}
	scid, off, err := readConnID(b, off)
	if err != nil {
		return nil, err
	}
	p.DstConnID, p.SrcConnID = dcid, scid
	p.ID, p.HasID = engine.ConnectionIDFromBytes(dcid)
	if p.Version == 0 {
		// Version negotiation
		return p, nil
	}
	p.Type = (first & 0x30) >> 4
	if p.Version == versionNumber && p.Type == packetTypeInitial {
		p.Token, _, _, err = initialFields(b, off)
		if err != nil {
			return nil, err
		}
	}
	return p, nil
}

// initialFields parses the token and length of a version 1 Initial whose
// connection IDs end at off. The packet number starts at pnOff and the
// packet ends at end; any coalesced packets follow.
func initialFields(b []byte, off int) (token []byte, pnOff, end int, err error) {
	r := bytes.NewReader(b[off:])
	tokenLen, err := quicvarint.Read(r)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: token length: %v", engine.ErrMalformed, err)
	}
	if tokenLen > uint64(r.Len()) {
		return nil, 0, 0, fmt.Errorf("%w: token overflows packet", engine.ErrMalformed)
	}
	start := len(b) - r.Len()
	token = b[start : start+int(tokenLen)]
	r.Reset(b[start+int(tokenLen):])
	length, err := quicvarint.Read(r)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: length: %v", engine.ErrMalformed, err)
	}
	if length > uint64(r.Len()) {
		return nil, 0, 0, fmt.Errorf("%w: length overflows packet", engine.ErrMalformed)
	}
	pnOff = len(b) - r.Len()
	return token, pnOff, pnOff + int(length), nil
}

func readConnID(b []byte, off int) ([]byte, int, error) {
	if off >= len(b) {
		return nil, off, fmt.Errorf("%w: missing connection id length", engine.ErrMalformed)
	}
	l := int(b[off])
	off++
	if l > maxConnIDLen {
		return nil, off, fmt.Errorf("%w: connection id too long (%d)", engine.ErrMalformed, l)
	}
	if off+l > len(b) {
		return nil, off, fmt.Errorf("%w: connection id overflows packet", engine.ErrMalformed)
	}
	return b[off : off+l], off + l, nil
}

// acceptable reports whether p may open a new server connection.
func acceptable(p *engine.Packet) error {
	switch {
	case !p.Long:
		return fmt.Errorf("%w: not a long header packet", engine.ErrRejected)
	case p.Version != versionNumber:
		return fmt.Errorf("%w: unsupported version %#x", engine.ErrRejected, p.Version)
	case p.Type != packetTypeInitial:
		return fmt.Errorf("%w: not an Initial packet", engine.ErrRejected)
	case len(p.Data) < minInitialSize:
		return fmt.Errorf("%w: Initial datagram of %d bytes", engine.ErrRejected, len(p.Data))
	case !p.HasID:
		return fmt.Errorf("%w: destination connection id too short", engine.ErrRejected)
	}
	return nil
}

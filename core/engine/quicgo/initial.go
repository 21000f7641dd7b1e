package quicgo

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/apernet/quicmux/core/engine"
)

const (
	initialKeyLen  = 16
	initialIVLen   = 12
	hpSampleLen    = 16
	maxPacketNoLen = 4
)

// initialSalt derives version 1 Initial secrets (RFC 9001, section 5.2).
var initialSalt = []byte{
	0x38, 0x76, 0x2c, 0xf7, 0xf5, 0x59, 0x34, 0xb3, 0x4d, 0x17,
	0x9a, 0xe6, 0xa4, 0xc8, 0x0c, 0xad, 0xcc, 0xbb, 0x7f, 0x0a,
}

var errInitialAuth = errors.New("initial packet failed authentication")

type initialKeys struct {
	key, iv, hp []byte
}

// clientInitialKeys derives the keys a client seals its Initial packets
// with, from the destination connection ID it picked.
func clientInitialKeys(dcid []byte) initialKeys {
	initialSecret := hkdf.Extract(sha256.New, dcid, initialSalt)
	secret := expandLabel(initialSecret, "client in", sha256.Size)
	return initialKeys{
		key: expandLabel(secret, "quic key", initialKeyLen),
		iv:  expandLabel(secret, "quic iv", initialIVLen),
		hp:  expandLabel(secret, "quic hp", initialKeyLen),
	}
}

// expandLabel is the TLS 1.3 HKDF-Expand-Label with an empty context.
func expandLabel(secret []byte, label string, length int) []byte {
	full := "tls13 " + label
	info := make([]byte, 0, 4+len(full))
	info = binary.BigEndian.AppendUint16(info, uint16(length))
	info = append(info, byte(len(full)))
	info = append(info, full...)
	info = append(info, 0)
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, secret, info), out); err != nil {
		panic(err)
	}
	return out
}

// openInitial removes header protection from the first packet of a
// client Initial datagram and authenticates its payload, without
// modifying p.Data.
func openInitial(p *engine.Packet) error {
	b := p.Data
	off := 7 + len(p.DstConnID) + len(p.SrcConnID)
	_, pnOff, end, err := initialFields(b, off)
	if err != nil {
		return err
	}
	if end-pnOff < maxPacketNoLen+hpSampleLen {
		return fmt.Errorf("%w: initial packet too short", engine.ErrMalformed)
	}
	keys := clientInitialKeys(p.DstConnID)

	hp, err := aes.NewCipher(keys.hp)
	if err != nil {
		return err
	}
	var mask [aes.BlockSize]byte
	sample := pnOff + maxPacketNoLen
	hp.Encrypt(mask[:], b[sample:sample+hpSampleLen])

	hdr := make([]byte, pnOff+maxPacketNoLen)
	copy(hdr, b)
	hdr[0] ^= mask[0] & 0x0f
	if hdr[0]&0x0c != 0 {
		// Reserved bits are zero in any packet we can open
		return errInitialAuth
	}
	pnLen := int(hdr[0]&0x03) + 1
	var pn uint64
	for i := 0; i < pnLen; i++ {
		hdr[pnOff+i] ^= mask[1+i]
		pn = pn<<8 | uint64(hdr[pnOff+i])
	}
	hdr = hdr[:pnOff+pnLen]

	block, err := aes.NewCipher(keys.key)
	if err != nil {
		return err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return err
	}
	// The first packet of a connection carries a small packet number, so
	// the truncated value is the full one
	nonce := make([]byte, initialIVLen)
	copy(nonce, keys.iv)
	for i := 0; i < 8; i++ {
		nonce[initialIVLen-1-i] ^= byte(pn >> (8 * i))
	}
	if _, err := aead.Open(nil, nonce, b[pnOff+pnLen:end], hdr); err != nil {
		return errInitialAuth
	}
	return nil
}

package protocol

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
)

// The handshake is a fixed-size preamble both sides send as soon as the
// TCP connection is up:
//
//	1 byte   protocol string length, always 19
//	19 bytes "BitTorrent protocol"
//	8 bytes  reserved feature flags, zeroed by this client
//	20 bytes info hash
//	20 bytes peer id
//
// 68 bytes total. Unlike the length-prefixed messages that follow, the
// handshake carries no framing of its own; each side simply reads exactly
// this many bytes.

const protocolName = "BitTorrent protocol"

// HandshakeLen is the exact wire size of a handshake.
const HandshakeLen = 1 + len(protocolName) + 8 + 2*sha1.Size

var (
	ErrHandshakeTruncated = errors.New("protocol: truncated handshake")
	ErrHandshakeProtocol  = errors.New("protocol: unknown handshake protocol string")
	ErrHandshakeInfoHash  = errors.New("protocol: handshake info hash mismatch")
)

// Handshake holds the identifying fields of the preamble. The protocol
// string is implicit: decoding rejects anything but the canonical one, so
// a decoded Handshake is always well-formed.
type Handshake struct {
	InfoHash [sha1.Size]byte
	PeerID   [sha1.Size]byte
	Reserved [8]byte
}

// Encode renders h into its fixed 68-byte wire form.
func (h *Handshake) Encode() []byte {
	buf := make([]byte, 0, HandshakeLen)
	buf = append(buf, byte(len(protocolName)))
	buf = append(buf, protocolName...)
	buf = append(buf, h.Reserved[:]...)
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	return buf
}

// DecodeHandshake parses one handshake out of b. A protocol string other
// than "BitTorrent protocol" fails with ErrHandshakeProtocol.
func DecodeHandshake(b []byte) (Handshake, error) {
	var h Handshake
	if len(b) < HandshakeLen {
		return h, ErrHandshakeTruncated
	}
	if int(b[0]) != len(protocolName) || string(b[1:1+len(protocolName)]) != protocolName {
		return h, ErrHandshakeProtocol
	}

	off := 1 + len(protocolName)
	off += copy(h.Reserved[:], b[off:])
	off += copy(h.InfoHash[:], b[off:])
	copy(h.PeerID[:], b[off:])
	return h, nil
}

// ReadHandshake reads exactly HandshakeLen bytes from r and decodes them.
// A short read maps to ErrHandshakeTruncated.
func ReadHandshake(r io.Reader) (Handshake, error) {
	buf := make([]byte, HandshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Handshake{}, ErrHandshakeTruncated
		}
		return Handshake{}, fmt.Errorf("protocol: read handshake: %w", err)
	}
	return DecodeHandshake(buf)
}

// WriteHandshake writes h's wire form to w.
func WriteHandshake(w io.Writer, h Handshake) error {
	if _, err := w.Write(h.Encode()); err != nil {
		return fmt.Errorf("protocol: write handshake: %w", err)
	}
	return nil
}

// ExchangeHandshake runs one side of the handshake over rw: the local
// handshake is always written before the remote one is read, so two peers
// connecting simultaneously can never both block on read. The remote's
// info hash must match infoHash; a mismatch fails with
// ErrHandshakeInfoHash.
func ExchangeHandshake(rw io.ReadWriter, infoHash, peerID [sha1.Size]byte) (Handshake, error) {
	local := Handshake{InfoHash: infoHash, PeerID: peerID}
	if err := WriteHandshake(rw, local); err != nil {
		return Handshake{}, err
	}

	remote, err := ReadHandshake(rw)
	if err != nil {
		return Handshake{}, err
	}
	if remote.InfoHash != infoHash {
		return Handshake{}, ErrHandshakeInfoHash
	}
	return remote, nil
}

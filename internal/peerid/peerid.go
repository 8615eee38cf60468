// Package peerid generates the 20-byte peer identifier this client
// advertises to trackers and peers: a fixed ASCII prefix followed by a
// crypto/rand alphanumeric tail, generated once per process.
package peerid

import (
	"crypto/rand"
	"crypto/sha1"
	"fmt"
)

const (
	prefix   = "-PY0001-"
	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	tailLen  = sha1.Size - len(prefix)
)

// New returns a fresh 20-byte peer id: the fixed prefix "-PY0001-" followed
// by 12 random ASCII letters/digits, stable for the lifetime of the caller
// that holds onto it.
func New() ([sha1.Size]byte, error) {
	var id [sha1.Size]byte
	copy(id[:], prefix)

	tail := make([]byte, tailLen)
	if _, err := rand.Read(tail); err != nil {
		return id, fmt.Errorf("peerid: %w", err)
	}
	for i, b := range tail {
		tail[i] = alphabet[int(b)%len(alphabet)]
	}
	copy(id[len(prefix):], tail)

	return id, nil
}

// MustNew is New, panicking on failure. Intended for process start-up where
// a failed crypto/rand read is unrecoverable anyway.
func MustNew() [sha1.Size]byte {
	id, err := New()
	if err != nil {
		panic(err)
	}
	return id
}

// String renders a peer id as its raw ASCII form, e.g. for logging.
func String(id [sha1.Size]byte) string {
	return string(id[:])
}

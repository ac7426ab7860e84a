// Package hashing provides the deterministic digests used for cache keys,
// chunk identities and output file names.
package hashing

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sort"
)

// DefaultLength is the number of hex characters embedded in output file names.
const DefaultLength = 20

// Digest accumulates length-prefixed fields into a sha256 sum.
//
// Every field is prefixed with its 8-byte big-endian length so that
// ("ab", "c") and ("a", "bc") never collide.
type Digest struct {
	h hash.Hash
}

// New returns an empty Digest.
func New() *Digest {
	return &Digest{h: sha256.New()}
}

// Bytes writes one length-prefixed field.
func (d *Digest) Bytes(data []byte) *Digest {
	var prefix [8]byte
	binary.BigEndian.PutUint64(prefix[:], uint64(len(data)))
	d.h.Write(prefix[:])
	d.h.Write(data)
	return d
}

// String writes s as one field.
func (d *Digest) String(s string) *Digest {
	return d.Bytes([]byte(s))
}

// Int writes n as an 8-byte field.
func (d *Digest) Int(n int64) *Digest {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(n))
	return d.Bytes(b[:])
}

// Strings writes the count followed by each element, in the given order.
func (d *Digest) Strings(ss []string) *Digest {
	d.Int(int64(len(ss)))
	for _, s := range ss {
		d.String(s)
	}
	return d
}

// Map writes a string map sorted by key.
func (d *Digest) Map(m map[string]string) *Digest {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	d.Int(int64(len(keys)))
	for _, k := range keys {
		d.String(k)
		d.String(m[k])
	}
	return d
}

// Sum returns the hex-encoded digest.
func (d *Digest) Sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

// Content returns the hex sha256 of raw bytes. It is the hash embedded in
// artifact names, so it must only ever see final output bytes.
func Content(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Short truncates a hex digest to n characters.
func Short(h string, n int) string {
	if n <= 0 || n >= len(h) {
		return h
	}
	return h[:n]
}

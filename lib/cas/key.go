// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// KeySize is the encoded size of a Key.
const KeySize = 24

// hashBytes is the number of leading key bytes taken from the digest.
// The remaining bytes are reserved; the last one carries flags.
const hashBytes = 20

// compressedFlag marks a key whose cas file is stored compressed.
const compressedFlag byte = 0x01

// Key identifies content. Immutable once computed.
type Key [KeySize]byte

// Sentinels. KeyZero means "no content"; KeyIsDirectory marks a path
// that resolves to a directory. Neither can be produced by hashing
// because hashed keys have zero reserved bytes.
var (
	KeyZero        Key
	KeyIsDirectory = Key{
		0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
		0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
		0xFF, 0xFF, 0xFF, 0xFE,
	}
)

// Domain keys for BLAKE3 keyed hashing: ASCII names zero-padded to 32
// bytes. Changing either invalidates every key in that domain.
var (
	contentDomainKey = [32]byte{
		'b', 'u', 'r', 'e', 'a', 'u', '.', 'b', 'u', 'i', 'l', 'd', '.',
		'c', 'a', 's',
	}
	pathDomainKey = [32]byte{
		'b', 'u', 'r', 'e', 'a', 'u', '.', 'b', 'u', 'i', 'l', 'd', '.',
		'p', 'a', 't', 'h',
	}
)

// Hasher computes a Key incrementally.
type Hasher struct {
	hasher *blake3.Hasher
}

// NewHasher returns a Hasher in the content domain.
func NewHasher() *Hasher {
	hasher, err := blake3.NewKeyed(contentDomainKey[:])
	if err != nil {
		panic("cas: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	return &Hasher{hasher: hasher}
}

// Write adds content to the hash. It never fails.
func (h *Hasher) Write(p []byte) (int, error) {
	return h.hasher.Write(p)
}

// Key returns the uncompressed key of everything written so far.
func (h *Hasher) Key() Key {
	var digest [32]byte
	h.hasher.Sum(digest[:0])
	var key Key
	copy(key[:hashBytes], digest[:hashBytes])
	return key
}

// HashContent returns the uncompressed key of data.
func HashContent(data []byte) Key {
	hasher := NewHasher()
	hasher.Write(data)
	return hasher.Key()
}

// AsCompressed returns key with the compressed flag set or cleared.
// It is a bit toggle, not a rehash.
func AsCompressed(key Key, compressed bool) Key {
	if compressed {
		key[KeySize-1] |= compressedFlag
	} else {
		key[KeySize-1] &^= compressedFlag
	}
	return key
}

// IsCompressed reports whether the compressed flag is set.
func (k Key) IsCompressed() bool {
	return k[KeySize-1]&compressedFlag != 0
}

// SameContent reports whether a and b differ at most in the
// compressed flag.
func SameContent(a, b Key) bool {
	return AsCompressed(a, false) == AsCompressed(b, false)
}

// IsZero reports whether k is KeyZero.
func (k Key) IsZero() bool { return k == KeyZero }

// String returns the hex encoding.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// ParseKey decodes a hex key.
func ParseKey(hexString string) (Key, error) {
	var key Key
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return key, fmt.Errorf("parsing cas key: %w", err)
	}
	if len(decoded) != KeySize {
		return key, fmt.Errorf("cas key is %d bytes, want %d", len(decoded), KeySize)
	}
	copy(key[:], decoded)
	return key, nil
}

// StringKeySize is the encoded size of a StringKey.
const StringKeySize = 16

// StringKey identifies a path independently of how the string is
// stored.
type StringKey [StringKeySize]byte

// StringKeyZero is the unset StringKey.
var StringKeyZero StringKey

// StringKeyOf hashes path. When caseInsensitive is set the path is
// lowercased first, so "C:/Src/A.h" and "c:/src/a.h" share a key.
func StringKeyOf(path string, caseInsensitive bool) StringKey {
	if caseInsensitive {
		path = strings.ToLower(path)
	}
	hasher, err := blake3.NewKeyed(pathDomainKey[:])
	if err != nil {
		panic("cas: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write([]byte(path))
	var digest [32]byte
	hasher.Sum(digest[:0])
	var key StringKey
	copy(key[:], digest[:StringKeySize])
	return key
}

// String returns the hex encoding.
func (k StringKey) String() string {
	return hex.EncodeToString(k[:])
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package binhash

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// Digest is a 32-byte BLAKE3 digest.
type Digest [32]byte

// HashFile streams the file at path through BLAKE3.
func HashFile(path string) (Digest, error) {
	file, err := os.Open(path)
	if err != nil {
		return Digest{}, fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer file.Close()
	return HashReader(file)
}

// HashReader digests everything readable from r.
func HashReader(r io.Reader) (Digest, error) {
	hasher := blake3.New()
	if _, err := io.Copy(hasher, r); err != nil {
		return Digest{}, fmt.Errorf("hashing: %w", err)
	}
	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return digest, nil
}

// Self returns the digest of the running executable.
func Self() (Digest, error) {
	path, err := os.Executable()
	if err != nil {
		return Digest{}, fmt.Errorf("locating own executable: %w", err)
	}
	return HashFile(path)
}

// String returns the hex encoding used in handshakes and logs.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Parse decodes a 64-character hex digest.
func Parse(hexString string) (Digest, error) {
	var digest Digest
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return digest, fmt.Errorf("parsing binary digest: %w", err)
	}
	if len(decoded) != len(digest) {
		return digest, fmt.Errorf("binary digest is %d bytes, want %d", len(decoded), len(digest))
	}
	copy(digest[:], decoded)
	return digest, nil
}

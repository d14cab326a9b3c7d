// Copyright 2025 Certen Protocol
//
// Package digest defines the opaque 32-byte hash type shared by every
// Merkleized structure in the ledger: the sparse Merkle tree overlay, the
// transaction and event accumulators, and the Jellyfish Merkle tree.

package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/ethereum/go-ethereum/crypto"
)

// Size is the number of bytes in a Digest.
const Size = 32

// Digest is an opaque 32-byte cryptographic hash. The hash function itself
// is treated as a black box; callers never rely on its internal structure.
type Digest [Size]byte

// Placeholder is the reserved all-zero digest representing an empty tree
// or empty subtree.
var Placeholder = Digest{}

// ErrInvalidLength is returned when decoding a digest from bytes of the
// wrong size.
var ErrInvalidLength = errors.New("digest: invalid length")

// IsPlaceholder reports whether d is the all-zero placeholder.
func (d Digest) IsPlaceholder() bool {
	return d == Placeholder
}

// Bytes returns a copy of the digest's bytes.
func (d Digest) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, d[:])
	return out
}

// String returns the hex encoding of the digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// FromBytes decodes a Digest from a byte slice, which must be exactly Size
// bytes long.
func FromBytes(b []byte) (Digest, error) {
	var d Digest
	if len(b) != Size {
		return d, ErrInvalidLength
	}
	copy(d[:], b)
	return d, nil
}

// Sum hashes data with SHA-256 and returns the resulting Digest. This is
// the canonical hash used for all typed-record hashing (TransactionInfo,
// ContractEvent, account blobs, ...).
func Sum(data []byte) Digest {
	return Digest(sha256.Sum256(data))
}

// SumKeccak hashes data with Keccak-256, the hash used for account
// addresses so that AccountAddress values stay interoperable with any
// EVM-flavored reference VM plugged in at the VM boundary.
func SumKeccak(data []byte) Digest {
	return Digest(crypto.Keccak256Hash(data))
}

// Concat hashes the concatenation of two digests, the operation used to
// combine a left and right Merkle child into their parent.
func Concat(left, right Digest) Digest {
	buf := make([]byte, 0, 2*Size)
	buf = append(buf, left[:]...)
	buf = append(buf, right[:]...)
	return Sum(buf)
}

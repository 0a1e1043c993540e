// Package nonce handles the 32-byte attestation nonce: generation, and the
// hex encoding used at the CLI and evidence boundary.
package nonce

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/edgelesssys/gpuattest/internal/verifyerr"
)

// Size is the length of a nonce in bytes.
const Size = 32

// Nonce is the 32 opaque bytes bound into an attestation round.
type Nonce [Size]byte

// Generate reads Size bytes from the platform CSPRNG.
func Generate() (Nonce, error) {
	var n Nonce
	if _, err := rand.Read(n[:]); err != nil {
		return Nonce{}, fmt.Errorf("reading random bytes: %w", err)
	}
	return n, nil
}

// String hex-encodes the nonce.
func (n Nonce) String() string {
	return hex.EncodeToString(n[:])
}

// Parse decodes a hex string into a Nonce. It fails unless the string is
// exactly 64 hex characters (32 bytes), per the nonce round-trip property.
func Parse(s string) (Nonce, error) {
	if len(s) != Size*2 {
		return Nonce{}, fmt.Errorf("%w: expected %d hex characters, got %d", verifyerr.ErrInvalidNonce, Size*2, len(s))
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return Nonce{}, fmt.Errorf("%w: %s", verifyerr.ErrInvalidNonce, err)
	}
	var n Nonce
	copy(n[:], decoded)
	return n, nil
}

package digest

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Signer computes keyed verification digests for agent records. The digest is
// opaque to the control plane; the registry only requires it to be unique per
// agent.
type Signer struct {
	key []byte
}

func NewSigner(key []byte) *Signer {
	return &Signer{key: key}
}

// Sum returns the hex-encoded keyed BLAKE2b-256 digest over the given parts,
// separated by a NUL byte so field boundaries cannot collide.
func (s *Signer) Sum(parts ...string) string {
	h, err := blake2b.New256(s.key)
	if err != nil {
		// Only possible with a key longer than 64 bytes; fall back to unkeyed.
		h, _ = blake2b.New256(nil)
	}
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

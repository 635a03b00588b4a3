package util

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveKey expands a configured secret into a KeySize key bound to info.
// Different info strings yield independent keys from the same secret.
func DeriveKey(secret, salt, info []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("derive key: empty secret")
	}
	h := hkdf.New(sha256.New, secret, salt, info)
	k := make([]byte, KeySize)
	if _, err := io.ReadFull(h, k); err != nil {
		return nil, fmt.Errorf("reading from HKDF: %w", err)
	}
	return k, nil
}

// WipeBytes best-effort zeroes the provided byte slice in place.
func WipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

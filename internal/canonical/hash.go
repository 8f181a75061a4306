package canonical

import (
	"crypto/sha256"
	"encoding/hex"
)

// SumHex returns the lowercase hex SHA-256 of b.
func SumHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashValue hashes the canonical encoding of v.
func HashValue(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return SumHex(b), nil
}

package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const keyLength = 16

// Key hashes the canonical JSON form of a request description. Map keys are
// sorted by encoding/json, so equal descriptions always share a key.
func Key(desc any) (string, error) {
	b, err := json.Marshal(desc)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotCacheable, err)
	}

	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:keyLength], nil
}

package session

import (
	crand "crypto/rand"
	"encoding/hex"
	"fmt"
)

// TokenBytes is the entropy of a session token. The token is also the bearer
// credential for /grant, so it must not be guessable by other devices.
const TokenBytes = 16

// NewToken returns 16 random bytes from crypto/rand, hex encoded.
func NewToken() (string, error) {
	var b [TokenBytes]byte
	if _, err := crand.Read(b[:]); err != nil {
		return "", fmt.Errorf("read random token: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

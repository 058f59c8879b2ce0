package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"
)

const roomAlphabet = "abcdefghijklmnopqrstuvwxyz"

// GenerateRoomID returns a random id of n lowercase ASCII letters.
func GenerateRoomID(n int) (string, error) {
	buf := make([]byte, n)
	max := big.NewInt(int64(len(roomAlphabet)))
	for i := range buf {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate room id: %w", err)
		}
		buf[i] = roomAlphabet[idx.Int64()]
	}
	return string(buf), nil
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	timestamp := time.Now().UnixNano()
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return fmt.Sprintf("req_%d_%s", timestamp, hex.EncodeToString(b))
}

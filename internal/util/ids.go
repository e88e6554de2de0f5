package util

import (
	"crypto/rand"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// GenerateEndpointName returns a random 10-character name, sized to fill an
// endpoint id exactly.
func GenerateEndpointName() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}

// GeneratePIN returns a random numeric PIN of the specified length.
func GeneratePIN(length int) string {
	digits := make([]byte, length)
	for i := range digits {
		n, _ := rand.Int(rand.Reader, big.NewInt(10))
		digits[i] = byte('0') + byte(n.Int64())
	}
	return string(digits)
}

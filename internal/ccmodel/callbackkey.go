package ccmodel

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// GenerateCallbackKey returns a fresh 32-byte hex-encoded secret for a new
// ApplicationContainer or DataContainer, authorizing the callbacks that
// container's in-container worker will later deliver.
func GenerateCallbackKey() (string, error) {
	return generateHexSecret(32)
}

// GenerateInputFileKey returns a fresh random token used as a DataContainer
// input file's URL path segment.
func GenerateInputFileKey() (string, error) {
	return generateHexSecret(16)
}

func generateHexSecret(nbytes int) (string, error) {
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

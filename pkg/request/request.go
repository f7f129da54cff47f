// Package request loads the input packet for a batch submission and
// computes its content hash.
package request

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// ReadPacket resolves the packet text from either an inline string or a
// file path. Exactly one source must be provided; inline text wins when
// both are set, matching the submit command's mutually exclusive flags.
func ReadPacket(path, text string) (string, error) {
	if strings.TrimSpace(text) != "" {
		return text, nil
	}
	if path == "" {
		return "", fmt.Errorf("provide either a packet path or inline packet text")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("packet file not found: %s", path)
		}
		return "", fmt.Errorf("read packet file: %w", err)
	}
	return string(b), nil
}

// HashPacket returns the hex-encoded SHA-256 of the packet text, used for
// dedup and audit on the job record.
func HashPacket(packet string) string {
	sum := sha256.Sum256([]byte(packet))
	return hex.EncodeToString(sum[:])
}

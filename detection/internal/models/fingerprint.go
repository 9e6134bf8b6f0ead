package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Fingerprint returns a stable hex SHA-256 of the JSON encoding of parts.
// Map keys are sorted by encoding/json, so equal inputs hash equally.
func Fingerprint(parts ...any) string {
	data, err := json.Marshal(parts)
	if err != nil {
		data = []byte(fmt.Sprintf("%#v", parts))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

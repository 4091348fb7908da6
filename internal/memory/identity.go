package memory

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// recordNamespace seeds the name-based record ids.
var recordNamespace = uuid.MustParse("6f1c2a0e-4c7b-5b8e-9a51-0d3c6e2f7a19")

// IdempotencyKey identifies a logical record by (category, content, correlation id).
func IdempotencyKey(category Category, content, correlationID string) string {
	h := sha256.New()
	h.Write([]byte(category))
	h.Write([]byte{0})
	h.Write([]byte(content))
	h.Write([]byte{0})
	h.Write([]byte(correlationID))
	return hex.EncodeToString(h.Sum(nil))
}

// RecordID derives a stable id from an idempotency key so that retried
// writes of the same logical record always reuse the same id.
func RecordID(key string) string {
	return uuid.NewSHA1(recordNamespace, []byte(key)).String()
}

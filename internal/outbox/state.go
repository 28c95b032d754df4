package outbox

import (
	"crypto/sha256"
	"fmt"
)

// EntryKey is a stable idempotency key for a journal line so consumers can
// drop re-deliveries of the same signal or trade state.
func EntryKey(kind, id, status string) string {
	hash := sha256.Sum256([]byte(kind + "-" + id + "-" + status))
	return fmt.Sprintf("%x", hash[:8])
}

package media

import (
	"crypto/sha1"
	"encoding/hex"
	"strconv"
)

// JobKey derives the deterministic idempotency key of a submission. Identical
// staged artifacts for the same slot collapse onto one queue job.
func JobKey(recordID int64, slot, stagedName string) string {
	sum := sha1.Sum([]byte(strconv.FormatInt(recordID, 10) + ":" + slot + ":" + stagedName))
	return hex.EncodeToString(sum[:])
}

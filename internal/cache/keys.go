package cache

import (
	"fmt"

	"github.com/google/uuid"
)

// PollLeaseKey guards a job against concurrent polling by several replicas.
func PollLeaseKey(jobID uuid.UUID) string {
	return fmt.Sprintf("lease:poll:%s", jobID)
}

// CloneLockKey serializes clone creation per owner and idempotency key.
func CloneLockKey(ownerID uuid.UUID, idempotencyKey string) string {
	return fmt.Sprintf("lock:clone:%s:%s", ownerID, idempotencyKey)
}

// TrainingLockKey serializes training submission per source clone.
func TrainingLockKey(cloneID uuid.UUID) string {
	return fmt.Sprintf("lock:training:%s", cloneID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

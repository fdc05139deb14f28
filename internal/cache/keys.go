package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func JobViewKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:view:%s", jobID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

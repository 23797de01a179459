package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s", jobID)
}

func JobProjectionKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:projection:%s", jobID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

func NotifyKey(jobID uuid.UUID, event string) string {
	return fmt.Sprintf("notify:%s:%s", jobID, event)
}

func TimeoutExtensionKey(jobID uuid.UUID) string {
	return fmt.Sprintf("timeout:extend:%s", jobID)
}

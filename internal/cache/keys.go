package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func GenerationStatusKey(id uuid.UUID) string {
	return fmt.Sprintf("generation:%s:status", id)
}

func ProgressChannelKey(id uuid.UUID) string {
	return fmt.Sprintf("generation:%s:progress", id)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

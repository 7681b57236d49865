package cache

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const heartbeatPrefix = "heartbeat:"

// ScanStatusTTL bounds how long a mirrored scan status lives without a refresh.
const ScanStatusTTL = 10 * time.Minute

func ScanStatusKey(scanID uuid.UUID) string {
	return fmt.Sprintf("scan:%s:status", scanID)
}

func ScanResultKey(scanID uuid.UUID) string {
	return fmt.Sprintf("scan:%s:result", scanID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

func HeartbeatKey(workerID string) string {
	return heartbeatPrefix + workerID
}

// WorkerFromHeartbeatKey is the inverse of HeartbeatKey.
func WorkerFromHeartbeatKey(key string) (string, bool) {
	if !strings.HasPrefix(key, heartbeatPrefix) {
		return "", false
	}
	return strings.TrimPrefix(key, heartbeatPrefix), true
}

package config

import (
	"os"
	"strconv"
	"strings"
)

// ForcedOfflineMode keeps the sync queue from ever touching the network,
// regardless of what the connectivity monitor reports. Used by demo
// deployments and by support when a remote outage is flooding logs.
//
// Set via env:
// - FORCED_OFFLINE_MODE=true
func ForcedOfflineMode() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("FORCED_OFFLINE_MODE")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// QueueMaxAttempts bounds replay attempts per queue item before it is moved
// to the dead-letter list. 0 means retry forever, so a long offline stretch
// cannot dead-letter items.
//
// Set via env:
// - QUEUE_MAX_ATTEMPTS=20
func QueueMaxAttempts() int {
	v := strings.TrimSpace(os.Getenv("QUEUE_MAX_ATTEMPTS"))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// QueueDirectFlush makes enqueue trigger an immediate flush attempt instead
// of waiting for the dispatcher timer. Useful in single-instance deployments
// where latency matters more than batching.
//
// Set via env:
// - QUEUE_DIRECT_FLUSH=true
func QueueDirectFlush() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("QUEUE_DIRECT_FLUSH")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// QueueFlushIntervalSeconds is the recurring flush timer period.
//
// Set via env:
// - QUEUE_FLUSH_INTERVAL_SECONDS=5
func QueueFlushIntervalSeconds() int {
	v := strings.TrimSpace(os.Getenv("QUEUE_FLUSH_INTERVAL_SECONDS"))
	if v == "" {
		return 5
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 5
	}
	return n
}

package apmconfig

import "time"

// Ingest client defaults.
const (
	DefaultQueueSize          = 1024
	DefaultGzipThresholdBytes = 4096
	DefaultEmitTimeout        = 30 * time.Second
)

// Metrics sampler defaults.
const (
	DefaultSampleInterval = 30 * time.Second
)

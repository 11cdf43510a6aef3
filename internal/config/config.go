// Package config holds the scheduler core's tunables. This module has no
// main of its own and no CLI or environment surface — that belongs to
// whatever embeds it — so Default is the sole constructor: recommended
// values an embedder can take as-is or override programmatically.
package config

import "time"

// Config holds every tunable the scheduler core needs.
type Config struct {
	// MaxReactiveRetries bounds retries[action] (recommended 4).
	MaxReactiveRetries int
	// MaxSettleIterations bounds iterationCount per settle pass
	// (recommended 100).
	MaxSettleIterations int
	// SendQueueWorkers is the concurrency of the commit send queue's
	// persistence workers (authorization happens before a commit is
	// enqueued).
	SendQueueWorkers int
	// SendQueueCapacity bounds the number of authorized commits admitted
	// ahead of persistence before the send queue applies backpressure.
	SendQueueCapacity int
	// CommitAuthorizeRate caps how many queued commits per second the send
	// queue persists, via a golang.org/x/time/rate token bucket.
	CommitAuthorizeRate float64
	// CapabilityTTL is how long an issued capability token remains valid.
	CapabilityTTL time.Duration
}

// Default returns the recommended defaults, for tests and for embedding
// before an embedder supplies its own tunables.
func Default() Config {
	return Config{
		MaxReactiveRetries:  4,
		MaxSettleIterations: 100,
		SendQueueWorkers:    8,
		SendQueueCapacity:   256,
		CommitAuthorizeRate: 200.0,
		CapabilityTTL:       60 * time.Second,
	}
}

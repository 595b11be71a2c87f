package upload

import (
	"fmt"
	"time"

	"github.com/docker/go-units"
)

const (
	// DefaultChunkSize is the upload chunk size.
	DefaultChunkSize int64 = 5 * 1024 * 1024

	// DefaultConcurrency is the maximum number of chunk uploads in flight.
	DefaultConcurrency = 3

	// DefaultMaxRetries is the number of retries each chunk gets after its
	// first failed attempt.
	DefaultMaxRetries = 3

	// DefaultRetryWait is the base backoff between retries of one chunk.
	DefaultRetryWait = 2 * time.Second
)

// Config holds the tunables of one upload engine.
type Config struct {
	ChunkSize   int64
	Concurrency int
	MaxRetries  int
	RetryWait   time.Duration

	// HashReadSize is the read window used while hashing. Zero means the
	// hasher default. Independent of ChunkSize.
	HashReadSize int64
}

// DefaultConfig ...
func DefaultConfig() Config {
	return Config{
		ChunkSize:   DefaultChunkSize,
		Concurrency: DefaultConcurrency,
		MaxRetries:  DefaultMaxRetries,
		RetryWait:   DefaultRetryWait,
	}
}

func (c Config) normalized() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.Concurrency < 1 {
		c.Concurrency = DefaultConcurrency
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	return c
}

// ParseChunkSize parses a human-readable size like "5MB" or "512k" into
// bytes.
func ParseChunkSize(size string) (int64, error) {
	bytes, err := units.RAMInBytes(size)
	if err != nil {
		return 0, fmt.Errorf("parse chunk size %q: %w", size, err)
	}
	if bytes <= 0 {
		return 0, fmt.Errorf("chunk size must be positive, got %q", size)
	}
	return bytes, nil
}

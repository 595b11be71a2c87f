// Package scheduler drives chunk uploads through the transport port with a
// bounded number of concurrent uploads, a retry queue and backoff.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/bitrise-io/go-resumableupload/upload/chunktable"
	"github.com/bitrise-io/go-resumableupload/upload/network"
)

// ErrRetriesExhausted is returned when a single chunk has failed its initial
// attempt plus the configured number of retries. Partial uploads are never
// declared successful, so this fails the whole run.
var ErrRetriesExhausted = errors.New("chunk upload retries exhausted")

// UploadFunc uploads one chunk and returns the server acknowledgement.
type UploadFunc func(ctx context.Context, chunk chunktable.Chunk) (network.ChunkAck, error)

// SuccessFunc is invoked for every chunk the server accepts. Callbacks may
// arrive out of index order because concurrent uploads race.
type SuccessFunc func(chunk chunktable.Chunk, ack network.ChunkAck)

// Config ...
type Config struct {
	// Concurrency is the maximum number of chunk uploads in flight.
	Concurrency int

	// MaxRetries is the number of retries each chunk gets after its first
	// failed attempt.
	MaxRetries int

	// RetryWait is the base backoff between retry attempts of one chunk.
	// The n-th retry waits n*RetryWait.
	RetryWait time.Duration
}

// Scheduler pulls pending and retriable chunks from the table and runs them
// through an UploadFunc. The retry queue is drained before the pending queue
// to keep retry latency low.
type Scheduler struct {
	table     *chunktable.Table
	config    Config
	onSuccess SuccessFunc
	logger    log.Logger
}

// New ...
func New(table *chunktable.Table, config Config, onSuccess SuccessFunc, logger log.Logger) *Scheduler {
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	return &Scheduler{
		table:     table,
		config:    config,
		onSuccess: onSuccess,
		logger:    logger,
	}
}

type chunkResult struct {
	chunk chunktable.Chunk
	ack   network.ChunkAck
	err   error
}

// Run uploads chunks until the supply is exhausted, one chunk exhausts its
// retries, or ctx is cancelled. On cancellation in-flight chunks revert to
// pending (cancellation is not a failure and consumes no retries) and the
// returned error wraps ctx's cancellation cause.
func (s *Scheduler) Run(ctx context.Context, upload UploadFunc) error {
	queue := append(s.table.RetryCandidates(s.config.MaxRetries+1), s.table.Pending(nil)...)

	results := make(chan chunkResult)
	active := 0
	var terminalErr error

	for {
		for terminalErr == nil && ctx.Err() == nil && active < s.config.Concurrency && len(queue) > 0 {
			chunk := queue[0]
			queue = queue[1:]
			s.table.SetStatus(chunk.Index, chunktable.StatusUploading)
			active++
			go s.launch(ctx, upload, chunk, results)
		}

		if active == 0 {
			break
		}

		result := <-results
		active--

		switch {
		case result.err == nil:
			s.table.SetStatus(result.chunk.Index, chunktable.StatusCompleted)
			s.logger.Debugf("Chunk %d uploaded", result.chunk.Index)
			if s.onSuccess != nil {
				s.onSuccess(result.chunk, result.ack)
			}

		case isCancellation(ctx, result.err):
			s.table.SetStatus(result.chunk.Index, chunktable.StatusPending)

		default:
			s.table.SetStatus(result.chunk.Index, chunktable.StatusFailed)
			failed, _ := s.table.Chunk(result.chunk.Index)
			if failed.RetryCount <= s.config.MaxRetries && terminalErr == nil && ctx.Err() == nil {
				s.logger.Warnf("Chunk %d attempt %d failed: %v", failed.Index, failed.RetryCount, result.err)
				queue = append(queue, failed)
			} else if terminalErr == nil {
				terminalErr = fmt.Errorf("chunk %d failed after %d attempts: %w: %v",
					failed.Index, failed.RetryCount, ErrRetriesExhausted, result.err)
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("scheduling cancelled: %w", err)
	}
	return terminalErr
}

func (s *Scheduler) launch(ctx context.Context, upload UploadFunc, chunk chunktable.Chunk, results chan<- chunkResult) {
	if chunk.RetryCount > 0 && s.config.RetryWait > 0 {
		backoff := time.Duration(chunk.RetryCount) * s.config.RetryWait
		s.logger.Debugf("Chunk %d retrying after %v", chunk.Index, backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			results <- chunkResult{chunk: chunk, err: fmt.Errorf("chunk %d upload cancelled: %w", chunk.Index, ctx.Err())}
			return
		}
	}

	ack, err := upload(ctx, chunk)
	results <- chunkResult{chunk: chunk, ack: ack, err: err}
}

func isCancellation(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

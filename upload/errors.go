package upload

import (
	"errors"

	"github.com/bitrise-io/go-resumableupload/upload/scheduler"
)

var (
	// ErrHashComputation means the file could not be read while computing
	// its content digest.
	ErrHashComputation = errors.New("hash computation failed")

	// ErrSessionInit means the server rejected or failed session
	// initialization or progress reconciliation.
	ErrSessionInit = errors.New("upload session initialization failed")

	// ErrMerge means the server rejected the completion request after all
	// chunks were uploaded.
	ErrMerge = errors.New("server failed to merge uploaded chunks")

	// ErrChunkTerminal is the error class for a single chunk exhausting its
	// retries, which fails the whole session.
	ErrChunkTerminal = scheduler.ErrRetriesExhausted

	// ErrInvalidState is returned when an operation is not valid in the
	// engine's current state.
	ErrInvalidState = errors.New("operation not valid in current state")
)

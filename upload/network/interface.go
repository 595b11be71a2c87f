// Package network defines the transport port the upload engine drives, plus
// the HTTP and S3 adapters that implement it.
package network

import (
	"context"
)

// InitParams identifies the file an upload session is created for.
type InitParams struct {
	FileName  string
	FileSize  int64
	ChunkSize int64
	FileHash  string
}

// InitResult is the server's answer to session initialization. Exists means
// the server already holds the full file for this hash and no chunk needs to
// be sent.
type InitResult struct {
	UploadID string
	Exists   bool
}

// ChunkParams carries the metadata attached to a single chunk upload.
type ChunkParams struct {
	Index       int
	TotalChunks int
	UploadID    string
	FileHash    string
}

// ChunkOpts holds optional per-chunk upload hooks.
type ChunkOpts struct {
	// OnByteProgress is invoked while the chunk body is streamed out.
	// May be nil.
	OnByteProgress func(sent, total int64)
}

// ChunkAck is the server acknowledgement for one uploaded chunk.
type ChunkAck struct {
	Index int
	ETag  string
}

// ProgressResult reports which chunks the server has accepted so far.
type ProgressResult struct {
	UploadedChunks []int
	IsComplete     bool
}

// CompleteParams asks the server to merge all chunks of a session.
type CompleteParams struct {
	UploadID    string
	FileHash    string
	FileName    string
	TotalChunks int
}

// FinalResult is the server's answer to a completed (or deduplicated) upload.
type FinalResult struct {
	UploadID        string
	Location        string
	AlreadyUploaded bool
	Message         string
}

// Transport is the port the upload engine talks to. Implementations must
// return an error wrapping ctx's cancellation cause when an in-flight call is
// cancelled, so the engine can tell pause/abort apart from real failures.
type Transport interface {
	InitUpload(ctx context.Context, params InitParams) (InitResult, error)
	UploadChunk(ctx context.Context, data []byte, params ChunkParams, opts ChunkOpts) (ChunkAck, error)
	CheckProgress(ctx context.Context, uploadID string) (ProgressResult, error)
	CompleteUpload(ctx context.Context, params CompleteParams) (FinalResult, error)
}

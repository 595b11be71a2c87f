// Package chunktable partitions a file into fixed-size byte ranges and tracks
// the upload status of each range.
package chunktable

import (
	"fmt"
	"sync"
)

// Status of a single chunk.
type Status int

const (
	StatusPending Status = iota
	StatusUploading
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusUploading:
		return "uploading"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Chunk is one contiguous byte range [Start, End) of the source file.
type Chunk struct {
	Index      int
	Start      int64
	End        int64
	Status     Status
	RetryCount int
}

// Size returns the chunk length in bytes.
func (c Chunk) Size() int64 {
	return c.End - c.Start
}

// Table holds the ordered chunk sequence for one file.
// All methods are safe for concurrent use.
type Table struct {
	mu     sync.Mutex
	chunks []Chunk
}

// New splits fileSize bytes into chunkSize-sized ranges. The last chunk may be
// shorter; if fileSize is an exact multiple of chunkSize no trailing empty
// chunk is created.
func New(fileSize, chunkSize int64) (*Table, error) {
	if fileSize < 0 {
		return nil, fmt.Errorf("file size must not be negative, got %d", fileSize)
	}
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}

	numChunks := int(fileSize / chunkSize)
	if fileSize%chunkSize != 0 {
		numChunks++
	}

	chunks := make([]Chunk, 0, numChunks)
	for i := 0; i < numChunks; i++ {
		start := int64(i) * chunkSize
		end := start + chunkSize
		if end > fileSize {
			end = fileSize
		}
		chunks = append(chunks, Chunk{Index: i, Start: start, End: end, Status: StatusPending})
	}

	return &Table{chunks: chunks}, nil
}

// NumChunks returns the total number of chunks.
func (t *Table) NumChunks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.chunks)
}

// Chunk returns a copy of the chunk at the given index.
func (t *Table) Chunk(index int) (Chunk, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.chunks) {
		return Chunk{}, false
	}
	return t.chunks[index], true
}

// Pending returns all pending chunks not in the exclusion set, in ascending
// index order.
func (t *Table) Pending(exclude map[int]struct{}) []Chunk {
	t.mu.Lock()
	defer t.mu.Unlock()

	var pending []Chunk
	for _, c := range t.chunks {
		if c.Status != StatusPending {
			continue
		}
		if _, ok := exclude[c.Index]; ok {
			continue
		}
		pending = append(pending, c)
	}
	return pending
}

// CompletedIndices returns the indices of all completed chunks in ascending order.
func (t *Table) CompletedIndices() []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var completed []int
	for _, c := range t.chunks {
		if c.Status == StatusCompleted {
			completed = append(completed, c.Index)
		}
	}
	return completed
}

// SetStatus updates the status of one chunk. A transition to StatusFailed
// increments the chunk's retry count. Out-of-range indices are ignored;
// callers are expected to pass indices obtained from this table.
func (t *Table) SetStatus(index int, status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if index < 0 || index >= len(t.chunks) {
		return
	}
	if status == StatusFailed {
		t.chunks[index].RetryCount++
	}
	t.chunks[index].Status = status
}

// RetryCandidates returns failed chunks with fewer than maxRetries recorded
// failures, in ascending index order.
func (t *Table) RetryCandidates(maxRetries int) []Chunk {
	t.mu.Lock()
	defer t.mu.Unlock()

	var candidates []Chunk
	for _, c := range t.chunks {
		if c.Status == StatusFailed && c.RetryCount < maxRetries {
			candidates = append(candidates, c)
		}
	}
	return candidates
}

// Reset moves the given chunks back to pending and clears their retry counts.
// Used when reconciling a resumed session with server-reported progress.
func (t *Table) Reset(indices []int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, index := range indices {
		if index < 0 || index >= len(t.chunks) {
			continue
		}
		t.chunks[index].Status = StatusPending
		t.chunks[index].RetryCount = 0
	}
}

// ProgressPercent returns completed chunks as an integer percentage of the
// total, rounded down. A table with zero chunks reports 100.
func (t *Table) ProgressPercent() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.chunks) == 0 {
		return 100
	}
	completed := 0
	for _, c := range t.chunks {
		if c.Status == StatusCompleted {
			completed++
		}
	}
	return completed * 100 / len(t.chunks)
}

// AllCompleted reports whether every chunk is completed.
func (t *Table) AllCompleted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, c := range t.chunks {
		if c.Status != StatusCompleted {
			return false
		}
	}
	return true
}

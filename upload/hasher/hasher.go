// Package hasher computes the content digest that identifies a file across
// upload sessions.
package hasher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync"
)

// DefaultReadSize is the window size used for streaming reads. Independent of
// the upload chunk size.
const DefaultReadSize int64 = 2 * 1024 * 1024

// ProgressFunc receives an integer percentage 0-100 after each read window.
type ProgressFunc func(percent int)

// FileHasher computes a SHA-256 digest of one file. The digest is memoized:
// after the first successful computation, Hash returns the cached value
// without reading the file again. Create a new FileHasher to force a fresh
// pass over the file.
type FileHasher struct {
	path     string
	readSize int64

	mu     sync.Mutex
	digest string
}

// NewFileHasher creates a hasher for the file at path. A non-positive
// readSize falls back to DefaultReadSize.
func NewFileHasher(path string, readSize int64) *FileHasher {
	if readSize <= 0 {
		readSize = DefaultReadSize
	}
	return &FileHasher{path: path, readSize: readSize}
}

// Hash streams the file and returns its hex-encoded SHA-256 digest, invoking
// onProgress after every read window. On any read error the whole computation
// is discarded, progress is reported as 0 and no digest is cached.
// Cancellation via ctx is checked between read windows.
func (h *FileHasher) Hash(ctx context.Context, onProgress ProgressFunc) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.digest != "" {
		if onProgress != nil {
			onProgress(100)
		}
		return h.digest, nil
	}

	digest, err := h.compute(ctx, onProgress)
	if err != nil {
		if onProgress != nil {
			onProgress(0)
		}
		return "", err
	}

	h.digest = digest
	return digest, nil
}

func (h *FileHasher) compute(ctx context.Context, onProgress ProgressFunc) (string, error) {
	file, err := os.Open(h.path)
	if err != nil {
		return "", fmt.Errorf("open file for hashing: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", fmt.Errorf("stat file for hashing: %w", err)
	}
	totalSize := info.Size()

	hash := sha256.New()
	buf := make([]byte, h.readSize)
	var read int64

	for {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("hashing cancelled: %w", err)
		}

		n, err := file.Read(buf)
		if n > 0 {
			if _, werr := hash.Write(buf[:n]); werr != nil {
				return "", fmt.Errorf("hash write: %w", werr)
			}
			read += int64(n)
			if onProgress != nil {
				onProgress(percent(read, totalSize))
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read file for hashing: %w", err)
		}
	}

	if onProgress != nil && totalSize == 0 {
		onProgress(100)
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}

func percent(read, total int64) int {
	if total <= 0 {
		return 100
	}
	p := int(read * 100 / total)
	if p > 100 {
		p = 100
	}
	return p
}

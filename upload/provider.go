package upload

import (
	"fmt"
	"io"
	"os"

	"github.com/bitrise-io/go-resumableupload/upload/chunktable"
)

// fileChunkProvider reads chunk byte ranges from the source file. ReadChunk
// may be called multiple times for the same chunk across retry attempts.
type fileChunkProvider struct {
	file *os.File
}

func openChunkProvider(path string) (*fileChunkProvider, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file for upload: %w", err)
	}
	return &fileChunkProvider{file: file}, nil
}

func (p *fileChunkProvider) ReadChunk(chunk chunktable.Chunk) ([]byte, error) {
	buf := make([]byte, chunk.Size())
	if _, err := p.file.ReadAt(buf, chunk.Start); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read chunk %d: %w", chunk.Index, err)
	}
	return buf, nil
}

func (p *fileChunkProvider) Close() error {
	return p.file.Close()
}

package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/klauspost/compress/zstd"
)

// APIConfig holds configuration for the HTTP transport adapter.
type APIConfig struct {
	BaseURL string
	Token   string

	// CompressChunks enables zstd compression of chunk bodies
	// (Content-Encoding: zstd).
	CompressChunks bool

	// ChunkHTTPClient is used for chunk bodies. Control-plane calls always go
	// through a retrying client. If nil, a default client is created.
	ChunkHTTPClient *http.Client
}

// APITransport implements Transport against a JSON chunk-upload service.
//
// Control-plane calls (init, progress, complete) use a retrying HTTP client;
// chunk bodies are sent with a plain client because chunk-level retries are
// owned by the scheduler.
type APITransport struct {
	config      APIConfig
	httpClient  *retryablehttp.Client
	chunkClient *http.Client
	logger      log.Logger
}

// NewAPITransport ...
func NewAPITransport(config APIConfig, logger log.Logger) *APITransport {
	chunkClient := config.ChunkHTTPClient
	if chunkClient == nil {
		chunkClient = defaultChunkHTTPClient()
	}

	return &APITransport{
		config:      config,
		httpClient:  retryhttp.NewClient(logger),
		chunkClient: chunkClient,
		logger:      logger,
	}
}

func defaultChunkHTTPClient() *http.Client {
	return &http.Client{
		// No client timeout: chunk deadlines are handled via context.
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

type initUploadRequest struct {
	FileName         string `json:"file_name"`
	FileSizeInBytes  int64  `json:"file_size_in_bytes"`
	ChunkSizeInBytes int64  `json:"chunk_size_in_bytes"`
	FileHash         string `json:"file_hash"`
}

type initUploadResponse struct {
	ID     string `json:"id"`
	Exists bool   `json:"exists"`
}

type progressResponse struct {
	UploadedChunks []int `json:"uploaded_chunks"`
	IsComplete     bool  `json:"is_complete"`
}

type completeUploadRequest struct {
	FileHash   string `json:"file_hash"`
	FileName   string `json:"file_name"`
	ChunkCount int    `json:"chunk_count"`
}

type completeUploadResponse struct {
	Location string `json:"location"`
	Message  string `json:"message"`
}

// InitUpload registers the file with the server and returns the session ID.
// The server matches on the file hash, so an interrupted session for the same
// content is recovered instead of re-created.
func (t *APITransport) InitUpload(ctx context.Context, params InitParams) (InitResult, error) {
	url := fmt.Sprintf("%s/uploads", t.config.BaseURL)

	body, err := json.Marshal(initUploadRequest{
		FileName:         params.FileName,
		FileSizeInBytes:  params.FileSize,
		ChunkSizeInBytes: params.ChunkSize,
		FileHash:         params.FileHash,
	})
	if err != nil {
		return InitResult{}, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return InitResult{}, err
	}
	t.setCommonHeaders(req.Header)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return InitResult{}, wrapIfCancelled(ctx, err)
	}
	defer t.closeBody(resp.Body)

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return InitResult{}, unwrapError(resp)
	}

	var response initUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return InitResult{}, err
	}

	return InitResult{UploadID: response.ID, Exists: response.Exists}, nil
}

// UploadChunk sends one chunk body. Cancellation via ctx is reported as an
// error wrapping the context's cancellation cause.
func (t *APITransport) UploadChunk(ctx context.Context, data []byte, params ChunkParams, opts ChunkOpts) (ChunkAck, error) {
	url := fmt.Sprintf("%s/uploads/%s/chunks/%d", t.config.BaseURL, params.UploadID, params.Index)

	body := data
	contentEncoding := ""
	if t.config.CompressChunks {
		compressed, err := compressChunk(data)
		if err != nil {
			return ChunkAck{}, fmt.Errorf("compress chunk %d: %w", params.Index, err)
		}
		body = compressed
		contentEncoding = "zstd"
	}

	var reader io.Reader = bytes.NewReader(body)
	if opts.OnByteProgress != nil {
		reader = &countingReader{
			reader:     reader,
			total:      int64(len(body)),
			onProgress: opts.OnByteProgress,
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, reader)
	if err != nil {
		return ChunkAck{}, fmt.Errorf("create request: %w", err)
	}
	t.setCommonHeaders(req.Header)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-File-Hash", params.FileHash)
	req.Header.Set("X-Chunk-Count", fmt.Sprintf("%d", params.TotalChunks))
	if contentEncoding != "" {
		req.Header.Set("Content-Encoding", contentEncoding)
	}
	req.ContentLength = int64(len(body))

	resp, err := t.chunkClient.Do(req)
	if err != nil {
		return ChunkAck{}, wrapIfCancelled(ctx, err)
	}
	defer t.closeBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ChunkAck{}, unwrapError(resp)
	}

	return ChunkAck{Index: params.Index, ETag: resp.Header.Get("ETag")}, nil
}

// CheckProgress returns the chunk indices the server has accepted so far.
func (t *APITransport) CheckProgress(ctx context.Context, uploadID string) (ProgressResult, error) {
	url := fmt.Sprintf("%s/uploads/%s", t.config.BaseURL, uploadID)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ProgressResult{}, err
	}
	t.setCommonHeaders(req.Header)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return ProgressResult{}, wrapIfCancelled(ctx, err)
	}
	defer t.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return ProgressResult{}, unwrapError(resp)
	}

	var response progressResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return ProgressResult{}, err
	}

	return ProgressResult{UploadedChunks: response.UploadedChunks, IsComplete: response.IsComplete}, nil
}

// CompleteUpload asks the server to merge all chunks of the session.
func (t *APITransport) CompleteUpload(ctx context.Context, params CompleteParams) (FinalResult, error) {
	url := fmt.Sprintf("%s/uploads/%s/complete", t.config.BaseURL, params.UploadID)

	body, err := json.Marshal(completeUploadRequest{
		FileHash:   params.FileHash,
		FileName:   params.FileName,
		ChunkCount: params.TotalChunks,
	})
	if err != nil {
		return FinalResult{}, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return FinalResult{}, err
	}
	t.setCommonHeaders(req.Header)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return FinalResult{}, wrapIfCancelled(ctx, err)
	}
	defer t.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return FinalResult{}, unwrapError(resp)
	}

	var response completeUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return FinalResult{}, err
	}

	return FinalResult{
		UploadID: params.UploadID,
		Location: response.Location,
		Message:  response.Message,
	}, nil
}

func (t *APITransport) setCommonHeaders(header http.Header) {
	if t.config.Token != "" {
		header.Set("Authorization", fmt.Sprintf("Bearer %s", t.config.Token))
	}
	header.Set("X-Request-ID", uuid.NewString())
}

func (t *APITransport) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		t.logger.Printf(err.Error())
	}
}

func compressChunk(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("create zstd writer: %w", err)
	}
	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("write zstd: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close zstd writer: %w", err)
	}
	return buf.Bytes(), nil
}

// countingReader reports cumulative bytes read to a progress callback.
type countingReader struct {
	reader     io.Reader
	total      int64
	sent       int64
	onProgress func(sent, total int64)
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		r.sent += int64(n)
		r.onProgress(r.sent, r.total)
	}
	return n, err
}

func wrapIfCancelled(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("request cancelled: %w", ctxErr)
	}
	return err
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorResp)
}

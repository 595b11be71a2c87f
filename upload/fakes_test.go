package upload

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/bitrise-io/go-resumableupload/upload/network"
)

// fakeTransport is an in-memory Transport with scriptable per-chunk behavior.
type fakeTransport struct {
	mu sync.Mutex

	exists     bool
	uploadID   string
	isComplete bool

	initErr     error
	progressErr error
	completeErr error

	// uploadBehavior decides the outcome of one chunk upload attempt.
	// attempt starts at 1. A nil behavior accepts everything.
	uploadBehavior func(ctx context.Context, index, attempt int) error

	serverChunks   map[int]bool
	uploadAttempts map[int]int
	initCalls      int
	progressCalls  int
	completeCalls  int
	lastInitParams network.InitParams
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		uploadID:       "session-1",
		serverChunks:   map[int]bool{},
		uploadAttempts: map[int]int{},
	}
}

func (f *fakeTransport) InitUpload(ctx context.Context, params network.InitParams) (network.InitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	f.lastInitParams = params
	if f.initErr != nil {
		return network.InitResult{}, f.initErr
	}
	return network.InitResult{UploadID: f.uploadID, Exists: f.exists}, nil
}

func (f *fakeTransport) UploadChunk(ctx context.Context, data []byte, params network.ChunkParams, opts network.ChunkOpts) (network.ChunkAck, error) {
	f.mu.Lock()
	f.uploadAttempts[params.Index]++
	attempt := f.uploadAttempts[params.Index]
	behavior := f.uploadBehavior
	f.mu.Unlock()

	if behavior != nil {
		if err := behavior(ctx, params.Index, attempt); err != nil {
			return network.ChunkAck{}, err
		}
	}

	if opts.OnByteProgress != nil {
		opts.OnByteProgress(int64(len(data)), int64(len(data)))
	}

	f.mu.Lock()
	f.serverChunks[params.Index] = true
	f.mu.Unlock()
	return network.ChunkAck{Index: params.Index, ETag: fmt.Sprintf("etag-%d", params.Index)}, nil
}

func (f *fakeTransport) CheckProgress(ctx context.Context, uploadID string) (network.ProgressResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progressCalls++
	if f.progressErr != nil {
		return network.ProgressResult{}, f.progressErr
	}
	var uploaded []int
	for index := range f.serverChunks {
		uploaded = append(uploaded, index)
	}
	sort.Ints(uploaded)
	return network.ProgressResult{UploadedChunks: uploaded, IsComplete: f.isComplete}, nil
}

func (f *fakeTransport) CompleteUpload(ctx context.Context, params network.CompleteParams) (network.FinalResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeCalls++
	if f.completeErr != nil {
		return network.FinalResult{}, f.completeErr
	}
	return network.FinalResult{UploadID: params.UploadID, Location: "https://files.example.com/" + params.FileHash}, nil
}

func (f *fakeTransport) setUploadBehavior(behavior func(ctx context.Context, index, attempt int) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploadBehavior = behavior
}

func (f *fakeTransport) attempts(index int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploadAttempts[index]
}

func (f *fakeTransport) uploadedIndices() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var indices []int
	for index := range f.serverChunks {
		indices = append(indices, index)
	}
	sort.Ints(indices)
	return indices
}

func (f *fakeTransport) markUploaded(indices ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, index := range indices {
		f.serverChunks[index] = true
	}
}

// callbackRecorder collects engine callbacks for assertions.
type callbackRecorder struct {
	mu             sync.Mutex
	progress       []float64
	chunkSuccesses []int
	chunkBytes     map[int]int64
	successes      []network.FinalResult
	errs           []error
}

func (r *callbackRecorder) callbacks() Callbacks {
	return Callbacks{
		OnProgress: func(percent float64) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.progress = append(r.progress, percent)
		},
		OnChunkSuccess: func(index int, ack network.ChunkAck) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.chunkSuccesses = append(r.chunkSuccesses, index)
		},
		OnSuccess: func(result network.FinalResult) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.successes = append(r.successes, result)
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
		OnChunkBytes: func(index int, sent, total int64) {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.chunkBytes == nil {
				r.chunkBytes = map[int]int64{}
			}
			r.chunkBytes[index] = sent
		},
	}
}

func (r *callbackRecorder) byteReports() map[int]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	reports := make(map[int]int64, len(r.chunkBytes))
	for index, sent := range r.chunkBytes {
		reports[index] = sent
	}
	return reports
}

func (r *callbackRecorder) progressValues() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.progress...)
}

func (r *callbackRecorder) chunkSuccessIndices() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.chunkSuccesses...)
}

func (r *callbackRecorder) successCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.successes)
}

func (r *callbackRecorder) errorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

func (r *callbackRecorder) firstError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.errs) == 0 {
		return nil
	}
	return r.errs[0]
}

func (r *callbackRecorder) firstSuccess() (network.FinalResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.successes) == 0 {
		return network.FinalResult{}, false
	}
	return r.successes[0], true
}

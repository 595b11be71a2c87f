// Package upload implements a resumable chunked-upload engine: it hashes the
// source file, establishes (or recovers) a server-side session, schedules
// chunk uploads with bounded concurrency and finalizes the session, exposing
// pause/resume/abort to the caller.
package upload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/bitrise-io/go-resumableupload/upload/chunktable"
	"github.com/bitrise-io/go-resumableupload/upload/hasher"
	"github.com/bitrise-io/go-resumableupload/upload/network"
	"github.com/bitrise-io/go-resumableupload/upload/scheduler"
	"github.com/bitrise-io/go-resumableupload/upload/statestore"
)

// Callbacks are the caller-facing hooks of one engine. All callbacks are
// optional. OnSuccess and OnError are mutually exclusive and fire at most
// once. No callback fires after Abort.
type Callbacks struct {
	OnProgress     func(percent float64)
	OnChunkSuccess func(index int, ack network.ChunkAck)
	OnSuccess      func(result network.FinalResult)
	OnError        func(err error)

	// OnChunkBytes reports byte-level progress of one chunk body while it is
	// streamed out. It does not feed the overall percentage; a retried chunk
	// starts over from zero.
	OnChunkBytes func(index int, sent, total int64)
}

// Engine uploads one file through a Transport. An Engine drives a single
// file; create a new Engine for every upload.
type Engine struct {
	config    Config
	transport network.Transport
	callbacks Callbacks
	logger    log.Logger

	filePath    string
	fileName    string
	fileSize    int64
	modTimeUnix int64

	hasher   *hasher.FileHasher
	table    *chunktable.Table
	progress *progressTracker
	digests  *statestore.Store

	mu          sync.Mutex
	state       State
	cancel      context.CancelFunc
	attemptDone chan struct{}
	fileHash    string
	uploadID    string
}

// NewEngine ...
func NewEngine(filePath string, transport network.Transport, config Config, callbacks Callbacks, logger log.Logger) (*Engine, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", filePath)
	}

	config = config.normalized()
	table, err := chunktable.New(info.Size(), config.ChunkSize)
	if err != nil {
		return nil, err
	}

	return &Engine{
		config:      config,
		transport:   transport,
		callbacks:   callbacks,
		logger:      logger,
		filePath:    filePath,
		fileName:    filepath.Base(filePath),
		fileSize:    info.Size(),
		modTimeUnix: info.ModTime().Unix(),
		hasher:      hasher.NewFileHasher(filePath, config.HashReadSize),
		table:       table,
		progress:    &progressTracker{},
		state:       StateIdle,
	}, nil
}

// UseDigestCache attaches a digest cache so a restarted process can skip
// re-hashing an unchanged file. Must be called before Start.
func (e *Engine) UseDigestCache(store *statestore.Store) {
	e.digests = store
}

// State returns the engine's current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Progress returns the last reported overall percentage.
func (e *Engine) Progress() float64 {
	return e.progress.current()
}

// Start begins the upload. It is valid only from the idle state; calling it
// again is a caller error.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.state != StateIdle {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("%w: start is only valid from idle, current state is %s", ErrInvalidState, state)
	}
	e.state = StateHashing
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	done := make(chan struct{})
	e.attemptDone = done
	e.mu.Unlock()

	e.logger.Infof("Uploading %s (%d bytes, %d chunks)", e.fileName, e.fileSize, e.table.NumChunks())
	go func() {
		defer close(done)
		e.run(ctx)
	}()
	return nil
}

// Pause stops admitting new chunk uploads and cancels the ones in flight.
// Cancelled chunks revert to pending; nothing is lost. No-op unless the
// engine is uploading.
func (e *Engine) Pause() {
	e.mu.Lock()
	if e.state != StateUploading {
		e.mu.Unlock()
		return
	}
	e.state = StatePaused
	cancel := e.cancel
	e.mu.Unlock()

	e.logger.Infof("Upload paused")
	cancel()
}

// Resume re-queries server progress, reconciles the chunk table and restarts
// scheduling under a fresh cancellation context. No-op unless paused.
func (e *Engine) Resume() {
	e.mu.Lock()
	if e.state != StatePaused {
		e.mu.Unlock()
		return
	}
	e.state = StateUploading
	// A fired context cannot be un-fired; every resume gets a fresh one.
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	prev := e.attemptDone
	done := make(chan struct{})
	e.attemptDone = done
	e.mu.Unlock()

	e.logger.Infof("Upload resumed")
	go func() {
		defer close(done)
		// Chunk statuses settle only once the paused attempt's cancelled
		// uploads have returned; attempts never overlap.
		if prev != nil {
			<-prev
		}
		e.drive(ctx)
	}()
}

// Abort cancels all in-flight work and permanently disables the engine.
// Valid from any non-terminal state; no callback fires afterwards.
func (e *Engine) Abort() {
	e.mu.Lock()
	if e.state.Terminal() {
		e.mu.Unlock()
		return
	}
	e.state = StateAborted
	cancel := e.cancel
	e.mu.Unlock()

	e.logger.Infof("Upload aborted")
	if cancel != nil {
		cancel()
	}
}

// run is the linear driver of one upload attempt: hash, init, then hand over
// to drive for reconciliation and scheduling.
func (e *Engine) run(ctx context.Context) {
	fileHash, err := e.resolveDigest(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.fail(fmt.Errorf("%w: %w", ErrHashComputation, err))
		return
	}

	e.mu.Lock()
	e.fileHash = fileHash
	e.mu.Unlock()

	if !e.transition(StateHashing, StateInitializing) {
		return
	}

	e.logger.Debugf("Initializing upload session (hash %s)", fileHash)
	initResult, err := e.transport.InitUpload(ctx, network.InitParams{
		FileName:  e.fileName,
		FileSize:  e.fileSize,
		ChunkSize: e.config.ChunkSize,
		FileHash:  fileHash,
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.fail(fmt.Errorf("%w: %w", ErrSessionInit, err))
		return
	}

	if initResult.Exists {
		e.logger.Infof("File already on server, skipping chunk uploads")
		e.succeed(network.FinalResult{UploadID: initResult.UploadID, AlreadyUploaded: true})
		return
	}

	e.mu.Lock()
	e.uploadID = initResult.UploadID
	e.mu.Unlock()

	if !e.transition(StateInitializing, StateUploading) {
		return
	}
	e.drive(ctx)
}

// drive reconciles server-reported progress into the chunk table, schedules
// the remaining chunks and completes the session. It is the shared tail of
// Start and Resume; cancellation is checked at every suspension point.
func (e *Engine) drive(ctx context.Context) {
	uploadID := e.currentUploadID()

	serverProgress, err := e.transport.CheckProgress(ctx, uploadID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.fail(fmt.Errorf("%w: query progress: %w", ErrSessionInit, err))
		return
	}

	// The server report is authoritative: everything it holds is completed,
	// everything else goes back to pending with a fresh retry budget.
	completed := make(map[int]struct{}, len(serverProgress.UploadedChunks))
	for _, index := range serverProgress.UploadedChunks {
		e.table.SetStatus(index, chunktable.StatusCompleted)
		completed[index] = struct{}{}
	}
	var stale []int
	for i := 0; i < e.table.NumChunks(); i++ {
		if _, ok := completed[i]; !ok {
			stale = append(stale, i)
		}
	}
	e.table.Reset(stale)
	e.emitChunkProgress()

	if !serverProgress.IsComplete && !e.table.AllCompleted() {
		if err := e.scheduleChunks(ctx, uploadID); err != nil {
			if ctx.Err() != nil {
				// Paused or aborted; the driver halts without surfacing an
				// error either way.
				return
			}
			e.fail(err)
			return
		}
	}

	if !e.transition(StateUploading, StateCompleting) {
		return
	}

	e.logger.Debugf("Completing upload session %s", uploadID)
	final, err := e.transport.CompleteUpload(ctx, network.CompleteParams{
		UploadID:    uploadID,
		FileHash:    e.currentFileHash(),
		FileName:    e.fileName,
		TotalChunks: e.table.NumChunks(),
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.fail(fmt.Errorf("%w: %w", ErrMerge, err))
		return
	}

	e.succeed(final)
}

func (e *Engine) scheduleChunks(ctx context.Context, uploadID string) error {
	provider, err := openChunkProvider(e.filePath)
	if err != nil {
		return err
	}
	defer provider.Close()

	sched := scheduler.New(e.table, scheduler.Config{
		Concurrency: e.config.Concurrency,
		MaxRetries:  e.config.MaxRetries,
		RetryWait:   e.config.RetryWait,
	}, e.handleChunkSuccess, e.logger)

	fileHash := e.currentFileHash()
	totalChunks := e.table.NumChunks()

	return sched.Run(ctx, func(ctx context.Context, chunk chunktable.Chunk) (network.ChunkAck, error) {
		data, err := provider.ReadChunk(chunk)
		if err != nil {
			return network.ChunkAck{}, err
		}
		var opts network.ChunkOpts
		if e.callbacks.OnChunkBytes != nil {
			index := chunk.Index
			opts.OnByteProgress = func(sent, total int64) {
				e.emitChunkBytes(index, sent, total)
			}
		}
		return e.transport.UploadChunk(ctx, data, network.ChunkParams{
			Index:       chunk.Index,
			TotalChunks: totalChunks,
			UploadID:    uploadID,
			FileHash:    fileHash,
		}, opts)
	})
}

func (e *Engine) resolveDigest(ctx context.Context) (string, error) {
	if e.digests != nil {
		entry, ok, err := e.digests.Get(e.filePath, e.fileSize, e.modTimeUnix)
		if err != nil {
			e.logger.Warnf("Digest cache read failed: %s", err)
		} else if ok {
			e.logger.Debugf("Digest cache hit, skipping hashing")
			e.emitHashProgress(100)
			return entry.FileHash, nil
		}
	}

	digest, err := e.hasher.Hash(ctx, e.emitHashProgress)
	if err != nil {
		return "", err
	}

	if e.digests != nil {
		err := e.digests.Put(e.filePath, statestore.Entry{
			FileHash:    digest,
			FileSize:    e.fileSize,
			ModTimeUnix: e.modTimeUnix,
		})
		if err != nil {
			e.logger.Warnf("Digest cache write failed: %s", err)
		}
	}

	return digest, nil
}

func (e *Engine) handleChunkSuccess(chunk chunktable.Chunk, ack network.ChunkAck) {
	if e.State() != StateUploading {
		return
	}
	if e.callbacks.OnChunkSuccess != nil {
		e.callbacks.OnChunkSuccess(chunk.Index, ack)
	}
	e.emitChunkProgress()
}

func (e *Engine) emitChunkBytes(index int, sent, total int64) {
	if e.State() != StateUploading {
		return
	}
	e.callbacks.OnChunkBytes(index, sent, total)
}

func (e *Engine) emitHashProgress(percent int) {
	if value, increased := e.progress.fromHash(percent); increased {
		e.emitProgress(value)
	}
}

func (e *Engine) emitChunkProgress() {
	if value, increased := e.progress.fromChunks(e.table.ProgressPercent()); increased {
		e.emitProgress(value)
	}
}

func (e *Engine) emitProgress(value float64) {
	if e.callbacks.OnProgress == nil {
		return
	}
	if s := e.State(); s == StateAborted || s == StateFailed {
		return
	}
	e.callbacks.OnProgress(value)
}

func (e *Engine) transition(from, to State) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != from || !from.canTransition(to) {
		return false
	}
	e.state = to
	return true
}

// fail moves the engine to the failed state and fires OnError exactly once.
// A no-op if the engine already reached a terminal state.
func (e *Engine) fail(err error) {
	e.mu.Lock()
	if e.state.Terminal() {
		e.mu.Unlock()
		return
	}
	e.state = StateFailed
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.logger.Errorf("Upload failed: %s", err)
	if e.callbacks.OnError != nil {
		e.callbacks.OnError(err)
	}
}

// succeed moves the engine to the succeeded state, forces progress to 100 and
// fires OnSuccess exactly once.
func (e *Engine) succeed(result network.FinalResult) {
	e.mu.Lock()
	if e.state.Terminal() {
		e.mu.Unlock()
		return
	}
	e.state = StateSucceeded
	e.mu.Unlock()

	if value, increased := e.progress.complete(); increased && e.callbacks.OnProgress != nil {
		e.callbacks.OnProgress(value)
	}
	e.logger.Donef("Upload succeeded")
	if e.callbacks.OnSuccess != nil {
		e.callbacks.OnSuccess(result)
	}
}

func (e *Engine) currentUploadID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.uploadID
}

func (e *Engine) currentFileHash() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fileHash
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitrise-io/go-resumableupload/upload/chunktable"
	"github.com/bitrise-io/go-resumableupload/upload/network"
)

func newTable(t *testing.T, fileSize, chunkSize int64) *chunktable.Table {
	t.Helper()
	table, err := chunktable.New(fileSize, chunkSize)
	require.NoError(t, err)
	return table
}

func TestRun_AllChunksSucceed(t *testing.T) {
	table := newTable(t, 50, 5)

	var mu sync.Mutex
	var completed []int
	s := New(table, Config{Concurrency: 3, MaxRetries: 3}, func(chunk chunktable.Chunk, ack network.ChunkAck) {
		mu.Lock()
		completed = append(completed, chunk.Index)
		mu.Unlock()
	}, log.NewLogger())

	err := s.Run(context.Background(), func(ctx context.Context, chunk chunktable.Chunk) (network.ChunkAck, error) {
		return network.ChunkAck{Index: chunk.Index, ETag: fmt.Sprintf("etag-%d", chunk.Index)}, nil
	})
	require.NoError(t, err)

	assert.True(t, table.AllCompleted())
	assert.Len(t, completed, 10)
}

func TestRun_ConcurrencyBound(t *testing.T) {
	table := newTable(t, 50, 5)

	var inFlight, maxInFlight int32
	s := New(table, Config{Concurrency: 3, MaxRetries: 0}, nil, log.NewLogger())

	err := s.Run(context.Background(), func(ctx context.Context, chunk chunktable.Chunk) (network.ChunkAck, error) {
		current := atomic.AddInt32(&inFlight, 1)
		for {
			observed := atomic.LoadInt32(&maxInFlight)
			if current <= observed || atomic.CompareAndSwapInt32(&maxInFlight, observed, current) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return network.ChunkAck{Index: chunk.Index}, nil
	})
	require.NoError(t, err)

	assert.Equal(t, int32(3), atomic.LoadInt32(&maxInFlight))
}

func TestRun_RetriesThenSucceeds(t *testing.T) {
	table := newTable(t, 10, 5)

	var attempts sync.Map
	s := New(table, Config{Concurrency: 2, MaxRetries: 3, RetryWait: time.Millisecond}, nil, log.NewLogger())

	err := s.Run(context.Background(), func(ctx context.Context, chunk chunktable.Chunk) (network.ChunkAck, error) {
		count, _ := attempts.LoadOrStore(chunk.Index, new(int32))
		attempt := atomic.AddInt32(count.(*int32), 1)
		if chunk.Index == 1 && attempt <= 2 {
			return network.ChunkAck{}, errors.New("transient error")
		}
		return network.ChunkAck{Index: chunk.Index}, nil
	})
	require.NoError(t, err)
	assert.True(t, table.AllCompleted())

	count, ok := attempts.Load(1)
	require.True(t, ok)
	assert.Equal(t, int32(3), atomic.LoadInt32(count.(*int32)))
}

func TestRun_RetriesExhaustedFailsWholeRun(t *testing.T) {
	table := newTable(t, 15, 5)
	maxRetries := 3

	var attempts int32
	var successIndices []int
	var mu sync.Mutex
	s := New(table, Config{Concurrency: 1, MaxRetries: maxRetries}, func(chunk chunktable.Chunk, ack network.ChunkAck) {
		mu.Lock()
		successIndices = append(successIndices, chunk.Index)
		mu.Unlock()
	}, log.NewLogger())

	err := s.Run(context.Background(), func(ctx context.Context, chunk chunktable.Chunk) (network.ChunkAck, error) {
		if chunk.Index == 1 {
			atomic.AddInt32(&attempts, 1)
			return network.ChunkAck{}, errors.New("persistent error")
		}
		return network.ChunkAck{Index: chunk.Index}, nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)

	// Initial attempt plus maxRetries retries.
	assert.Equal(t, int32(maxRetries+1), atomic.LoadInt32(&attempts))
	assert.NotContains(t, successIndices, 1)
}

func TestRun_FailedChunkDoesNotAbortSiblings(t *testing.T) {
	table := newTable(t, 15, 5)

	var mu sync.Mutex
	var successIndices []int
	s := New(table, Config{Concurrency: 3, MaxRetries: 0}, func(chunk chunktable.Chunk, ack network.ChunkAck) {
		mu.Lock()
		successIndices = append(successIndices, chunk.Index)
		mu.Unlock()
	}, log.NewLogger())

	err := s.Run(context.Background(), func(ctx context.Context, chunk chunktable.Chunk) (network.ChunkAck, error) {
		if chunk.Index == 0 {
			return network.ChunkAck{}, errors.New("hard failure")
		}
		// Siblings already in flight must still be allowed to finish.
		time.Sleep(20 * time.Millisecond)
		return network.ChunkAck{Index: chunk.Index}, nil
	})
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []int{1, 2}, successIndices)
}

func TestRun_CancellationRevertsToPending(t *testing.T) {
	table := newTable(t, 50, 5)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{}, 10)

	s := New(table, Config{Concurrency: 3, MaxRetries: 3}, nil, log.NewLogger())

	go func() {
		<-started
		cancel()
	}()

	err := s.Run(ctx, func(ctx context.Context, chunk chunktable.Chunk) (network.ChunkAck, error) {
		started <- struct{}{}
		<-ctx.Done()
		return network.ChunkAck{}, fmt.Errorf("upload cancelled: %w", ctx.Err())
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	// Cancelled in-flight chunks revert to pending and consume no retries.
	pending := table.Pending(nil)
	assert.Len(t, pending, 10)
	for _, c := range pending {
		assert.Equal(t, 0, c.RetryCount)
	}
}

func TestRun_RetryQueueDrainedFirst(t *testing.T) {
	table := newTable(t, 15, 5)
	table.SetStatus(2, chunktable.StatusFailed)

	var mu sync.Mutex
	var order []int
	s := New(table, Config{Concurrency: 1, MaxRetries: 3}, nil, log.NewLogger())

	err := s.Run(context.Background(), func(ctx context.Context, chunk chunktable.Chunk) (network.ChunkAck, error) {
		mu.Lock()
		order = append(order, chunk.Index)
		mu.Unlock()
		return network.ChunkAck{Index: chunk.Index}, nil
	})
	require.NoError(t, err)

	require.Len(t, order, 3)
	assert.Equal(t, []int{2, 0, 1}, order)
}

func TestRun_EmptySupply(t *testing.T) {
	table := newTable(t, 10, 5)
	table.SetStatus(0, chunktable.StatusCompleted)
	table.SetStatus(1, chunktable.StatusCompleted)

	s := New(table, Config{Concurrency: 3, MaxRetries: 3}, nil, log.NewLogger())
	err := s.Run(context.Background(), func(ctx context.Context, chunk chunktable.Chunk) (network.ChunkAck, error) {
		t.Fatal("no chunk should be scheduled")
		return network.ChunkAck{}, nil
	})
	require.NoError(t, err)
}

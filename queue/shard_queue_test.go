package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/cdcsink/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(seq uint64) record.Record {
	return &record.DataRecord{Table: "t", Pos: record.Position{LogSeq: seq}}
}

func seqOf(r record.Record) uint64 {
	return r.Position().LogSeq
}

func TestShardQueue_FIFO(t *testing.T) {
	q := NewShardQueue(64)
	ctx := context.Background()

	for i := uint64(1); i <= 50; i++ {
		require.NoError(t, q.Put(ctx, rec(i)))
	}
	require.Equal(t, 50, q.Len())

	head, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, uint64(1), seqOf(head))
	assert.Equal(t, 50, q.Len(), "peek must not remove")

	for i := uint64(1); i <= 50; i++ {
		r, ok := q.Poll()
		require.True(t, ok)
		assert.Equal(t, i, seqOf(r))
	}

	_, ok = q.Poll()
	assert.False(t, ok)
	_, ok = q.Peek()
	assert.False(t, ok)
}

func TestShardQueue_FIFOWithConcurrentConsumer(t *testing.T) {
	q := NewShardQueue(4)
	const total = 1000

	go func() {
		for i := uint64(1); i <= total; i++ {
			_ = q.Put(context.Background(), rec(i))
		}
	}()

	var next uint64 = 1
	deadline := time.Now().Add(5 * time.Second)
	for next <= total {
		if time.Now().After(deadline) {
			t.Fatalf("timed out at %d", next)
		}
		r, ok := q.Poll()
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}
		require.Equal(t, next, seqOf(r))
		next++
	}
}

func TestShardQueue_PutBlocksWhenFull(t *testing.T) {
	q := NewShardQueue(2)
	ctx := context.Background()
	require.NoError(t, q.Put(ctx, rec(1)))
	require.NoError(t, q.Put(ctx, rec(2)))

	done := make(chan error, 1)
	go func() {
		done <- q.Put(ctx, rec(3))
	}()

	select {
	case <-done:
		t.Fatal("put on a full queue returned early")
	case <-time.After(50 * time.Millisecond):
	}

	_, ok := q.Poll()
	require.True(t, ok)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("put did not resume after poll")
	}
	assert.Equal(t, 2, q.Len())
}

func TestShardQueue_PutCancelled(t *testing.T) {
	q := NewShardQueue(1)
	require.NoError(t, q.Put(context.Background(), rec(1)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := q.Put(ctx, rec(2))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, q.Len())
}

func TestShardQueue_CloseWakesProducers(t *testing.T) {
	q := NewShardQueue(1)
	require.NoError(t, q.Put(context.Background(), rec(1)))

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = q.Put(context.Background(), rec(uint64(i+2)))
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	q.Close()
	q.Close()
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, ErrClosed)
	}

	r, ok := q.Poll()
	require.True(t, ok, "records queued before close stay pollable")
	assert.Equal(t, uint64(1), seqOf(r))
	assert.ErrorIs(t, q.Put(context.Background(), rec(9)), ErrClosed)
}

func TestShardQueue_FailKeepsFirstClose(t *testing.T) {
	cause := errors.New("boom")

	q := NewShardQueue(1)
	q.Fail(cause)
	q.Close()
	err := q.Put(context.Background(), rec(1))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, err, cause)

	closed := NewShardQueue(1)
	closed.Close()
	closed.Fail(cause)
	err = closed.Put(context.Background(), rec(1))
	assert.ErrorIs(t, err, ErrClosed)
	assert.NotErrorIs(t, err, cause)
}

func TestShardQueue_MinimumCapacity(t *testing.T) {
	assert.Equal(t, 1, NewShardQueue(0).Cap())
	assert.Equal(t, 8, NewShardQueue(8).Cap())
}

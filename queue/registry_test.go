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

type importer string

func (i importer) ID() string                     { return string(i) }
func (i importer) Phase() record.Phase            { return record.PhaseIncremental }
func (i importer) Ack(pos record.PendingPosition) {}

func TestRegistry_RegisterIsIdempotent(t *testing.T) {
	r := NewRegistry(2)

	online, reached, err := r.Register(importer("shard-1"), 4)
	require.NoError(t, err)
	assert.Equal(t, 1, online)
	assert.False(t, reached)

	online, reached, err = r.Register(importer("shard-1"), 4)
	require.NoError(t, err)
	assert.Equal(t, 1, online, "repeated registration must not bump the counter")
	assert.False(t, reached)

	online, reached, err = r.Register(importer("shard-0"), 4)
	require.NoError(t, err)
	assert.Equal(t, 2, online)
	assert.True(t, reached)

	ids := []string{}
	for _, s := range r.Shards() {
		ids = append(ids, s.ID)
		assert.Equal(t, s.ID, s.Importer.ID(), "shard carries the importer it was registered with")
	}
	assert.Equal(t, []string{"shard-0", "shard-1"}, ids, "shards come back in ascending id order")
}

func TestRegistry_NeverExceedsLimit(t *testing.T) {
	r := NewRegistry(1)
	_, _, err := r.Register(importer("a"), 1)
	require.NoError(t, err)

	_, reached, err := r.Register(importer("b"), 1)
	assert.ErrorIs(t, err, ErrShardLimit)
	assert.False(t, reached)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_ExactlyOneRegistrationReachesLimit(t *testing.T) {
	const shards = 32
	r := NewRegistry(shards)

	var wg sync.WaitGroup
	var mu sync.Mutex
	reachedCount := 0
	for i := 0; i < shards; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('A' + i))
			for j := 0; j < 3; j++ {
				_, reached, err := r.Register(importer(id), 2)
				assert.NoError(t, err)
				if reached {
					mu.Lock()
					reachedCount++
					mu.Unlock()
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, reachedCount)
	assert.Equal(t, shards, r.Online())
}

func TestRegistry_EnqueueUnregistered(t *testing.T) {
	r := NewRegistry(2)
	_, _, err := r.Register(importer("known"), 1)
	require.NoError(t, err)
	require.NoError(t, r.Enqueue(context.Background(), "known", []record.Record{rec(1)}))

	done := make(chan error, 1)
	go func() {
		done <- r.Enqueue(context.Background(), "ghost", []record.Record{rec(2), rec(3)})
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrNotRegistered)
	case <-time.After(time.Second):
		t.Fatal("enqueue on an unregistered importer blocked")
	}

	assert.Equal(t, map[string]int{"known": 1}, r.Depths(), "other shards are untouched")
}

func TestRegistry_RemoveUnblocksProducer(t *testing.T) {
	r := NewRegistry(1)
	_, _, err := r.Register(importer("a"), 1)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- r.Enqueue(context.Background(), "a", []record.Record{rec(1), rec(2)})
	}()
	time.Sleep(20 * time.Millisecond)

	assert.True(t, r.Remove("a"))
	assert.False(t, r.Remove("a"))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("producer stayed blocked after remove")
	}
	assert.Nil(t, r.Get("a"))
	assert.Empty(t, r.Shards())
	assert.Equal(t, 1, r.Online(), "online counter is monotonic")
}

func TestRegistry_ShardSnapshotKeepsImporterAfterRemove(t *testing.T) {
	r := NewRegistry(1)
	_, _, err := r.Register(importer("a"), 1)
	require.NoError(t, err)

	shards := r.Shards()
	require.True(t, r.Remove("a"))

	require.Len(t, shards, 1)
	assert.Equal(t, importer("a"), shards[0].Importer)
}

func TestRegistry_FailWakesProducersWithCause(t *testing.T) {
	cause := errors.New("merge stopped")
	r := NewRegistry(2)
	_, _, err := r.Register(importer("a"), 1)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- r.Enqueue(context.Background(), "a", []record.Record{rec(1), rec(2)})
	}()
	time.Sleep(20 * time.Millisecond)

	r.Fail(cause)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
		assert.ErrorIs(t, err, cause)
	case <-time.After(time.Second):
		t.Fatal("producer stayed blocked after fail")
	}

	_, _, err = r.Register(importer("b"), 1)
	require.NoError(t, err)
	err = r.Enqueue(context.Background(), "b", []record.Record{rec(3)})
	assert.ErrorIs(t, err, cause, "queues registered after a failure start out failed")
}

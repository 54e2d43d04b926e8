package ack

import (
	"sync"
	"testing"

	"github.com/maxpert/cdcsink/hlc"
	"github.com/maxpert/cdcsink/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubImporter struct{ id string }

func (s stubImporter) ID() string                 { return s.id }
func (s stubImporter) Phase() record.Phase        { return record.PhaseIncremental }
func (s stubImporter) Ack(record.PendingPosition) {}

func positionsFor(id string, seq uint64, count int) Positions {
	return Positions{
		id: {
			Importer:    stubImporter{id: id},
			LastRecord:  &record.DataRecord{Pos: record.Position{LogSeq: seq}},
			DataRecords: count,
		},
	}
}

func newRegistry() *Registry {
	return NewRegistry(NewTokenGenerator(hlc.NewClock(1)))
}

func TestRegistry_IssueResolveDistinct(t *testing.T) {
	r := newRegistry()
	const n = 500

	tokens := make(map[string]uint64, n)
	for i := uint64(0); i < n; i++ {
		token, err := r.Issue(positionsFor("shard-1", i, int(i)))
		require.NoError(t, err)
		_, dup := tokens[token]
		require.False(t, dup, "token %s issued twice", token)
		tokens[token] = i
	}

	assert.Equal(t, n, r.Outstanding())
	assert.Equal(t, uint64(n), r.Issued())

	for token, seq := range tokens {
		positions, err := r.Resolve(token)
		require.NoError(t, err)
		pos := positions["shard-1"]
		assert.Equal(t, seq, pos.LastRecord.Position().LogSeq)
		assert.Equal(t, int(seq), pos.DataRecords)
	}
}

func TestRegistry_SnapshotIsImmutable(t *testing.T) {
	r := newRegistry()
	positions := positionsFor("a", 1, 1)

	token, err := r.Issue(positions)
	require.NoError(t, err)

	positions["b"] = positionsFor("b", 2, 2)["b"]
	delete(positions, "a")

	resolved, err := r.Resolve(token)
	require.NoError(t, err)
	assert.Len(t, resolved, 1)
	assert.Contains(t, resolved, "a")

	resolved["c"] = record.PendingPosition{}
	again, err := r.Resolve(token)
	require.NoError(t, err)
	assert.NotContains(t, again, "c")
}

func TestRegistry_ReleaseAndNotFound(t *testing.T) {
	r := newRegistry()
	token, err := r.Issue(positionsFor("a", 1, 1))
	require.NoError(t, err)

	assert.True(t, r.Release(token))
	assert.False(t, r.Release(token))

	_, err = r.Resolve(token)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, r.Outstanding())
}

func TestRegistry_CompleteRemembersToken(t *testing.T) {
	r := newRegistry()
	token, err := r.Issue(positionsFor("a", 1, 1))
	require.NoError(t, err)

	assert.True(t, r.Complete(token))
	assert.False(t, r.Complete(token))

	_, err = r.Resolve(token)
	assert.ErrorIs(t, err, ErrAlreadyAcked)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.Resolve("ffffffffffffffff")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrAlreadyAcked)
}

func TestRegistry_CompletedWindowIsBounded(t *testing.T) {
	r := newRegistry()
	first, err := r.Issue(positionsFor("a", 0, 1))
	require.NoError(t, err)
	require.True(t, r.Complete(first))

	for i := 1; i <= DefaultCompletedWindow; i++ {
		token, err := r.Issue(positionsFor("a", uint64(i), 1))
		require.NoError(t, err)
		require.True(t, r.Complete(token))
	}

	_, err = r.Resolve(first)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrAlreadyAcked)
}

func TestRegistry_RejectsEmptyPositions(t *testing.T) {
	r := newRegistry()
	_, err := r.Issue(nil)
	assert.ErrorIs(t, err, ErrEmptyPositions)
}

func TestRegistry_ConcurrentResolve(t *testing.T) {
	r := newRegistry()
	tokens := make([]string, 100)
	for i := range tokens {
		token, err := r.Issue(positionsFor("a", uint64(i), 1))
		require.NoError(t, err)
		tokens[i] = token
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i, token := range tokens {
				positions, err := r.Resolve(token)
				if assert.NoError(t, err) {
					assert.Equal(t, uint64(i), positions["a"].LastRecord.Position().LogSeq)
				}
			}
		}()
	}
	wg.Wait()
}

func TestTokenGenerator_FixedWidth(t *testing.T) {
	gen := NewTokenGenerator(hlc.NewClock(2))
	prev := ""
	for i := 0; i < 100; i++ {
		token := gen.Next()
		require.Len(t, token, 16)
		assert.Greater(t, token, prev, "tokens sort in issue order")
		prev = token
	}
}

package checkpoint

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/maxpert/cdcsink/hlc"
	"github.com/maxpert/cdcsink/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pos(seq uint64) record.Position {
	return record.Position{
		CommitTS: hlc.Timestamp{WallTime: int64(seq) * 1000, NodeID: 1},
		LogSeq:   seq,
	}
}

func TestOpen_Empty(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "checkpoints"))
	require.NoError(t, err)
	defer s.Close()

	_, ok, err := s.Load("orders-0")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, s.All())
}

func TestAdvance_MovesForwardOnly(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "checkpoints"))
	require.NoError(t, err)
	defer s.Close()

	moved, err := s.Advance("orders-0", pos(10), 3, false)
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = s.Advance("orders-0", pos(7), 2, false)
	require.NoError(t, err)
	assert.False(t, moved, "older position must not move the checkpoint")

	moved, err = s.Advance("orders-0", pos(12), 1, true)
	require.NoError(t, err)
	assert.True(t, moved)

	cp, ok, err := s.Load("orders-0")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(12), cp.Position.LogSeq)
	assert.Equal(t, uint64(4), cp.Records)
	assert.True(t, cp.Finished)
	assert.Equal(t, "orders-0", cp.Importer)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "checkpoints")

	s, err := Open(dir)
	require.NoError(t, err)
	_, err = s.Advance("a", pos(5), 5, false)
	require.NoError(t, err)
	_, err = s.Advance("b", pos(9), 1, true)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	all := s.All()
	require.Len(t, all, 2)
	assert.Equal(t, pos(5), all["a"].Position)
	assert.Equal(t, uint64(1), all["b"].Records)
	assert.True(t, all["b"].Finished)
}

func TestDelete(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "checkpoints")
	s, err := Open(dir)
	require.NoError(t, err)

	_, err = s.Advance("a", pos(1), 1, false)
	require.NoError(t, err)
	require.NoError(t, s.Delete("a"))

	_, ok, err := s.Load("a")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()
	assert.Empty(t, s.All())
}

func TestClose(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "checkpoints"))
	require.NoError(t, err)

	require.NoError(t, s.Close())
	assert.Error(t, s.Close())

	_, _, err = s.Load("a")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Advance("a", pos(1), 1, false)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClose_WhileAdvancing(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "checkpoints"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := uint64(1); i <= 200; i++ {
				_, err := s.Advance("a", pos(i), 1, false)
				if err != nil {
					assert.ErrorIs(t, err, ErrClosed)
					return
				}
			}
		}()
	}

	require.NoError(t, s.Close())
	wg.Wait()

	_, err = s.Advance("a", pos(1000), 1, false)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Delete("a"), ErrClosed)
}

func TestPrefixUpperBound(t *testing.T) {
	assert.Equal(t, []byte("/checkpoint0"), prefixUpperBound([]byte("/checkpoint/")))
	assert.Nil(t, prefixUpperBound([]byte{0xff, 0xff}))
}

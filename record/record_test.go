package record

import (
	"testing"

	"github.com/maxpert/cdcsink/hlc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func data(seq uint64) *DataRecord {
	return &DataRecord{Database: "shop", Table: "orders", Kind: KindInsert, Pos: Position{LogSeq: seq}}
}

func TestCountDataAndLast(t *testing.T) {
	records := []Record{data(1), data(2), &FinishedRecord{Pos: Position{LogSeq: 3}}}

	assert.Equal(t, 2, CountData(records))
	assert.IsType(t, &FinishedRecord{}, Last(records))
	assert.Nil(t, Last(nil))
	assert.Equal(t, 0, CountData([]Record{&FinishedRecord{}}))
}

func TestRule_Resolve(t *testing.T) {
	cmp, err := Rule("")
	require.NoError(t, err)
	assert.Nil(t, cmp)

	cmp, err = Rule("NONE")
	require.NoError(t, err)
	assert.Nil(t, cmp)

	cmp, err = Rule(" log_seq ")
	require.NoError(t, err)
	require.NotNil(t, cmp)
	assert.Equal(t, -1, cmp(data(1), data(2)))

	_, err = Rule("lexicographic")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "commit_ts")
}

func TestByCommitTS_FallsBackToLogSeq(t *testing.T) {
	a := data(9)
	b := data(3)
	a.Pos.CommitTS = hlc.Timestamp{WallTime: 10}
	b.Pos.CommitTS = hlc.Timestamp{WallTime: 20}

	assert.Equal(t, -1, ByCommitTS(a, b), "commit ts wins over log seq")

	b.Pos.CommitTS = a.Pos.CommitTS
	assert.Equal(t, 1, ByCommitTS(a, b))
	assert.Equal(t, 0, ByCommitTS(a, a))
}

func TestKindAndPhaseStrings(t *testing.T) {
	assert.Equal(t, "INSERT", KindInsert.String())
	assert.Equal(t, "UPDATE", KindUpdate.String())
	assert.Equal(t, "DELETE", KindDelete.String())
	assert.Equal(t, "KIND(9)", Kind(9).String())
	assert.Equal(t, "BULK", PhaseBulk.String())
	assert.Equal(t, "INCREMENTAL", PhaseIncremental.String())
}

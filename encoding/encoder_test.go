package encoding

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/maxpert/cdcsink/hlc"
	"github.com/maxpert/cdcsink/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustMarshalMsgpack(v interface{}) []byte {
	data, err := Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func sampleBatch() *Batch {
	ts := hlc.Timestamp{WallTime: 1702345678901000000, Logical: 3, NodeID: 1}
	return &Batch{
		AckToken: "0000018c5b4f2a10",
		Database: "shop",
		Rows: []Row{
			NewRow("public", &record.DataRecord{
				Database: "shop",
				Table:    "orders",
				Kind:     record.KindInsert,
				After: map[string][]byte{
					"id":    mustMarshalMsgpack(int64(1)),
					"buyer": mustMarshalMsgpack("alice"),
				},
				Pos: record.Position{CommitTS: ts, LogSeq: 42},
			}),
			NewRow("public", &record.DataRecord{
				Database: "shop",
				Table:    "orders",
				Kind:     record.KindDelete,
				Before: map[string][]byte{
					"id": mustMarshalMsgpack(int64(2)),
				},
				Pos: record.Position{CommitTS: ts, LogSeq: 43},
			}),
		},
	}
}

func TestBatchEncoder_MsgpackRoundTrip(t *testing.T) {
	for _, compression := range []string{CompressionNone, CompressionZstd, CompressionS2} {
		t.Run(compression, func(t *testing.T) {
			enc, err := NewBatchEncoder(FormatMsgpack, compression)
			require.NoError(t, err)
			assert.Equal(t, compression, enc.Compression())

			in := sampleBatch()
			payload, err := enc.Encode(in)
			require.NoError(t, err)

			out, err := enc.Decode(payload)
			require.NoError(t, err)
			assert.Equal(t, in.AckToken, out.AckToken)
			assert.Equal(t, in.Database, out.Database)
			require.Len(t, out.Rows, 2)
			assert.Equal(t, in.Rows[0].After, out.Rows[0].After)
			assert.Equal(t, uint64(43), out.Rows[1].LogSeq)
			assert.Equal(t, record.KindDelete, out.Rows[1].Kind)
			assert.Equal(t, in.Rows[0].CommitTS, out.Rows[0].CommitTS)
		})
	}
}

func TestBatchEncoder_JSONEnvelope(t *testing.T) {
	enc, err := NewBatchEncoder(FormatJSON, CompressionNone)
	require.NoError(t, err)

	payload, err := enc.Encode(sampleBatch())
	require.NoError(t, err)

	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &result))
	assert.Equal(t, "0000018c5b4f2a10", result["ack_token"])

	rows := result["rows"].([]interface{})
	require.Len(t, rows, 2)

	insert := rows[0].(map[string]interface{})
	assert.Equal(t, "c", insert["op"])
	assert.Nil(t, insert["before"])
	after := insert["after"].(map[string]interface{})
	assert.Equal(t, "alice", after["buyer"])
	assert.Equal(t, float64(1), after["id"])
	assert.Equal(t, float64(1702345678901), insert["ts_ms"])

	source := insert["source"].(map[string]interface{})
	assert.Equal(t, "cdcsink", source["connector"])
	assert.Equal(t, "public", source["schema"])
	assert.Equal(t, "orders", source["table"])
	assert.Equal(t, float64(42), source["lsn"])

	del := rows[1].(map[string]interface{})
	assert.Equal(t, "d", del["op"])
	assert.Nil(t, del["after"])
}

func TestBatchEncoder_JSONCorruptValue(t *testing.T) {
	enc, err := NewBatchEncoder(FormatJSON, CompressionNone)
	require.NoError(t, err)

	b := sampleBatch()
	b.Rows[0].After["buyer"] = []byte{0xc1}

	_, err = enc.Encode(b)
	assert.Error(t, err)
}

func TestBatchEncoder_DecodeCorrupt(t *testing.T) {
	enc, err := NewBatchEncoder(FormatMsgpack, CompressionZstd)
	require.NoError(t, err)

	_, err = enc.Decode([]byte("not zstd"))
	assert.True(t, errors.Is(err, ErrDecode))
}

func TestNewBatchEncoder_Unknown(t *testing.T) {
	_, err := NewBatchEncoder("xml", CompressionNone)
	assert.Error(t, err)

	_, err = NewBatchEncoder(FormatMsgpack, "lz4")
	assert.Error(t, err)

	enc, err := NewBatchEncoder("", "")
	require.NoError(t, err)
	assert.Equal(t, FormatMsgpack, enc.Format())
	assert.Equal(t, CompressionNone, enc.Compression())
}

package encoding

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/maxpert/cdcsink/record"
	"github.com/rs/zerolog/log"
)

// Formats
const (
	FormatMsgpack = "msgpack"
	FormatJSON    = "json"
)

// ErrDecode is returned when a payload cannot be decoded back into a batch
var ErrDecode = errors.New("failed to decode batch")

// BatchEncoder turns a batch into a transport payload
type BatchEncoder struct {
	format     string
	compressor Compressor
	connector  string
}

// NewBatchEncoder creates an encoder for format and compression
func NewBatchEncoder(format, compression string) (*BatchEncoder, error) {
	if format == "" {
		format = FormatMsgpack
	}
	if format != FormatMsgpack && format != FormatJSON {
		return nil, fmt.Errorf("unknown format: %s", format)
	}
	c, err := NewCompressor(compression)
	if err != nil {
		return nil, err
	}
	return &BatchEncoder{
		format:     format,
		compressor: c,
		connector:  "cdcsink",
	}, nil
}

// Format returns the encoder's format name
func (e *BatchEncoder) Format() string {
	return e.format
}

// Compression returns the compressor name
func (e *BatchEncoder) Compression() string {
	return e.compressor.Name()
}

// Encode serializes and compresses b
func (e *BatchEncoder) Encode(b *Batch) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch e.format {
	case FormatJSON:
		data, err = e.encodeJSON(b)
	default:
		data, err = Marshal(b)
	}
	if err != nil {
		return nil, err
	}
	return e.compressor.Compress(data), nil
}

// Decode reverses Encode for msgpack payloads
func (e *BatchEncoder) Decode(payload []byte) (*Batch, error) {
	if e.format != FormatMsgpack {
		return nil, fmt.Errorf("%w: decoding %s payloads is not supported", ErrDecode, e.format)
	}
	data, err := e.compressor.Decompress(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	var b Batch
	if err := Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return &b, nil
}

type jsonBatch struct {
	AckToken string        `json:"ack_token"`
	Database string        `json:"database"`
	Rows     []jsonPayload `json:"rows"`
}

type jsonPayload struct {
	Before map[string]interface{} `json:"before"`
	After  map[string]interface{} `json:"after"`
	Op     string                 `json:"op"`
	TsMs   int64                  `json:"ts_ms"`
	Source jsonSource             `json:"source"`
}

type jsonSource struct {
	Connector string `json:"connector"`
	Db        string `json:"db"`
	Schema    string `json:"schema"`
	Table     string `json:"table"`
	CommitTS  string `json:"commit_ts"`
	LSN       uint64 `json:"lsn"`
}

// encodeJSON renders rows in a Debezium-style envelope with column values
// decoded from msgpack
func (e *BatchEncoder) encodeJSON(b *Batch) ([]byte, error) {
	out := jsonBatch{
		AckToken: b.AckToken,
		Database: b.Database,
		Rows:     make([]jsonPayload, len(b.Rows)),
	}

	for i, row := range b.Rows {
		before, err := decodeRowData(row.Before)
		if err != nil {
			return nil, fmt.Errorf("failed to decode before data of %s.%s: %w", row.Schema, row.Table, err)
		}
		after, err := decodeRowData(row.After)
		if err != nil {
			return nil, fmt.Errorf("failed to decode after data of %s.%s: %w", row.Schema, row.Table, err)
		}

		out.Rows[i] = jsonPayload{
			Before: before,
			After:  after,
			Op:     mapOperation(row.Kind),
			TsMs:   row.CommitTS.WallTime / int64(time.Millisecond),
			Source: jsonSource{
				Connector: e.connector,
				Db:        b.Database,
				Schema:    row.Schema,
				Table:     row.Table,
				CommitTS:  row.CommitTS.String(),
				LSN:       row.LogSeq,
			},
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// decodeRowData decodes msgpack-encoded column values
func decodeRowData(data map[string][]byte) (map[string]interface{}, error) {
	if data == nil {
		return nil, nil
	}
	result := make(map[string]interface{}, len(data))
	for colName, msgpackData := range data {
		var val interface{}
		if err := Unmarshal(msgpackData, &val); err != nil {
			return nil, fmt.Errorf("failed to decode column %s: %w", colName, err)
		}
		result[colName] = val
	}
	return result, nil
}

func mapOperation(k record.Kind) string {
	switch k {
	case record.KindInsert:
		return "c" // create
	case record.KindUpdate:
		return "u" // update
	case record.KindDelete:
		return "d" // delete
	default:
		log.Warn().Stringer("kind", k).Msg("unknown row kind, defaulting to update")
		return "u"
	}
}

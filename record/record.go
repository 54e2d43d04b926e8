// Package record defines the change events that flow through the export
// path and the positions used to acknowledge them.
//
// A Record is either a *DataRecord (one row change) or a *FinishedRecord (the
// end-of-stream marker of one importer's phase). Records are values: once an
// importer hands one to the connector nobody mutates it again.
package record

import (
	"fmt"

	"github.com/maxpert/cdcsink/hlc"
)

// Kind is the type of row change carried by a DataRecord
type Kind uint8

const (
	KindInsert Kind = 0
	KindUpdate Kind = 1
	KindDelete Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindInsert:
		return "INSERT"
	case KindUpdate:
		return "UPDATE"
	case KindDelete:
		return "DELETE"
	default:
		return fmt.Sprintf("KIND(%d)", uint8(k))
	}
}

// Phase is the ingestion phase an importer is in
type Phase uint8

const (
	// PhaseBulk is the initial full-data load
	PhaseBulk Phase = iota
	// PhaseIncremental is the ongoing tail of changes
	PhaseIncremental
)

func (p Phase) String() string {
	switch p {
	case PhaseBulk:
		return "BULK"
	case PhaseIncremental:
		return "INCREMENTAL"
	default:
		return fmt.Sprintf("PHASE(%d)", uint8(p))
	}
}

// Position is the intrinsic ordering key of a record. CommitTS orders records
// across shards, LogSeq orders them inside the shard's source log.
type Position struct {
	CommitTS hlc.Timestamp `msgpack:"ts" json:"commit_ts"`
	LogSeq   uint64        `msgpack:"seq" json:"log_seq"`
}

func (p Position) String() string {
	return fmt.Sprintf("%s#%d", p.CommitTS, p.LogSeq)
}

// Record is implemented by *DataRecord and *FinishedRecord only
type Record interface {
	Position() Position
	isRecord()
}

// DataRecord is one row change. Column values are msgpack encoded.
type DataRecord struct {
	Database string            `msgpack:"db"`
	Table    string            `msgpack:"tbl"`
	Kind     Kind              `msgpack:"op"`
	Before   map[string][]byte `msgpack:"before,omitempty"`
	After    map[string][]byte `msgpack:"after,omitempty"`
	Pos      Position          `msgpack:"pos"`
}

func (r *DataRecord) Position() Position { return r.Pos }
func (*DataRecord) isRecord()            {}

// FinishedRecord marks the end of an importer's stream for its phase
type FinishedRecord struct {
	Pos Position `msgpack:"pos"`
}

func (r *FinishedRecord) Position() Position { return r.Pos }
func (*FinishedRecord) isRecord()            {}

// Importer is the handle of one sharded ingestion task. ID is the identity
// used as the key into queues and position maps.
type Importer interface {
	ID() string
	Phase() Phase
	// Ack is called once the records up to pos.LastRecord were acknowledged
	// by the subscriber (or, for an empty finished batch, immediately).
	Ack(pos PendingPosition)
}

// PendingPosition describes how far one importer's records reached in a
// delivered batch.
type PendingPosition struct {
	Importer    Importer
	LastRecord  Record
	DataRecords int
}

// CountData returns how many DataRecords the slice holds
func CountData(records []Record) int {
	n := 0
	for _, r := range records {
		if _, ok := r.(*DataRecord); ok {
			n++
		}
	}
	return n
}

// Last returns the final record of the slice, or nil when empty
func Last(records []Record) Record {
	if len(records) == 0 {
		return nil
	}
	return records[len(records)-1]
}

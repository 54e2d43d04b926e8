package encoding

import (
	"github.com/maxpert/cdcsink/hlc"
	"github.com/maxpert/cdcsink/record"
)

// Batch is the unit written to the transport
type Batch struct {
	AckToken string `msgpack:"ack" json:"ack_token"`
	Database string `msgpack:"db" json:"database"`
	Rows     []Row  `msgpack:"rows" json:"rows"`
}

// Row is one data record annotated with its schema
type Row struct {
	Schema   string            `msgpack:"schema"`
	Table    string            `msgpack:"tbl"`
	Kind     record.Kind       `msgpack:"op"`
	Before   map[string][]byte `msgpack:"before,omitempty"`
	After    map[string][]byte `msgpack:"after,omitempty"`
	CommitTS hlc.Timestamp     `msgpack:"ts"`
	LogSeq   uint64            `msgpack:"seq"`
}

// NewRow copies a data record into a row
func NewRow(schema string, r *record.DataRecord) Row {
	return Row{
		Schema:   schema,
		Table:    r.Table,
		Kind:     r.Kind,
		Before:   r.Before,
		After:    r.After,
		CommitTS: r.Pos.CommitTS,
		LogSeq:   r.Pos.LogSeq,
	}
}

package connector

import "github.com/maxpert/cdcsink/merge"

// Stats is a point-in-time view of the connector
type Stats struct {
	Database          string         `json:"database"`
	Ordered           bool           `json:"ordered"`
	ShardCount        int            `json:"shard_count"`
	ShardsOnline      int            `json:"shards_online"`
	Queues            map[string]int `json:"queues"`
	Scheduler         string         `json:"scheduler"`
	SchedulerError    string         `json:"scheduler_error,omitempty"`
	TransportOpen     bool           `json:"transport_open"`
	TransportWritable bool           `json:"transport_writable"`
	GateWaits         uint64         `json:"gate_waits"`
	GatePolls         uint64         `json:"gate_polls"`
	BatchesDelivered  uint64         `json:"batches_delivered"`
	RecordsDelivered  uint64         `json:"records_delivered"`
	RecordsDropped    uint64         `json:"records_dropped"`
	EmptyAcks         uint64         `json:"empty_acks"`
	AcksApplied       uint64         `json:"acks_applied"`
	AcksIssued        uint64         `json:"acks_issued"`
	AcksOutstanding   int            `json:"acks_outstanding"`
}

// Stats returns the current counters
func (c *Connector) Stats() Stats {
	st := Stats{
		Database:          c.config.Database,
		Ordered:           c.config.Compare != nil,
		ShardCount:        c.config.ShardCount,
		ShardsOnline:      c.queues.Online(),
		Queues:            c.queues.Depths(),
		Scheduler:         merge.NotStarted.String(),
		TransportOpen:     c.config.Transport.IsOpen(),
		TransportWritable: c.config.Transport.IsWritable(),
		GateWaits:         c.gate.Waits(),
		GatePolls:         c.gate.Polls(),
		BatchesDelivered:  c.batches.Load(),
		RecordsDelivered:  c.records.Load(),
		RecordsDropped:    c.dropped.Load(),
		EmptyAcks:         c.emptyAcks.Load(),
		AcksApplied:       c.acked.Load(),
		AcksIssued:        c.config.Acks.Issued(),
		AcksOutstanding:   c.config.Acks.Outstanding(),
	}

	c.schedMu.Lock()
	s := c.scheduler
	c.schedMu.Unlock()
	if s != nil {
		st.Scheduler = s.State().String()
		if err := s.Err(); err != nil {
			st.SchedulerError = err.Error()
		}
	}
	return st
}

// QueueDepths returns queued records per importer
func (c *Connector) QueueDepths() map[string]int {
	return c.queues.Depths()
}

// OutstandingAcks returns the number of unacknowledged batches
func (c *Connector) OutstandingAcks() int {
	return c.config.Acks.Outstanding()
}

// OnlineShards returns how many importers signalled incremental start
func (c *Connector) OnlineShards() int {
	return c.queues.Online()
}

// SchedulerState returns the merge scheduler state
func (c *Connector) SchedulerState() merge.State {
	c.schedMu.Lock()
	defer c.schedMu.Unlock()
	if c.scheduler == nil {
		return merge.NotStarted
	}
	return c.scheduler.State()
}

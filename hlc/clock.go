package hlc

import (
	"fmt"
	"sync"
	"time"
)

// Bit layout of Timestamp.ToID:
//
//	42 bits wall time in milliseconds | 6 bits node id | 16 bits logical
const (
	LogicalBits    = 16
	LogicalMask    = (1 << LogicalBits) - 1
	NodeIDBits     = 6
	NodeIDMask     = (1 << NodeIDBits) - 1
	TotalShiftBits = NodeIDBits + LogicalBits
)

// MaxLogical is the largest logical counter a single millisecond can carry
const MaxLogical = LogicalMask

// Timestamp is a hybrid logical time. It is the commit-order key carried by
// change records and is comparable across shards.
type Timestamp struct {
	WallTime int64  `msgpack:"w" json:"wall_time"`
	Logical  int32  `msgpack:"l" json:"logical"`
	NodeID   uint64 `msgpack:"n" json:"node_id"`
}

// Clock hands out strictly increasing timestamps for one node
type Clock struct {
	nodeID   uint64
	wallTime int64
	logical  int32
	lastMS   int64
	mu       sync.Mutex
}

// NewClock creates a clock for the given node
func NewClock(nodeID uint64) *Clock {
	now := time.Now().UnixNano()
	return &Clock{
		nodeID:   nodeID,
		wallTime: now,
		lastMS:   now / 1_000_000,
	}
}

// Now returns a timestamp greater than every timestamp previously returned
// by this clock.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physical := time.Now().UnixNano()
	ms := physical / 1_000_000

	if physical > c.wallTime {
		c.wallTime = physical
	}

	// The logical counter is per millisecond so ToID never spills into the
	// node id bits.
	if ms > c.lastMS {
		c.lastMS = ms
		c.logical = 0
	}

	for c.logical >= MaxLogical {
		time.Sleep(100 * time.Microsecond)
		now := time.Now().UnixNano()
		if now/1_000_000 > c.lastMS {
			c.wallTime = now
			c.lastMS = now / 1_000_000
			c.logical = 0
		}
	}

	c.logical++

	return Timestamp{
		WallTime: c.wallTime,
		Logical:  c.logical,
		NodeID:   c.nodeID,
	}
}

// Compare orders timestamps by wall time, then logical counter, then node id.
// Returns -1, 0 or 1.
func Compare(a, b Timestamp) int {
	switch {
	case a.WallTime < b.WallTime:
		return -1
	case a.WallTime > b.WallTime:
		return 1
	case a.Logical < b.Logical:
		return -1
	case a.Logical > b.Logical:
		return 1
	case a.NodeID < b.NodeID:
		return -1
	case a.NodeID > b.NodeID:
		return 1
	}
	return 0
}

// Less reports whether a sorts before b
func Less(a, b Timestamp) bool {
	return Compare(a, b) < 0
}

// IsZero reports whether the timestamp was never set
func (t Timestamp) IsZero() bool {
	return t.WallTime == 0 && t.Logical == 0 && t.NodeID == 0
}

// ToID packs the timestamp into a 64-bit identifier that is unique per node
// and increases with the timestamp.
func (t Timestamp) ToID() uint64 {
	ms := uint64(t.WallTime / 1_000_000)
	node := t.NodeID & NodeIDMask
	logical := uint64(t.Logical) & LogicalMask
	return (ms << TotalShiftBits) | (node << LogicalBits) | logical
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%s/%d@%d", time.Unix(0, t.WallTime).UTC().Format(time.RFC3339Nano), t.Logical, t.NodeID)
}

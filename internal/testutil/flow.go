package testutil

import (
	"fmt"
	"sync/atomic"
)

// StreamIDs hands out predictable stream IDs: prefix-1, prefix-2, ...
//
// Streams started with these IDs produce byte-identical event logs across
// runs, which golden snapshots rely on. Safe for concurrent use.
type StreamIDs struct {
	prefix string
	n      atomic.Int64
}

// NewStreamIDs creates a generator. An empty prefix means "stream".
func NewStreamIDs(prefix string) *StreamIDs {
	if prefix == "" {
		prefix = "stream"
	}
	return &StreamIDs{prefix: prefix}
}

// Next returns the next stream ID.
func (g *StreamIDs) Next() string {
	return fmt.Sprintf("%s-%d", g.prefix, g.n.Add(1))
}

package store

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"
)

var idCounter uint32

// NewID returns a new opaque document id. IDs are monotonically
// increasing and lexicographically sortable by creation order: the
// document store relies on this so that a plain bucket-cursor scan
// serves both "oldest first" (FIFO task selection) and "most recent"
// queries without a secondary index.
func NewID() string {
	now := uint64(time.Now().UTC().UnixNano())
	seq := atomic.AddUint32(&idCounter, 1)

	var buf [12]byte
	binary.BigEndian.PutUint64(buf[0:8], now)
	binary.BigEndian.PutUint32(buf[8:12], seq)
	return fmt.Sprintf("%x", buf[:])
}

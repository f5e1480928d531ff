package session

import (
	"encoding/json"
	"time"
)

// HistoryEntry is one recorded publish on a channel. Seq is assigned by the
// ring, dense and strictly increasing per channel, so readers can detect
// gaps after overwrites.
type HistoryEntry struct {
	Seq       uint64
	Event     string
	Data      json.RawMessage
	Publisher string // connection id, empty for server-originated events
	Timestamp time.Time
}

// HistoryRing is a fixed-capacity ring of the most recent channel events.
// Oldest entries are overwritten once the ring is full. Not safe for
// concurrent use; the owning channel's lock guards it.
type HistoryRing struct {
	buf     []HistoryEntry
	start   int // index of oldest entry
	size    int
	nextSeq uint64
}

// NewHistoryRing creates a ring with the given capacity (minimum 1).
func NewHistoryRing(capacity int) *HistoryRing {
	if capacity < 1 {
		capacity = 1
	}
	return &HistoryRing{buf: make([]HistoryEntry, capacity)}
}

// Append records an entry, overwriting the oldest when full, and returns
// the assigned sequence number. Sequence numbers start at 1.
func (r *HistoryRing) Append(e HistoryEntry) uint64 {
	r.nextSeq++
	e.Seq = r.nextSeq
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = e
		r.size++
	} else {
		r.buf[r.start] = e
		r.start = (r.start + 1) % len(r.buf)
	}
	return e.Seq
}

// Len returns the number of retained entries.
func (r *HistoryRing) Len() int { return r.size }

// LastSeq returns the sequence of the newest entry, 0 when none.
func (r *HistoryRing) LastSeq() uint64 { return r.nextSeq }

// Last returns up to n newest entries in append order.
func (r *HistoryRing) Last(n int) []HistoryEntry {
	if n > r.size {
		n = r.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]HistoryEntry, 0, n)
	for i := r.size - n; i < r.size; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

// Since returns all retained entries with Seq > seq in append order, plus
// a flag reporting whether entries in (seq, first retained) were already
// overwritten — a gap the caller must surface to the reader.
func (r *HistoryRing) Since(seq uint64) (entries []HistoryEntry, gap bool) {
	if r.size == 0 {
		return nil, seq < r.nextSeq
	}
	oldest := r.buf[r.start].Seq
	if seq+1 < oldest {
		gap = true
	}
	for i := 0; i < r.size; i++ {
		e := r.buf[(r.start+i)%len(r.buf)]
		if e.Seq > seq {
			entries = append(entries, e)
		}
	}
	return entries, gap
}

// Package history keeps the per-strategy decision history ring and builds
// the rolling trade digest composers consume.
//
// The ring is append-only FIFO with a fixed capacity; once full, every
// append evicts the oldest record. Records are never mutated after append.
// Each decision cycle contributes four records (features, compose,
// instructions, execution) sharing the cycle's compose ID as reference.
package history

import (
	"sync"

	"quantpilot/pkg/types"
)

// DefaultCapacity is the ring size used when none is configured.
const DefaultCapacity = 200

// ExecutionPayload is the payload stored under execution-kind records.
type ExecutionPayload struct {
	Results []types.TxResult          `json:"results"`
	Trades  []types.TradeHistoryEntry `json:"trades"`
}

// Recorder is the fixed-capacity decision history ring for one strategy.
type Recorder struct {
	mu    sync.RWMutex
	buf   []types.HistoryRecord
	head  int // index of the oldest record
	count int
}

// NewRecorder creates a ring with the given capacity.
func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Recorder{buf: make([]types.HistoryRecord, capacity)}
}

// Record appends one record, evicting the oldest when full. O(1).
func (r *Recorder) Record(kind types.RecordKind, referenceID string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := types.HistoryRecord{
		TS:          types.NowMS(),
		Kind:        kind,
		ReferenceID: referenceID,
		Payload:     payload,
	}
	if r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = rec
		r.count++
		return
	}
	r.buf[r.head] = rec
	r.head = (r.head + 1) % len(r.buf)
}

// Len returns the number of records currently held.
func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Snapshot returns the records oldest-first.
func (r *Recorder) Snapshot() []types.HistoryRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.HistoryRecord, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

// LastByKind returns up to n most recent records of one kind, oldest-first.
func (r *Recorder) LastByKind(kind types.RecordKind, n int) []types.HistoryRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []types.HistoryRecord
	for i := r.count - 1; i >= 0 && len(out) < n; i-- {
		rec := r.buf[(r.head+i)%len(r.buf)]
		if rec.Kind == kind {
			out = append(out, rec)
		}
	}
	// Collected newest-first; reverse to oldest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

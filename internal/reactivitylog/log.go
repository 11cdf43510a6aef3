// Package reactivitylog implements the per-transaction record of cells read
// and cells written during one action's execution.
package reactivitylog

import "github.com/commontoolsinc/reactor/internal/cell"

// Log is a per-transaction structure with two deduplicated sets: reads
// (cells sampled during execution) and writes (cells mutated). It is sealed
// when its owning transaction commits; reading it after that point is the
// caller's responsibility to avoid, so this type does not itself enforce
// sealing — the action runner extracts the reads it needs from the log
// before commit is fired.
type Log struct {
	reads      map[cell.ID]uint64 // cell -> version observed at read time
	readOrder  []cell.ID
	writes     map[cell.ID]struct{}
	writeOrder []cell.ID
}

// New returns an empty log ready to record one transaction's accesses.
func New() *Log {
	return &Log{
		reads:  make(map[cell.ID]uint64),
		writes: make(map[cell.ID]struct{}),
	}
}

// RecordRead notes that id was read at the given version. Recording the
// same cell twice keeps the most recent version observed.
func (l *Log) RecordRead(id cell.ID, version uint64) {
	if _, seen := l.reads[id]; !seen {
		l.readOrder = append(l.readOrder, id)
	}
	l.reads[id] = version
}

// RecordWrite notes that id was written during this transaction. Ordering
// is irrelevant; writeOrder exists only to make Writes()
// deterministic for logging and tests.
func (l *Log) RecordWrite(id cell.ID) {
	if _, seen := l.writes[id]; !seen {
		l.writeOrder = append(l.writeOrder, id)
		l.writes[id] = struct{}{}
	}
}

// Reads returns the deduplicated set of cell identities read, in first-seen
// order.
func (l *Log) Reads() []cell.ID {
	out := make([]cell.ID, len(l.readOrder))
	copy(out, l.readOrder)
	return out
}

// ReadVersion returns the version observed for id at read time, and
// whether id was read at all. The transaction boundary's commit-time diff
// uses this to detect stale reads.
func (l *Log) ReadVersion(id cell.ID) (uint64, bool) {
	v, ok := l.reads[id]
	return v, ok
}

// Writes returns the deduplicated set of cell identities written, in
// first-seen order.
func (l *Log) Writes() []cell.ID {
	out := make([]cell.ID, len(l.writeOrder))
	copy(out, l.writeOrder)
	return out
}

// WroteCell reports whether id was written during this transaction.
func (l *Log) WroteCell(id cell.ID) bool {
	_, ok := l.writes[id]
	return ok
}

package store

import "context"

// VersionedStore is the durable side of a cell: the send queue persists
// each committed write through CompareAndSetVersioned, and a CAS mismatch
// stages the write in the write-behind buffer for reconciliation. Stale
// reads are not detected here; the transaction's diff step compares read
// versions against the in-memory cell store.
type VersionedStore interface {
	GetVersioned(ctx context.Context, key string) (*CellRecord, error)
	// CompareAndSetVersioned writes value only if the key's current
	// version equals expectedVersion, returning ok=false on mismatch
	// (stale read) rather than an error.
	CompareAndSetVersioned(ctx context.Context, key string, expectedVersion int64, value CellRecord) (ok bool, err error)
}

// CommitLog is the append-only durable record of committed transactions,
// used to rehydrate the reactive graph across sessions (spec §9).
type CommitLog interface {
	Append(ctx context.Context, rec CommitRecord) error
	Recent(ctx context.Context, limit int) ([]CommitRecord, error)
}

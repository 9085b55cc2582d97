// Package durable implements the hot store's durable tier: the on-disk or
// cloud-backed store that the RAM cache promotes from and writes back to.
package durable

import "context"

// Record is the durable tier's on-the-wire account representation —
// the header fields plus payload described by the file-tier layout.
type Record struct {
	Lamports   uint64
	OwnerKey   [32]byte
	Executable bool
	RentEpoch  uint64
	Data       []byte
}

// Tier is the contract the RAM cache's writeback and promotion paths rely
// on. Both implementations — the file-per-key tier and the Spanner-backed
// tier — satisfy the same contract so the store can swap backends without
// changing its writeback or promotion logic.
type Tier interface {
	// Get returns the record for a key, or ok=false if absent.
	Get(ctx context.Context, key [32]byte) (rec Record, ok bool, err error)
	// Put writes a key's full record, replacing any prior contents.
	Put(ctx context.Context, key [32]byte, rec Record) error
	// Delete removes a key's contents; deleting an absent key is not an error.
	Delete(ctx context.Context, key [32]byte) error
	// Close releases any held resources (file handles, client connections).
	Close() error
}

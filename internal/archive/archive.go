// Package archive implements the cold, compressed, Postgres-backed tier
// that sits behind the durable tier. It is populated only by an explicit,
// out-of-band compaction routine — never by the packet-processing hot
// path — and never participates in promotion except through the ordinary
// get path once compaction has moved an account there.
package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/hex"
	"io"

	_ "github.com/lib/pq"

	"github.com/vexor/ingress/internal/errs"
)

// Entry is the archive tier's stored representation: the same record
// shape as the durable tier, gzip-compressed before storage.
type Entry struct {
	Lamports   uint64
	OwnerKey   [32]byte
	Executable bool
	RentEpoch  uint64
	Data       []byte
	Slot       uint64
}

// Store is a Postgres-backed archive tier.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres via the given DSN and ensures the archive
// table exists.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errs.Wrap(errs.KindInitializationFailure, "archive.Open", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.KindInitializationFailure, "archive.Open", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS ingress_archive (
		key TEXT PRIMARY KEY,
		lamports BIGINT NOT NULL,
		owner_key TEXT NOT NULL,
		executable BOOLEAN NOT NULL,
		rent_epoch BIGINT NOT NULL,
		slot BIGINT NOT NULL,
		compressed_data BYTEA NOT NULL,
		archived_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.KindInitializationFailure, "archive.Open", err)
	}
	return &Store{db: db}, nil
}

// Put compresses and upserts an archive entry.
func (s *Store) Put(ctx context.Context, key [32]byte, e Entry) error {
	compressed, err := compress(e.Data)
	if err != nil {
		return errs.Wrap(errs.KindDurableIOFailure, "archive.Put", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ingress_archive (key, lamports, owner_key, executable, rent_epoch, slot, compressed_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (key) DO UPDATE SET
			lamports = EXCLUDED.lamports, owner_key = EXCLUDED.owner_key,
			executable = EXCLUDED.executable, rent_epoch = EXCLUDED.rent_epoch,
			slot = EXCLUDED.slot, compressed_data = EXCLUDED.compressed_data,
			archived_at = now()`,
		hex.EncodeToString(key[:]), e.Lamports, hex.EncodeToString(e.OwnerKey[:]),
		e.Executable, e.RentEpoch, e.Slot, compressed,
	)
	if err != nil {
		return errs.Wrap(errs.KindDurableIOFailure, "archive.Put", err)
	}
	return nil
}

// Get retrieves and decompresses an archive entry.
func (s *Store) Get(ctx context.Context, key [32]byte) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT lamports, owner_key, executable, rent_epoch, slot, compressed_data
		FROM ingress_archive WHERE key = $1`, hex.EncodeToString(key[:]))

	var e Entry
	var ownerHex string
	var compressed []byte
	if err := row.Scan(&e.Lamports, &ownerHex, &e.Executable, &e.RentEpoch, &e.Slot, &compressed); err != nil {
		if err == sql.ErrNoRows {
			return Entry{}, false, nil
		}
		return Entry{}, false, errs.Wrap(errs.KindDurableIOFailure, "archive.Get", err)
	}

	owner, err := hex.DecodeString(ownerHex)
	if err != nil || len(owner) != 32 {
		return Entry{}, false, errs.New(errs.KindParseMalformed, "archive.Get").With("reason", "bad_owner_key")
	}
	copy(e.OwnerKey[:], owner)

	data, err := decompress(compressed)
	if err != nil {
		return Entry{}, false, errs.Wrap(errs.KindIntegrityMismatch, "archive.Get", err)
	}
	e.Data = data
	return e, true, nil
}

// Delete removes an archived entry, used after it is promoted back out.
func (s *Store) Delete(ctx context.Context, key [32]byte) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM ingress_archive WHERE key = $1`, hex.EncodeToString(key[:]))
	if err != nil {
		return errs.Wrap(errs.KindDurableIOFailure, "archive.Delete", err)
	}
	return nil
}

// Close closes the underlying database connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

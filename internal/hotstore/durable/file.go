package durable

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/vexor/ingress/internal/errs"
)

// headerLen is the fixed-width {lamports, owner, executable_flag,
// rent_epoch, data_length} header preceding every file's payload.
const headerLen = 8 + 32 + 1 + 8 + 4

// FileTier is the mandated file-per-key durable tier: each key's record
// lives under dir/<hex(key)>, written as a whole-file replacement.
type FileTier struct {
	dir string
}

// NewFileTier creates (if needed) the backing directory and returns a
// FileTier rooted there.
func NewFileTier(dir string) (*FileTier, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindInitializationFailure, "durable.NewFileTier", err)
	}
	return &FileTier{dir: dir}, nil
}

func (t *FileTier) path(key [32]byte) string {
	return filepath.Join(t.dir, hex.EncodeToString(key[:]))
}

func (t *FileTier) Get(ctx context.Context, key [32]byte) (Record, bool, error) {
	raw, err := os.ReadFile(t.path(key))
	if os.IsNotExist(err) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, errs.Wrap(errs.KindDurableIOFailure, "durable.FileTier.Get", err)
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return Record{}, false, errs.Wrap(errs.KindDurableIOFailure, "durable.FileTier.Get", err)
	}
	return rec, true, nil
}

func (t *FileTier) Put(ctx context.Context, key [32]byte, rec Record) error {
	raw := encodeRecord(rec)
	tmp := t.path(key) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return errs.Wrap(errs.KindDurableIOFailure, "durable.FileTier.Put", err)
	}
	if err := os.Rename(tmp, t.path(key)); err != nil {
		return errs.Wrap(errs.KindDurableIOFailure, "durable.FileTier.Put", err)
	}
	return nil
}

func (t *FileTier) Delete(ctx context.Context, key [32]byte) error {
	if err := os.Remove(t.path(key)); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.KindDurableIOFailure, "durable.FileTier.Delete", err)
	}
	return nil
}

func (t *FileTier) Close() error { return nil }

func encodeRecord(rec Record) []byte {
	buf := make([]byte, headerLen+len(rec.Data))
	binary.LittleEndian.PutUint64(buf[0:8], rec.Lamports)
	copy(buf[8:40], rec.OwnerKey[:])
	if rec.Executable {
		buf[40] = 1
	}
	binary.LittleEndian.PutUint64(buf[41:49], rec.RentEpoch)
	binary.LittleEndian.PutUint32(buf[49:53], uint32(len(rec.Data)))
	copy(buf[headerLen:], rec.Data)
	return buf
}

func decodeRecord(raw []byte) (Record, error) {
	if len(raw) < headerLen {
		return Record{}, errs.New(errs.KindParseMalformed, "durable.decodeRecord").With("reason", "short_header")
	}
	var rec Record
	rec.Lamports = binary.LittleEndian.Uint64(raw[0:8])
	copy(rec.OwnerKey[:], raw[8:40])
	rec.Executable = raw[40] != 0
	rec.RentEpoch = binary.LittleEndian.Uint64(raw[41:49])
	dataLen := binary.LittleEndian.Uint32(raw[49:53])
	if len(raw) < headerLen+int(dataLen) {
		return Record{}, errs.New(errs.KindParseMalformed, "durable.decodeRecord").With("reason", "short_payload")
	}
	rec.Data = append([]byte(nil), raw[headerLen:headerLen+int(dataLen)]...)
	return rec, nil
}

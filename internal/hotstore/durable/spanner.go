package durable

import (
	"context"
	"encoding/hex"
	"fmt"

	"cloud.google.com/go/spanner"
	"google.golang.org/grpc/codes"

	"github.com/vexor/ingress/internal/errs"
)

// SpannerTier is the cloud-deployment durable tier, keyed by the hex
// encoding of the 32-byte account key in an "Accounts" table.
type SpannerTier struct {
	client *spanner.Client
}

// NewSpannerTier opens a Spanner client against the given database path.
func NewSpannerTier(project, instance, dbName string) (*SpannerTier, error) {
	ctx := context.Background()
	dbPath := fmt.Sprintf("projects/%s/instances/%s/databases/%s", project, instance, dbName)

	client, err := spanner.NewClient(ctx, dbPath)
	if err != nil {
		return nil, errs.Wrap(errs.KindInitializationFailure, "durable.NewSpannerTier", err)
	}
	return &SpannerTier{client: client}, nil
}

func (s *SpannerTier) Get(ctx context.Context, key [32]byte) (Record, bool, error) {
	row, err := s.client.Single().ReadRow(ctx, "Accounts", spanner.Key{hex.EncodeToString(key[:])},
		[]string{"Lamports", "OwnerKey", "Executable", "RentEpoch", "Data"})
	if err != nil {
		if spanner.ErrCode(err) == codes.NotFound {
			return Record{}, false, nil
		}
		return Record{}, false, errs.Wrap(errs.KindDurableIOFailure, "durable.SpannerTier.Get", err)
	}

	var rec Record
	var ownerHex string
	if err := row.Columns(&rec.Lamports, &ownerHex, &rec.Executable, &rec.RentEpoch, &rec.Data); err != nil {
		return Record{}, false, errs.Wrap(errs.KindDurableIOFailure, "durable.SpannerTier.Get", err)
	}
	owner, err := hex.DecodeString(ownerHex)
	if err != nil || len(owner) != 32 {
		return Record{}, false, errs.New(errs.KindParseMalformed, "durable.SpannerTier.Get").With("reason", "bad_owner_key")
	}
	copy(rec.OwnerKey[:], owner)
	return rec, true, nil
}

func (s *SpannerTier) Put(ctx context.Context, key [32]byte, rec Record) error {
	_, err := s.client.Apply(ctx, []*spanner.Mutation{
		spanner.InsertOrUpdate("Accounts",
			[]string{"Key", "Lamports", "OwnerKey", "Executable", "RentEpoch", "Data", "UpdatedAt"},
			[]interface{}{
				hex.EncodeToString(key[:]), rec.Lamports, hex.EncodeToString(rec.OwnerKey[:]),
				rec.Executable, rec.RentEpoch, rec.Data, spanner.CommitTimestamp,
			},
		),
	})
	if err != nil {
		return errs.Wrap(errs.KindDurableIOFailure, "durable.SpannerTier.Put", err)
	}
	return nil
}

func (s *SpannerTier) Delete(ctx context.Context, key [32]byte) error {
	_, err := s.client.Apply(ctx, []*spanner.Mutation{
		spanner.Delete("Accounts", spanner.Key{hex.EncodeToString(key[:])}),
	})
	if err != nil {
		return errs.Wrap(errs.KindDurableIOFailure, "durable.SpannerTier.Delete", err)
	}
	return nil
}

func (s *SpannerTier) Close() error {
	s.client.Close()
	return nil
}

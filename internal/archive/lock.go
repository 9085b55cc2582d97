package archive

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vexor/ingress/internal/errs"
)

// CompactionLock is a Redis-backed distributed lock ensuring only one
// node in a multi-node deployment runs archive compaction at a time.
type CompactionLock struct {
	rdb   *redis.Client
	key   string
	token string
	ttl   time.Duration
}

// NewCompactionLock connects to Redis at addr and returns a lock handle
// for the given key. The connection is verified with a ping.
func NewCompactionLock(addr, password string, db int, key string, ttl time.Duration) (*CompactionLock, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, errs.Wrap(errs.KindInitializationFailure, "archive.NewCompactionLock", err)
	}

	return &CompactionLock{rdb: rdb, key: key, ttl: ttl}, nil
}

// TryAcquire attempts to take the lock with SET NX, returning false
// without blocking if another node already holds it.
func (l *CompactionLock) TryAcquire(ctx context.Context) (bool, error) {
	token := uuid.New().String()
	ok, err := l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return false, errs.Wrap(errs.KindDurableIOFailure, "archive.TryAcquire", err)
	}
	if ok {
		l.token = token
	}
	return ok, nil
}

// Release clears the lock, but only if this handle still holds it —
// a compare-and-delete guards against releasing a lock a stale holder no
// longer owns after TTL expiry and reacquisition by another node.
func (l *CompactionLock) Release(ctx context.Context) error {
	if l.token == "" {
		return nil
	}
	cur, err := l.rdb.Get(ctx, l.key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return errs.Wrap(errs.KindDurableIOFailure, "archive.Release", err)
	}
	if cur != l.token {
		return nil
	}
	return l.rdb.Del(ctx, l.key).Err()
}

// Close closes the underlying Redis client.
func (l *CompactionLock) Close() error {
	return l.rdb.Close()
}

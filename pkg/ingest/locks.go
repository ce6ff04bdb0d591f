package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/skoposlabs/skopos/pkg/apierror"
	"github.com/skoposlabs/skopos/pkg/logger"
)

// Temporal lock keys live under this prefix in redis.
const lockPrefix = "rtl:"

// Lock TTLs. A held lock means the previous run has not finished yet, so
// the TTL doubles as the stuck-job recovery horizon.
const (
	defaultLockTTL  = 30 * 24 * time.Hour
	maintainLockTTL = 12 * time.Hour
	cleanupLockTTL  = 3 * time.Hour
)

// Locker is a redis-backed temporal lock: one named job runs at a time
// across all processes. Acquisition is SetNX with a TTL; a crashed holder
// is recovered when the TTL expires.
type Locker struct {
	client redis.UniversalClient
	logger *slog.Logger
}

func NewLocker(client redis.UniversalClient) *Locker {
	return &Locker{client: client, logger: logger.New("ingest")}
}

// Acquire takes the named lock. Returns false when another holder has it.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	ok, err := l.client.SetNX(ctx, lockPrefix+name, time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, apierror.Upstream(err, "redis")
	}
	return ok, nil
}

func (l *Locker) Release(ctx context.Context, name string) error {
	if err := l.client.Del(ctx, lockPrefix+name).Err(); err != nil {
		return apierror.Upstream(err, "redis")
	}
	return nil
}

// WithLock runs fn under the named lock. A held lock skips the run
// silently; that is the normal overlap case, not an error.
func (l *Locker) WithLock(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) error {
	ok, err := l.Acquire(ctx, name, ttl)
	if err != nil {
		return err
	}
	if !ok {
		l.logger.Info("skipping run, lock is held", "lock", name)
		return nil
	}
	defer func() {
		if err := l.Release(ctx, name); err != nil {
			l.logger.Warn("releasing lock failed", "lock", name, "error", err)
		}
	}()
	return fn(ctx)
}

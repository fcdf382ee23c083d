package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	janitorLockKey = "sessiongate:janitor:leader"
	janitorLockTTL = 2 * time.Minute
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// LeaderElector implements Redis-based leader election using SET NX with TTL.
// Used so that only one instance prunes closed session records at a time.
type LeaderElector struct {
	rdb        *redis.Client
	instanceID string
	lockKey    string
	lockTTL    time.Duration
}

// NewLeaderElector creates a leader election coordinator.
// instanceID should be unique per instance (e.g., hostname-PID).
func NewLeaderElector(rdb *redis.Client, instanceID string) *LeaderElector {
	return &LeaderElector{
		rdb:        rdb,
		instanceID: instanceID,
		lockKey:    janitorLockKey,
		lockTTL:    janitorLockTTL,
	}
}

// TryAcquire becomes or stays leader. A current leader extends its lease.
func (l *LeaderElector) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.lockKey, l.instanceID, l.lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire leader lock: %w", err)
	}
	if ok {
		return true, nil
	}

	if err := l.Renew(ctx); err != nil {
		if errors.Is(err, errNotLeader) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

var errNotLeader = errors.New("not the leader")

// Renew extends the leader lease. Returns errNotLeader if another instance holds it.
func (l *LeaderElector) Renew(ctx context.Context) error {
	currentLeader, err := l.rdb.Get(ctx, l.lockKey).Result()
	if errors.Is(err, redis.Nil) {
		return errNotLeader
	}
	if err != nil {
		return fmt.Errorf("failed to check leader: %w", err)
	}
	if currentLeader != l.instanceID {
		return errNotLeader
	}

	ok, err := l.rdb.Expire(ctx, l.lockKey, l.lockTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to renew leader lock: %w", err)
	}
	if !ok {
		return errNotLeader
	}
	return nil
}

// Release voluntarily releases leadership. Called on graceful shutdown.
func (l *LeaderElector) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{l.lockKey}, l.instanceID).Err(); err != nil {
		return fmt.Errorf("failed to release leader lock: %w", err)
	}
	return nil
}

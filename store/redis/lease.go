/*
Package redis provides a Redis-backed remittance.LeaseStore.

PURPOSE:

	Lets several engine processes that do not share a SQLite file exclude
	each other per remittance. Leases are redsync mutexes whose value is
	the lease holder, so the key in Redis shows who owns it.

SEMANTICS:

	AcquireLease: one attempt, contention is (false, nil)
	RenewLease:   extends the TTL only while the value still equals holder
	ReleaseLease: idempotent, an expired lease is not an error

USAGE:

	client := goredislib.NewClient(&goredislib.Options{Addr: "localhost:6379"})
	leases := redis.NewLeaseStore(client)
	locks := remittance.NewLockManager(leases, cfg, logger)

SEE ALSO:
  - remittance/lock.go: Heartbeat and loss detection on top of LeaseStore
  - store/sqlite/sqlite.go: Single-node lease table
*/
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"
)

// LeaseStore implements remittance.LeaseStore with redsync.
type LeaseStore struct {
	client  goredislib.UniversalClient
	redsync *redsync.Redsync

	mu      sync.Mutex
	mutexes map[string]*redsync.Mutex
}

// NewLeaseStore creates a lease store on an existing client.
func NewLeaseStore(client goredislib.UniversalClient) *LeaseStore {
	return &LeaseStore{
		client:  client,
		redsync: redsync.New(goredis.NewPool(client)),
		mutexes: make(map[string]*redsync.Mutex),
	}
}

// Ping checks the Redis connection.
func (s *LeaseStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func handle(key, holder string) string {
	return key + "|" + holder
}

// AcquireLease makes a single attempt at the lease.
func (s *LeaseStore) AcquireLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	mutex := s.redsync.NewMutex(
		key,
		redsync.WithExpiry(ttl),
		redsync.WithTries(1),
		redsync.WithGenValueFunc(func() (string, error) { return holder, nil }),
	)

	if err := mutex.LockContext(ctx); err != nil {
		if isContention(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}

	s.mu.Lock()
	s.mutexes[handle(key, holder)] = mutex
	s.mu.Unlock()
	return true, nil
}

// RenewLease extends the lease to a fresh TTL.
func (s *LeaseStore) RenewLease(ctx context.Context, key, holder string, _ time.Duration) (bool, error) {
	s.mu.Lock()
	mutex, ok := s.mutexes[handle(key, holder)]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}

	extended, err := mutex.ExtendContext(ctx)
	if err != nil {
		if errors.Is(err, redsync.ErrExtendFailed) || isContention(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to renew lease %s: %w", key, err)
	}
	return extended, nil
}

// ReleaseLease unlocks the lease if holder still owns it.
func (s *LeaseStore) ReleaseLease(ctx context.Context, key, holder string) error {
	h := handle(key, holder)
	s.mu.Lock()
	mutex, ok := s.mutexes[h]
	delete(s.mutexes, h)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	if _, err := mutex.UnlockContext(ctx); err != nil {
		if errors.Is(err, redsync.ErrLockAlreadyExpired) || isContention(err) {
			return nil
		}
		return fmt.Errorf("failed to release lease %s: %w", key, err)
	}
	return nil
}

// isContention reports whether redsync failed because another value holds
// the key.
func isContention(err error) bool {
	var taken *redsync.ErrTaken
	return errors.Is(err, redsync.ErrFailed) ||
		errors.As(err, &taken) ||
		strings.Contains(err.Error(), "lock already taken")
}

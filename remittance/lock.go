/*
lock.go - Lease-based mutual exclusion per remittance

PURPOSE:

	Handlers may run in separate processes with no shared memory, so the
	lock is a lease document in storage rather than a mutex:

	  acquire:   conditional create; fails fast if a live lease exists
	  heartbeat: renew expiry every HeartbeatInterval while the operation runs
	  release:   stop the heartbeat and delete the lease (idempotent)

CRASH RECOVERY:

	A crashed holder stops renewing. After TTL the lease is expired and the
	next acquire takes it over. There is no other coordinator.

	A live holder whose renewals keep erroring for a full TTL counts its
	lease as lost, since another process may already own it.

TIMING:

	TTL 300s, heartbeat 60s: at least four renewals happen before a live
	operation could lose its lease.

SEE ALSO:
  - store.go: LeaseStore interface
  - store/sqlite, store/redis: Lease backends
*/
package remittance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultLeaseTTL          = 300 * time.Second
	DefaultHeartbeatInterval = 60 * time.Second
)

// LockConfig tunes lease timing.
type LockConfig struct {
	TTL               time.Duration
	HeartbeatInterval time.Duration
}

// DefaultLockConfig returns the production timings.
func DefaultLockConfig() LockConfig {
	return LockConfig{TTL: DefaultLeaseTTL, HeartbeatInterval: DefaultHeartbeatInterval}
}

// LockManager hands out leases keyed by remittance.
type LockManager struct {
	store LeaseStore
	cfg   LockConfig
	log   *zap.Logger

	// Now is the clock used to age leases. Tests may replace it.
	Now func() time.Time
}

// NewLockManager creates a LockManager. Zero config fields take defaults.
func NewLockManager(store LeaseStore, cfg LockConfig, log *zap.Logger) *LockManager {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultLeaseTTL
	}
	if cfg.HeartbeatInterval <= 0 || cfg.HeartbeatInterval >= cfg.TTL {
		cfg.HeartbeatInterval = cfg.TTL / 5
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &LockManager{store: store, cfg: cfg, log: log, Now: time.Now}
}

// LockKey is the lease key of a parent transaction.
func LockKey(orgID, parentID string) string {
	return "remittance:" + orgID + ":" + parentID
}

// Lease is an acquired lock. Release must be called exactly when the owning
// operation ends; extra calls are no-ops.
type Lease struct {
	Key    string
	Holder string

	mgr     *LockManager
	cancel  context.CancelFunc
	done    chan struct{}
	lost    atomic.Bool
	renewed atomic.Int64
	// validFrom is the UnixNano of the last acquire or renewal request that
	// succeeded. The lease is good for TTL from that instant.
	validFrom atomic.Int64
	once      sync.Once
}

// AcquireLockWithHeartbeat takes the lease for key or returns a *LockError.
// The heartbeat stops when Release is called or ctx is cancelled.
func (m *LockManager) AcquireLockWithHeartbeat(ctx context.Context, key string) (*Lease, error) {
	holder := uuid.NewString()
	requested := m.Now()
	ok, err := m.store.AcquireLease(ctx, key, holder, m.cfg.TTL)
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, &LockError{Key: key}
	}

	hbCtx, cancel := context.WithCancel(ctx)
	lease := &Lease{
		Key:    key,
		Holder: holder,
		mgr:    m,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	lease.validFrom.Store(requested.UnixNano())
	go lease.heartbeat(hbCtx)

	m.log.Debug("lease acquired", zap.String("key", key), zap.String("holder", holder))
	return lease, nil
}

func (l *Lease) heartbeat(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(l.mgr.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requested := l.mgr.Now()
			ok, err := l.mgr.store.RenewLease(ctx, l.Key, l.Holder, l.mgr.cfg.TTL)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				if l.expired() {
					l.lost.Store(true)
					l.mgr.log.Error("lease expired while renewals failed",
						zap.String("key", l.Key), zap.String("holder", l.Holder), zap.Error(err))
					return
				}
				// Retried next tick; the TTL covers several.
				l.mgr.log.Warn("lease renewal failed", zap.String("key", l.Key), zap.Error(err))
				continue
			}
			if !ok {
				l.lost.Store(true)
				l.mgr.log.Error("lease lost", zap.String("key", l.Key), zap.String("holder", l.Holder))
				return
			}
			l.validFrom.Store(requested.UnixNano())
			l.renewed.Add(1)
		}
	}
}

func (l *Lease) expired() bool {
	return l.mgr.Now().Sub(time.Unix(0, l.validFrom.Load())) >= l.mgr.cfg.TTL
}

// Lost reports whether a renewal found the lease taken by someone else, or
// whether TTL has passed since the last successful acquire or renewal.
func (l *Lease) Lost() bool {
	return l.lost.Load() || l.expired()
}

// Renewals returns how many heartbeats succeeded.
func (l *Lease) Renewals() int64 {
	return l.renewed.Load()
}

// Release stops the heartbeat and deletes the lease. Safe to call twice.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	var err error
	l.once.Do(func() {
		l.cancel()
		<-l.done
		if rerr := l.mgr.store.ReleaseLease(ctx, l.Key, l.Holder); rerr != nil {
			err = fmt.Errorf("release lease %s: %w", l.Key, rerr)
		}
	})
	return err
}

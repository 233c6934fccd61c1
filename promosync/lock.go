package promosync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/promo_sync/utils"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
)

var ErrRunInProgress = errors.New("promosync: a run for this sheet is already in progress")

// ErrLockLost is the cancellation cause of a run whose lock could not be kept.
var ErrLockLost = errors.New("promosync: run lock lost")

// Locker serialises runs against the same worksheet. The returned context is
// cancelled with ErrLockLost if the lock is lost before release; the run must
// use it. The release func must be called once the run is over.
type Locker interface {
	Acquire(ctx context.Context, key string) (runCtx context.Context, release func(), err error)
}

// LocalLocker serialises runs inside one process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]bool)}
}

func (l *LocalLocker) Acquire(ctx context.Context, key string) (context.Context, func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, nil, ErrRunInProgress
	}
	l.held[key] = true
	runCtx, cancel := context.WithCancel(ctx)
	var once sync.Once
	return runCtx, func() {
		once.Do(func() {
			cancel()
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

const DefaultLockTTL = 2 * time.Minute

// lease is the part of *redislock.Lock a held run lock needs.
type lease interface {
	Refresh(ctx context.Context, ttl time.Duration, opt *redislock.Options) error
	Release(ctx context.Context) error
}

// RedisLocker holds a redislock lease for the whole run and keeps it alive
// until release.
type RedisLocker struct {
	obtain func(ctx context.Context, key string, ttl time.Duration) (lease, error)
	ttl    time.Duration
	logger *logrus.Logger
}

func NewRedisLocker(client *redislock.Client, ttl time.Duration, logger *logrus.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RedisLocker{
		obtain: func(ctx context.Context, key string, ttl time.Duration) (lease, error) {
			return client.Obtain(ctx, key, ttl, nil)
		},
		ttl:    ttl,
		logger: logger,
	}
}

// Acquire obtains the lock and refreshes it every ttl/2. A failed refresh
// cancels the run context with ErrLockLost.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (context.Context, func(), error) {
	fields := logrus.Fields{"lock": key}
	if runID, ok := utils.GetRunIdFromContext(ctx); ok {
		fields["run_id"] = runID
	}
	if variant, ok := utils.GetVariantFromContext(ctx); ok {
		fields["variant"] = variant
	}
	lock, err := l.obtain(ctx, key, l.ttl)
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, nil, ErrRunInProgress
		}
		return nil, nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(l.ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := lock.Refresh(context.Background(), l.ttl, nil); err != nil {
					l.logger.WithFields(fields).Errorf("failed to refresh run lock, cancelling run: %v", err)
					cancel(fmt.Errorf("%w: %v", ErrLockLost, err))
					return
				}
			}
		}
	}()

	var once sync.Once
	return runCtx, func() {
		once.Do(func() {
			close(stop)
			<-done
			cancel(nil)
			if err := lock.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				l.logger.WithFields(fields).Warnf("failed to release run lock: %v", err)
			}
		})
	}, nil
}

func lockKey(sheetID, sheetName string) string {
	return "promo-sync:" + sheetID + ":" + sheetName
}

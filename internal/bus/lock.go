package bus

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// ErrLockTimeout is returned when an acquire gives up before owning the
// lock.
var ErrLockTimeout = errors.New("bus: lock acquire timed out")

// ErrNotOwner is returned when a heartbeat finds the lock claimed by a
// different principal.
var ErrNotOwner = errors.New("bus: lock not owned")

// releaseScript deletes the lock only when the caller still owns it.
// Compare-and-delete must be atomic or a TTL-expired lock could delete a
// successor's acquisition.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the TTL only while the caller still owns the
// key, re-claiming it when it lapsed unclaimed. A lapsed owner must not
// overwrite a successor's claim.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
end
if redis.call("EXISTS", KEYS[1]) == 0 then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
return 0
`)

const acquirePoll = 100 * time.Millisecond

// YieldPause is how long a principal stays off the lock during a yield,
// giving the other principal a window to run.
const YieldPause = 500 * time.Millisecond

// TerminalLock is the cooperative mutex over one physical terminal,
// shared by the broadcaster, the executor's workers, and the external
// verifier.
type TerminalLock struct {
	rdb *redis.Client
	key string
}

// NewTerminalLock builds the lock for a terminal path (see
// TerminalLockKey for key derivation).
func NewTerminalLock(rdb *redis.Client, terminalPath string) *TerminalLock {
	return &TerminalLock{rdb: rdb, key: TerminalLockKey(terminalPath)}
}

// Key exposes the derived lock key for diagnostics.
func (l *TerminalLock) Key() string { return l.key }

// Acquire polls set-if-absent until the lock is owned or the timeout
// elapses. It returns false on timeout without error so callers decide
// whether to retry or back off.
func (l *TerminalLock) Acquire(ctx context.Context, holderTag string, ttl, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := l.rdb.SetNX(ctx, l.key, holderTag, ttl).Result()
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(acquirePoll):
		}
	}
}

// Release deletes the lock iff holderTag still owns it. Releasing a lock
// someone else holds is a silent no-op.
func (l *TerminalLock) Release(ctx context.Context, holderTag string) error {
	return releaseScript.Run(ctx, l.rdb, []string{l.key}, holderTag).Err()
}

// Holder returns the current lock value, empty when unheld.
func (l *TerminalLock) Holder(ctx context.Context) (string, error) {
	val, err := l.rdb.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

// HeldByVerifier reports whether the verifier currently owns the
// terminal. Any principal seeing this must drop its terminal handle.
func (l *TerminalLock) HeldByVerifier(ctx context.Context) bool {
	holder, err := l.rdb.Get(ctx, l.key).Result()
	return err == nil && holder == HolderVerifier
}

// HeldByOther reports whether a different principal owns the lock.
func (l *TerminalLock) HeldByOther(ctx context.Context, holderTag string) (bool, string, error) {
	holder, err := l.Holder(ctx)
	if err != nil {
		return false, "", err
	}
	return holder != "" && holder != holderTag, holder, nil
}

// Owned verifies the caller still holds the lock. A mismatch is not
// fatal but the caller must refuse further mutating operations until it
// re-acquires.
func (l *TerminalLock) Owned(ctx context.Context, holderTag string) (bool, error) {
	holder, err := l.Holder(ctx)
	if err != nil {
		return false, err
	}
	return holder == holderTag, nil
}

// Yield releases the lock, pauses, and re-acquires it. This is the
// tick-tock that lets the executor run between broadcaster scans.
func (l *TerminalLock) Yield(ctx context.Context, holderTag string, ttl, timeout time.Duration) (bool, error) {
	if err := l.Release(ctx, holderTag); err != nil {
		return false, err
	}
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(YieldPause):
	}
	return l.Acquire(ctx, holderTag, ttl, timeout)
}

// SingletonLock enforces one live process per principal role. The owner
// refreshes the TTL every loop iteration as a heartbeat; a crashed owner
// expires.
type SingletonLock struct {
	rdb   *redis.Client
	key   string
	value string
	ttl   time.Duration
}

// NewSingletonLock builds a singleton lock with the given identity value.
func NewSingletonLock(rdb *redis.Client, key, value string, ttl time.Duration) *SingletonLock {
	return &SingletonLock{rdb: rdb, key: key, value: value, ttl: ttl}
}

// TryAcquire attempts to become the singleton. Returns false when another
// live process owns the role.
func (l *SingletonLock) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	current, err := l.rdb.Get(ctx, l.key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, err
	}
	// Re-entrant for the same identity (process restart within TTL).
	if current == l.value {
		return true, l.Heartbeat(ctx)
	}
	return false, nil
}

// Heartbeat refreshes the TTL while the owner is alive. ErrNotOwner
// means another process claimed the role after this one's TTL lapsed;
// the caller must stand down.
func (l *SingletonLock) Heartbeat(ctx context.Context) error {
	n, err := refreshScript.Run(ctx, l.rdb, []string{l.key}, l.value, l.ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotOwner
	}
	return nil
}

// Release drops the singleton claim if still owned.
func (l *SingletonLock) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.rdb, []string{l.key}, l.value).Err()
}

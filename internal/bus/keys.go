// Package bus is the engine's coordination surface on redis: signal
// transport, authoritative state snapshots, ticket maps, closed-trade
// history, and the cooperative locks that serialize terminal access.
package bus

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strconv"
	"strings"

	redis "github.com/redis/go-redis/v9"
)

// Queue and stream names shared by all principals.
const (
	QueuePriority = "queue:priority"
	QueueNormal   = "queue:normal"
	StreamSignals = "stream:signals"
)

// Well-known lock holder tags.
const (
	HolderVerifier = "LOCKED_VERIFY"
	HolderExecutor = "LOCKED_EXECUTOR"
)

// WorkerHolder tags a worker's lock acquisition with its follower login.
func WorkerHolder(login int64) string {
	return "HFT_WORKER_" + strconv.FormatInt(login, 10)
}

// ExecutorHolder tags the executor main loop's lock acquisition.
func ExecutorHolder(login int64) string {
	return "EXECUTOR_MAIN_" + strconv.FormatInt(login, 10)
}

// SignalTopic is the pub/sub channel for a master's signals.
func SignalTopic(masterID string) string {
	return "signals:master:" + masterID
}

// StateKey holds a master's position snapshot.
func StateKey(masterID string) string {
	return "state:master:" + masterID + ":tickets"
}

// ReadyKey flags a hydrated broadcaster for a master.
func ReadyKey(masterID string) string {
	return "state:master:" + masterID + ":ready"
}

// ClosedHistoryKey holds a master's recently closed ticket set.
func ClosedHistoryKey(masterID string) string {
	return "history:master:" + masterID + ":closed"
}

// TicketMapKey maps a (masterTicket, follower) pair to a follower ticket.
func TicketMapKey(masterTicket int64, followerID string) string {
	return "map:ticket:" + strconv.FormatInt(masterTicket, 10) + ":" + followerID
}

// RiskBaselineKey holds a follower's day-start balance for the daily
// loss limit. The day string already encodes the 04:00 UTC reset.
func RiskBaselineKey(followerID, day string) string {
	return "risk:daystart:" + followerID + ":" + day
}

// UserEventsTopic is the pub/sub channel for follower-facing events.
func UserEventsTopic(followerID string) string {
	return "events:user:" + followerID
}

// ExecutorLockKey is the executor singleton lock for a principal.
func ExecutorLockKey(principalID string) string {
	return "lock:executor:" + principalID
}

// BroadcasterLockKey is the broadcaster singleton lock for a principal.
func BroadcasterLockKey(principalID string) string {
	return "lock:broadcaster:" + principalID
}

// TerminalLockKey derives the path-keyed terminal lock. The path is
// normalized (quotes trimmed, OS-normal form, lowercased) and hashed so
// every principal on the host lands on the same key regardless of how
// the path was spelled. An empty path falls back to the global key.
func TerminalLockKey(terminalPath string) string {
	normalized := strings.Trim(strings.TrimSpace(terminalPath), `"'`)
	if normalized == "" || strings.EqualFold(normalized, "default") {
		return "lock:terminal:global"
	}
	normalized = strings.ToLower(filepath.Clean(normalized))
	sum := sha256.Sum256([]byte(normalized))
	return "lock:terminal:" + hex.EncodeToString(sum[:8])
}

// NewClient builds a redis client with a small connection pool; each
// process needs at most a handful of concurrent redis calls.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: 5,
	})
}

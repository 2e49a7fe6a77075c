package ports

import (
	"context"
	"time"
)

// GroupStat is the selection bookkeeping kept per gateway group member and
// task type in the shared store.
type GroupStat struct {
	GatewayID    string
	LastSelected bool
	LastTaskTS   int64
	TaskCount    int64
}

// Store is the shared key-value substrate every gateway process coordinates
// through. Entities live in hashes keyed "<prefix>-<id>" with a TTL; liveness
// counters and selection bookkeeping are updated with atomic primitives so
// concurrent processes never lose updates.
type Store interface {
	// entity hashes
	SaveHash(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error
	LoadHash(ctx context.Context, key string) (map[string]string, error)
	SetField(ctx context.Context, key, field, value string) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)

	// plain values with expiry (carrier cross-references)
	SetValue(ctx context.Context, key, value string, ttl time.Duration) error
	GetValue(ctx context.Context, key string) (string, bool, error)

	// liveness counters
	SetCounter(ctx context.Context, key string, value int64, ttl time.Duration) error
	GetCounter(ctx context.Context, key string) (value int64, found bool, err error)
	Decrement(ctx context.Context, key string) (int64, error)

	// set membership (inbound source routing, group membership)
	AddToSet(ctx context.Context, key string, members ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)
	RemoveFromSet(ctx context.Context, key string, members ...string) error

	// append-only status ledger
	AppendEvent(ctx context.Context, key string, event []byte, ttl time.Duration) error
	ListEvents(ctx context.Context, key string) ([][]byte, error)

	// gateway group selection bookkeeping
	GroupStats(ctx context.Context, group, taskType string) ([]GroupStat, error)
	// RecordSelection sets the selected flag on chosen, clears it on every
	// other member, stamps the task timestamp and bumps the task counter, all
	// as one atomic update.
	RecordSelection(ctx context.Context, group, taskType, chosen string, now time.Time) error
}

package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/grupovision/sales-ingest/internal/domain"
)

// RunLock is a Redis lease that keeps two pipeline runs for the same portal
// account from scraping concurrently. The upsert design already makes
// overlapping runs safe at the data level; the lock only avoids wasted
// browser work. The TTL bounds how long a crashed run can block the next
// one.
type RunLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewRunLock(addr, account string, ttl time.Duration) *RunLock {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	return &RunLock{
		client: rdb,
		key:    fmt.Sprintf("sales-ingest:runlock:%s", account),
		ttl:    ttl,
	}
}

// Acquire takes the lease or fails with domain.ErrRunInProgress. The
// returned release must be called on every exit path.
func (l *RunLock) Acquire(ctx context.Context) (release func(), err error) {
	ok, err := l.client.SetNX(ctx, l.key, time.Now().UTC().Format(time.RFC3339), l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		return nil, domain.ErrRunInProgress
	}
	return func() {
		// Best effort; the TTL reclaims the lease if this fails.
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		l.client.Del(relCtx, l.key)
	}, nil
}

func (l *RunLock) Close() error {
	return l.client.Close()
}

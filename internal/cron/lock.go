package cron

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Lock hands out one slot per job name across all cron workers. A slot held
// for the job's interval doubles as its schedule.
type Lock interface {
	Acquire(ctx context.Context, job string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, job string) error
}

// redisStore defines the operations used by RedisLock.
type redisStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
}

// RedisLock implements Lock with SET NX PX; release is owner-checked in one script call.
type RedisLock struct {
	client redisStore
	prefix string

	mu     sync.Mutex
	owners map[string]string
}

// NewRedisLock constructs a Redis-backed lock. Keys are prefix:<job>.
func NewRedisLock(client redisStore, prefix string) (*RedisLock, error) {
	if client == nil {
		return nil, errors.New("redis client required for lock")
	}
	if prefix == "" {
		return nil, errors.New("lock key prefix is required")
	}
	return &RedisLock{client: client, prefix: prefix, owners: map[string]string{}}, nil
}

// Acquire tries to own the job's slot for ttl.
func (l *RedisLock) Acquire(ctx context.Context, job string, ttl time.Duration) (bool, error) {
	owner := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key(job), owner, ttl)
	if err != nil {
		return false, fmt.Errorf("setnx: %w", err)
	}
	if ok {
		l.mu.Lock()
		l.owners[job] = owner
		l.mu.Unlock()
	}
	return ok, nil
}

// Release frees the slot only if this process still owns it.
func (l *RedisLock) Release(ctx context.Context, job string) error {
	l.mu.Lock()
	owner, held := l.owners[job]
	delete(l.owners, job)
	l.mu.Unlock()
	if !held {
		return nil
	}
	if _, err := l.client.CompareAndDelete(ctx, l.key(job), owner); err != nil {
		return fmt.Errorf("release lock %s: %w", job, err)
	}
	return nil
}

func (l *RedisLock) key(job string) string {
	return l.prefix + ":" + job
}

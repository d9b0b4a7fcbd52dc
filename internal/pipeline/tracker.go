package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// ProcessingTracker 记录哪些文件正在处理中，删除文件时据此返回 409。
type ProcessingTracker interface {
	// Begin 标记开始处理，已经在处理中时返回 false。
	Begin(ctx context.Context, schema string, fileID int64) (bool, error)
	End(ctx context.Context, schema string, fileID int64) error
	IsProcessing(ctx context.Context, schema string, fileID int64) (bool, error)
}

func trackerKey(schema string, fileID int64) string {
	return fmt.Sprintf("%s:%d", schema, fileID)
}

// MemoryTracker 是单进程内的实现。
type MemoryTracker struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{active: make(map[string]struct{})}
}

func (t *MemoryTracker) Begin(_ context.Context, schema string, fileID int64) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := trackerKey(schema, fileID)
	if _, ok := t.active[key]; ok {
		return false, nil
	}
	t.active[key] = struct{}{}
	return true, nil
}

func (t *MemoryTracker) End(_ context.Context, schema string, fileID int64) error {
	t.mu.Lock()
	delete(t.active, trackerKey(schema, fileID))
	t.mu.Unlock()
	return nil
}

func (t *MemoryTracker) IsProcessing(_ context.Context, schema string, fileID int64) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[trackerKey(schema, fileID)]
	return ok, nil
}

// RedisTracker 在多实例部署时共享处理状态。TTL 兜底进程崩溃后残留的标记。
type RedisTracker struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisTracker(rdb *redis.Client, ttl time.Duration) *RedisTracker {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisTracker{rdb: rdb, ttl: ttl}
}

func (t *RedisTracker) key(schema string, fileID int64) string {
	return "ingest:processing:" + trackerKey(schema, fileID)
}

func (t *RedisTracker) Begin(ctx context.Context, schema string, fileID int64) (bool, error) {
	return t.rdb.SetNX(ctx, t.key(schema, fileID), time.Now().Unix(), t.ttl).Result()
}

func (t *RedisTracker) End(ctx context.Context, schema string, fileID int64) error {
	return t.rdb.Del(ctx, t.key(schema, fileID)).Err()
}

func (t *RedisTracker) IsProcessing(ctx context.Context, schema string, fileID int64) (bool, error) {
	n, err := t.rdb.Exists(ctx, t.key(schema, fileID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

package storage

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	errs "github.com/bapcai02/NovaChat-sub000/tools/errs"
)

const (
	presenceKeyPrefix = "nova:presence:"
	presenceTTL       = 90 * time.Second
)

// Presence 在线状态登记。
type Presence interface {
	Online(ctx context.Context, userID, nodeID string) error
	Refresh(ctx context.Context, userID string) error
	Offline(ctx context.Context, userID string) error
	Lookup(ctx context.Context, userID string) (nodeID string, online bool, err error)
}

type redisPresence struct {
	rdb redis.UniversalClient
}

// NewRedisPresence 基于 redis 的在线登记：key 带 TTL，靠心跳续期，
// 节点宕机后登记自然过期。
func NewRedisPresence(rdb redis.UniversalClient) Presence {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) key(userID string) string {
	return presenceKeyPrefix + userID
}

func (p *redisPresence) Online(ctx context.Context, userID, nodeID string) error {
	if err := p.rdb.Set(ctx, p.key(userID), nodeID, presenceTTL).Err(); err != nil {
		return errs.WrapMsg(err, "presence online", "user", userID)
	}
	return nil
}

func (p *redisPresence) Refresh(ctx context.Context, userID string) error {
	if err := p.rdb.Expire(ctx, p.key(userID), presenceTTL).Err(); err != nil {
		return errs.WrapMsg(err, "presence refresh", "user", userID)
	}
	return nil
}

func (p *redisPresence) Offline(ctx context.Context, userID string) error {
	if err := p.rdb.Del(ctx, p.key(userID)).Err(); err != nil {
		return errs.WrapMsg(err, "presence offline", "user", userID)
	}
	return nil
}

func (p *redisPresence) Lookup(ctx context.Context, userID string) (string, bool, error) {
	node, err := p.rdb.Get(ctx, p.key(userID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.WrapMsg(err, "presence lookup", "user", userID)
	}
	return node, true, nil
}

// NewMemPresence 进程内实现，单节点部署和单测用。
func NewMemPresence() Presence {
	return &memPresence{nodes: make(map[string]string)}
}

type memPresence struct {
	mu    sync.Mutex
	nodes map[string]string
}

func (p *memPresence) Online(_ context.Context, userID, nodeID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nodes[userID] = nodeID
	return nil
}

func (p *memPresence) Refresh(context.Context, string) error { return nil }

func (p *memPresence) Offline(_ context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.nodes, userID)
	return nil
}

func (p *memPresence) Lookup(_ context.Context, userID string) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	node, ok := p.nodes[userID]
	return node, ok, nil
}

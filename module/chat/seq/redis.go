package seq

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	errs "github.com/bapcai02/NovaChat-sub000/tools/errs"
)

// Redis 多节点共享发号器：INCR 主路径，冷启动回源存储 max(seq) 初始化。
type Redis struct {
	rdb        redis.UniversalClient
	store      MaxSeqStore
	seqPrefix  string
	lockPrefix string
	lockTTL    time.Duration
	spinWait   time.Duration
}

func NewRedis(rdb redis.UniversalClient, store MaxSeqStore) *Redis {
	return &Redis{
		rdb:        rdb,
		store:      store,
		seqPrefix:  "nova:seq",
		lockPrefix: "nova:seq:init",
		lockTTL:    10 * time.Second,
		spinWait:   50 * time.Millisecond,
	}
}

func (a *Redis) seqKey(channelID string) string {
	return fmt.Sprintf("%s:%s", a.seqPrefix, channelID)
}
func (a *Redis) lockKey(channelID string) string {
	return fmt.Sprintf("%s:%s", a.lockPrefix, channelID)
}

// Next：redis 未初始化（无键）时，回源存储 max(seq) → SET → INCR
func (a *Redis) Next(ctx context.Context, channelID string) (uint64, error) {
	key := a.seqKey(channelID)
	if _, err := a.rdb.Get(ctx, key).Int64(); err == nil {
		v, err := a.rdb.Incr(ctx, key).Result()
		if err != nil {
			return 0, errs.ErrSequencerUnavailable.WrapMsg(err.Error())
		}
		return uint64(v), nil
	}
	if err := a.initIfNeeded(ctx, channelID); err != nil {
		return 0, err
	}
	v, err := a.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, errs.ErrSequencerUnavailable.WrapMsg(err.Error())
	}
	return uint64(v), nil
}

func (a *Redis) initIfNeeded(ctx context.Context, channelID string) error {
	key := a.seqKey(channelID)
	if _, err := a.rdb.Get(ctx, key).Int64(); err == nil {
		return nil
	}
	// 加锁防止初始化风暴
	lock := a.lockKey(channelID)
	token := randToken(16)
	ok, err := a.rdb.SetNX(ctx, lock, token, a.lockTTL).Result()
	if err != nil {
		return errs.ErrSequencerUnavailable.WrapMsg(err.Error())
	}
	if !ok {
		timer := time.NewTimer(a.spinWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errs.Wrap(ctx.Err())
		case <-timer.C:
		}
		if _, err := a.rdb.Get(ctx, key).Int64(); err == nil {
			return nil
		}
		return errs.ErrSequencerUnavailable.WithDetail("seq init contention, retry")
	}
	defer func() { _ = unlock(ctx, a.rdb, lock, token) }()

	// 双检
	if _, err := a.rdb.Get(ctx, key).Int64(); err == nil {
		return nil
	}
	maxSeq, err := a.store.MaxSeq(ctx, channelID)
	if err != nil {
		return errs.ErrSequencerUnavailable.WrapMsg(err.Error())
	}
	if err := a.rdb.Set(ctx, key, int64(maxSeq), 0).Err(); err != nil {
		return errs.ErrSequencerUnavailable.WrapMsg(err.Error())
	}
	return nil
}

// 发现落后时：只升不降，矫正后 INCR 取新号
var reconcileAndNextLua = redis.NewScript(`
local k = KEYS[1]
local floor = tonumber(ARGV[1])
local v = redis.call('GET', k)
if (not v) or (tonumber(v) < floor) then
  redis.call('SET', k, floor)
end
return redis.call('INCR', k)
`)

func (a *Redis) ReconcileAndNext(ctx context.Context, channelID string, floor uint64) (uint64, error) {
	v, err := reconcileAndNextLua.Run(ctx, a.rdb, []string{a.seqKey(channelID)}, int64(floor)).Int64()
	if err != nil {
		return 0, errs.ErrSequencerUnavailable.WrapMsg(err.Error())
	}
	return uint64(v), nil
}

// 归还号段末位：仅当计数器仍停在该 seq 时回退。返回 0 说明别的节点
// 已经取过更大的号（本节点管线只保证节点内串行），由调用方补洞。
var rollbackIfTopLua = redis.NewScript(`
local k = KEYS[1]
local s = tonumber(ARGV[1])
local v = redis.call('GET', k)
if v and tonumber(v) == s then
  redis.call('DECR', k)
  return 1
end
return 0
`)

func (a *Redis) Rollback(ctx context.Context, channelID string, s uint64) (bool, error) {
	v, err := rollbackIfTopLua.Run(ctx, a.rdb, []string{a.seqKey(channelID)}, int64(s)).Int64()
	if err != nil {
		return false, errs.ErrSequencerUnavailable.WrapMsg(err.Error())
	}
	return v == 1, nil
}

var unlockLua = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

func unlock(ctx context.Context, rdb redis.UniversalClient, key, token string) error {
	return unlockLua.Run(ctx, rdb, []string{key}, token).Err()
}

func randToken(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

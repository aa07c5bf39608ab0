package seq

import (
	"context"
	"sync"
)

// Sequencer 每频道单调递增发号器。
//
// 约束：同一频道任意两次成功的 Next 不会返回相同值；Rollback 仅允许
// 在“该 seq 尚未被持久化、且频道内没有并发 append”时调用（频道管线
// 单线程化保证了这一点），用于失败后归还号段末位，避免留洞。
type Sequencer interface {
	// Next 取下一个 seq（首个为 1）。
	Next(ctx context.Context, channelID string) (uint64, error)
	// ReconcileAndNext 把计数器抬到不低于 floor 后取号（只升不降）。
	// 发现计数器落后于存储 max(seq) 时走这里矫正。
	ReconcileAndNext(ctx context.Context, channelID string, floor uint64) (uint64, error)
	// Rollback 归还 seq：仅当它仍是当前最大号时生效并返回 true。
	// 返回 false 表示别的节点已经取走更大的号，这个 seq 收不回来，
	// 调用方必须自己补洞（见 eventlog 的 noop 填充）。
	Rollback(ctx context.Context, channelID string, seq uint64) (bool, error)
}

// MaxSeqStore 回源查询存储侧最大 seq（冷启动初始化用）。
type MaxSeqStore interface {
	MaxSeq(ctx context.Context, channelID string) (uint64, error)
}

// ===== 内存实现 =====

// Memory 进程内发号器。单节点部署与测试使用；多节点用 Redis 实现。
type Memory struct {
	mu   sync.Mutex
	curr map[string]uint64
}

func NewMemory() *Memory {
	return &Memory{curr: make(map[string]uint64)}
}

func (m *Memory) Next(_ context.Context, channelID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.curr[channelID]++
	return m.curr[channelID], nil
}

func (m *Memory) ReconcileAndNext(_ context.Context, channelID string, floor uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.curr[channelID] < floor {
		m.curr[channelID] = floor
	}
	m.curr[channelID]++
	return m.curr[channelID], nil
}

func (m *Memory) Rollback(_ context.Context, channelID string, s uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.curr[channelID] == s && s > 0 {
		m.curr[channelID] = s - 1
		return true, nil
	}
	return false, nil
}

// Current 仅测试用：当前已发出的最大号。
func (m *Memory) Current(channelID string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.curr[channelID]
}

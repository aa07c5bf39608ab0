package eventlog

import (
	"context"
	"errors"

	"github.com/bapcai02/NovaChat-sub000/module/chat/event"
)

var (
	ErrDupSeq     = errors.New("unique (channel_id, seq) violated")
	ErrDupEventID = errors.New("unique event_id violated")
)

// Store 事件日志存储抽象：生产用 Mongo/Postgres，测试与单机用内存实现。
//
// 唯一索引 (channel_id, seq) 是定序正确性的兜底：发号器与存储产生分歧时
// 由 Insert 的冲突错误暴露出来，上层矫正后重试。
type Store interface {
	// Insert 追加一条事件；(channel_id, seq) 冲突返回可被 IsDupSeq 识别的错误。
	Insert(ctx context.Context, e *event.Event) error
	// MaxSeq 频道当前最大 seq；无事件返回 0。
	MaxSeq(ctx context.Context, channelID string) (uint64, error)
	// Range 按 seq 升序返回 [fromSeq, toSeq] 内最多 limit 条事件。
	Range(ctx context.Context, channelID string, fromSeq, toSeq uint64, limit int) ([]*event.Event, error)

	IsDupSeq(err error) bool
	IsTransient(err error) bool
}

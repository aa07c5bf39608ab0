package eventlog

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/bapcai02/NovaChat-sub000/logger"
	"github.com/bapcai02/NovaChat-sub000/module/chat/event"
	"github.com/bapcai02/NovaChat-sub000/module/chat/seq"
	errs "github.com/bapcai02/NovaChat-sub000/tools/errs"
)

const (
	defaultMaxRetry = 3
	defaultBackoff  = 50 * time.Millisecond
	defaultPageSize = 200
)

// Log 每频道 append-only 事件日志：发号 → 落库，二者对外表现为原子。
//
// 失败语义：重试耗尽后返回 ErrAppendFailed，且已取的 seq 会归还；
// 若别的节点已取走更大的号导致归还失败，就在该位置补一条内部 noop，
// 两条路都保证失败的 append 不留洞。
type Log struct {
	store    Store
	seq      seq.Sequencer
	maxRetry int
	backoff  time.Duration
	pageSize int
}

type Option func(*Log)

func WithMaxRetry(n int) Option          { return func(l *Log) { l.maxRetry = n } }
func WithBackoff(d time.Duration) Option { return func(l *Log) { l.backoff = d } }
func WithPageSize(n int) Option          { return func(l *Log) { l.pageSize = n } }

func New(store Store, sequencer seq.Sequencer, opts ...Option) *Log {
	l := &Log{
		store:    store,
		seq:      sequencer,
		maxRetry: defaultMaxRetry,
		backoff:  defaultBackoff,
		pageSize: defaultPageSize,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Append 定序并持久化一条事件。成功返回带 seq 的事件；
// 任何失败路径都不会留下“号已消耗但事件缺失”的状态。
func (l *Log) Append(ctx context.Context, channelID string, kind event.Kind, payload []byte, actorID string) (*event.Event, error) {
	s, err := l.seq.Next(ctx, channelID)
	if err != nil {
		return nil, err // 已是 ErrSequencerUnavailable
	}

	ev := &event.Event{
		ID:          uuid.NewString(),
		ChannelID:   channelID,
		Seq:         s,
		Kind:        kind,
		ActorID:     actorID,
		Payload:     append([]byte(nil), payload...),
		CreatedAtMS: time.Now().UnixMilli(),
	}

	backoff := l.backoff
	for i := 0; ; i++ {
		err = l.store.Insert(ctx, ev)
		if err == nil {
			return ev, nil
		}

		// (1) seq 撞唯一索引：发号器落后于存储 → 矫正到 dbMax 后取新号重试
		if l.store.IsDupSeq(err) {
			dbMax, e := l.store.MaxSeq(ctx, channelID)
			if e == nil {
				if newSeq, e2 := l.seq.ReconcileAndNext(ctx, channelID, dbMax); e2 == nil {
					ev.Seq = newSeq
					continue
				}
			}
		}
		// (2) 瞬时错误：退避重试
		if l.store.IsTransient(err) && i < l.maxRetry {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				err = ctx.Err()
			case <-timer.C:
				backoff *= 2
				continue
			}
		}
		break
	}

	// 归还号，避免下一条留洞
	rolled, rbErr := l.seq.Rollback(ctx, channelID, ev.Seq)
	if rbErr != nil {
		logger.Warnf("[eventlog] seq rollback failed channel=%s seq=%d err=%v", channelID, ev.Seq, rbErr)
	} else if !rolled {
		// 别的节点已经取走更大的号（节点内管线只保证本节点串行），
		// 这个 seq 收不回来了，补一条 noop 保持连续
		l.fillGap(ctx, channelID, ev.Seq)
	}
	return nil, errs.ErrAppendFailed.WrapMsg(err.Error(), "channel", channelID)
}

// fillGap 往收不回的 seq 上落一条内部 noop 占位事件。尽力而为：
// 撞唯一索引说明该位已被占（无洞），其余错误只能记日志。
// 洞属于频道不属于调用方，所以脱离调用方的取消。
func (l *Log) fillGap(ctx context.Context, channelID string, s uint64) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	noop := &event.Event{
		ID:          uuid.NewString(),
		ChannelID:   channelID,
		Seq:         s,
		Kind:        event.KindNoop,
		ActorID:     "system",
		Payload:     []byte(`{}`),
		CreatedAtMS: time.Now().UnixMilli(),
	}
	backoff := l.backoff
	for i := 0; ; i++ {
		err := l.store.Insert(ctx, noop)
		if err == nil || l.store.IsDupSeq(err) {
			return
		}
		if !l.store.IsTransient(err) || i >= l.maxRetry {
			logger.Errorf("[eventlog] gap fill failed channel=%s seq=%d err=%v", channelID, s, err)
			return
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Errorf("[eventlog] gap fill aborted channel=%s seq=%d err=%v", channelID, s, ctx.Err())
			return
		case <-timer.C:
			backoff *= 2
		}
	}
}

// LatestSequence 频道当前最大 seq（无事件为 0）。
func (l *Log) LatestSequence(ctx context.Context, channelID string) (uint64, error) {
	return l.store.MaxSeq(ctx, channelID)
}

// ReadRange 返回 [fromSeq, toSeq] 的惰性读取器。fromSeq 为 0/1 表示从头；
// fromSeq 超出 latest 时读取器直接耗尽（空结果，不是错误）。
func (l *Log) ReadRange(channelID string, fromSeq, toSeq uint64) *Reader {
	if fromSeq == 0 {
		fromSeq = 1
	}
	return &Reader{
		log:       l,
		channelID: channelID,
		next:      fromSeq,
		to:        toSeq,
	}
}

// ReadAll 便捷方法：一次取完区间（History 接口用，页内分批拉取）。
func (l *Log) ReadAll(ctx context.Context, channelID string, fromSeq, toSeq uint64) ([]*event.Event, error) {
	r := l.ReadRange(channelID, fromSeq, toSeq)
	var out []*event.Event
	for {
		ev, err := r.Next(ctx)
		if err != nil {
			return nil, err
		}
		if ev == nil {
			return out, nil
		}
		out = append(out, ev)
	}
}

// Reader 分页拉取的区间读取器。中断后可用 Resume 位置重建（幂等重放）。
type Reader struct {
	log       *Log
	channelID string
	next      uint64 // 下一条要返回的 seq
	to        uint64
	buf       []*event.Event
	idx       int
	done      bool
}

// Next 返回下一条事件；区间耗尽返回 (nil, nil)。
func (r *Reader) Next(ctx context.Context) (*event.Event, error) {
	if r.done {
		return nil, nil
	}
	if r.idx >= len(r.buf) {
		if r.next > r.to {
			r.done = true
			return nil, nil
		}
		batch, err := r.log.store.Range(ctx, r.channelID, r.next, r.to, r.log.pageSize)
		if err != nil {
			return nil, errs.ErrCatchUpFailed.WrapMsg(err.Error(), "channel", r.channelID)
		}
		if len(batch) == 0 {
			r.done = true
			return nil, nil
		}
		r.buf = batch
		r.idx = 0
	}
	ev := r.buf[r.idx]
	r.idx++
	r.next = ev.Seq + 1
	return ev, nil
}

// Resume 返回重建读取器所需的下一个 seq（断点续读）。
func (r *Reader) Resume() uint64 { return r.next }

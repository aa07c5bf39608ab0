package eventlog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bapcai02/NovaChat-sub000/module/chat/event"
	"github.com/bapcai02/NovaChat-sub000/module/chat/seq"
	errs "github.com/bapcai02/NovaChat-sub000/tools/errs"
)

func msgPayload(t *testing.T, text string) []byte {
	t.Helper()
	raw, err := event.MarshalPayload(event.MessageCreatedPayload{MessageID: "m-" + text, Text: text})
	require.NoError(t, err)
	return raw
}

func newTestLog(opts ...Option) *Log {
	return New(NewMemStore(), seq.NewMemory(), opts...)
}

func TestAppendAssignsContiguousSeq(t *testing.T) {
	l := newTestLog()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		ev, err := l.Append(ctx, "c1", event.KindMessageCreated, msgPayload(t, "x"), "u1")
		require.NoError(t, err)
		require.Equal(t, uint64(i), ev.Seq)
		require.NotEmpty(t, ev.ID)
	}

	latest, err := l.LatestSequence(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, uint64(5), latest)
}

func TestAppendConcurrentNoGapNoDup(t *testing.T) {
	l := newTestLog()
	ctx := context.Background()
	const n = 100

	var wg sync.WaitGroup
	seqs := make(chan uint64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev, err := l.Append(ctx, "c1", event.KindMessageCreated, msgPayload(t, "x"), "u1")
			if err != nil {
				t.Error(err)
				return
			}
			seqs <- ev.Seq
		}()
	}
	wg.Wait()
	close(seqs)

	seen := make(map[uint64]bool, n)
	for s := range seqs {
		require.False(t, seen[s], "duplicate seq %d", s)
		seen[s] = true
	}
	for s := uint64(1); s <= n; s++ {
		require.True(t, seen[s], "missing seq %d", s)
	}
}

func TestReadRangeRoundTrip(t *testing.T) {
	l := newTestLog(WithPageSize(3)) // 跨页读取
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := l.Append(ctx, "c1", event.KindMessageCreated, msgPayload(t, "x"), "u1")
		require.NoError(t, err)
	}

	events, err := l.ReadAll(ctx, "c1", 4, 8)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, ev := range events {
		require.Equal(t, uint64(4+i), ev.Seq)
	}
}

func TestReadRangeFromZeroMeansBeginning(t *testing.T) {
	l := newTestLog()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, "c1", event.KindMessageCreated, msgPayload(t, "x"), "u1")
		require.NoError(t, err)
	}
	events, err := l.ReadAll(ctx, "c1", 0, 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, uint64(1), events[0].Seq)
}

func TestReadRangeBeyondLatestIsEmpty(t *testing.T) {
	l := newTestLog()
	ctx := context.Background()
	_, err := l.Append(ctx, "c1", event.KindMessageCreated, msgPayload(t, "x"), "u1")
	require.NoError(t, err)

	events, err := l.ReadAll(ctx, "c1", 100, 200)
	require.NoError(t, err)
	require.Empty(t, events)

	// 完全没写过的频道同样返回空
	events, err = l.ReadAll(ctx, "ghost", 1, 10)
	require.NoError(t, err)
	require.Empty(t, events)
}

// ===== 故障注入 =====

// flakyStore 前 failN 次 Insert 返回瞬时错误。
type flakyStore struct {
	Store
	mu    sync.Mutex
	failN int
}

var errFlaky = errors.New("transient blip")

func (s *flakyStore) Insert(ctx context.Context, e *event.Event) error {
	s.mu.Lock()
	if s.failN > 0 {
		s.failN--
		s.mu.Unlock()
		return errFlaky
	}
	s.mu.Unlock()
	return s.Store.Insert(ctx, e)
}

func (s *flakyStore) IsTransient(err error) bool { return errors.Is(err, errFlaky) }

func TestAppendRetriesTransientErrors(t *testing.T) {
	fs := &flakyStore{Store: NewMemStore(), failN: 2}
	l := New(fs, seq.NewMemory(), WithBackoff(time.Millisecond))
	ctx := context.Background()

	ev, err := l.Append(ctx, "c1", event.KindMessageCreated, msgPayload(t, "x"), "u1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), ev.Seq)
}

// brokenStore 永久失败（非瞬时非撞号）。
type brokenStore struct {
	Store
}

var errBroken = errors.New("disk on fire")

func (s *brokenStore) Insert(context.Context, *event.Event) error { return errBroken }

func TestFailedAppendBurnsNoSeq(t *testing.T) {
	sequencer := seq.NewMemory()
	mem := NewMemStore()
	broken := New(&brokenStore{Store: mem}, sequencer, WithBackoff(time.Millisecond))
	ctx := context.Background()

	_, err := broken.Append(ctx, "c1", event.KindMessageCreated, msgPayload(t, "x"), "u1")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.ErrAppendFailed))

	// 失败的 append 归还了号：恢复后下一条仍是 1，无空洞
	healthy := New(mem, sequencer, WithBackoff(time.Millisecond))
	ev, err := healthy.Append(ctx, "c1", event.KindMessageCreated, msgPayload(t, "x"), "u1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), ev.Seq)
}

// stallStore 第一次 Insert 先通知测试、等放行、然后返回永久错误；
// 之后的调用透传。用来制造“取了号却没落下”的窗口。
type stallStore struct {
	Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *stallStore) Insert(ctx context.Context, e *event.Event) error {
	var stalled bool
	s.once.Do(func() {
		stalled = true
		close(s.entered)
		<-s.release
	})
	if stalled {
		return errBroken
	}
	return s.Store.Insert(ctx, e)
}

func TestOvertakenSeqGapFilledWithNoop(t *testing.T) {
	// 两个节点共用发号器和存储：A 取到 seq=1 后卡在落库，
	// B 取走 seq=2 并提交；A 落库失败时号已被超越，回退无效。
	sequencer := seq.NewMemory()
	shared := NewMemStore()
	st := &stallStore{Store: shared, entered: make(chan struct{}), release: make(chan struct{})}
	nodeA := New(st, sequencer, WithBackoff(time.Millisecond))
	nodeB := New(shared, sequencer, WithBackoff(time.Millisecond))
	ctx := context.Background()

	payload := msgPayload(t, "a")
	errCh := make(chan error, 1)
	go func() {
		_, err := nodeA.Append(ctx, "c1", event.KindMessageCreated, payload, "u1")
		errCh <- err
	}()
	<-st.entered

	evB, err := nodeB.Append(ctx, "c1", event.KindMessageCreated, msgPayload(t, "b"), "u2")
	require.NoError(t, err)
	require.Equal(t, uint64(2), evB.Seq)

	close(st.release)
	err = <-errCh
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.ErrAppendFailed))

	// 收不回的 seq=1 被 noop 占位，日志保持从 1 连续
	events, err := nodeB.ReadAll(ctx, "c1", 1, 3)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, uint64(1), events[0].Seq)
	require.Equal(t, event.KindNoop, events[0].Kind)
	require.Equal(t, uint64(2), events[1].Seq)

	// 后续追加接在洞补齐之后，没有重号
	evC, err := nodeB.Append(ctx, "c1", event.KindMessageCreated, msgPayload(t, "c"), "u2")
	require.NoError(t, err)
	require.Equal(t, uint64(3), evC.Seq)
}

func TestAppendReconcilesStaleSequencer(t *testing.T) {
	mem := NewMemStore()
	ctx := context.Background()

	// 存储里已有 1..3（例如发号器重启丢了计数）
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, mem.Insert(ctx, &event.Event{
			ID: "pre-" + string(rune('a'+i)), ChannelID: "c1", Seq: i,
			Kind: event.KindMessageCreated, Payload: []byte(`{}`),
		}))
	}

	l := New(mem, seq.NewMemory()) // 计数器从 0 起，会撞 seq=1
	ev, err := l.Append(ctx, "c1", event.KindMessageCreated, msgPayload(t, "x"), "u1")
	require.NoError(t, err)
	require.Equal(t, uint64(4), ev.Seq)
}

func TestReaderResume(t *testing.T) {
	l := newTestLog(WithPageSize(2))
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		_, err := l.Append(ctx, "c1", event.KindMessageCreated, msgPayload(t, "x"), "u1")
		require.NoError(t, err)
	}

	r := l.ReadRange("c1", 1, 6)
	for i := 0; i < 3; i++ {
		_, err := r.Next(ctx)
		require.NoError(t, err)
	}
	require.Equal(t, uint64(4), r.Resume())

	// 用断点重建读取器，接着读完剩余部分
	r2 := l.ReadRange("c1", r.Resume(), 6)
	var rest []uint64
	for {
		ev, err := r2.Next(ctx)
		require.NoError(t, err)
		if ev == nil {
			break
		}
		rest = append(rest, ev.Seq)
	}
	require.Equal(t, []uint64{4, 5, 6}, rest)
}

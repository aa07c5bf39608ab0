package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bapcai02/NovaChat-sub000/module/chat/event"
	"github.com/bapcai02/NovaChat-sub000/module/chat/eventlog"
	"github.com/bapcai02/NovaChat-sub000/module/chat/member"
	"github.com/bapcai02/NovaChat-sub000/module/chat/seq"
	errs "github.com/bapcai02/NovaChat-sub000/tools/errs"
)

// chanSink 收集投递结果的测试 sink。paused 期间 Push 返回错误，
// 模拟写超时的客户端。
type chanSink struct {
	mu     sync.Mutex
	events []*event.Event
	paused bool
	closed bool
}

func (s *chanSink) Push(ev *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errs.ErrSessionClosed.Wrap()
	}
	if s.paused {
		return errs.New("sink paused").Wrap()
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *chanSink) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *chanSink) pause(on bool) {
	s.mu.Lock()
	s.paused = on
	s.mu.Unlock()
}

func (s *chanSink) seqs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Seq
	}
	return out
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting: %s", msg)
}

type sessionFixture struct {
	log     *eventlog.Log
	members member.Table
	mgr     *SessionManager
}

func newSessionFixture(t *testing.T, bufferCap int) *sessionFixture {
	t.Helper()
	log := eventlog.New(eventlog.NewMemStore(), seq.NewMemory())
	members := member.NewMemTable()
	mgr := NewSessionManager(log, members, SessionConf{
		BufferCap:  bufferCap,
		SweepEvery: time.Hour, // 测试里不要清理干扰
		IdleTTL:    time.Hour,
	})
	t.Cleanup(mgr.Close)
	return &sessionFixture{log: log, members: members, mgr: mgr}
}

// append 落一条事件并走在线投递（fan-out 的行为）。
func (f *sessionFixture) append(t *testing.T, channelID string) *event.Event {
	t.Helper()
	raw, err := event.MarshalPayload(event.MessageCreatedPayload{MessageID: "m", Text: "x"})
	require.NoError(t, err)
	ev, err := f.log.Append(context.Background(), channelID, event.KindMessageCreated, raw, "u-author")
	require.NoError(t, err)
	f.mgr.Deliver(channelID, ev)
	return ev
}

func TestSubscribeReplaysBacklogThenGoesLive(t *testing.T) {
	f := newSessionFixture(t, 100)
	ctx := context.Background()
	_, err := f.members.Join(ctx, "c1", "u1", member.RoleMember, 0)
	require.NoError(t, err)

	// 订阅前已有 3 条历史
	for i := 0; i < 3; i++ {
		f.append(t, "c1")
	}

	sink := &chanSink{}
	sess := f.mgr.NewSession("u1", sink)
	require.NoError(t, f.mgr.Subscribe(ctx, sess, "c1", 0))

	waitFor(t, func() bool { return len(sink.seqs()) == 3 }, "backlog replay")
	require.Equal(t, []uint64{1, 2, 3}, sink.seqs())

	// 进入直播后新事件实时到达
	f.append(t, "c1")
	waitFor(t, func() bool { return len(sink.seqs()) == 4 }, "live delivery")
	require.Equal(t, uint64(4), sink.seqs()[3])
}

func TestReconnectResumesWithoutDupOrLoss(t *testing.T) {
	f := newSessionFixture(t, 100)
	ctx := context.Background()
	_, err := f.members.Join(ctx, "c1", "u1", member.RoleMember, 0)
	require.NoError(t, err)

	sink1 := &chanSink{}
	sess1 := f.mgr.NewSession("u1", sink1)
	require.NoError(t, f.mgr.Subscribe(ctx, sess1, "c1", 0))

	for i := 0; i < 5; i++ {
		f.append(t, "c1")
	}
	waitFor(t, func() bool { return len(sink1.seqs()) == 5 }, "first session delivery")

	// 掉线（已确认到 5），离线期间 6..15 落库
	f.mgr.CloseSession(sess1)
	for i := 0; i < 10; i++ {
		ev, err := f.log.Append(ctx, "c1",
			event.KindMessageCreated, mustPayload(t), "u-author")
		require.NoError(t, err)
		f.mgr.Deliver("c1", ev) // 没有订阅者，no-op
	}

	// 重连续传：从 5 之后开始，无重复无丢失
	sink2 := &chanSink{}
	sess2 := f.mgr.NewSession("u1", sink2)
	require.NoError(t, f.mgr.Subscribe(ctx, sess2, "c1", 5))

	waitFor(t, func() bool { return len(sink2.seqs()) == 10 }, "catch-up replay")
	require.Equal(t, []uint64{6, 7, 8, 9, 10, 11, 12, 13, 14, 15}, sink2.seqs())

	// 追平后接直播
	f.append(t, "c1")
	waitFor(t, func() bool { return len(sink2.seqs()) == 11 }, "live after catch-up")
	require.Equal(t, uint64(16), sink2.seqs()[10])
}

func TestBufferOverflowForcesFullCatchUp(t *testing.T) {
	f := newSessionFixture(t, 3) // 小缓冲，容易打满
	ctx := context.Background()
	_, err := f.members.Join(ctx, "c1", "u1", member.RoleMember, 0)
	require.NoError(t, err)

	sink := &chanSink{}
	sess := f.mgr.NewSession("u1", sink)
	require.NoError(t, f.mgr.Subscribe(ctx, sess, "c1", 0))

	// 等 worker 进入直播，再堵住客户端
	f.append(t, "c1")
	waitFor(t, func() bool { return len(sink.seqs()) == 1 }, "warm up")
	sink.pause(true)

	// 5 条快速事件：inbox 容量 3，必然溢出丢缓冲
	for i := 0; i < 5; i++ {
		f.append(t, "c1")
	}

	sink.pause(false)
	// 溢出后的强制全量追赶补齐缺口：每条恰好一次、顺序不回退
	waitFor(t, func() bool { return len(sink.seqs()) == 6 }, "recovery after overflow")
	require.Equal(t, []uint64{1, 2, 3, 4, 5, 6}, sink.seqs())
}

// rangeFailStore 第 failOn 次 Range 返回存储错误，其余透传。
type rangeFailStore struct {
	eventlog.Store
	mu     sync.Mutex
	calls  int
	failOn int
}

func (s *rangeFailStore) Range(ctx context.Context, channelID string, from, to uint64, limit int) ([]*event.Event, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()
	if n == s.failOn {
		return nil, errors.New("storage read failed")
	}
	return s.Store.Range(ctx, channelID, from, to, limit)
}

func TestCatchUpFailureClosesSessionWithoutGap(t *testing.T) {
	// 回放中途存储读失败：会话整体断开，客户端重连重试；
	// 绝不把半截回放当完整视图交付。
	store := &rangeFailStore{Store: eventlog.NewMemStore(), failOn: 2}
	log := eventlog.New(store, seq.NewMemory(), eventlog.WithPageSize(2))
	members := member.NewMemTable()
	mgr := NewSessionManager(log, members, SessionConf{
		SweepEvery: time.Hour,
		IdleTTL:    time.Hour,
	})
	defer mgr.Close()

	ctx := context.Background()
	_, err := members.Join(ctx, "c1", "u1", member.RoleMember, 0)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		raw, err := event.MarshalPayload(event.MessageCreatedPayload{MessageID: "m", Text: "x"})
		require.NoError(t, err)
		_, err = log.Append(ctx, "c1", event.KindMessageCreated, raw, "u-author")
		require.NoError(t, err)
	}

	sink := &chanSink{}
	sess := mgr.NewSession("u1", sink)
	require.NoError(t, mgr.Subscribe(ctx, sess, "c1", 0))

	waitFor(t, func() bool {
		select {
		case <-sess.Closed():
			return true
		default:
			return false
		}
	}, "catch-up failure must close the session")

	// 送到的只能是出错前的连续前缀，没有空洞、没有越过故障点的事件
	seqs := sink.seqs()
	for i, s := range seqs {
		require.Equal(t, uint64(i+1), s)
	}
	require.Less(t, len(seqs), 5)

	sink.mu.Lock()
	closed := sink.closed
	sink.mu.Unlock()
	require.True(t, closed, "sink must be closed with the session")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	f := newSessionFixture(t, 100)
	ctx := context.Background()
	_, err := f.members.Join(ctx, "c1", "u1", member.RoleMember, 0)
	require.NoError(t, err)

	sink := &chanSink{}
	sess := f.mgr.NewSession("u1", sink)
	require.NoError(t, f.mgr.Subscribe(ctx, sess, "c1", 0))
	f.append(t, "c1")
	waitFor(t, func() bool { return len(sink.seqs()) == 1 }, "delivery before unsub")

	f.mgr.Unsubscribe(sess, "c1")
	require.Equal(t, 0, f.mgr.SessionsOn("c1"))

	f.append(t, "c1")
	time.Sleep(50 * time.Millisecond)
	require.Len(t, sink.seqs(), 1)
}

func TestSessionSweeperClosesIdleSessions(t *testing.T) {
	log := eventlog.New(eventlog.NewMemStore(), seq.NewMemory())
	mgr := NewSessionManager(log, member.NewMemTable(), SessionConf{
		SweepEvery: 10 * time.Millisecond,
		IdleTTL:    20 * time.Millisecond,
	})
	defer mgr.Close()

	sink := &chanSink{}
	sess := mgr.NewSession("u1", sink)

	waitFor(t, func() bool {
		select {
		case <-sess.Closed():
			return true
		default:
			return false
		}
	}, "sweeper should close idle session")
}

func TestHeartbeatKeepsSessionAlive(t *testing.T) {
	log := eventlog.New(eventlog.NewMemStore(), seq.NewMemory())
	mgr := NewSessionManager(log, member.NewMemTable(), SessionConf{
		SweepEvery: 10 * time.Millisecond,
		IdleTTL:    60 * time.Millisecond,
	})
	defer mgr.Close()

	sink := &chanSink{}
	sess := mgr.NewSession("u1", sink)

	for i := 0; i < 10; i++ {
		mgr.Heartbeat(sess.ID)
		time.Sleep(15 * time.Millisecond)
	}
	select {
	case <-sess.Closed():
		t.Fatal("session with heartbeats must stay alive")
	default:
	}
}

func mustPayload(t *testing.T) []byte {
	t.Helper()
	raw, err := event.MarshalPayload(event.MessageCreatedPayload{MessageID: "m", Text: "x"})
	require.NoError(t, err)
	return raw
}

package chat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bapcai02/NovaChat-sub000/logger"
	"github.com/bapcai02/NovaChat-sub000/module/chat/event"
	"github.com/bapcai02/NovaChat-sub000/module/chat/eventlog"
	"github.com/bapcai02/NovaChat-sub000/module/chat/member"
	"github.com/bapcai02/NovaChat-sub000/tools/ids"
	"github.com/bapcai02/NovaChat-sub000/tools/safe"
)

// Sink 订阅事件的出口。网关用 websocket 实现，测试用 channel 实现。
//
// Push 必须有界（内部超时），超时/暂时不可写返回错误即可，投递侧会重试；
// 返回 errs.ErrSessionClosed 语义的错误则订阅终止。
type Sink interface {
	Push(ev *event.Event) error
	Close()
}

// ===== 配置 =====

type SessionConf struct {
	BufferCap   int              // 每订阅待投递缓冲上限；溢出触发强制全量追赶
	PushTimeout time.Duration    // 单次推送的有界等待
	SweepEvery  time.Duration    // 清理周期
	IdleTTL     time.Duration    // 无心跳会话的存活期
	Clock       func() time.Time // 可注入时钟（单测用）；nil => time.Now
}

func (c *SessionConf) norm() {
	if c.BufferCap <= 0 {
		c.BufferCap = 100
	}
	if c.PushTimeout <= 0 {
		c.PushTimeout = 2 * time.Second
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 10 * time.Second
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 5 * time.Minute
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// ===== 订阅状态机：Disconnected → CatchingUp → Live =====

type SubState int32

const (
	SubDisconnected SubState = iota
	SubCatchingUp
	SubLive
)

type subscription struct {
	sess      *Session
	channelID string

	inbox    chan *event.Event // 直播事件缓冲（容量 = BufferCap）
	overflow atomic.Bool       // 缓冲满时置位：订阅需要强制全量追赶
	state    atomic.Int32
	lastSeq  uint64 // 已送达的最大 seq；只由本订阅的 worker 协程读写

	done      chan struct{}
	closeOnce sync.Once
}

func (s *subscription) close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(SubDisconnected))
		close(s.done)
	})
}

func (s *subscription) State() SubState {
	return SubState(s.state.Load())
}

// ===== 会话 =====

// Session 一条客户端连接的投递会话。非持久化，断开即销毁。
type Session struct {
	ID     string
	UserID string

	sink Sink
	mgr  *SessionManager

	mu        sync.Mutex
	subs      map[string]*subscription // channelID -> sub
	expireAt  time.Time
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *Session) Closed() <-chan struct{} { return s.closed }

// ===== 会话管理器 =====

// SessionManager 维护连接 ↔ 用户 ↔ 订阅频道的映射，
// 负责缓冲、溢出后的强制追赶、以及重连后的 cursor 回放。
type SessionManager struct {
	mu        sync.RWMutex
	byID      map[string]*Session
	byChannel map[string]map[string]*subscription // channelID -> sessionID -> sub

	log     *eventlog.Log
	members member.Table

	conf     SessionConf
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewSessionManager(log *eventlog.Log, members member.Table, conf SessionConf) *SessionManager {
	conf.norm()
	m := &SessionManager{
		byID:      make(map[string]*Session),
		byChannel: make(map[string]map[string]*subscription),
		log:       log,
		members:   members,
		conf:      conf,
		stopCh:    make(chan struct{}),
	}
	safe.GoNamed("session-sweeper", m.sweeper)
	return m
}

func (m *SessionManager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.byID))
	for _, s := range m.byID {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		m.CloseSession(s)
	}
}

// NewSession 登记一条新连接。
func (m *SessionManager) NewSession(userID string, sink Sink) *Session {
	s := &Session{
		ID:       ids.GenerateString(),
		UserID:   userID,
		sink:     sink,
		mgr:      m,
		subs:     make(map[string]*subscription),
		expireAt: m.conf.Clock().Add(m.conf.IdleTTL),
		closed:   make(chan struct{}),
	}
	m.mu.Lock()
	m.byID[s.ID] = s
	m.mu.Unlock()
	return s
}

// Heartbeat 心跳续期（pong/ping 帧触发）。
func (m *SessionManager) Heartbeat(sessionID string) {
	m.mu.RLock()
	s := m.byID[sessionID]
	m.mu.RUnlock()
	if s == nil {
		return
	}
	s.mu.Lock()
	s.expireAt = m.conf.Clock().Add(m.conf.IdleTTL)
	s.mu.Unlock()
}

// Subscribe 建立 (session, channel) 订阅并启动投递 worker。
// resume 为“客户端已确认送达的最大 seq”；回放从 resume+1 开始。
func (m *SessionManager) Subscribe(ctx context.Context, sess *Session, channelID string, resume uint64) error {
	if resume == 0 {
		// 客户端没带断点，用成员表存的 cursor
		cur, err := m.members.Cursor(ctx, channelID, sess.UserID)
		if err != nil {
			return err
		}
		resume = cur
	}

	sub := &subscription{
		sess:      sess,
		channelID: channelID,
		inbox:     make(chan *event.Event, m.conf.BufferCap),
		done:      make(chan struct{}),
	}
	sub.lastSeq = resume

	sess.mu.Lock()
	if old, ok := sess.subs[channelID]; ok {
		old.close()
	}
	sess.subs[channelID] = sub
	sess.mu.Unlock()

	// 先挂索引再算回放目标：窗口期内的新事件一定进 inbox（或置 overflow），不丢
	m.mu.Lock()
	byCh, ok := m.byChannel[channelID]
	if !ok {
		byCh = make(map[string]*subscription)
		m.byChannel[channelID] = byCh
	}
	byCh[sess.ID] = sub
	m.mu.Unlock()

	safe.GoNamed("subscription-worker", func() { m.runSubscription(sub) })
	return nil
}

// Unsubscribe 摘除订阅（退订或 MemberLeft）。
func (m *SessionManager) Unsubscribe(sess *Session, channelID string) {
	sess.mu.Lock()
	sub := sess.subs[channelID]
	delete(sess.subs, channelID)
	sess.mu.Unlock()

	m.detach(sess.ID, channelID)
	if sub != nil {
		sub.close()
	}
}

// UnsubscribeUser 把某用户在该频道的所有会话退订（MemberLeft 用）。
func (m *SessionManager) UnsubscribeUser(channelID, userID string) {
	m.mu.RLock()
	var victims []*Session
	for _, sub := range m.byChannel[channelID] {
		if sub.sess.UserID == userID {
			victims = append(victims, sub.sess)
		}
	}
	m.mu.RUnlock()
	for _, s := range victims {
		m.Unsubscribe(s, channelID)
	}
}

// CloseSession 断开：撤掉所有订阅、关闭 sink、移除会话。
func (m *SessionManager) CloseSession(sess *Session) {
	sess.closeOnce.Do(func() { close(sess.closed) })

	sess.mu.Lock()
	subs := make([]*subscription, 0, len(sess.subs))
	for _, sub := range sess.subs {
		subs = append(subs, sub)
	}
	sess.subs = make(map[string]*subscription)
	sess.mu.Unlock()

	for _, sub := range subs {
		m.detach(sess.ID, sub.channelID)
		sub.close()
	}

	m.mu.Lock()
	delete(m.byID, sess.ID)
	m.mu.Unlock()

	sess.sink.Close()
}

func (m *SessionManager) detach(sessionID, channelID string) {
	m.mu.Lock()
	if byCh, ok := m.byChannel[channelID]; ok {
		delete(byCh, sessionID)
		if len(byCh) == 0 {
			delete(m.byChannel, channelID)
		}
	}
	m.mu.Unlock()
}

// Deliver 频道管线把新追加的事件交给所有在线订阅。
// 每订阅只做非阻塞入队：慢消费者置 overflow，绝不拖住频道管线。
func (m *SessionManager) Deliver(channelID string, ev *event.Event) {
	m.mu.RLock()
	subs := make([]*subscription, 0, len(m.byChannel[channelID]))
	for _, sub := range m.byChannel[channelID] {
		subs = append(subs, sub)
	}
	m.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.inbox <- ev:
		default:
			// 缓冲满：放弃缓冲，标记强制全量追赶（§BufferOverflow 语义）
			sub.overflow.Store(true)
		}
	}
}

// SessionsOn 当前订阅该频道的在线会话数（fan-out 观测用）。
func (m *SessionManager) SessionsOn(channelID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byChannel[channelID])
}

// ===== 订阅 worker：CatchingUp ⇄ Live =====

func (m *SessionManager) runSubscription(sub *subscription) {
	for {
		sub.state.Store(int32(SubCatchingUp))
		if err := m.replay(sub); err != nil {
			// 回放失败：不把半截当完整，整个会话断开，客户端退避重连
			logger.Errorf("[session] catch-up failed session=%s channel=%s err=%v",
				sub.sess.ID, sub.channelID, err)
			m.CloseSession(sub.sess)
			return
		}
		if !m.drainToLive(sub) {
			if sub.State() == SubDisconnected {
				return
			}
			continue // 排空期间又溢出，重新追赶
		}

		sub.state.Store(int32(SubLive))
		again := m.liveLoop(sub)
		if !again {
			return
		}
		// 溢出触发的强制追赶：丢掉缓冲，从 lastSeq+1 重放
	}
}

// replay 把 [lastSeq+1, latest] 重放给订阅。
// latest 在订阅挂上索引之后取，窗口内新事件由 inbox/overflow 兜住。
func (m *SessionManager) replay(sub *subscription) error {
	ctx := context.Background()
	target, err := m.log.LatestSequence(ctx, sub.channelID)
	if err != nil {
		return err
	}
	if target <= sub.lastSeq {
		return nil
	}
	r := m.log.ReadRange(sub.channelID, sub.lastSeq+1, target)
	for {
		ev, err := r.Next(ctx)
		if err != nil {
			return err
		}
		if ev == nil {
			return nil
		}
		if ev.Seq <= sub.lastSeq {
			continue
		}
		if !m.push(sub, ev) {
			return nil // 订阅已关
		}
		sub.lastSeq = ev.Seq
	}
}

// drainToLive 排空回放期间攒下的直播事件（按 seq 去重），
// 排空且无溢出则可进入 Live。返回 false 表示需要重新追赶或订阅已关。
func (m *SessionManager) drainToLive(sub *subscription) bool {
	for {
		if sub.overflow.Swap(false) {
			m.discardInbox(sub)
			return false
		}
		select {
		case ev := <-sub.inbox:
			if ev.Seq <= sub.lastSeq {
				continue // 与回放重叠的事件，丢弃
			}
			if !m.push(sub, ev) {
				return false
			}
			sub.lastSeq = ev.Seq
		default:
			return true
		}
	}
}

// liveLoop 直播投递。返回 true 表示需要回到 CatchingUp（溢出），false 表示订阅结束。
func (m *SessionManager) liveLoop(sub *subscription) bool {
	for {
		if sub.overflow.Swap(false) {
			m.discardInbox(sub)
			return true
		}
		select {
		case <-sub.done:
			return false
		case <-sub.sess.closed:
			return false
		case ev := <-sub.inbox:
			if ev.Seq <= sub.lastSeq {
				continue
			}
			if !m.push(sub, ev) {
				return false
			}
			sub.lastSeq = ev.Seq
		}
	}
}

func (m *SessionManager) discardInbox(sub *subscription) {
	for {
		select {
		case <-sub.inbox:
		default:
			return
		}
	}
}

// push 有界重试直到送达或订阅/会话关闭。单订阅内严格串行，保证有序不重。
func (m *SessionManager) push(sub *subscription, ev *event.Event) bool {
	for {
		select {
		case <-sub.done:
			return false
		case <-sub.sess.closed:
			return false
		default:
		}
		if err := sub.sess.sink.Push(ev); err == nil {
			return true
		}
		// sink 暂时不可写（客户端卡顿）：小憩后重试；死连接由 sweeper 收尸
		timer := time.NewTimer(20 * time.Millisecond)
		select {
		case <-sub.done:
			timer.Stop()
			return false
		case <-sub.sess.closed:
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

// ===== 清理协程 =====

func (m *SessionManager) sweeper() {
	t := time.NewTicker(m.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case now := <-t.C:
			m.sweepOnce(now)
		}
	}
}

func (m *SessionManager) sweepOnce(now time.Time) {
	m.mu.RLock()
	var expired []*Session
	for _, s := range m.byID {
		s.mu.Lock()
		if now.After(s.expireAt) {
			expired = append(expired, s)
		}
		s.mu.Unlock()
	}
	m.mu.RUnlock()

	for _, s := range expired {
		logger.Infof("[session] sweep expired session=%s user=%s", s.ID, s.UserID)
		m.CloseSession(s)
	}
}

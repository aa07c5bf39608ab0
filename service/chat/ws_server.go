package chat

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/bapcai02/NovaChat-sub000/logger"
	"github.com/bapcai02/NovaChat-sub000/module/chat/event"
	"github.com/bapcai02/NovaChat-sub000/service/storage"
	errs "github.com/bapcai02/NovaChat-sub000/tools/errs"
	"github.com/bapcai02/NovaChat-sub000/tools/ids"
	"github.com/bapcai02/NovaChat-sub000/tools/safe"
	"github.com/bapcai02/NovaChat-sub000/tools/security"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 64 * 1024
	sendBufferSize = 256
)

// WsServer websocket 网关。连接先 AUTH 后订阅，未鉴权的业务帧一律拒绝。
type WsServer struct {
	core     *Core
	jwt      security.Options
	nodeID   string
	presence storage.Presence

	upgrader websocket.Upgrader
	disp     *Dispatcher

	mu    sync.RWMutex
	conns map[string]*Conn
}

func NewWsServer(core *Core, jwt security.Options, nodeID string, presence storage.Presence) *WsServer {
	s := &WsServer{
		core:     core,
		jwt:      jwt,
		nodeID:   nodeID,
		presence: presence,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		disp:  NewDispatcher(),
		conns: make(map[string]*Conn),
	}
	s.disp.Register(FrameAuth, HandlerFunc(s.handleAuth))
	s.disp.Register(FrameSub, HandlerFunc(s.handleSub))
	s.disp.Register(FrameUnsub, HandlerFunc(s.handleUnsub))
	s.disp.Register(FramePub, HandlerFunc(s.handlePub))
	s.disp.Register(FrameAck, HandlerFunc(s.handleAck))
	s.disp.Register(FramePing, HandlerFunc(s.handlePing))
	return s
}

// Attach 挂到 gin 路由。
func (s *WsServer) Attach(r *gin.Engine) {
	r.GET("/ws", s.serveWs)
}

func (s *WsServer) serveWs(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("[ws] upgrade failed: %v", err)
		return
	}
	conn := &Conn{
		ID:     ids.GenerateString(),
		ws:     ws,
		server: s,
		send:   make(chan []byte, sendBufferSize),
		closed: make(chan struct{}),
	}
	s.mu.Lock()
	s.conns[conn.ID] = conn
	s.mu.Unlock()

	conn.SendFrame(BuildConnAck(conn.ID, s.nodeID))
	safe.GoNamed("ws-write-pump", conn.writePump)
	safe.GoNamed("ws-read-pump", conn.readPump)
}

func (s *WsServer) removeConn(conn *Conn) {
	s.mu.Lock()
	delete(s.conns, conn.ID)
	s.mu.Unlock()
}

func (s *WsServer) Close() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// ===== 帧处理 =====

func (s *WsServer) handleAuth(_ context.Context, conn *Conn, f *Frame) error {
	claims, err := security.Verify(s.jwt, f.Token)
	if err != nil {
		return errs.ErrTokenInvalid.WrapMsg(err.Error())
	}
	userID := claims.UserID()
	if userID == "" {
		return errs.ErrTokenInvalid.WithDetail("sub claim missing")
	}
	sess := s.core.Sessions().NewSession(userID, &wsSink{conn: conn})
	conn.bind(sess)
	if s.presence != nil {
		if err := s.presence.Online(context.Background(), userID, s.nodeID); err != nil {
			logger.Warnf("[ws] presence online failed user=%s err=%v", userID, err)
		}
	}
	conn.SendFrame(BuildAuthAck(userID, conn.ID))
	logger.Infof("[ws] authed conn=%s user=%s session=%s", conn.ID, userID, sess.ID)
	return nil
}

func (s *WsServer) handleSub(ctx context.Context, conn *Conn, f *Frame) error {
	sess := conn.session()
	if sess == nil {
		return errs.ErrTokenInvalid.WithDetail("auth first")
	}
	return s.core.Subscribe(ctx, sess, f.Channel, f.ResumeFrom)
}

func (s *WsServer) handleUnsub(_ context.Context, conn *Conn, f *Frame) error {
	sess := conn.session()
	if sess == nil {
		return errs.ErrTokenInvalid.WithDetail("auth first")
	}
	s.core.Unsubscribe(sess, f.Channel)
	return nil
}

func (s *WsServer) handlePub(ctx context.Context, conn *Conn, f *Frame) error {
	sess := conn.session()
	if sess == nil {
		return errs.ErrTokenInvalid.WithDetail("auth first")
	}
	kind := event.ParseKind(f.Kind)
	ev, err := s.core.SubmitEvent(ctx, f.Channel, sess.UserID, kind, f.Payload)
	if err != nil {
		return err
	}
	conn.SendFrame(BuildSubmitAck(ev))
	return nil
}

func (s *WsServer) handleAck(ctx context.Context, conn *Conn, f *Frame) error {
	sess := conn.session()
	if sess == nil {
		return errs.ErrTokenInvalid.WithDetail("auth first")
	}
	s.core.Sessions().Heartbeat(sess.ID)
	return s.core.Ack(ctx, f.Channel, sess.UserID, f.Seq)
}

func (s *WsServer) handlePing(ctx context.Context, conn *Conn, _ *Frame) error {
	if sess := conn.session(); sess != nil {
		s.core.Sessions().Heartbeat(sess.ID)
		if s.presence != nil {
			if err := s.presence.Refresh(ctx, sess.UserID); err != nil {
				logger.Debugf("[ws] presence refresh failed user=%s err=%v", sess.UserID, err)
			}
		}
	}
	conn.SendFrame(BuildPong())
	return nil
}

// ===== 连接 =====

// Conn 单条 websocket 连接。写统一走 send 通道，writePump 串行出口。
type Conn struct {
	ID     string
	ws     *websocket.Conn
	server *WsServer

	mu   sync.RWMutex
	sess *Session

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *Conn) bind(sess *Session) {
	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()
}

func (c *Conn) session() *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sess
}

// SendFrame 非阻塞发帧。出口堆满说明连接已死，直接丢，由读/写泵收尾。
func (c *Conn) SendFrame(f *Frame) {
	data, err := EncodeFrame(f)
	if err != nil {
		logger.Errorf("[ws] encode frame failed conn=%s err=%v", c.ID, err)
		return
	}
	select {
	case c.send <- data:
	case <-c.closed:
	default:
		logger.Warnf("[ws] send buffer full conn=%s, dropping frame", c.ID)
	}
}

func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if sess := c.session(); sess != nil {
			c.server.core.Sessions().CloseSession(sess)
			if c.server.presence != nil {
				if err := c.server.presence.Offline(context.Background(), sess.UserID); err != nil {
					logger.Debugf("[ws] presence offline failed user=%s err=%v", sess.UserID, err)
				}
			}
		}
		c.server.removeConn(c)
		_ = c.ws.Close()
	})
}

func (c *Conn) readPump() {
	defer c.Close()
	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if sess := c.session(); sess != nil {
			c.server.core.Sessions().Heartbeat(sess.ID)
		}
		return nil
	})
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debugf("[ws] read error conn=%s: %v", c.ID, err)
			}
			return
		}
		f, err := ParseFrame(raw)
		if err != nil {
			c.SendFrame(BuildErrFrame(err))
			continue
		}
		c.server.disp.Dispatch(context.Background(), c, f)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-c.closed:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ===== 会话 sink =====

// wsSink 把投递事件塞进连接出口。有界等待，超时交回投递侧重试。
type wsSink struct {
	conn *Conn
}

func (s *wsSink) Push(ev *event.Event) error {
	data, err := EncodeFrame(BuildEventFrame(ev))
	if err != nil {
		return errs.Wrap(err)
	}
	timer := time.NewTimer(writeWait)
	defer timer.Stop()
	select {
	case s.conn.send <- data:
		return nil
	case <-s.conn.closed:
		return errs.ErrSessionClosed.WithDetail("conn closed")
	case <-timer.C:
		return errs.New("ws send timeout").Wrap()
	}
}

func (s *wsSink) Close() {
	s.conn.Close()
}

package chat

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/bapcai02/NovaChat-sub000/module/chat/event"
	errs "github.com/bapcai02/NovaChat-sub000/tools/errs"
)

// FrameType 网关线协议帧类型（JSON 编码）。
type FrameType int32

const (
	FrameConn  FrameType = 1  // 服务端：连接确认
	FrameAuth  FrameType = 2  // 客户端：鉴权；服务端：鉴权结果
	FrameSub   FrameType = 3  // 客户端：订阅频道
	FrameUnsub FrameType = 4  // 客户端：退订频道
	FramePub   FrameType = 5  // 客户端：提交事件
	FrameAck   FrameType = 6  // 客户端：确认收到 seq；服务端：提交回执
	FramePing  FrameType = 7
	FramePong  FrameType = 8
	FrameEvent FrameType = 9  // 服务端：投递事件
	FrameErr   FrameType = 10 // 服务端：错误
)

// Frame 业务帧。字段按帧类型取用，未用字段省略。
type Frame struct {
	Type       FrameType       `json:"type"`
	ConnID     string          `json:"conn_id,omitempty"`
	Token      string          `json:"token,omitempty"`
	UserID     string          `json:"user_id,omitempty"`
	Channel    string          `json:"channel,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	Seq        uint64          `json:"seq,omitempty"`
	ResumeFrom uint64          `json:"resume_from,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Event      *event.Event    `json:"event,omitempty"`
	Code       int             `json:"code,omitempty"`
	Msg        string          `json:"msg,omitempty"`
	Ts         int64           `json:"ts,omitempty"`
}

func ParseFrame(raw []byte) (*Frame, error) {
	f := &Frame{}
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, errs.ErrArgs.WrapMsg("unmarshal frame failed", "err", err)
	}
	if f.Type == 0 {
		return nil, errs.ErrArgs.WithDetail("frame type missing")
	}
	return f, nil
}

func EncodeFrame(f *Frame) ([]byte, error) {
	return json.Marshal(f)
}

// ---- 构造若干服务端帧 ----

func BuildConnAck(connID, nodeID string) *Frame {
	return &Frame{Type: FrameConn, ConnID: connID, Msg: nodeID, Ts: time.Now().UnixMilli()}
}

func BuildAuthAck(userID, connID string) *Frame {
	return &Frame{Type: FrameAuth, UserID: userID, ConnID: connID, Ts: time.Now().UnixMilli()}
}

func BuildEventFrame(ev *event.Event) *Frame {
	return &Frame{Type: FrameEvent, Channel: ev.ChannelID, Seq: ev.Seq, Event: ev, Ts: time.Now().UnixMilli()}
}

func BuildSubmitAck(ev *event.Event) *Frame {
	return &Frame{Type: FrameAck, Channel: ev.ChannelID, Seq: ev.Seq, Msg: ev.ID, Ts: time.Now().UnixMilli()}
}

func BuildPong() *Frame {
	return &Frame{Type: FramePong, Ts: time.Now().UnixMilli()}
}

func BuildErrFrame(err error) *Frame {
	f := &Frame{Type: FrameErr, Ts: time.Now().UnixMilli()}
	f.Code = errs.Code(err)
	f.Msg = err.Error()
	return f
}

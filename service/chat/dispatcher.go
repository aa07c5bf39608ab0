package chat

import (
	"context"

	"github.com/bapcai02/NovaChat-sub000/logger"
	errs "github.com/bapcai02/NovaChat-sub000/tools/errs"
)

// Handler 单一帧类型的处理器。
type Handler interface {
	Handle(ctx context.Context, conn *Conn, f *Frame) error
}

type HandlerFunc func(ctx context.Context, conn *Conn, f *Frame) error

func (fn HandlerFunc) Handle(ctx context.Context, conn *Conn, f *Frame) error {
	return fn(ctx, conn, f)
}

// Dispatcher 按帧类型路由。未注册类型回错误帧，处理失败也回错误帧。
type Dispatcher struct {
	handlers map[FrameType]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[FrameType]Handler)}
}

func (d *Dispatcher) Register(t FrameType, h Handler) {
	d.handlers[t] = h
}

func (d *Dispatcher) Dispatch(ctx context.Context, conn *Conn, f *Frame) {
	h, ok := d.handlers[f.Type]
	if !ok {
		conn.SendFrame(BuildErrFrame(errs.ErrArgs.WithDetail("unsupported frame type")))
		return
	}
	if err := h.Handle(ctx, conn, f); err != nil {
		logger.Debugf("[ws] frame handling failed conn=%s type=%d err=%v", conn.ID, f.Type, err)
		conn.SendFrame(BuildErrFrame(err))
	}
}

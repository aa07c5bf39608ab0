package chat

import (
	"context"

	"github.com/bapcai02/NovaChat-sub000/logger"
	"github.com/bapcai02/NovaChat-sub000/module/chat/event"
	"github.com/bapcai02/NovaChat-sub000/module/chat/eventlog"
	"github.com/bapcai02/NovaChat-sub000/module/chat/member"
	"github.com/bapcai02/NovaChat-sub000/tools/decode"
	errs "github.com/bapcai02/NovaChat-sub000/tools/errs"
)

// Core 频道事件核心：定序追加、成员表、扇出、投递会话的编排层。
// 网关（ws/http）只跟 Core 说话，不直接碰存储。
type Core struct {
	log      *eventlog.Log
	members  member.Table
	sessions *SessionManager
	fanout   *Fanout
	pipes    *pipelines
}

type CoreConf struct {
	PipelineWorkers int
	PipelineQueue   int
}

func NewCore(log *eventlog.Log, members member.Table, sessions *SessionManager, fanout *Fanout, conf CoreConf) *Core {
	return &Core{
		log:      log,
		members:  members,
		sessions: sessions,
		fanout:   fanout,
		pipes:    newPipelines(conf.PipelineWorkers, conf.PipelineQueue),
	}
}

func (c *Core) Close() {
	c.pipes.close()
	c.fanout.Close()
	c.sessions.Close()
}

func (c *Core) Members() member.Table     { return c.members }
func (c *Core) Sessions() *SessionManager { return c.sessions }
func (c *Core) Log() *eventlog.Log        { return c.log }

// SubmitEvent 提交一条事件：校验 → 成员检查 → 频道管线上定序落库 → 扇出。
//
// 成员变更（joined/left）也是普通定序事件，落库后顺手改成员表，
// 所以“第几号事件让 X 入群”在日志里可回放。
func (c *Core) SubmitEvent(ctx context.Context, channelID, actorID string, kind event.Kind, payload []byte) (*event.Event, error) {
	if channelID == "" || actorID == "" {
		return nil, errs.ErrArgs.WithDetail("channel/actor required")
	}
	if !kind.Valid() {
		return nil, errs.ErrInvalidPayload.WithDetail("unknown kind")
	}
	if err := event.ValidatePayload(kind, payload); err != nil {
		return nil, err
	}

	// join 自己时还不是成员，放行；其余操作都要求成员身份
	if kind != event.KindMemberJoined {
		ok, err := c.members.IsMember(ctx, channelID, actorID)
		if err != nil {
			return nil, errs.WrapMsg(err, "member check", "channel", channelID)
		}
		if !ok {
			return nil, errs.ErrNotMember.WithDetail("actor " + actorID)
		}
	}

	var ev *event.Event
	var appendErr error
	err := c.pipes.doWait(ctx, channelID, func() {
		ev, appendErr = c.log.Append(ctx, channelID, kind, payload, actorID)
		if appendErr != nil {
			return
		}
		c.applyMembership(ctx, ev)
		c.fanout.Dispatch(ev)
	})
	if err != nil {
		return nil, err
	}
	if appendErr != nil {
		return nil, appendErr
	}
	return ev, nil
}

// applyMembership 成员事件的副作用。cursor 取该事件自身的 seq：
// 新成员从入群那一刻之后的事件开始收，入群前历史走 History 主动拉。
func (c *Core) applyMembership(ctx context.Context, ev *event.Event) {
	switch ev.Kind {
	case event.KindMemberJoined:
		p, err := decodeMemberJoined(ev.Payload)
		if err != nil {
			logger.Errorf("[core] bad member_joined payload channel=%s seq=%d err=%v", ev.ChannelID, ev.Seq, err)
			return
		}
		created, err := c.members.Join(ctx, ev.ChannelID, p.UserID, p.Role, ev.Seq)
		if err != nil {
			logger.Errorf("[core] join apply failed channel=%s user=%s err=%v", ev.ChannelID, p.UserID, err)
			return
		}
		if !created {
			logger.Debugf("[core] duplicate join ignored channel=%s user=%s", ev.ChannelID, p.UserID)
		}
	case event.KindMemberLeft:
		p, err := decodeMemberLeft(ev.Payload)
		if err != nil {
			logger.Errorf("[core] bad member_left payload channel=%s seq=%d err=%v", ev.ChannelID, ev.Seq, err)
			return
		}
		if err := c.members.Leave(ctx, ev.ChannelID, p.UserID); err != nil {
			logger.Errorf("[core] leave apply failed channel=%s user=%s err=%v", ev.ChannelID, p.UserID, err)
			return
		}
		// 退群即退订：该用户所有在线会话停止接收这个频道
		c.sessions.UnsubscribeUser(ev.ChannelID, p.UserID)
	}
}

// DeliverRemote 接收 relay 转来的别节点事件，只投本地会话。
func (c *Core) DeliverRemote(ev *event.Event) {
	c.fanout.DispatchRemote(ev)
}

// Subscribe 建立订阅。resumeFrom 为 0 时从成员表的 cursor 续传。
func (c *Core) Subscribe(ctx context.Context, sess *Session, channelID string, resumeFrom uint64) error {
	ok, err := c.members.IsMember(ctx, channelID, sess.UserID)
	if err != nil {
		return errs.WrapMsg(err, "member check", "channel", channelID)
	}
	if !ok {
		return errs.ErrNotMember.WithDetail("user " + sess.UserID)
	}
	return c.sessions.Subscribe(ctx, sess, channelID, resumeFrom)
}

func (c *Core) Unsubscribe(sess *Session, channelID string) {
	c.sessions.Unsubscribe(sess, channelID)
}

// Ack 推进用户在频道内的送达游标。超过 latest 的 ack 截断到 latest，
// 旧 ack 由成员表的单调语义吞掉。
func (c *Core) Ack(ctx context.Context, channelID, userID string, seq uint64) error {
	ok, err := c.members.IsMember(ctx, channelID, userID)
	if err != nil {
		return errs.WrapMsg(err, "member check", "channel", channelID)
	}
	if !ok {
		return errs.ErrNotMember.WithDetail("user " + userID)
	}
	latest, err := c.log.LatestSequence(ctx, channelID)
	if err != nil {
		return err
	}
	if seq > latest {
		seq = latest
	}
	return c.members.AckSequence(ctx, channelID, userID, seq)
}

// History 拉取区间事件。toSeq 为 0 取到 latest；区间越界返回空，不报错。
func (c *Core) History(ctx context.Context, channelID, userID string, fromSeq, toSeq uint64) ([]*event.Event, error) {
	ok, err := c.members.IsMember(ctx, channelID, userID)
	if err != nil {
		return nil, errs.WrapMsg(err, "member check", "channel", channelID)
	}
	if !ok {
		return nil, errs.ErrNotMember.WithDetail("user " + userID)
	}
	if toSeq == 0 {
		latest, err := c.log.LatestSequence(ctx, channelID)
		if err != nil {
			return nil, err
		}
		toSeq = latest
	}
	return c.log.ReadAll(ctx, channelID, fromSeq, toSeq)
}

// JoinChannel / LeaveChannel REST 入口的便捷封装，成员变更统一走定序事件。
func (c *Core) JoinChannel(ctx context.Context, channelID, userID, role string) (*event.Event, error) {
	if role == "" {
		role = member.RoleMember
	}
	payload, err := event.MarshalPayload(event.MemberJoinedPayload{UserID: userID, Role: role})
	if err != nil {
		return nil, errs.Wrap(err)
	}
	return c.SubmitEvent(ctx, channelID, userID, event.KindMemberJoined, payload)
}

func (c *Core) LeaveChannel(ctx context.Context, channelID, userID string) (*event.Event, error) {
	payload, err := event.MarshalPayload(event.MemberLeftPayload{UserID: userID})
	if err != nil {
		return nil, errs.Wrap(err)
	}
	return c.SubmitEvent(ctx, channelID, userID, event.KindMemberLeft, payload)
}

func decodeMemberJoined(raw []byte) (*event.MemberJoinedPayload, error) {
	return decode.DecodeJSON[event.MemberJoinedPayload](raw)
}

func decodeMemberLeft(raw []byte) (*event.MemberLeftPayload, error) {
	return decode.DecodeJSON[event.MemberLeftPayload](raw)
}

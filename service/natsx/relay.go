package natsx

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/bapcai02/NovaChat-sub000/logger"
	"github.com/bapcai02/NovaChat-sub000/module/chat/event"
	errs "github.com/bapcai02/NovaChat-sub000/tools/errs"
)

const (
	subjectPrefix  = "nova.ch."
	subjectAll     = subjectPrefix + ">"
	originHeader   = "Nova-Origin"
	relayQueueSize = 4096
)

// Relay NATS 跨节点事件转发。
//
// 每个频道一个 subject（nova.ch.<channelID>），NATS 保证同 subject
// 同发布者的顺序，与频道管线的串行追加配合即可维持 seq 顺序。
// 消息带 origin 头，订阅端丢弃自己发的，避免回环。
type Relay struct {
	nc     *nats.Conn
	nodeID string
	sub    *nats.Subscription
}

func New(url, nodeID string) (*Relay, error) {
	nc, err := nats.Connect(url,
		nats.Name("novachat-"+nodeID),
		nats.MaxReconnects(-1),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Infof("[natsx] reconnected to %s", c.ConnectedUrl())
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warnf("[natsx] disconnected: %v", err)
		}),
	)
	if err != nil {
		return nil, errs.WrapMsg(err, "nats connect", "url", url)
	}
	return &Relay{nc: nc, nodeID: nodeID}, nil
}

func (r *Relay) PublishEvent(_ context.Context, ev *event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return errs.Wrap(err)
	}
	msg := nats.NewMsg(subjectPrefix + ev.ChannelID)
	msg.Header.Set(originHeader, r.nodeID)
	msg.Data = data
	if err := r.nc.PublishMsg(msg); err != nil {
		return errs.WrapMsg(err, "nats publish", "channel", ev.ChannelID, "seq", ev.Seq)
	}
	return nil
}

// SubscribeDeliver 订阅全部频道 subject，把别的节点的事件喂给 deliver。
func (r *Relay) SubscribeDeliver(deliver func(ev *event.Event)) error {
	sub, err := r.nc.Subscribe(subjectAll, func(msg *nats.Msg) {
		if msg.Header.Get(originHeader) == r.nodeID {
			return // 自己发布的，本地已投递
		}
		ev := &event.Event{}
		if err := json.Unmarshal(msg.Data, ev); err != nil {
			logger.Errorf("[natsx] bad relay payload subject=%s err=%v", msg.Subject, err)
			return
		}
		deliver(ev)
	})
	if err != nil {
		return errs.WrapMsg(err, "nats subscribe", "subject", subjectAll)
	}
	if err := sub.SetPendingLimits(relayQueueSize, -1); err != nil {
		logger.Warnf("[natsx] set pending limits failed: %v", err)
	}
	r.sub = sub
	return nil
}

func (r *Relay) Close() {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
	if err := r.nc.Drain(); err != nil {
		r.nc.Close()
	}
}

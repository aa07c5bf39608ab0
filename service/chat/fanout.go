package chat

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/bapcai02/NovaChat-sub000/logger"
	"github.com/bapcai02/NovaChat-sub000/module/chat/event"
)

// Relay 跨节点广播。本节点追加的事件发出去，别的节点收了喂给本地会话。
type Relay interface {
	PublishEvent(ctx context.Context, ev *event.Event) error
	Close()
}

// Archiver 事件归档旁路（下游消费：搜索、审计、冷存储）。
// Archive 不许阻塞追加路径，失败只记日志。
type Archiver interface {
	Archive(ev *event.Event)
	Close()
}

type fanoutTask struct {
	ev     *event.Event
	remote bool // 远端节点转发来的事件，不再二次发布
}

// Fanout 事件扇出引擎。按 channelID 分片的 worker 组，
// 同频道事件在同一 worker 上顺序投递，保证每订阅看到的 seq 不回退。
type Fanout struct {
	shards   []chan fanoutTask
	local    *SessionManager
	relay    Relay
	archiver Archiver

	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewFanout(local *SessionManager, relay Relay, archiver Archiver, workers, queue int) *Fanout {
	if workers <= 0 {
		workers = 8
	}
	if queue <= 0 {
		queue = 512
	}
	f := &Fanout{
		shards:   make([]chan fanoutTask, workers),
		local:    local,
		relay:    relay,
		archiver: archiver,
	}
	for i := range f.shards {
		ch := make(chan fanoutTask, queue)
		f.shards[i] = ch
		f.wg.Add(1)
		go f.worker(ch)
	}
	return f
}

func (f *Fanout) shardOf(channelID string) chan fanoutTask {
	h := fnv.New32a()
	_, _ = h.Write([]byte(channelID))
	return f.shards[int(h.Sum32()%uint32(len(f.shards)))]
}

// Dispatch 本节点追加成功后的扇出入口。阻塞入队，背压传导到频道管线。
func (f *Fanout) Dispatch(ev *event.Event) {
	f.shardOf(ev.ChannelID) <- fanoutTask{ev: ev}
}

// DispatchRemote 远端事件只投本地会话。
func (f *Fanout) DispatchRemote(ev *event.Event) {
	f.shardOf(ev.ChannelID) <- fanoutTask{ev: ev, remote: true}
}

func (f *Fanout) worker(ch chan fanoutTask) {
	defer f.wg.Done()
	for task := range ch {
		ev := task.ev
		f.local.Deliver(ev.ChannelID, ev)

		if task.remote {
			continue
		}
		if f.relay != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := f.relay.PublishEvent(ctx, ev); err != nil {
				logger.Errorf("[fanout] relay publish failed channel=%s seq=%d err=%v",
					ev.ChannelID, ev.Seq, err)
			}
			cancel()
		}
		if f.archiver != nil {
			f.archiver.Archive(ev)
		}
	}
}

func (f *Fanout) Close() {
	f.stopOnce.Do(func() {
		for _, ch := range f.shards {
			close(ch)
		}
	})
	f.wg.Wait()
}

package chat

import (
	"context"
	"hash/fnv"
	"sync"

	errs "github.com/bapcai02/NovaChat-sub000/tools/errs"
)

// pipelines 按 channelID 哈希分片的串行管线组。
//
// 同一频道的所有操作（append → fan-out）落到同一个 worker 上顺序执行，
// 每频道的定序不变量因此不需要全局锁；不同频道完全并行。
type pipelines struct {
	workers  []chan func()
	wg       sync.WaitGroup
	mu       sync.RWMutex // 写锁只在 close 时拿，挡住关闭与入队的竞争
	closed   bool
	stopOnce sync.Once
}

func newPipelines(workers, queue int) *pipelines {
	if workers <= 0 {
		workers = 16
	}
	if queue <= 0 {
		queue = 256
	}
	p := &pipelines{workers: make([]chan func(), workers)}
	for i := range p.workers {
		ch := make(chan func(), queue)
		p.workers[i] = ch
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for fn := range ch {
				fn()
			}
		}()
	}
	return p
}

func (p *pipelines) indexOf(channelID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(channelID))
	return int(h.Sum32() % uint32(len(p.workers)))
}

// doWait 在频道管线上同步执行 fn。入队受 ctx 取消约束；
// 一旦入队就等它执行完，避免“调用方已放弃、事件却落了库”的歧义。
// 管线已关闭时返回 ErrChannelClosed，不会打到已关闭的通道上。
func (p *pipelines) doWait(ctx context.Context, channelID string, fn func()) error {
	done := make(chan struct{})
	job := func() {
		defer close(done)
		fn()
	}

	// 读锁覆盖整个入队动作：close 的写锁要等所有在途入队完成，
	// worker 此时仍在消费，所以队列满也不会死锁。
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return errs.ErrChannelClosed.Wrap()
	}
	select {
	case p.workers[p.indexOf(channelID)] <- job:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return errs.Wrap(ctx.Err())
	}
	<-done
	return nil
}

func (p *pipelines) close() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		for _, ch := range p.workers {
			close(ch)
		}
	})
	p.wg.Wait()
}

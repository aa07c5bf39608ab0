package chat

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bapcai02/NovaChat-sub000/module/chat/event"
	errs "github.com/bapcai02/NovaChat-sub000/tools/errs"
)

func TestPipelineSerializesPerChannel(t *testing.T) {
	p := newPipelines(4, 16)
	defer p.close()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.doWait(context.Background(), "c1", func() {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
			})
		}()
	}
	wg.Wait()
	require.Len(t, order, 20)
}

func TestPipelineDoWaitRunsSynchronously(t *testing.T) {
	p := newPipelines(2, 4)
	defer p.close()

	ran := false
	require.NoError(t, p.doWait(context.Background(), "c1", func() { ran = true }))
	require.True(t, ran, "doWait must not return before fn completes")
}

func TestPipelineRejectsAfterClose(t *testing.T) {
	p := newPipelines(2, 4)
	p.close()

	err := p.doWait(context.Background(), "c1", func() {
		t.Error("fn must not run on a closed pipeline")
	})
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.ErrChannelClosed))

	// 再关一次是幂等的
	p.close()
}

func TestSubmitAfterCoreCloseFailsCleanly(t *testing.T) {
	f := newCoreFixture(t)
	ctx := context.Background()
	f.join(t, "c1", "u1")
	f.core.Close()

	_, err := f.core.SubmitEvent(ctx, "c1", "u1", event.KindMessageCreated, textPayload(t, "late"))
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.ErrChannelClosed))
}

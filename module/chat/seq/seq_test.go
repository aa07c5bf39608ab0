package seq

import (
	"context"
	"sync"
	"testing"
)

func TestMemoryNextStartsAtOne(t *testing.T) {
	m := NewMemory()
	s, err := m.Next(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if s != 1 {
		t.Fatalf("first seq = %d, want 1", s)
	}
}

func TestMemoryNextConcurrentUnique(t *testing.T) {
	m := NewMemory()
	const n = 200
	var wg sync.WaitGroup
	got := make(chan uint64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.Next(context.Background(), "c1")
			if err != nil {
				t.Error(err)
				return
			}
			got <- s
		}()
	}
	wg.Wait()
	close(got)

	seen := make(map[uint64]bool, n)
	for s := range got {
		if seen[s] {
			t.Fatalf("duplicate seq %d", s)
		}
		seen[s] = true
	}
	// 无空洞：n 次取号刚好覆盖 1..n
	for s := uint64(1); s <= n; s++ {
		if !seen[s] {
			t.Fatalf("missing seq %d", s)
		}
	}
}

func TestMemoryChannelsIndependent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	a1, _ := m.Next(ctx, "a")
	b1, _ := m.Next(ctx, "b")
	a2, _ := m.Next(ctx, "a")
	if a1 != 1 || b1 != 1 || a2 != 2 {
		t.Fatalf("got a1=%d b1=%d a2=%d", a1, b1, a2)
	}
}

func TestMemoryRollbackReusesSeq(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	s, _ := m.Next(ctx, "c1")
	rolled, err := m.Rollback(ctx, "c1", s)
	if err != nil {
		t.Fatal(err)
	}
	if !rolled {
		t.Fatal("rollback of the top seq must succeed")
	}
	again, _ := m.Next(ctx, "c1")
	if again != s {
		t.Fatalf("after rollback got %d, want %d", again, s)
	}
}

func TestMemoryRollbackOnlyIfTop(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	s1, _ := m.Next(ctx, "c1")
	s2, _ := m.Next(ctx, "c1")
	// s1 已不是最大号：回退拒绝，调用方据此补洞
	rolled, err := m.Rollback(ctx, "c1", s1)
	if err != nil {
		t.Fatal(err)
	}
	if rolled {
		t.Fatal("rollback of an overtaken seq must report false")
	}
	if got := m.Current("c1"); got != s2 {
		t.Fatalf("current = %d, want %d", got, s2)
	}
}

func TestMemoryReconcileRaisesNeverLowers(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	s, err := m.ReconcileAndNext(ctx, "c1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if s != 11 {
		t.Fatalf("after reconcile to 10, next = %d, want 11", s)
	}

	// floor 低于当前值时不回退
	s, err = m.ReconcileAndNext(ctx, "c1", 5)
	if err != nil {
		t.Fatal(err)
	}
	if s != 12 {
		t.Fatalf("reconcile must not lower, next = %d, want 12", s)
	}
}

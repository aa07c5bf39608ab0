package member

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memTable struct {
	mu   sync.RWMutex
	rows map[string]map[string]*Membership // channel -> user -> row
}

func NewMemTable() Table {
	return &memTable{rows: make(map[string]map[string]*Membership)}
}

func (t *memTable) Join(_ context.Context, channelID, userID, role string, cursorStart uint64) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.rows[channelID]
	if !ok {
		m = make(map[string]*Membership)
		t.rows[channelID] = m
	}
	if _, exists := m[userID]; exists {
		// 幂等：重复 join 不动已有行
		return false, nil
	}
	m[userID] = &Membership{
		ChannelID:    channelID,
		UserID:       userID,
		Role:         role,
		JoinedAtMS:   time.Now().UnixMilli(),
		LastAckedSeq: cursorStart,
	}
	return true, nil
}

func (t *memTable) Leave(_ context.Context, channelID, userID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.rows[channelID]; ok {
		delete(m, userID)
		if len(m) == 0 {
			delete(t.rows, channelID)
		}
	}
	return nil
}

func (t *memTable) Members(_ context.Context, channelID string) ([]Membership, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m := t.rows[channelID]
	out := make([]Membership, 0, len(m))
	for _, row := range m {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (t *memTable) IsMember(_ context.Context, channelID, userID string) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.rows[channelID]
	if !ok {
		return false, nil
	}
	_, ok = m[userID]
	return ok, nil
}

func (t *memTable) AckSequence(_ context.Context, channelID, userID string, seq uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.rows[channelID]; ok {
		if row, ok := m[userID]; ok && seq > row.LastAckedSeq {
			row.LastAckedSeq = seq
		}
	}
	return nil
}

func (t *memTable) Cursor(_ context.Context, channelID, userID string) (uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if m, ok := t.rows[channelID]; ok {
		if row, ok := m[userID]; ok {
			return row.LastAckedSeq, nil
		}
	}
	return 0, nil
}

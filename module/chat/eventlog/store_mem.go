package eventlog

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/bapcai02/NovaChat-sub000/module/chat/event"
)

type memStore struct {
	mu     sync.RWMutex
	bySeq  map[string]map[uint64]*event.Event // channel -> seq -> event
	byID   map[string]*event.Event            // event_id -> event
	maxSeq map[string]uint64
}

func NewMemStore() Store {
	return &memStore{
		bySeq:  make(map[string]map[uint64]*event.Event),
		byID:   make(map[string]*event.Event),
		maxSeq: make(map[string]uint64),
	}
}

func (s *memStore) Insert(_ context.Context, e *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// UNIQUE(event_id)
	if _, ok := s.byID[e.ID]; ok {
		return ErrDupEventID
	}
	// UNIQUE(channel_id, seq)
	m, ok := s.bySeq[e.ChannelID]
	if !ok {
		m = make(map[uint64]*event.Event)
		s.bySeq[e.ChannelID] = m
	}
	if _, ok := m[e.Seq]; ok {
		return ErrDupSeq
	}

	cp := e.Clone()
	m[e.Seq] = cp
	s.byID[e.ID] = cp
	if e.Seq > s.maxSeq[e.ChannelID] {
		s.maxSeq[e.ChannelID] = e.Seq
	}
	return nil
}

func (s *memStore) MaxSeq(_ context.Context, channelID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxSeq[channelID], nil
}

func (s *memStore) Range(_ context.Context, channelID string, fromSeq, toSeq uint64, limit int) ([]*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := s.bySeq[channelID]
	if len(m) == 0 || fromSeq > toSeq {
		return nil, nil
	}
	seqs := make([]uint64, 0, len(m))
	for sq := range m {
		if sq >= fromSeq && sq <= toSeq {
			seqs = append(seqs, sq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	if limit > 0 && len(seqs) > limit {
		seqs = seqs[:limit]
	}
	out := make([]*event.Event, 0, len(seqs))
	for _, sq := range seqs {
		out = append(out, m[sq].Clone())
	}
	return out, nil
}

func (s *memStore) IsDupSeq(err error) bool    { return errors.Is(err, ErrDupSeq) }
func (s *memStore) IsTransient(err error) bool { return false } // 内存版无瞬时错误

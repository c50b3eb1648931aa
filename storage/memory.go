package storage

import (
	"context"
	"sort"
	"sync"

	"xorkevin.dev/kerrors"

	"mailpipe/internal/message"
)

// Memory is an in-process Store.
type Memory struct {
	mu   sync.RWMutex
	rows map[string]*message.Message
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		rows: map[string]*message.Message{},
	}
}

func (s *Memory) Get(ctx context.Context, id string) (*message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.rows[id]
	if !ok {
		return nil, kerrors.WithKind(nil, ErrNotFound, "Message not found")
	}
	return m.Clone(), nil
}

func (s *Memory) Put(ctx context.Context, m *message.Message) error {
	if m == nil || m.ID == "" {
		return kerrors.WithKind(nil, ErrInvalid, "Message id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.rows[m.ID]; ok && vetoed(prev.Status, m.Status) {
		return kerrors.WithKind(nil, ErrDeleted, "Message was deleted")
	}
	s.rows[m.ID] = m.Clone()
	return nil
}

func (s *Memory) Update(ctx context.Context, m *message.Message) error {
	if m == nil || m.ID == "" {
		return kerrors.WithKind(nil, ErrInvalid, "Message id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.rows[m.ID]
	if !ok {
		return kerrors.WithKind(nil, ErrNotFound, "Message not found")
	}
	if vetoed(prev.Status, m.Status) {
		return kerrors.WithKind(nil, ErrDeleted, "Message was deleted")
	}
	s.rows[m.ID] = m.Clone()
	return nil
}

func (s *Memory) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, id)
	return nil
}

func (s *Memory) List(ctx context.Context, limit, offset int) ([]string, error) {
	if limit < 0 || offset < 0 {
		return nil, kerrors.WithKind(nil, ErrInvalid, "Limit and offset must not be negative")
	}
	s.mu.RLock()
	rows := make([]*message.Message, 0, len(s.rows))
	for _, m := range s.rows {
		rows = append(rows, m)
	}
	s.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.Before(rows[j].CreatedAt)
		}
		return rows[i].ID < rows[j].ID
	})

	ids := make([]string, 0)
	for i := offset; i < len(rows) && len(ids) < limit; i++ {
		ids = append(ids, rows[i].ID)
	}
	return ids, nil
}

func (s *Memory) Ping(ctx context.Context) error {
	return nil
}

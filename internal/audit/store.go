package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Store определяет, куда физически сохраняются записи (память или PostgreSQL)
type Store interface {
	// Append должен вернуться только после того, как запись сохранена
	Append(ctx context.Context, rec Record) error
	// Query возвращает записи в обратном хронологическом порядке и общее число совпадений
	Query(ctx context.Context, f Filter) ([]Record, int, error)
}

// MemoryStore: append-only хранилище в памяти процесса
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
	ids     map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ids: make(map[string]struct{})}
}

func (s *MemoryStore) Append(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.ids[rec.ID]; dup {
		return fmt.Errorf("audit: record %s already written", rec.ID)
	}
	s.ids[rec.ID] = struct{}{}
	s.records = append(s.records, rec)
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, f Filter) ([]Record, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	s.mu.RLock()
	matched := make([]Record, 0)
	// Идем с конца: при равных таймстемпах более поздняя вставка идет первой
	for i := len(s.records) - 1; i >= 0; i-- {
		if f.Match(s.records[i]) {
			matched = append(matched, s.records[i])
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	total := len(matched)
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, total, nil
}

// Len: для health и тестов
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

package trace

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
)

const (
	defaultCapacity = 1000
	defaultEvict    = 200
)

type MemoryConfig struct {
	Logger   *slog.Logger
	Capacity int
	// Evict is how many of the oldest records are dropped once Capacity is
	// exceeded.
	Evict int
}

func (c *MemoryConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Capacity <= 0 {
		c.Capacity = defaultCapacity
	}
	if c.Evict <= 0 {
		c.Evict = defaultEvict
	}
	if c.Evict > c.Capacity {
		c.Evict = c.Capacity
	}
	return nil
}

type MemoryStore struct {
	log *slog.Logger
	cfg MemoryConfig

	mu      sync.Mutex
	records map[string]Record
	// order holds trace ids in insertion order.
	order []string
}

func NewMemoryStore(cfg MemoryConfig) (*MemoryStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &MemoryStore{
		log:     cfg.Logger,
		cfg:     cfg,
		records: make(map[string]Record),
	}, nil
}

func (s *MemoryStore) Save(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.TraceID == "" {
		return errors.New("trace id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.TraceID]; !ok {
		s.order = append(s.order, rec.TraceID)
	}
	s.records[rec.TraceID] = rec

	if len(s.order) > s.cfg.Capacity {
		for _, id := range s.order[:s.cfg.Evict] {
			delete(s.records, id)
		}
		s.order = slices.Clone(s.order[s.cfg.Evict:])
		s.log.Debug("trace: evicted oldest records", "count", s.cfg.Evict, "remaining", len(s.order))
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) List(ctx context.Context, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.order) {
		limit = len(s.order)
	}
	out := make([]Record, 0, limit)
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.records[s.order[i]])
	}
	return out, nil
}

func (s *MemoryStore) SetFeedback(ctx context.Context, id string, fb Feedback) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.Feedback = &fb
	s.records[id] = rec
	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

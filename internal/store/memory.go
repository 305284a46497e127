package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/veildex/engine/internal/custody"
	"github.com/veildex/engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	games     map[uuid.UUID]*model.GameRecord
	positions map[uuid.UUID]*model.PositionRecord
	custodies map[string]custody.Snapshot
	pools     map[string]custody.PoolSnapshot
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		games:     make(map[uuid.UUID]*model.GameRecord),
		positions: make(map[uuid.UUID]*model.PositionRecord),
		custodies: make(map[string]custody.Snapshot),
		pools:     make(map[string]custody.PoolSnapshot),
	}
}

func (s *MemoryStore) CreateGame(_ context.Context, g *model.GameRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.games[g.ID]; ok {
		return fmt.Errorf("game %s already exists", g.ID)
	}

	// Store a copy to avoid external mutation.
	copy := *g
	s.games[g.ID] = &copy
	return nil
}

func (s *MemoryStore) GetGame(_ context.Context, id uuid.UUID) (*model.GameRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.games[id]
	if !ok {
		return nil, fmt.Errorf("game %s: %w", id, ErrNotFound)
	}
	copy := *g
	return &copy, nil
}

func (s *MemoryStore) UpdateGame(_ context.Context, g *model.GameRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.games[g.ID]; !ok {
		return fmt.Errorf("game %s: %w", g.ID, ErrNotFound)
	}
	copy := *g
	s.games[g.ID] = &copy
	return nil
}

func (s *MemoryStore) ListGamesByPlayer(_ context.Context, playerID string) ([]model.GameRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var games []model.GameRecord
	for _, g := range s.games {
		if g.PlayerID == playerID {
			games = append(games, *g)
		}
	}
	sort.Slice(games, func(i, j int) bool {
		return games[i].CreatedAt.After(games[j].CreatedAt)
	})
	return games, nil
}

func (s *MemoryStore) CreatePosition(_ context.Context, p *model.PositionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[p.ID]; ok {
		return fmt.Errorf("position %s already exists", p.ID)
	}
	copy := *p
	s.positions[p.ID] = &copy
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id uuid.UUID) (*model.PositionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) UpdatePosition(_ context.Context, p *model.PositionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[p.ID]; !ok {
		return fmt.Errorf("position %s: %w", p.ID, ErrNotFound)
	}
	copy := *p
	s.positions[p.ID] = &copy
	return nil
}

func (s *MemoryStore) ListPositionsByOwner(_ context.Context, owner string) ([]model.PositionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var positions []model.PositionRecord
	for _, p := range s.positions {
		if p.Owner == owner {
			positions = append(positions, *p)
		}
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].OpenedAt.After(positions[j].OpenedAt)
	})
	return positions, nil
}

func (s *MemoryStore) ListOpenPositions(_ context.Context, asset string) ([]model.PositionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var positions []model.PositionRecord
	for _, p := range s.positions {
		if p.Asset == asset && p.Status == model.PositionOpen {
			positions = append(positions, *p)
		}
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].OpenedAt.Before(positions[j].OpenedAt)
	})
	return positions, nil
}

func (s *MemoryStore) SaveCustody(_ context.Context, snap custody.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.custodies[snap.Asset] = snap
	return nil
}

func (s *MemoryStore) GetCustody(_ context.Context, asset string) (custody.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.custodies[asset]
	if !ok {
		return custody.Snapshot{}, fmt.Errorf("custody %s: %w", asset, ErrNotFound)
	}
	return snap, nil
}

func (s *MemoryStore) ListCustodies(_ context.Context) ([]custody.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snaps := make([]custody.Snapshot, 0, len(s.custodies))
	for _, snap := range s.custodies {
		snaps = append(snaps, snap)
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Asset < snaps[j].Asset })
	return snaps, nil
}

func (s *MemoryStore) SavePool(_ context.Context, snap custody.PoolSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pools[snap.Name] = snap
	return nil
}

func (s *MemoryStore) GetPool(_ context.Context, name string) (custody.PoolSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.pools[name]
	if !ok {
		return custody.PoolSnapshot{}, fmt.Errorf("pool %s: %w", name, ErrNotFound)
	}
	return snap, nil
}

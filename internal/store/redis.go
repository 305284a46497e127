package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/veildex/engine/internal/custody"
	"github.com/veildex/engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateGame(ctx context.Context, g *model.GameRecord) error {
	if err := s.primary.CreateGame(ctx, g); err != nil {
		return err
	}
	s.cacheGame(ctx, g)
	return nil
}

func (s *CachedStore) UpdateGame(ctx context.Context, g *model.GameRecord) error {
	if err := s.primary.UpdateGame(ctx, g); err != nil {
		return err
	}
	// Invalidate cache; next read will re-populate.
	s.rdb.Del(ctx, gameKey(g.ID))
	return nil
}

func (s *CachedStore) CreatePosition(ctx context.Context, p *model.PositionRecord) error {
	if err := s.primary.CreatePosition(ctx, p); err != nil {
		return err
	}
	s.cachePosition(ctx, p)
	return nil
}

func (s *CachedStore) UpdatePosition(ctx context.Context, p *model.PositionRecord) error {
	if err := s.primary.UpdatePosition(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionKey(p.ID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetGame(ctx context.Context, id uuid.UUID) (*model.GameRecord, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, gameKey(id)).Bytes()
	if err == nil {
		var g model.GameRecord
		if json.Unmarshal(data, &g) == nil {
			return &g, nil
		}
	}

	// Cache miss: read from primary.
	g, err := s.primary.GetGame(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheGame(ctx, g)
	return g, nil
}

func (s *CachedStore) GetPosition(ctx context.Context, id uuid.UUID) (*model.PositionRecord, error) {
	data, err := s.rdb.Get(ctx, positionKey(id)).Bytes()
	if err == nil {
		var p model.PositionRecord
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cachePosition(ctx, p)
	return p, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListGamesByPlayer(ctx context.Context, playerID string) ([]model.GameRecord, error) {
	return s.primary.ListGamesByPlayer(ctx, playerID)
}

func (s *CachedStore) ListPositionsByOwner(ctx context.Context, owner string) ([]model.PositionRecord, error) {
	return s.primary.ListPositionsByOwner(ctx, owner)
}

func (s *CachedStore) ListOpenPositions(ctx context.Context, asset string) ([]model.PositionRecord, error) {
	return s.primary.ListOpenPositions(ctx, asset)
}

// Custody and pool snapshots mutate on every trade, so caching them would
// invalidate constantly; reads go straight to the primary.

func (s *CachedStore) SaveCustody(ctx context.Context, snap custody.Snapshot) error {
	return s.primary.SaveCustody(ctx, snap)
}

func (s *CachedStore) GetCustody(ctx context.Context, asset string) (custody.Snapshot, error) {
	return s.primary.GetCustody(ctx, asset)
}

func (s *CachedStore) ListCustodies(ctx context.Context) ([]custody.Snapshot, error) {
	return s.primary.ListCustodies(ctx)
}

func (s *CachedStore) SavePool(ctx context.Context, snap custody.PoolSnapshot) error {
	return s.primary.SavePool(ctx, snap)
}

func (s *CachedStore) GetPool(ctx context.Context, name string) (custody.PoolSnapshot, error) {
	return s.primary.GetPool(ctx, name)
}

// --- Cache helpers ---

func (s *CachedStore) cacheGame(ctx context.Context, g *model.GameRecord) {
	if data, err := json.Marshal(g); err == nil {
		s.rdb.Set(ctx, gameKey(g.ID), data, s.ttl)
	}
}

func (s *CachedStore) cachePosition(ctx context.Context, p *model.PositionRecord) {
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, positionKey(p.ID), data, s.ttl)
	}
}

func gameKey(id uuid.UUID) string     { return fmt.Sprintf("game:%s", id) }
func positionKey(id uuid.UUID) string { return fmt.Sprintf("position:%s", id) }

// Package store defines the persistence interface for the engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/veildex/engine/internal/custody"
	"github.com/veildex/engine/internal/model"
)

// ErrNotFound is returned when a record does not exist. Implementations
// wrap it with the record's identity.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Game operations ---

	// CreateGame persists a new game.
	CreateGame(ctx context.Context, g *model.GameRecord) error

	// GetGame retrieves a game by its ID.
	GetGame(ctx context.Context, id uuid.UUID) (*model.GameRecord, error)

	// UpdateGame replaces a game's mutable state after a move.
	UpdateGame(ctx context.Context, g *model.GameRecord) error

	// ListGamesByPlayer returns all games for a player, newest first.
	ListGamesByPlayer(ctx context.Context, playerID string) ([]model.GameRecord, error)

	// --- Position operations ---

	// CreatePosition persists a new position.
	CreatePosition(ctx context.Context, p *model.PositionRecord) error

	// GetPosition retrieves a position by its ID.
	GetPosition(ctx context.Context, id uuid.UUID) (*model.PositionRecord, error)

	// UpdatePosition replaces a position's mutable state.
	UpdatePosition(ctx context.Context, p *model.PositionRecord) error

	// ListPositionsByOwner returns all positions for an owner, newest first.
	ListPositionsByOwner(ctx context.Context, owner string) ([]model.PositionRecord, error)

	// ListOpenPositions returns every open position for an asset,
	// used by the liquidation sweep.
	ListOpenPositions(ctx context.Context, asset string) ([]model.PositionRecord, error)

	// --- Custody and pool ---

	// SaveCustody upserts a custody snapshot.
	SaveCustody(ctx context.Context, snap custody.Snapshot) error

	// GetCustody retrieves a custody snapshot by asset.
	GetCustody(ctx context.Context, asset string) (custody.Snapshot, error)

	// ListCustodies returns all custody snapshots.
	ListCustodies(ctx context.Context) ([]custody.Snapshot, error)

	// SavePool upserts the pool snapshot.
	SavePool(ctx context.Context, snap custody.PoolSnapshot) error

	// GetPool retrieves the pool snapshot by name.
	GetPool(ctx context.Context, name string) (custody.PoolSnapshot, error)
}

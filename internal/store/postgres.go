package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veildex/engine/internal/cards"
	"github.com/veildex/engine/internal/custody"
	"github.com/veildex/engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Fixed-point USD amounts are stored as NUMERIC for exact precision; packed
// decks and hands are stored as BYTEA in their wire form.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// --- Games ---

func (s *PostgresStore) CreateGame(ctx context.Context, g *model.GameRecord) error {
	state, _ := g.State.MarshalText()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO games (id, player_id, deck, player_hand, dealer_hand,
		                    player_hand_size, dealer_hand_size, dealer_face_up,
		                    player_has_stood, state, outcome, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		g.ID, g.PlayerID, g.Deck.Bytes(), g.PlayerHand.Bytes(), g.DealerHand.Bytes(),
		int16(g.PlayerHandSize), int16(g.DealerHandSize), int16(g.DealerFaceUp),
		g.PlayerHasStood, string(state), outcomeColumn(g.Outcome),
		g.CreatedAt, g.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetGame(ctx context.Context, id uuid.UUID) (*model.GameRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, player_id, deck, player_hand, dealer_hand,
		        player_hand_size, dealer_hand_size, dealer_face_up,
		        player_has_stood, state, outcome, created_at, updated_at
		 FROM games WHERE id = $1`, id)
	g, err := scanGame(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("game %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get game %s: %w", id, err)
	}
	return g, nil
}

func (s *PostgresStore) UpdateGame(ctx context.Context, g *model.GameRecord) error {
	state, _ := g.State.MarshalText()
	tag, err := s.pool.Exec(ctx,
		`UPDATE games
		 SET deck = $2, player_hand = $3, dealer_hand = $4,
		     player_hand_size = $5, dealer_hand_size = $6,
		     player_has_stood = $7, state = $8, outcome = $9, updated_at = $10
		 WHERE id = $1`,
		g.ID, g.Deck.Bytes(), g.PlayerHand.Bytes(), g.DealerHand.Bytes(),
		int16(g.PlayerHandSize), int16(g.DealerHandSize),
		g.PlayerHasStood, string(state), outcomeColumn(g.Outcome), g.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("game %s: %w", g.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListGamesByPlayer(ctx context.Context, playerID string) ([]model.GameRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, player_id, deck, player_hand, dealer_hand,
		        player_hand_size, dealer_hand_size, dealer_face_up,
		        player_has_stood, state, outcome, created_at, updated_at
		 FROM games WHERE player_id = $1 ORDER BY created_at DESC`, playerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var games []model.GameRecord
	for rows.Next() {
		g, err := scanGame(rows)
		if err != nil {
			return nil, err
		}
		games = append(games, *g)
	}
	return games, rows.Err()
}

type pgxRow interface {
	Scan(dest ...interface{}) error
}

func scanGame(row pgxRow) (*model.GameRecord, error) {
	var g model.GameRecord
	var deck, playerHand, dealerHand []byte
	var playerSize, dealerSize, faceUp int16
	var state string
	var outcome *int16

	if err := row.Scan(&g.ID, &g.PlayerID, &deck, &playerHand, &dealerHand,
		&playerSize, &dealerSize, &faceUp,
		&g.PlayerHasStood, &state, &outcome, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return nil, err
	}

	var err error
	if g.Deck, err = cards.DeckFromBytes(deck); err != nil {
		return nil, err
	}
	if g.PlayerHand, err = cards.HandFromBytes(playerHand); err != nil {
		return nil, err
	}
	if g.DealerHand, err = cards.HandFromBytes(dealerHand); err != nil {
		return nil, err
	}
	g.PlayerHandSize = uint8(playerSize)
	g.DealerHandSize = uint8(dealerSize)
	g.DealerFaceUp = uint8(faceUp)
	if err := g.State.UnmarshalText([]byte(state)); err != nil {
		return nil, err
	}
	if outcome != nil {
		o := cards.Outcome(*outcome)
		g.Outcome = &o
	}
	return &g, nil
}

func outcomeColumn(o *cards.Outcome) *int16 {
	if o == nil {
		return nil
	}
	v := int16(*o)
	return &v
}

// --- Positions ---

func (s *PostgresStore) CreatePosition(ctx context.Context, p *model.PositionRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (id, owner_id, asset, side, size_usd, collateral_usd,
		                        entry_price, liquidation_price, status, realized_pnl,
		                        opened_at, updated_at, closed_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11, $12, $13)`,
		p.ID, p.Owner, p.Asset, p.Side.String(),
		usd(p.SizeUSD), usd(p.CollateralUSD), usd(p.EntryPrice), usd(p.LiquidationPrice),
		p.Status.String(), p.RealizedPnL,
		p.OpenedAt, p.UpdatedAt, p.ClosedAt,
	)
	return err
}

func (s *PostgresStore) GetPosition(ctx context.Context, id uuid.UUID) (*model.PositionRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, asset, side,
		        size_usd::TEXT, collateral_usd::TEXT, entry_price::TEXT, liquidation_price::TEXT,
		        status, realized_pnl, opened_at, updated_at, closed_at
		 FROM positions WHERE id = $1`, id)
	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get position %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) UpdatePosition(ctx context.Context, p *model.PositionRecord) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions
		 SET collateral_usd = $2::NUMERIC, liquidation_price = $3::NUMERIC,
		     status = $4, realized_pnl = $5, updated_at = $6, closed_at = $7
		 WHERE id = $1`,
		p.ID, usd(p.CollateralUSD), usd(p.LiquidationPrice),
		p.Status.String(), p.RealizedPnL, p.UpdatedAt, p.ClosedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("position %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListPositionsByOwner(ctx context.Context, owner string) ([]model.PositionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, asset, side,
		        size_usd::TEXT, collateral_usd::TEXT, entry_price::TEXT, liquidation_price::TEXT,
		        status, realized_pnl, opened_at, updated_at, closed_at
		 FROM positions WHERE owner_id = $1 ORDER BY opened_at DESC`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (s *PostgresStore) ListOpenPositions(ctx context.Context, asset string) ([]model.PositionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, asset, side,
		        size_usd::TEXT, collateral_usd::TEXT, entry_price::TEXT, liquidation_price::TEXT,
		        status, realized_pnl, opened_at, updated_at, closed_at
		 FROM positions WHERE asset = $1 AND status = 'open' ORDER BY opened_at`, asset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

func scanPosition(row pgxRow) (*model.PositionRecord, error) {
	var p model.PositionRecord
	var side, sizeS, collateralS, entryS, liqS, status string

	if err := row.Scan(&p.ID, &p.Owner, &p.Asset, &side,
		&sizeS, &collateralS, &entryS, &liqS,
		&status, &p.RealizedPnL, &p.OpenedAt, &p.UpdatedAt, &p.ClosedAt); err != nil {
		return nil, err
	}

	var err error
	if err = p.Side.UnmarshalText([]byte(side)); err != nil {
		return nil, err
	}
	if err = p.Status.UnmarshalText([]byte(status)); err != nil {
		return nil, err
	}
	if p.SizeUSD, err = parseUSD(sizeS); err != nil {
		return nil, err
	}
	if p.CollateralUSD, err = parseUSD(collateralS); err != nil {
		return nil, err
	}
	if p.EntryPrice, err = parseUSD(entryS); err != nil {
		return nil, err
	}
	if p.LiquidationPrice, err = parseUSD(liqS); err != nil {
		return nil, err
	}
	return &p, nil
}

type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanPositions(rows pgxRows) ([]model.PositionRecord, error) {
	var positions []model.PositionRecord
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// usd renders a fixed-point amount for a NUMERIC column.
func usd(v uint64) string { return strconv.FormatUint(v, 10) }

func parseUSD(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}

// --- Custody and pool ---

func (s *PostgresStore) SaveCustody(ctx context.Context, snap custody.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO custodies (asset, snapshot, updated_at)
		 VALUES ($1, $2::JSONB, NOW())
		 ON CONFLICT (asset) DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`,
		snap.Asset, data,
	)
	return err
}

func (s *PostgresStore) GetCustody(ctx context.Context, asset string) (custody.Snapshot, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT snapshot FROM custodies WHERE asset = $1`, asset).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return custody.Snapshot{}, fmt.Errorf("custody %s: %w", asset, ErrNotFound)
		}
		return custody.Snapshot{}, fmt.Errorf("get custody %s: %w", asset, err)
	}
	var snap custody.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return custody.Snapshot{}, err
	}
	return snap, nil
}

func (s *PostgresStore) ListCustodies(ctx context.Context) ([]custody.Snapshot, error) {
	rows, err := s.pool.Query(ctx, `SELECT snapshot FROM custodies ORDER BY asset`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []custody.Snapshot
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var snap custody.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func (s *PostgresStore) SavePool(ctx context.Context, snap custody.PoolSnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pools (name, aum_usd, updated_at)
		 VALUES ($1, $2::NUMERIC, NOW())
		 ON CONFLICT (name) DO UPDATE SET aum_usd = EXCLUDED.aum_usd, updated_at = NOW()`,
		snap.Name, usd(snap.AUMUSD),
	)
	return err
}

func (s *PostgresStore) GetPool(ctx context.Context, name string) (custody.PoolSnapshot, error) {
	var snap custody.PoolSnapshot
	var aumS string
	err := s.pool.QueryRow(ctx,
		`SELECT name, aum_usd::TEXT FROM pools WHERE name = $1`, name).
		Scan(&snap.Name, &aumS)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return custody.PoolSnapshot{}, fmt.Errorf("pool %s: %w", name, ErrNotFound)
		}
		return custody.PoolSnapshot{}, fmt.Errorf("get pool %s: %w", name, err)
	}
	if snap.AUMUSD, err = parseUSD(aumS); err != nil {
		return custody.PoolSnapshot{}, err
	}
	return snap, nil
}

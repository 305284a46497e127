// Package game provides the HTTP handlers and state machine for blackjack
// games. Every card computation runs through the confidential computer; the
// service only sequences legal transitions and commits whole records.
package game

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/veildex/engine/internal/cards"
	"github.com/veildex/engine/internal/metrics"
	"github.com/veildex/engine/internal/model"
	"github.com/veildex/engine/internal/mpc"
	"github.com/veildex/engine/internal/store"
	"github.com/veildex/engine/internal/stream"
)

var (
	// ErrInvalidGameState is returned when an action arrives outside its
	// legal state-machine stage.
	ErrInvalidGameState = errors.New("game: invalid game state")

	// ErrInvalidMove is returned when the stage is right but the move is
	// not, e.g. hitting after standing.
	ErrInvalidMove = errors.New("game: invalid move")
)

// Service handles game operations. Uses a mutex for serialized move
// execution (single-instance). For horizontal scaling, replace with
// distributed locking or database-level optimistic concurrency.
type Service struct {
	store    store.Store
	computer mpc.Computer
	mu       sync.Mutex
	hub      *stream.Hub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new game service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, computer mpc.Computer, hub *stream.Hub) *Service {
	return &Service{
		store:    st,
		computer: computer,
		hub:      hub,
	}
}

// --- Request/Response types ---

// CreateGameRequest is the JSON body for game creation.
type CreateGameRequest struct {
	PlayerID string `json:"player_id"`
}

// GameView is the player-visible projection of a game. The deck and the
// dealer's hole card never appear in it before resolution.
type GameView struct {
	ID             string         `json:"id"`
	PlayerID       string         `json:"player_id"`
	State          string         `json:"state"`
	PlayerCards    []int          `json:"player_cards"` // []int so JSON renders an array, not base64
	PlayerValue    uint8          `json:"player_value"`
	DealerFaceUp   uint8          `json:"dealer_face_up"`
	DealerCards    []int          `json:"dealer_cards,omitempty"` // full hand once resolved
	DealerValue    *uint8         `json:"dealer_value,omitempty"`
	PlayerHasStood bool           `json:"player_has_stood"`
	Outcome        *cards.Outcome `json:"outcome,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func view(g *model.GameRecord) GameView {
	player := cards.DecodeHand(g.PlayerHand)
	v := GameView{
		ID:             g.ID.String(),
		PlayerID:       g.PlayerID,
		State:          g.State.String(),
		PlayerCards:    cardList(player[:g.PlayerHandSize]),
		PlayerValue:    cards.HandValue(player, g.PlayerHandSize),
		DealerFaceUp:   g.DealerFaceUp,
		PlayerHasStood: g.PlayerHasStood,
		Outcome:        g.Outcome,
		CreatedAt:      g.CreatedAt,
		UpdatedAt:      g.UpdatedAt,
	}
	if g.State == model.GameResolved {
		dealer := cards.DecodeHand(g.DealerHand)
		v.DealerCards = cardList(dealer[:g.DealerHandSize])
		dv := cards.HandValue(dealer, g.DealerHandSize)
		v.DealerValue = &dv
	}
	return v
}

func cardList(hand []uint8) []int {
	out := make([]int, len(hand))
	for i, c := range hand {
		out[i] = int(c)
	}
	return out
}

// --- HTTP Handlers ---

// CreateGame handles POST /api/v1/games
// Shuffles and deals through the confidential computer; the game starts in
// the player's turn.
func (s *Service) CreateGame(w http.ResponseWriter, r *http.Request) {
	var req CreateGameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PlayerID == "" {
		writeError(w, "player_id is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	deal, err := s.computer.ShuffleAndDeal(ctx)
	if err != nil {
		metrics.ComputationAborts.WithLabelValues("shuffle_and_deal").Inc()
		writeError(w, "shuffle and deal aborted", http.StatusBadGateway)
		return
	}

	now := time.Now().UTC()
	game := &model.GameRecord{
		ID:             uuid.New(),
		PlayerID:       req.PlayerID,
		Deck:           deal.Deck,
		PlayerHand:     deal.PlayerHand,
		DealerHand:     deal.DealerHand,
		PlayerHandSize: deal.PlayerHandSize,
		DealerHandSize: deal.DealerHandSize,
		DealerFaceUp:   deal.DealerFaceUp,
		State:          model.GamePlayerTurn,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.store.CreateGame(ctx, game); err != nil {
		writeError(w, "failed to create game", http.StatusInternalServerError)
		return
	}

	metrics.GamesStarted.Inc()
	slog.Info("game created",
		"id", game.ID,
		"player", req.PlayerID,
		"dealer_face_up", deal.DealerFaceUp,
	)

	s.broadcast(stream.Event{Type: "game_created", GameID: game.ID.String(), State: game.State.String()})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(view(game))
}

// GetGame handles GET /api/v1/games/{gameID}
func (s *Service) GetGame(w http.ResponseWriter, r *http.Request) {
	game, ok := s.loadGame(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(view(game))
}

// ListGames handles GET /api/v1/players/{playerID}/games
func (s *Service) ListGames(w http.ResponseWriter, r *http.Request) {
	playerID := chi.URLParam(r, "playerID")

	games, err := s.store.ListGamesByPlayer(r.Context(), playerID)
	if err != nil {
		writeError(w, "failed to list games", http.StatusInternalServerError)
		return
	}

	views := make([]GameView, 0, len(games))
	for i := range games {
		views = append(views, view(&games[i]))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(views)
}

// Hit handles POST /api/v1/games/{gameID}/hit
// Draws one card; a bust ends the player's turn.
func (s *Service) Hit(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	game, ok := s.loadGame(w, r)
	if !ok {
		return
	}
	if err := playerMoveAllowed(game); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	ctx := r.Context()
	draw, err := s.computer.PlayerHit(ctx, game.Deck, game.PlayerHand, game.PlayerHandSize, game.DealerHandSize)
	if err != nil {
		metrics.ComputationAborts.WithLabelValues("player_hit").Inc()
		writeError(w, "hit computation aborted", http.StatusBadGateway)
		return
	}

	game.PlayerHand = draw.PlayerHand
	game.PlayerHandSize = draw.PlayerHandSize
	if draw.Bust {
		game.State = model.GameDealerTurn
	}
	game.UpdatedAt = time.Now().UTC()

	if err := s.store.UpdateGame(ctx, game); err != nil {
		writeError(w, "failed to commit move", http.StatusInternalServerError)
		return
	}

	metrics.GameMoves.WithLabelValues("hit").Inc()
	slog.Info("player hit",
		"game", game.ID,
		"hand_size", game.PlayerHandSize,
		"bust", draw.Bust,
	)

	s.broadcast(stream.Event{Type: "player_hit", GameID: game.ID.String(), State: game.State.String()})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(view(game))
}

// Stand handles POST /api/v1/games/{gameID}/stand
// Ends the player's turn without drawing.
func (s *Service) Stand(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	game, ok := s.loadGame(w, r)
	if !ok {
		return
	}
	if err := playerMoveAllowed(game); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	ctx := r.Context()
	bust, err := s.computer.PlayerStand(ctx, game.PlayerHand, game.PlayerHandSize)
	if err != nil {
		metrics.ComputationAborts.WithLabelValues("player_stand").Inc()
		writeError(w, "stand computation aborted", http.StatusBadGateway)
		return
	}
	if bust {
		// A bust should have ended the player's turn on the draw that
		// caused it; a true reveal here means the stored hand and state
		// disagree.
		slog.Warn("stand revealed a bust hand", "game", game.ID)
	}

	game.PlayerHasStood = true
	game.State = model.GameDealerTurn
	game.UpdatedAt = time.Now().UTC()

	if err := s.store.UpdateGame(ctx, game); err != nil {
		writeError(w, "failed to commit move", http.StatusInternalServerError)
		return
	}

	metrics.GameMoves.WithLabelValues("stand").Inc()
	slog.Info("player stood", "game", game.ID)

	s.broadcast(stream.Event{Type: "player_stand", GameID: game.ID.String(), State: game.State.String()})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(view(game))
}

// DoubleDown handles POST /api/v1/games/{gameID}/double-down
// Draws exactly one card and ends the player's turn regardless of bust.
func (s *Service) DoubleDown(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	game, ok := s.loadGame(w, r)
	if !ok {
		return
	}
	if err := playerMoveAllowed(game); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	ctx := r.Context()
	draw, err := s.computer.PlayerDoubleDown(ctx, game.Deck, game.PlayerHand, game.PlayerHandSize, game.DealerHandSize)
	if err != nil {
		metrics.ComputationAborts.WithLabelValues("player_double_down").Inc()
		writeError(w, "double-down computation aborted", http.StatusBadGateway)
		return
	}

	game.PlayerHand = draw.PlayerHand
	game.PlayerHandSize = draw.PlayerHandSize
	game.PlayerHasStood = true
	game.State = model.GameDealerTurn
	game.UpdatedAt = time.Now().UTC()

	if err := s.store.UpdateGame(ctx, game); err != nil {
		writeError(w, "failed to commit move", http.StatusInternalServerError)
		return
	}

	metrics.GameMoves.WithLabelValues("double_down").Inc()
	slog.Info("player doubled down",
		"game", game.ID,
		"hand_size", game.PlayerHandSize,
		"bust", draw.Bust,
	)

	s.broadcast(stream.Event{Type: "player_double_down", GameID: game.ID.String(), State: game.State.String()})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(view(game))
}

// DealerPlay handles POST /api/v1/games/{gameID}/dealer-play
// Runs the dealer's fixed drawing policy and moves the game to resolving.
func (s *Service) DealerPlay(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	game, ok := s.loadGame(w, r)
	if !ok {
		return
	}
	if game.State != model.GameDealerTurn {
		writeError(w, ErrInvalidGameState.Error()+": dealer play requires dealer turn", http.StatusConflict)
		return
	}

	ctx := r.Context()
	result, err := s.computer.DealerPlay(ctx, game.Deck, game.DealerHand, game.PlayerHandSize, game.DealerHandSize)
	if err != nil {
		metrics.ComputationAborts.WithLabelValues("dealer_play").Inc()
		writeError(w, "dealer play computation aborted", http.StatusBadGateway)
		return
	}

	game.DealerHand = result.DealerHand
	game.DealerHandSize = result.DealerHandSize
	game.State = model.GameResolving
	game.UpdatedAt = time.Now().UTC()

	if err := s.store.UpdateGame(ctx, game); err != nil {
		writeError(w, "failed to commit dealer play", http.StatusInternalServerError)
		return
	}

	slog.Info("dealer played",
		"game", game.ID,
		"dealer_hand_size", game.DealerHandSize,
	)

	s.broadcast(stream.Event{Type: "dealer_play", GameID: game.ID.String(), State: game.State.String()})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(view(game))
}

// Resolve handles POST /api/v1/games/{gameID}/resolve
// Compares the final hands and records the terminal outcome.
func (s *Service) Resolve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	game, ok := s.loadGame(w, r)
	if !ok {
		return
	}
	if game.State != model.GameResolving {
		writeError(w, ErrInvalidGameState.Error()+": resolve requires resolving state", http.StatusConflict)
		return
	}

	ctx := r.Context()
	outcome, err := s.computer.ResolveGame(ctx, game.PlayerHand, game.PlayerHandSize, game.DealerHand, game.DealerHandSize)
	if err != nil {
		metrics.ComputationAborts.WithLabelValues("resolve_game").Inc()
		writeError(w, "resolve computation aborted", http.StatusBadGateway)
		return
	}

	game.Outcome = &outcome
	game.State = model.GameResolved
	game.UpdatedAt = time.Now().UTC()

	if err := s.store.UpdateGame(ctx, game); err != nil {
		writeError(w, "failed to commit resolution", http.StatusInternalServerError)
		return
	}

	metrics.GamesResolved.WithLabelValues(outcome.String()).Inc()
	slog.Info("game resolved",
		"game", game.ID,
		"outcome", outcome.String(),
	)

	s.broadcast(stream.Event{
		Type:    "game_resolved",
		GameID:  game.ID.String(),
		State:   game.State.String(),
		Outcome: outcome.String(),
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(view(game))
}

// --- Helpers ---

// loadGame parses the route ID and fetches the record, writing the error
// response itself on failure.
func (s *Service) loadGame(w http.ResponseWriter, r *http.Request) (*model.GameRecord, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "gameID"))
	if err != nil {
		writeError(w, "invalid game id", http.StatusBadRequest)
		return nil, false
	}

	game, err := s.store.GetGame(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "game not found", http.StatusNotFound)
		} else {
			writeError(w, "failed to load game", http.StatusInternalServerError)
		}
		return nil, false
	}
	return game, true
}

// playerMoveAllowed guards hit/stand/double-down.
func playerMoveAllowed(g *model.GameRecord) error {
	if g.State != model.GamePlayerTurn {
		return fmt.Errorf("%w: player moves require player turn, game is %s", ErrInvalidGameState, g.State)
	}
	if g.PlayerHasStood {
		return fmt.Errorf("%w: player has already stood", ErrInvalidMove)
	}
	return nil
}

func (s *Service) broadcast(e stream.Event) {
	if s.hub != nil {
		s.hub.Broadcast(e)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

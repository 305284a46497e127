// Package mpc abstracts the confidential computation layer. Services call a
// Computer and get plaintext results back; which machinery runs the circuit
// (a local evaluation or a remote multi-party cluster) is an implementation
// detail. Any computation may fail with ErrAborted, in which case callers
// must commit nothing.
package mpc

import (
	"context"
	"errors"

	"github.com/veildex/engine/internal/cards"
	"github.com/veildex/engine/internal/margin"
)

// ErrAborted is returned when a confidential computation fails or is
// rejected by the cluster. State changes staged for the computation must be
// discarded.
var ErrAborted = errors.New("mpc: computation aborted")

// DealResult is the output of an initial shuffle-and-deal.
type DealResult struct {
	Deck           cards.PackedDeck
	PlayerHand     cards.PackedHand
	DealerHand     cards.PackedHand
	PlayerHandSize uint8
	DealerHandSize uint8
	// DealerFaceUp is the dealer's revealed first card.
	DealerFaceUp uint8
}

// DrawResult is the output of a player hit or double-down.
type DrawResult struct {
	PlayerHand     cards.PackedHand
	PlayerHandSize uint8
	// Bust is true when the hand value after the draw exceeds 21.
	Bust bool
}

// DealerResult is the output of the dealer's automatic play.
type DealerResult struct {
	DealerHand     cards.PackedHand
	DealerHandSize uint8
}

// Computer evaluates the game and position circuits. Implementations must
// be safe for concurrent use.
type Computer interface {
	// ShuffleAndDeal builds a fresh shuffled deck and deals the opening
	// hands.
	ShuffleAndDeal(ctx context.Context) (DealResult, error)

	// PlayerHit draws one card into the player's hand.
	PlayerHit(ctx context.Context, deck cards.PackedDeck, hand cards.PackedHand, playerSize, dealerSize uint8) (DrawResult, error)

	// PlayerStand reveals whether the player's standing hand is bust.
	PlayerStand(ctx context.Context, hand cards.PackedHand, size uint8) (bust bool, err error)

	// PlayerDoubleDown draws exactly one final card.
	PlayerDoubleDown(ctx context.Context, deck cards.PackedDeck, hand cards.PackedHand, playerSize, dealerSize uint8) (DrawResult, error)

	// DealerPlay runs the dealer's fixed drawing policy.
	DealerPlay(ctx context.Context, deck cards.PackedDeck, dealer cards.PackedHand, playerSize, dealerSize uint8) (DealerResult, error)

	// ResolveGame compares the final hands.
	ResolveGame(ctx context.Context, player cards.PackedHand, playerSize uint8, dealer cards.PackedHand, dealerSize uint8) (cards.Outcome, error)

	// PositionValue computes current value, PnL, and the liquidation flag.
	PositionValue(ctx context.Context, sizeUSD, collateralUSD, entryPrice, currentPrice uint64, side margin.Side) (margin.Value, error)

	// OpenPosition validates collateral against the confidential margin
	// floor and returns the liquidation price.
	OpenPosition(ctx context.Context, sizeUSD, collateralUSD, entryPrice uint64, side margin.Side, leverageBps uint64) (liquidationPrice uint64, err error)

	// ClosePosition settles a position at the exit price.
	ClosePosition(ctx context.Context, sizeUSD, collateralUSD, entryPrice, exitPrice uint64, side margin.Side) (margin.CloseResult, error)

	// AddCollateral computes the post-deposit collateral and leverage.
	AddCollateral(ctx context.Context, collateralUSD, additionalUSD, sizeUSD uint64) (newCollateral, newLeverageBps uint64, err error)

	// RemoveCollateral validates and computes a collateral withdrawal.
	RemoveCollateral(ctx context.Context, collateralUSD, removeUSD, sizeUSD uint64) (margin.CollateralChange, error)

	// Liquidate checks the maintenance margin and computes the penalty.
	Liquidate(ctx context.Context, sizeUSD, collateralUSD, entryPrice, currentPrice uint64, side margin.Side) (margin.LiquidationResult, error)
}

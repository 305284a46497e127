package mpc

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/veildex/engine/internal/cards"
	"github.com/veildex/engine/internal/margin"
)

// Local evaluates the circuits in-process over plaintext state. It produces
// bit-identical results to the confidential evaluation, so services behave
// the same against either backend.
type Local struct {
	entropy io.Reader
}

// NewLocal returns a Local computer drawing shuffle entropy from r.
// A nil reader defaults to crypto/rand.
func NewLocal(r io.Reader) *Local {
	if r == nil {
		r = rand.Reader
	}
	return &Local{entropy: r}
}

var _ Computer = (*Local)(nil)

func (l *Local) ShuffleAndDeal(ctx context.Context) (DealResult, error) {
	if err := ctx.Err(); err != nil {
		return DealResult{}, fmt.Errorf("%w: %v", ErrAborted, err)
	}
	deck := cards.NewDeck()
	if err := cards.Shuffle(&deck, l.entropy); err != nil {
		return DealResult{}, fmt.Errorf("%w: %v", ErrAborted, err)
	}
	player, dealer, faceUp := cards.Deal(deck)
	return DealResult{
		Deck:           cards.EncodeDeck(deck),
		PlayerHand:     cards.EncodeHand(player),
		DealerHand:     cards.EncodeHand(dealer),
		PlayerHandSize: 2,
		DealerHandSize: 2,
		DealerFaceUp:   faceUp,
	}, nil
}

func (l *Local) PlayerHit(ctx context.Context, deck cards.PackedDeck, hand cards.PackedHand, playerSize, dealerSize uint8) (DrawResult, error) {
	if err := ctx.Err(); err != nil {
		return DrawResult{}, fmt.Errorf("%w: %v", ErrAborted, err)
	}
	newHand, bust := cards.Hit(cards.DecodeDeck(deck), cards.DecodeHand(hand), playerSize, dealerSize)
	return DrawResult{
		PlayerHand:     cards.EncodeHand(newHand),
		PlayerHandSize: playerSize + 1,
		Bust:           bust,
	}, nil
}

func (l *Local) PlayerStand(ctx context.Context, hand cards.PackedHand, size uint8) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrAborted, err)
	}
	return cards.Stand(cards.DecodeHand(hand), size), nil
}

func (l *Local) PlayerDoubleDown(ctx context.Context, deck cards.PackedDeck, hand cards.PackedHand, playerSize, dealerSize uint8) (DrawResult, error) {
	if err := ctx.Err(); err != nil {
		return DrawResult{}, fmt.Errorf("%w: %v", ErrAborted, err)
	}
	newHand, bust := cards.DoubleDown(cards.DecodeDeck(deck), cards.DecodeHand(hand), playerSize, dealerSize)
	return DrawResult{
		PlayerHand:     cards.EncodeHand(newHand),
		PlayerHandSize: playerSize + 1,
		Bust:           bust,
	}, nil
}

func (l *Local) DealerPlay(ctx context.Context, deck cards.PackedDeck, dealer cards.PackedHand, playerSize, dealerSize uint8) (DealerResult, error) {
	if err := ctx.Err(); err != nil {
		return DealerResult{}, fmt.Errorf("%w: %v", ErrAborted, err)
	}
	newDealer, newSize := cards.DealerPlay(cards.DecodeDeck(deck), cards.DecodeHand(dealer), playerSize, dealerSize)
	return DealerResult{
		DealerHand:     cards.EncodeHand(newDealer),
		DealerHandSize: newSize,
	}, nil
}

func (l *Local) ResolveGame(ctx context.Context, player cards.PackedHand, playerSize uint8, dealer cards.PackedHand, dealerSize uint8) (cards.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrAborted, err)
	}
	return cards.Resolve(cards.DecodeHand(player), playerSize, cards.DecodeHand(dealer), dealerSize), nil
}

func (l *Local) PositionValue(ctx context.Context, sizeUSD, collateralUSD, entryPrice, currentPrice uint64, side margin.Side) (margin.Value, error) {
	if err := ctx.Err(); err != nil {
		return margin.Value{}, fmt.Errorf("%w: %v", ErrAborted, err)
	}
	return margin.PositionValue(sizeUSD, collateralUSD, entryPrice, currentPrice, side)
}

func (l *Local) OpenPosition(ctx context.Context, sizeUSD, collateralUSD, entryPrice uint64, side margin.Side, leverageBps uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrAborted, err)
	}
	if err := margin.ValidateOpen(sizeUSD, collateralUSD); err != nil {
		return 0, err
	}
	return margin.LiquidationPrice(entryPrice, side, leverageBps)
}

func (l *Local) ClosePosition(ctx context.Context, sizeUSD, collateralUSD, entryPrice, exitPrice uint64, side margin.Side) (margin.CloseResult, error) {
	if err := ctx.Err(); err != nil {
		return margin.CloseResult{}, fmt.Errorf("%w: %v", ErrAborted, err)
	}
	return margin.Close(sizeUSD, collateralUSD, entryPrice, exitPrice, side)
}

func (l *Local) AddCollateral(ctx context.Context, collateralUSD, additionalUSD, sizeUSD uint64) (uint64, uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrAborted, err)
	}
	return margin.AddCollateral(collateralUSD, additionalUSD, sizeUSD)
}

func (l *Local) RemoveCollateral(ctx context.Context, collateralUSD, removeUSD, sizeUSD uint64) (margin.CollateralChange, error) {
	if err := ctx.Err(); err != nil {
		return margin.CollateralChange{}, fmt.Errorf("%w: %v", ErrAborted, err)
	}
	return margin.RemoveCollateral(collateralUSD, removeUSD, sizeUSD)
}

func (l *Local) Liquidate(ctx context.Context, sizeUSD, collateralUSD, entryPrice, currentPrice uint64, side margin.Side) (margin.LiquidationResult, error) {
	if err := ctx.Err(); err != nil {
		return margin.LiquidationResult{}, fmt.Errorf("%w: %v", ErrAborted, err)
	}
	return margin.Liquidate(sizeUSD, collateralUSD, entryPrice, currentPrice, side)
}

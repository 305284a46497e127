package mpc

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/veildex/engine/internal/cards"
	"github.com/veildex/engine/internal/margin"
)

func usd(dollars uint64) uint64 { return dollars * 100_000_000 }

func seeded(seed int64) *Local {
	return NewLocal(rand.New(rand.NewSource(seed)))
}

func TestShuffleAndDeal_ValidGame(t *testing.T) {
	result, err := seeded(1).ShuffleAndDeal(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.PlayerHandSize != 2 || result.DealerHandSize != 2 {
		t.Errorf("hand sizes = (%d, %d), want (2, 2)", result.PlayerHandSize, result.DealerHandSize)
	}

	deck := cards.DecodeDeck(result.Deck)
	var seen [52]bool
	for _, card := range deck {
		if card > 51 {
			t.Fatalf("card %d out of range", card)
		}
		if seen[card] {
			t.Fatalf("card %d dealt twice", card)
		}
		seen[card] = true
	}

	player := cards.DecodeHand(result.PlayerHand)
	dealer := cards.DecodeHand(result.DealerHand)
	if player[0] != deck[0] || player[1] != deck[2] {
		t.Errorf("player hand %v does not match deck order", player[:2])
	}
	if dealer[0] != deck[1] || dealer[1] != deck[3] {
		t.Errorf("dealer hand %v does not match deck order", dealer[:2])
	}
	if result.DealerFaceUp != deck[1] {
		t.Errorf("face-up card = %d, want first dealer card %d", result.DealerFaceUp, deck[1])
	}
}

func TestShuffleAndDeal_SeedsDiffer(t *testing.T) {
	a, err := seeded(1).ShuffleAndDeal(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := seeded(2).ShuffleAndDeal(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Deck == b.Deck {
		t.Error("different entropy produced identical decks")
	}
}

func TestPlayerHit_MatchesEngine(t *testing.T) {
	l := seeded(3)
	ctx := context.Background()

	deal, err := l.ShuffleAndDeal(ctx)
	if err != nil {
		t.Fatalf("deal: %v", err)
	}
	result, err := l.PlayerHit(ctx, deal.Deck, deal.PlayerHand, 2, 2)
	if err != nil {
		t.Fatalf("hit: %v", err)
	}
	if result.PlayerHandSize != 3 {
		t.Errorf("hand size = %d, want 3", result.PlayerHandSize)
	}

	wantHand, wantBust := cards.Hit(cards.DecodeDeck(deal.Deck), cards.DecodeHand(deal.PlayerHand), 2, 2)
	if result.PlayerHand != cards.EncodeHand(wantHand) || result.Bust != wantBust {
		t.Error("hit result diverges from the card engine")
	}
}

func TestDealerPlay_StandsAtSeventeen(t *testing.T) {
	l := seeded(4)
	ctx := context.Background()

	deal, err := l.ShuffleAndDeal(ctx)
	if err != nil {
		t.Fatalf("deal: %v", err)
	}
	result, err := l.DealerPlay(ctx, deal.Deck, deal.DealerHand, 2, 2)
	if err != nil {
		t.Fatalf("dealer play: %v", err)
	}
	dealer := cards.DecodeHand(result.DealerHand)
	value := cards.HandValue(dealer, result.DealerHandSize)
	if value < cards.DealerStandValue && result.DealerHandSize < 2+7 {
		t.Errorf("dealer stopped at %d with draws remaining", value)
	}
}

func TestResolveGame_MatchesEngine(t *testing.T) {
	l := seeded(5)
	ctx := context.Background()

	deal, err := l.ShuffleAndDeal(ctx)
	if err != nil {
		t.Fatalf("deal: %v", err)
	}
	dealer, err := l.DealerPlay(ctx, deal.Deck, deal.DealerHand, 2, 2)
	if err != nil {
		t.Fatalf("dealer play: %v", err)
	}

	outcome, err := l.ResolveGame(ctx, deal.PlayerHand, 2, dealer.DealerHand, dealer.DealerHandSize)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := cards.Resolve(
		cards.DecodeHand(deal.PlayerHand), 2,
		cards.DecodeHand(dealer.DealerHand), dealer.DealerHandSize,
	)
	if outcome != want {
		t.Errorf("outcome = %v, want %v", outcome, want)
	}
}

func TestOpenPosition_ValidatesCollateral(t *testing.T) {
	l := NewLocal(nil)
	ctx := context.Background()

	liq, err := l.OpenPosition(ctx, usd(10000), usd(1000), usd(100), margin.Long, 100000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want, _ := margin.LiquidationPrice(usd(100), margin.Long, 100000)
	if liq != want {
		t.Errorf("liquidation price = %d, want %d", liq, want)
	}

	_, err = l.OpenPosition(ctx, usd(10000), usd(100), usd(100), margin.Long, 1000000)
	if !errors.Is(err, margin.ErrInsufficientCollateral) {
		t.Errorf("expected ErrInsufficientCollateral, got %v", err)
	}
}

func TestMarginMethods_MatchEngine(t *testing.T) {
	l := NewLocal(nil)
	ctx := context.Background()

	value, err := l.PositionValue(ctx, usd(10000), usd(1000), usd(100), usd(105), margin.Long)
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	wantValue, _ := margin.PositionValue(usd(10000), usd(1000), usd(100), usd(105), margin.Long)
	if value != wantValue {
		t.Errorf("value = %+v, want %+v", value, wantValue)
	}

	closeResult, err := l.ClosePosition(ctx, usd(10000), usd(1000), usd(100), usd(105), margin.Long)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	wantClose, _ := margin.Close(usd(10000), usd(1000), usd(100), usd(105), margin.Long)
	if closeResult != wantClose {
		t.Errorf("close = %+v, want %+v", closeResult, wantClose)
	}

	change, err := l.RemoveCollateral(ctx, usd(1000), usd(400), usd(10000))
	if err != nil {
		t.Fatalf("remove collateral: %v", err)
	}
	wantChange, _ := margin.RemoveCollateral(usd(1000), usd(400), usd(10000))
	if change != wantChange {
		t.Errorf("collateral change = %+v, want %+v", change, wantChange)
	}

	liq, err := l.Liquidate(ctx, usd(10000), usd(600), usd(100), usd(9890)/100, margin.Long)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	wantLiq, _ := margin.Liquidate(usd(10000), usd(600), usd(100), usd(9890)/100, margin.Long)
	if liq != wantLiq {
		t.Errorf("liquidation = %+v, want %+v", liq, wantLiq)
	}
}

func TestCanceledContext_Aborts(t *testing.T) {
	l := seeded(6)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := l.ShuffleAndDeal(ctx); !errors.Is(err, ErrAborted) {
		t.Errorf("shuffle: expected ErrAborted, got %v", err)
	}
	if _, err := l.PlayerHit(ctx, cards.PackedDeck{}, cards.PackedHand{}, 2, 2); !errors.Is(err, ErrAborted) {
		t.Errorf("hit: expected ErrAborted, got %v", err)
	}
	if _, err := l.PositionValue(ctx, usd(1), usd(1), usd(1), usd(1), margin.Long); !errors.Is(err, ErrAborted) {
		t.Errorf("value: expected ErrAborted, got %v", err)
	}
	if _, err := l.Liquidate(ctx, usd(1), usd(1), usd(1), usd(1), margin.Long); !errors.Is(err, ErrAborted) {
		t.Errorf("liquidate: expected ErrAborted, got %v", err)
	}
}

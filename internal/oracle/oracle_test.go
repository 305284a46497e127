package oracle

import (
	"errors"
	"testing"
	"time"
)

func TestValidateAsset_Pattern(t *testing.T) {
	for _, ok := range []string{"SOL", "BTC", "WETH", "A1", "USDC10"} {
		if err := ValidateAsset(ok); err != nil {
			t.Errorf("ValidateAsset(%q): %v", ok, err)
		}
	}
	for _, bad := range []string{"", "S", "sol", "1SOL", "TOOLONGSYMBOL", "SO-L"} {
		if err := ValidateAsset(bad); !errors.Is(err, ErrInvalidAsset) {
			t.Errorf("ValidateAsset(%q): expected ErrInvalidAsset, got %v", bad, err)
		}
	}
}

func TestStatic_SetAndGet(t *testing.T) {
	s := NewStatic(0)
	if err := s.SetPrice("SOL", 15_000_000_000); err != nil {
		t.Fatalf("set: %v", err)
	}

	price, err := s.Price("SOL")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if price != 15_000_000_000 {
		t.Errorf("price = %d, want 15_000_000_000", price)
	}

	if _, err := s.Price("BTC"); !errors.Is(err, ErrUnknownAsset) {
		t.Errorf("expected ErrUnknownAsset, got %v", err)
	}
	if _, err := s.Price("btc"); !errors.Is(err, ErrInvalidAsset) {
		t.Errorf("expected ErrInvalidAsset, got %v", err)
	}
}

func TestStatic_Staleness(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := NewStatic(time.Minute)
	s.now = func() time.Time { return now }

	if err := s.SetPrice("SOL", 15_000_000_000); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := s.Price("SOL"); err != nil {
		t.Errorf("fresh price: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := s.Price("SOL"); !errors.Is(err, ErrStalePrice) {
		t.Errorf("expected ErrStalePrice, got %v", err)
	}

	// A new update resets the clock.
	if err := s.SetPrice("SOL", 16_000_000_000); err != nil {
		t.Fatalf("set: %v", err)
	}
	price, err := s.Price("SOL")
	if err != nil {
		t.Fatalf("refreshed price: %v", err)
	}
	if price != 16_000_000_000 {
		t.Errorf("price = %d, want 16_000_000_000", price)
	}
}

func TestStatic_Assets(t *testing.T) {
	s := NewStatic(0)
	if got := s.Assets(); len(got) != 0 {
		t.Errorf("empty source lists %v", got)
	}
	s.SetPrice("SOL", 1)
	s.SetPrice("BTC", 1)
	assets := s.Assets()
	if len(assets) != 2 {
		t.Errorf("assets = %v, want two entries", assets)
	}
}

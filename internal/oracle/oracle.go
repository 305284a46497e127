// Package oracle provides asset prices to the position engine. Prices are
// fixed-point USD with 8 implied decimals.
package oracle

import (
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"
)

var (
	// ErrUnknownAsset is returned for assets the source has no price for.
	ErrUnknownAsset = errors.New("oracle: unknown asset")

	// ErrStalePrice is returned when the latest price is older than the
	// source's staleness bound.
	ErrStalePrice = errors.New("oracle: stale price")

	// ErrInvalidAsset is returned for malformed asset symbols.
	ErrInvalidAsset = errors.New("oracle: invalid asset symbol")
)

// assetPattern: uppercase symbol, 2-10 chars, e.g. "SOL", "BTC", "WETH".
var assetPattern = regexp.MustCompile(`^[A-Z][A-Z0-9]{1,9}$`)

// ValidateAsset checks an asset symbol's shape before any lookup.
func ValidateAsset(symbol string) error {
	if !assetPattern.MatchString(symbol) {
		return fmt.Errorf("%w: %q", ErrInvalidAsset, symbol)
	}
	return nil
}

// PriceSource supplies the current price for an asset.
type PriceSource interface {
	// Price returns the fixed-point USD price for the asset symbol.
	Price(asset string) (uint64, error)
}

// Static is an in-memory price source fed by explicit updates. Safe for
// concurrent use.
type Static struct {
	mu     sync.RWMutex
	prices map[string]pricePoint
	maxAge time.Duration
	now    func() time.Time
}

type pricePoint struct {
	price uint64
	at    time.Time
}

// NewStatic returns an empty source. maxAge bounds price staleness;
// zero disables the check.
func NewStatic(maxAge time.Duration) *Static {
	return &Static{
		prices: make(map[string]pricePoint),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// SetPrice records a price update for an asset.
func (s *Static) SetPrice(asset string, price uint64) error {
	if err := ValidateAsset(asset); err != nil {
		return err
	}
	s.mu.Lock()
	s.prices[asset] = pricePoint{price: price, at: s.now()}
	s.mu.Unlock()
	return nil
}

// Price implements PriceSource.
func (s *Static) Price(asset string) (uint64, error) {
	if err := ValidateAsset(asset); err != nil {
		return 0, err
	}
	s.mu.RLock()
	p, ok := s.prices[asset]
	s.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	if s.maxAge > 0 && s.now().Sub(p.at) > s.maxAge {
		return 0, fmt.Errorf("%w: %s last updated %s ago", ErrStalePrice, asset, s.now().Sub(p.at))
	}
	return p.price, nil
}

// Assets lists the symbols the source currently has prices for.
func (s *Static) Assets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.prices))
	for a := range s.prices {
		out = append(out, a)
	}
	return out
}

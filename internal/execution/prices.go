package execution

import (
	"context"
	"fmt"
	"sync"
)

// PriceSource supplies the reference price used for position sizing and
// TP/SL offset computation when a signal carries no explicit levels.
type PriceSource interface {
	Price(ctx context.Context, symbol string) (float64, error)
}

// StaticPrices is a fixed price table for dev and tests.
type StaticPrices struct {
	mu     sync.RWMutex
	prices map[string]float64
}

func NewStaticPrices(prices map[string]float64) *StaticPrices {
	if prices == nil {
		prices = make(map[string]float64)
	}
	return &StaticPrices{prices: prices}
}

func (s *StaticPrices) Price(ctx context.Context, symbol string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	price, ok := s.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("no reference price for %s", symbol)
	}
	return price, nil
}

func (s *StaticPrices) Set(symbol string, price float64) {
	s.mu.Lock()
	s.prices[symbol] = price
	s.mu.Unlock()
}

package marketdata

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// MockProvider generates a slow random walk of the sentiment score for local
// development. Safe for concurrent use.
type MockProvider struct {
	mu    sync.Mutex
	score float64
	step  float64
	rng   *rand.Rand

	// Err, when set, is returned by every Fetch. Used to exercise the
	// gate's stale-policy path.
	Err error
}

func NewMockProvider(start float64) *MockProvider {
	if start == 0 {
		start = 50
	}
	return &MockProvider{
		score: start,
		step:  3,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m *MockProvider) Fetch(ctx context.Context) (Indicators, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return Indicators{}, m.Err
	}

	m.score += (m.rng.Float64()*2 - 1) * m.step
	if m.score < 0 {
		m.score = 0
	}
	if m.score > 100 {
		m.score = 100
	}
	return Indicators{
		SentimentScore: m.score,
		Dominance:      map[string]float64{"BTC": 52.0, "ETH": 17.5},
		ObservedAt:     time.Now().UTC(),
	}, nil
}

// SetScore pins the next score. Used by tests and the dev console.
func (m *MockProvider) SetScore(score float64) {
	m.mu.Lock()
	m.score = score
	m.step = 0
	m.mu.Unlock()
}

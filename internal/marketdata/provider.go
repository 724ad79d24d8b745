// Package marketdata supplies the sentiment and dominance indicators the
// direction gate consumes on its refresh interval.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Indicators is one observation of overall market mood. SentimentScore is a
// 0-100 fear/greed style index; Dominance maps asset symbols to their market
// share in percent.
type Indicators struct {
	SentimentScore float64
	Dominance      map[string]float64
	ObservedAt     time.Time
}

// Provider fetches current indicators. Implementations block on the network
// and must honor ctx.
type Provider interface {
	Fetch(ctx context.Context) (Indicators, error)
}

// HTTPProvider polls a fear-and-greed style index endpoint.
type HTTPProvider struct {
	URL        string
	HTTPClient *http.Client
}

func NewHTTPProvider(url string) *HTTPProvider {
	return &HTTPProvider{
		URL:        url,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Fetch expects the alternative.me fear-and-greed response shape:
// {"data":[{"value":"34", ...}]}. Dominance is left empty when the endpoint
// does not carry it.
func (p *HTTPProvider) Fetch(ctx context.Context) (Indicators, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return Indicators{}, err
	}
	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return Indicators{}, fmt.Errorf("fetch indicators: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Indicators{}, fmt.Errorf("indicators endpoint status %d", resp.StatusCode)
	}

	var payload struct {
		Data []struct {
			Value string `json:"value"`
		} `json:"data"`
		Dominance map[string]float64 `json:"dominance"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Indicators{}, fmt.Errorf("decode indicators: %w", err)
	}
	if len(payload.Data) == 0 {
		return Indicators{}, fmt.Errorf("indicators endpoint returned no data")
	}
	score, err := strconv.ParseFloat(payload.Data[0].Value, 64)
	if err != nil {
		return Indicators{}, fmt.Errorf("parse sentiment value %q: %w", payload.Data[0].Value, err)
	}

	return Indicators{
		SentimentScore: score,
		Dominance:      payload.Dominance,
		ObservedAt:     time.Now().UTC(),
	}, nil
}

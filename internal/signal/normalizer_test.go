package signal

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestNormalizeFieldResolution(t *testing.T) {
	n := NewNormalizer(DefaultExtractors())

	tests := []struct {
		name      string
		raw       map[string]any
		symbol    string
		direction string
		strength  float64
		source    string
	}{
		{
			name:      "plain",
			raw:       map[string]any{"symbol": "BTCUSDT", "direction": "long"},
			symbol:    "BTCUSDT",
			direction: DirectionLong,
			strength:  1,
		},
		{
			name:      "tradingview_style",
			raw:       map[string]any{"ticker": "ethusdt", "action": "BUY", "strength": 0.7, "source": "tv-breakout"},
			symbol:    "ETHUSDT",
			direction: DirectionLong,
			strength:  0.7,
			source:    "tv-breakout",
		},
		{
			name:      "sell_side",
			raw:       map[string]any{"pair": "SOLUSDT", "side": "sell"},
			symbol:    "SOLUSDT",
			direction: DirectionShort,
			strength:  1,
		},
		{
			name:      "priority_order_symbol_wins",
			raw:       map[string]any{"symbol": "BTCUSDT", "ticker": "WRONG", "signal": "short"},
			symbol:    "BTCUSDT",
			direction: DirectionShort,
			strength:  1,
		},
		{
			name:      "strength_as_string_clamped",
			raw:       map[string]any{"instrument": "BNBUSDT", "direction": "short", "confidence": "1.8"},
			symbol:    "BNBUSDT",
			direction: DirectionShort,
			strength:  1,
		},
		{
			name:      "negative_strength_clamped",
			raw:       map[string]any{"symbol": "BTCUSDT", "direction": "buy", "score": -0.5},
			symbol:    "BTCUSDT",
			direction: DirectionLong,
			strength:  0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, err := n.Normalize(tt.raw)
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			if sig.Status != StatusReceived {
				t.Errorf("status = %s, want RECEIVED", sig.Status)
			}
			if sig.Symbol != tt.symbol || sig.Direction != tt.direction {
				t.Errorf("got %s/%s, want %s/%s", sig.Symbol, sig.Direction, tt.symbol, tt.direction)
			}
			if sig.Strength != tt.strength {
				t.Errorf("strength = %v, want %v", sig.Strength, tt.strength)
			}
			if sig.Source != tt.source {
				t.Errorf("source = %q, want %q", sig.Source, tt.source)
			}
			if sig.RawPayload == "" {
				t.Error("raw payload must be preserved")
			}
		})
	}
}

func TestNormalizeRejections(t *testing.T) {
	n := NewNormalizer(DefaultExtractors())

	tests := []struct {
		name  string
		raw   map[string]any
		field string
	}{
		{"missing_symbol", map[string]any{"direction": "long"}, "symbol"},
		{"empty_symbol", map[string]any{"symbol": "   ", "direction": "long"}, "symbol"},
		{"missing_direction", map[string]any{"symbol": "BTCUSDT"}, "direction"},
		{"ambiguous_direction", map[string]any{"symbol": "BTCUSDT", "side": "hold"}, "direction"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, err := n.Normalize(tt.raw)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want *ValidationError", err)
			}
			if verr.Field != tt.field {
				t.Errorf("field = %q, want %q", verr.Field, tt.field)
			}
			if sig.Status != StatusRejected || sig.Reason == "" {
				t.Errorf("rejected signal = %s/%q, want REJECTED with reason", sig.Status, sig.Reason)
			}
			if sig.RawPayload == "" {
				t.Error("raw payload must be preserved on rejection")
			}
		})
	}
}

func TestNormalizeDeterministic(t *testing.T) {
	n := NewNormalizer(DefaultExtractors())
	raw := map[string]any{"ticker": "btcusdt", "side": "Buy", "confidence": 0.42, "origin": "alerts"}

	first, err := n.Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	for i := 0; i < 50; i++ {
		again, err := n.Normalize(raw)
		if err != nil {
			t.Fatalf("Normalize run %d: %v", i, err)
		}
		if again.Symbol != first.Symbol || again.Direction != first.Direction ||
			again.Strength != first.Strength || again.Source != first.Source ||
			again.RawPayload != first.RawPayload {
			t.Fatalf("run %d diverged: %+v vs %+v", i, again, first)
		}
	}

	bad := map[string]any{"symbol": "BTCUSDT", "side": "hold"}
	_, err1 := n.Normalize(bad)
	_, err2 := n.Normalize(bad)
	if err1 == nil || err2 == nil || err1.Error() != err2.Error() {
		t.Errorf("rejection reasons differ: %v vs %v", err1, err2)
	}
}

func TestLoadExtractorsOverridesAndDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "extractors.yaml")
	content := "symbol:\n  - custom_sym\ndirection:\n  - dir\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	ex, err := LoadExtractors(path)
	if err != nil {
		t.Fatalf("LoadExtractors: %v", err)
	}
	if len(ex.Symbol) != 1 || ex.Symbol[0] != "custom_sym" {
		t.Errorf("symbol extractors = %v", ex.Symbol)
	}
	// untouched lists keep the defaults
	if len(ex.Strength) == 0 || ex.Strength[0] != "strength" {
		t.Errorf("strength extractors = %v, want defaults", ex.Strength)
	}

	n := NewNormalizer(ex)
	sig, err := n.Normalize(map[string]any{"custom_sym": "BTCUSDT", "dir": "long"})
	if err != nil {
		t.Fatalf("Normalize with custom extractors: %v", err)
	}
	if sig.Symbol != "BTCUSDT" || sig.Direction != DirectionLong {
		t.Errorf("got %s/%s", sig.Symbol, sig.Direction)
	}
}

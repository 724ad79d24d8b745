// Package signal normalizes raw webhook payloads into canonical signal
// records. Field resolution walks prioritized extractor lists so upstream
// alert sources with different field names all map onto the same record.
package signal

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"signal-core/pkg/db"
)

const (
	DirectionLong  = "LONG"
	DirectionShort = "SHORT"

	StatusReceived = "RECEIVED"
	StatusApproved = "APPROVED"
	StatusRejected = "REJECTED"
)

// ValidationError reports the field that could not be resolved from a raw
// payload. Validation failures are terminal; the payload is recorded and
// rejected, never retried.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid signal: field %q: %s", e.Field, e.Msg)
}

// Extractors lists field names tried in priority order for each canonical
// attribute. The first present key wins.
type Extractors struct {
	Symbol    []string `yaml:"symbol"`
	Direction []string `yaml:"direction"`
	Strength  []string `yaml:"strength"`
	Source    []string `yaml:"source"`
}

// DefaultExtractors covers the field names the known alert sources emit.
func DefaultExtractors() Extractors {
	return Extractors{
		Symbol:    []string{"symbol", "ticker", "pair", "instrument"},
		Direction: []string{"direction", "side", "action", "signal"},
		Strength:  []string{"strength", "confidence", "score"},
		Source:    []string{"source", "origin", "strategy"},
	}
}

// LoadExtractors reads extractor lists from a YAML file. Lists left empty in
// the file fall back to the defaults.
func LoadExtractors(path string) (Extractors, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Extractors{}, fmt.Errorf("read extractor config: %w", err)
	}
	ex := DefaultExtractors()
	var loaded Extractors
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return Extractors{}, fmt.Errorf("parse extractor config: %w", err)
	}
	if len(loaded.Symbol) > 0 {
		ex.Symbol = loaded.Symbol
	}
	if len(loaded.Direction) > 0 {
		ex.Direction = loaded.Direction
	}
	if len(loaded.Strength) > 0 {
		ex.Strength = loaded.Strength
	}
	if len(loaded.Source) > 0 {
		ex.Source = loaded.Source
	}
	return ex, nil
}

// Normalizer turns raw payloads into canonical signal records.
type Normalizer struct {
	ex Extractors
}

func NewNormalizer(ex Extractors) *Normalizer {
	return &Normalizer{ex: ex}
}

// Normalize resolves the canonical fields from raw. On validation failure it
// still returns a Signal carrying the raw payload with status REJECTED and
// the reason set, so the caller can persist the rejection for audit.
// Given identical input the canonical fields and any rejection reason are
// identical; only the surrogate id and timestamp vary.
func (n *Normalizer) Normalize(raw map[string]any) (db.Signal, error) {
	sig := db.Signal{
		ID:         uuid.NewString(),
		RawPayload: encodeRaw(raw),
		Status:     StatusReceived,
		Strength:   1,
		ReceivedAt: time.Now().UTC(),
	}

	symbol, err := n.resolveSymbol(raw)
	if err != nil {
		return rejected(sig, err), err
	}
	sig.Symbol = symbol

	direction, err := n.resolveDirection(raw)
	if err != nil {
		return rejected(sig, err), err
	}
	sig.Direction = direction

	if strength, ok := n.resolveStrength(raw); ok {
		sig.Strength = clamp01(strength)
	}
	if source, ok := firstString(raw, n.ex.Source); ok {
		sig.Source = source
	}

	return sig, nil
}

func rejected(sig db.Signal, err error) db.Signal {
	sig.Status = StatusRejected
	sig.Reason = err.Error()
	return sig
}

func (n *Normalizer) resolveSymbol(raw map[string]any) (string, error) {
	symbol, ok := firstString(raw, n.ex.Symbol)
	if !ok {
		return "", &ValidationError{Field: "symbol", Msg: "no resolvable symbol field"}
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return "", &ValidationError{Field: "symbol", Msg: "symbol field is empty"}
	}
	return symbol, nil
}

func (n *Normalizer) resolveDirection(raw map[string]any) (string, error) {
	value, ok := firstString(raw, n.ex.Direction)
	if !ok {
		return "", &ValidationError{Field: "direction", Msg: "no resolvable direction field"}
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "buy", "long":
		return DirectionLong, nil
	case "sell", "short":
		return DirectionShort, nil
	default:
		return "", &ValidationError{Field: "direction", Msg: fmt.Sprintf("ambiguous direction %q", value)}
	}
}

func (n *Normalizer) resolveStrength(raw map[string]any) (float64, bool) {
	for _, key := range n.ex.Strength {
		v, ok := raw[key]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case float64:
			return t, true
		case int:
			return float64(t), true
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

// firstString returns the first key from keys present in raw with a
// non-empty string-convertible value.
func firstString(raw map[string]any, keys []string) (string, bool) {
	for _, key := range keys {
		v, ok := raw[key]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case string:
			if strings.TrimSpace(t) != "" {
				return t, true
			}
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64), true
		}
	}
	return "", false
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// encodeRaw serializes the payload with sorted keys so identical payloads
// produce identical stored audit strings.
func encodeRaw(raw map[string]any) string {
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Sprintf("%v", raw)
	}
	return string(data)
}

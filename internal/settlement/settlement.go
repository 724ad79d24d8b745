// Package settlement computes profit-gated commission for closed positions.
// Commission exists only for positive realized PnL; the record and both
// ledger credits are written in one transaction so attribution is never
// partial.
package settlement

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"signal-core/internal/events"
	"signal-core/pkg/db"
)

const (
	PlanMonthly = "MONTHLY"
	PlanPrepaid = "PREPAID"

	accountCompany = "COMPANY"
)

// RateProvider converts between currencies for users whose country requires
// a secondary-currency statement of the commission.
type RateProvider interface {
	Rate(ctx context.Context, from, to string) (decimal.Decimal, error)
}

// StaticRates is a fixed conversion table, keyed "FROM/TO".
type StaticRates map[string]decimal.Decimal

func (s StaticRates) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	if rate, ok := s[from+"/"+to]; ok {
		return rate, nil
	}
	return decimal.Zero, fmt.Errorf("no rate for %s/%s", from, to)
}

// Config holds the commission schedule.
type Config struct {
	MonthlyRate    float64 // subscription plans, the lower rate
	PrepaidRate    float64 // pay-as-you-go plans, the higher rate
	AffiliateShare float64 // fraction of total commission credited to the referrer
	Currency       string  // native settlement currency

	// SecondaryByCountry maps a user country to the extra currency the
	// commission must also be expressed in.
	SecondaryByCountry map[string]string
}

func (c *Config) setDefaults() {
	if c.MonthlyRate <= 0 {
		c.MonthlyRate = 0.10
	}
	if c.PrepaidRate <= 0 {
		c.PrepaidRate = 0.20
	}
	if c.AffiliateShare <= 0 {
		c.AffiliateShare = 0.20
	}
	if c.Currency == "" {
		c.Currency = "USDT"
	}
}

// Settler turns closed positions into commission records.
type Settler struct {
	cfg      Config
	database *db.Database
	rates    RateProvider
	bus      *events.Bus
}

func New(cfg Config, database *db.Database, rates RateProvider, bus *events.Bus) *Settler {
	cfg.setDefaults()
	return &Settler{cfg: cfg, database: database, rates: rates, bus: bus}
}

// Settle creates the commission record for a profitable closed position.
// Zero or negative PnL returns (nil, nil): no record, no ledger mutation.
// Settlement is idempotent per position; a duplicate call returns the
// existing record.
func (s *Settler) Settle(ctx context.Context, pos db.Position) (*db.CommissionRecord, error) {
	gross := decimal.NewFromFloat(pos.RealizedPnl)
	if !gross.IsPositive() {
		return nil, nil
	}

	if existing, err := s.database.GetCommissionByPosition(ctx, pos.ID); err == nil {
		return &existing, nil
	}

	user, err := s.database.GetUser(ctx, pos.UserID)
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", pos.UserID, err)
	}

	rate := decimal.NewFromFloat(s.cfg.PrepaidRate)
	if user.Plan == PlanMonthly {
		rate = decimal.NewFromFloat(s.cfg.MonthlyRate)
	}

	total := gross.Mul(rate).RoundBank(2)
	affiliate := decimal.Zero
	if user.AffiliateID != "" {
		affiliate = total.Mul(decimal.NewFromFloat(s.cfg.AffiliateShare)).RoundBank(2)
	}
	// company share is the remainder so the split always sums to the total
	company := total.Sub(affiliate)

	rec := db.CommissionRecord{
		ID:              uuid.NewString(),
		UserID:          pos.UserID,
		PositionID:      pos.ID,
		GrossProfit:     gross.RoundBank(2).String(),
		CommissionRate:  rate.String(),
		TotalCommission: total.String(),
		AffiliateShare:  affiliate.String(),
		CompanyShare:    company.String(),
		Currency:        s.cfg.Currency,
		CreatedAt:       time.Now().UTC(),
	}

	if secondary, ok := s.cfg.SecondaryByCountry[user.Country]; ok && s.rates != nil {
		fx, err := s.rates.Rate(ctx, s.cfg.Currency, secondary)
		if err != nil {
			// the native-currency settlement still proceeds
			log.Printf("settlement: secondary currency rate: %v", err)
		} else {
			rec.SecondaryCurrency = secondary
			rec.SecondaryTotal = total.Mul(fx).RoundBank(2).String()
		}
	}

	entries := []db.LedgerEntry{
		{CommissionID: rec.ID, Account: accountCompany, Amount: company.String(), Currency: s.cfg.Currency},
	}
	if affiliate.IsPositive() {
		entries = append(entries, db.LedgerEntry{
			CommissionID: rec.ID,
			Account:      "AFFILIATE:" + user.AffiliateID,
			Amount:       affiliate.String(),
			Currency:     s.cfg.Currency,
		})
	}

	if err := s.database.InsertCommission(ctx, rec, entries); err != nil {
		return nil, fmt.Errorf("persist commission: %w", err)
	}

	log.Printf("settlement: position %s pnl %s -> commission %s (affiliate %s, company %s)",
		pos.ID, rec.GrossProfit, rec.TotalCommission, rec.AffiliateShare, rec.CompanyShare)
	if s.bus != nil {
		s.bus.Publish(events.EventCommissionPaid, rec)
	}
	return &rec, nil
}

// Package budget caps the daily spend on paid fallback calls. The ledger
// row for the UTC day is shared by every worker; reservations are taken with
// one conditional upsert so two workers cannot both spend the last unit.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/cardscan/pkg/models"
)

// minEstimate keeps a zero estimate from slipping through a spent budget.
const minEstimate = 1e-6

// Ledger is the persisted per-day counter. store.PostgresStore implements it.
type Ledger interface {
	GetLedger(ctx context.Context, day time.Time) (*models.DailyCostLedger, error)
	ReserveCost(ctx context.Context, day time.Time, amount, budget float64) (bool, error)
	SettleCost(ctx context.Context, day time.Time, reserved, actual float64) error
}

// Reservation is budget held for one in-flight call. It is settled against
// the day it was taken on, even if the call finishes after midnight.
type Reservation struct {
	Day    time.Time
	Amount float64
}

type Guard struct {
	ledger Ledger
	budget float64
	now    func() time.Time
}

func NewGuard(ledger Ledger, dailyBudget float64) *Guard {
	return &Guard{ledger: ledger, budget: dailyBudget, now: time.Now}
}

// WithClock replaces the time source.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

// Day truncates t to its UTC calendar day.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Budget returns the configured daily cap.
func (g *Guard) Budget() float64 { return g.budget }

// CheckAndReserve holds estimatedCost against today's budget. It reports
// false, without error, once spend plus open reservations reaches the cap.
func (g *Guard) CheckAndReserve(ctx context.Context, estimatedCost float64) (Reservation, bool, error) {
	if estimatedCost < minEstimate {
		estimatedCost = minEstimate
	}
	r := Reservation{Day: Day(g.now()), Amount: estimatedCost}
	if g.budget <= 0 {
		return r, false, nil
	}

	ok, err := g.ledger.ReserveCost(ctx, r.Day, r.Amount, g.budget)
	if err != nil {
		return r, false, fmt.Errorf("reserve fallback budget: %w", err)
	}
	if !ok {
		slog.Info("budget.exhausted", "day", r.Day.Format(time.DateOnly), "budget", g.budget)
	}
	return r, ok, nil
}

// Record releases r and books actualCost. Failed calls that burned tokens
// are recorded too.
func (g *Guard) Record(ctx context.Context, r Reservation, actualCost float64) error {
	if actualCost < 0 {
		actualCost = 0
	}
	if err := g.ledger.SettleCost(ctx, r.Day, r.Amount, actualCost); err != nil {
		return fmt.Errorf("record fallback cost: %w", err)
	}
	slog.Debug("budget.record",
		"day", r.Day.Format(time.DateOnly),
		"reserved", r.Amount,
		"cost_usd", actualCost,
	)
	return nil
}

// Status is today's ledger with the cap.
type Status struct {
	models.DailyCostLedger
	Budget    float64 `json:"budget"`
	Remaining float64 `json:"remaining"`
}

func (g *Guard) Today(ctx context.Context) (*Status, error) {
	l, err := g.ledger.GetLedger(ctx, Day(g.now()))
	if err != nil {
		return nil, fmt.Errorf("read fallback budget: %w", err)
	}
	remaining := g.budget - l.TotalCost - l.ReservedCost
	if remaining < 0 {
		remaining = 0
	}
	return &Status{DailyCostLedger: *l, Budget: g.budget, Remaining: remaining}, nil
}

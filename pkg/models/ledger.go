package models

import "time"

// DailyCostLedger is the shared per-day spend of paid fallback calls.
// ReservedCost holds estimates for calls that are in flight.
type DailyCostLedger struct {
	Date         time.Time `db:"date"          json:"date"`
	TotalCost    float64   `db:"total_cost"    json:"total_cost"`
	ReservedCost float64   `db:"reserved_cost" json:"reserved_cost"`
	RequestCount int       `db:"request_count" json:"request_count"`
}

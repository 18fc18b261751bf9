package models

import (
	"encoding/json"
	"math"
)

// PriceEntry is the USD-per-million-tokens pricing for one (provider, model)
// pair, per spec §3 Cost Table.
type PriceEntry struct {
	Provider    string
	Model       string
	PriceInUSD  float64 // per 1e6 input tokens
	PriceOutUSD float64 // per 1e6 output tokens
}

// BudgetStatusName classifies a project's spend relative to its allocation.
type BudgetStatusName string

// Budget status thresholds, per spec §4.1: ok (<80%), warning (80-94.999%),
// critical (95-99.999%), exceeded (>=100%).
const (
	BudgetOK       BudgetStatusName = "ok"
	BudgetWarning  BudgetStatusName = "warning"
	BudgetCritical BudgetStatusName = "critical"
	BudgetExceeded BudgetStatusName = "exceeded"
)

// BudgetStatus is the report shape returned to the HTTP layer, per spec §6.
type BudgetStatus struct {
	HasBudget bool
	Allocated float64
	Actual    float64
	Remaining float64 // +Inf when !HasBudget (encoded as null in JSON)
	PctUsed   float64
	Status    BudgetStatusName
}

// MarshalJSON encodes the status with its field names as keys. JSON has no
// infinity, so an infinite Remaining is written as null.
func (b BudgetStatus) MarshalJSON() ([]byte, error) {
	type plain BudgetStatus
	if !math.IsInf(b.Remaining, 0) {
		return json.Marshal(plain(b))
	}
	return json.Marshal(struct {
		plain
		Remaining *float64
	}{plain: plain(b)})
}

// ProjectPeriod is the aggregation shape returned to the HTTP layer.
type ProjectPeriod struct {
	TotalCost     float64
	TotalJobs     int
	Completed     int
	Failed        int
	AveragePerJob float64
}

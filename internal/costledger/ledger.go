// Package costledger implements the pure pricing and budget-classification
// functions described in spec §4.1. Nothing here performs I/O; callers are
// responsible for loading price tables and job rows.
package costledger

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/agentforge/dispatchd/internal/models"
)

// ErrPricingUnknown is returned by Cost when the (provider, model) pair is
// not in the price table and no default pair is configured.
var ErrPricingUnknown = errors.New("costledger: pricing unknown for provider/model and no default configured")

// Table is a static price table, keyed by "provider/model", plus an optional
// deployment-wide default used when a pair is not found.
type Table struct {
	entries map[string]models.PriceEntry
	defaultEntry *models.PriceEntry
}

// NewTable builds a price Table from entries. A default pair, if any, should
// also be present in entries and referenced via SetDefault.
func NewTable(entries []models.PriceEntry) *Table {
	t := &Table{entries: make(map[string]models.PriceEntry, len(entries))}
	for _, e := range entries {
		t.entries[key(e.Provider, e.Model)] = e
	}
	return t
}

// SetDefault marks the deployment-configured fallback pricing pair, used
// when a (provider, model) pair is otherwise unknown.
func (t *Table) SetDefault(provider, model string) error {
	e, ok := t.entries[key(provider, model)]
	if !ok {
		return fmt.Errorf("costledger: cannot set default to unknown pair %s/%s", provider, model)
	}
	t.defaultEntry = &e
	return nil
}

func key(provider, model string) string { return provider + "/" + model }

func (t *Table) lookup(provider, model string) (models.PriceEntry, error) {
	if e, ok := t.entries[key(provider, model)]; ok {
		return e, nil
	}
	if t.defaultEntry != nil {
		return *t.defaultEntry, nil
	}
	return models.PriceEntry{}, ErrPricingUnknown
}

// Cost computes USD cost for tokensIn/tokensOut tokens against the
// (provider, model) pricing, per spec §4.1:
// (tokens_in/1e6)*price_in + (tokens_out/1e6)*price_out.
func (t *Table) Cost(provider, model string, tokensIn, tokensOut int64) (float64, error) {
	e, err := t.lookup(provider, model)
	if err != nil {
		return 0, err
	}
	return (float64(tokensIn)/1e6)*e.PriceInUSD + (float64(tokensOut)/1e6)*e.PriceOutUSD, nil
}

// Apply sets token usage and cost on job atomically with the given status,
// per spec §4.1 "apply(job, usage)". Cost is added (not replaced) to
// support multiple provider calls accumulating across a job's lifetime;
// callers pass per-call deltas.
func (t *Table) Apply(job *models.Job, tokensIn, tokensOut int64, status models.JobStatus) error {
	cost, err := t.Cost(job.Provider, job.Model, tokensIn, tokensOut)
	if err != nil {
		return err
	}
	job.AddUsage(tokensIn, tokensOut)
	job.ActualCost += cost
	job.Status = status
	return nil
}

// Round2 presents a monetary value at two decimal places. Internal
// comparisons must always use the unrounded value, per spec §4.1.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// ProjectPeriod aggregates jobs whose CompletedAt falls within [from, to)
// (either bound may be zero to mean "unbounded"), per spec §4.1. Failed
// jobs still count toward TotalCost (partial tokens were spent).
func ProjectPeriod(jobs []*models.Job, from, to time.Time) models.ProjectPeriod {
	var p models.ProjectPeriod
	for _, j := range jobs {
		if j.CompletedAt == nil {
			continue
		}
		if !from.IsZero() && j.CompletedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !j.CompletedAt.Before(to) {
			continue
		}
		p.TotalJobs++
		p.TotalCost += j.ActualCost
		switch j.Status {
		case models.JobStatusCompleted:
			p.Completed++
		case models.JobStatusFailed, models.JobStatusDeadLetter:
			p.Failed++
		}
	}
	if p.TotalJobs > 0 {
		p.AveragePerJob = p.TotalCost / float64(p.TotalJobs)
	}
	return p
}

// BudgetStatus classifies a project's spend relative to its allocation, per
// spec §4.1. When the project has no budget allocated, status is "ok" with
// unbounded remaining.
func BudgetStatus(project *models.Project, actual float64) models.BudgetStatus {
	if !project.HasBudget() {
		return models.BudgetStatus{
			HasBudget: false,
			Actual:    actual,
			Remaining: math.Inf(1),
			Status:    models.BudgetOK,
		}
	}
	allocated := *project.BudgetAllocated
	remaining := allocated - actual
	var pct float64
	if allocated > 0 {
		pct = actual / allocated * 100
	} else if actual > 0 {
		pct = math.Inf(1)
	}

	status := models.BudgetOK
	switch {
	case pct >= 100:
		status = models.BudgetExceeded
	case pct >= 95:
		status = models.BudgetCritical
	case pct >= 80:
		status = models.BudgetWarning
	}

	return models.BudgetStatus{
		HasBudget: true,
		Allocated: allocated,
		Actual:    actual,
		Remaining: remaining,
		PctUsed:   pct,
		Status:    status,
	}
}

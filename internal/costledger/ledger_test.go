package costledger

import (
	"math"
	"testing"
	"time"

	"github.com/agentforge/dispatchd/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTable(t *testing.T) *Table {
	t.Helper()
	return NewTable([]models.PriceEntry{
		{Provider: "anthropic", Model: "claude-x", PriceInUSD: 3.00, PriceOutUSD: 15.00},
		{Provider: "openai", Model: "gpt-y", PriceInUSD: 2.50, PriceOutUSD: 10.00},
	})
}

func TestCost(t *testing.T) {
	table := testTable(t)

	t.Run("computes cost from the price table", func(t *testing.T) {
		cost, err := table.Cost("anthropic", "claude-x", 1000, 500)
		require.NoError(t, err)
		assert.InDelta(t, 0.0105, cost, 1e-9)
	})

	t.Run("fails closed on unknown pair without a default", func(t *testing.T) {
		_, err := table.Cost("anthropic", "unknown-model", 100, 100)
		assert.ErrorIs(t, err, ErrPricingUnknown)
	})

	t.Run("falls back to the configured default pair", func(t *testing.T) {
		require.NoError(t, table.SetDefault("openai", "gpt-y"))
		cost, err := table.Cost("mystery-provider", "mystery-model", 1_000_000, 0)
		require.NoError(t, err)
		assert.InDelta(t, 2.50, cost, 1e-9)
	})
}

func TestApply(t *testing.T) {
	table := testTable(t)
	job := &models.Job{Provider: "anthropic", Model: "claude-x"}

	require.NoError(t, table.Apply(job, 1000, 500, models.JobStatusCompleted))
	assert.Equal(t, int64(1000), job.TokensIn)
	assert.Equal(t, int64(500), job.TokensOut)
	assert.Equal(t, int64(1500), job.TokensTotal)
	assert.InDelta(t, 0.0105, job.ActualCost, 1e-9)
	assert.Equal(t, models.JobStatusCompleted, job.Status)

	t.Run("cost accumulates across multiple calls", func(t *testing.T) {
		require.NoError(t, table.Apply(job, 1000, 500, models.JobStatusCompleted))
		assert.Equal(t, int64(2000), job.TokensIn)
		assert.InDelta(t, 0.021, job.ActualCost, 1e-9)
	})
}

func TestProjectPeriod(t *testing.T) {
	now := time.Now()
	completed := now.Add(-time.Hour)
	jobs := []*models.Job{
		{Status: models.JobStatusCompleted, ActualCost: 1.00, CompletedAt: &completed},
		{Status: models.JobStatusFailed, ActualCost: 0.25, CompletedAt: &completed},
		{Status: models.JobStatusPending}, // not completed, excluded
	}

	period := ProjectPeriod(jobs, time.Time{}, time.Time{})
	assert.Equal(t, 2, period.TotalJobs)
	assert.Equal(t, 1, period.Completed)
	assert.Equal(t, 1, period.Failed)
	assert.InDelta(t, 1.25, period.TotalCost, 1e-9)
	assert.InDelta(t, 0.625, period.AveragePerJob, 1e-9)

	t.Run("window excludes jobs outside range", func(t *testing.T) {
		future := now.Add(time.Hour)
		period := ProjectPeriod(jobs, future, future.Add(time.Hour))
		assert.Equal(t, 0, period.TotalJobs)
	})
}

func TestBudgetStatus(t *testing.T) {
	budget := 100.0

	tests := []struct {
		name   string
		actual float64
		want   models.BudgetStatusName
	}{
		{"well under", 10, models.BudgetOK},
		{"just under warning boundary", 79.999, models.BudgetOK},
		{"exactly 80 percent is warning", 80, models.BudgetWarning},
		{"just under critical boundary", 94.999, models.BudgetWarning},
		{"exactly 95 percent is critical", 95, models.BudgetCritical},
		{"just under exceeded boundary", 99.999, models.BudgetCritical},
		{"exactly 100 percent is exceeded", 100, models.BudgetExceeded},
		{"over budget", 150, models.BudgetExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			project := &models.Project{BudgetAllocated: &budget}
			status := BudgetStatus(project, tt.actual)
			assert.Equal(t, tt.want, status.Status)
		})
	}

	t.Run("no budget allocated means unbounded remaining and ok status", func(t *testing.T) {
		project := &models.Project{}
		status := BudgetStatus(project, 1_000_000)
		assert.False(t, status.HasBudget)
		assert.Equal(t, models.BudgetOK, status.Status)
		assert.True(t, math.IsInf(status.Remaining, 1))
	})
}

func TestRound2(t *testing.T) {
	assert.InDelta(t, 1.01, Round2(1.014), 1e-9)
	assert.InDelta(t, 0.02, Round2(0.0199999), 1e-9)
}

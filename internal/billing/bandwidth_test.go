package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nimbushost/panel/pkg/models"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestCyclePeriodSimpleAnchor(t *testing.T) {
	createdAt := date(2024, time.March, 15)

	start, end := CyclePeriod(createdAt, date(2024, time.June, 20))
	assert.Equal(t, date(2024, time.June, 15), start)
	assert.Equal(t, date(2024, time.July, 14), end)

	// Before this month's boundary the period started last month.
	start, end = CyclePeriod(createdAt, date(2024, time.June, 10))
	assert.Equal(t, date(2024, time.May, 15), start)
	assert.Equal(t, date(2024, time.June, 14), end)
}

func TestCyclePeriodClampsShortMonths(t *testing.T) {
	// Created on the 31st: February clamps to its last day, thirty-day
	// months clamp to the 30th.
	createdAt := date(2024, time.January, 31)

	start, end := CyclePeriod(createdAt, date(2024, time.March, 10))
	assert.Equal(t, date(2024, time.February, 29), start)
	assert.Equal(t, date(2024, time.March, 30), end)

	start, end = CyclePeriod(createdAt, date(2023, time.March, 10))
	assert.Equal(t, date(2023, time.February, 28), start)
	assert.Equal(t, date(2023, time.March, 30), end)

	start, end = CyclePeriod(createdAt, date(2024, time.May, 1))
	assert.Equal(t, date(2024, time.April, 30), start)
	assert.Equal(t, date(2024, time.May, 30), end)

	// Late March, before the boundary on the 31st: the fallback must land
	// in February even though February has no day matching the anchor.
	start, end = CyclePeriod(createdAt, date(2023, time.March, 30))
	assert.Equal(t, date(2023, time.February, 28), start)
	assert.Equal(t, date(2023, time.March, 30), end)
	assert.False(t, start.After(date(2023, time.March, 30)))

	start, end = CyclePeriod(createdAt, date(2024, time.March, 30))
	assert.Equal(t, date(2024, time.February, 29), start)
	assert.Equal(t, date(2024, time.March, 30), end)

	// Inside the creation month the next boundary is February's clamped
	// day, not a normalized date further out.
	start, end = CyclePeriod(createdAt, date(2024, time.January, 31))
	assert.Equal(t, date(2024, time.January, 31), start)
	assert.Equal(t, date(2024, time.February, 28), end)

	start, end = CyclePeriod(createdAt, date(2023, time.January, 31))
	assert.Equal(t, date(2023, time.January, 31), start)
	assert.Equal(t, date(2023, time.February, 27), end)
}

func TestIsCycleBoundary(t *testing.T) {
	createdAt := date(2024, time.January, 31)

	assert.True(t, IsCycleBoundary(createdAt, date(2024, time.February, 29)))
	assert.False(t, IsCycleBoundary(createdAt, date(2024, time.February, 28)))
	assert.True(t, IsCycleBoundary(createdAt, date(2023, time.February, 28)))
	assert.True(t, IsCycleBoundary(createdAt, date(2024, time.April, 30)))
	assert.True(t, IsCycleBoundary(createdAt, date(2024, time.March, 31)))
	assert.False(t, IsCycleBoundary(createdAt, date(2024, time.March, 30)))
}

func TestComputeUsageSumsOnlyCurrentPeriod(t *testing.T) {
	createdAt := date(2024, time.March, 15)
	now := date(2024, time.June, 20)

	gb := int64(1 << 30)
	samples := []models.ServerMetric{
		{Timestamp: date(2024, time.June, 14), NetworkInBytes: 100 * gb},                          // previous period
		{Timestamp: date(2024, time.June, 15), NetworkInBytes: 3 * gb, NetworkOutBytes: 2 * gb},   // boundary, counts
		{Timestamp: date(2024, time.June, 25), NetworkInBytes: 5 * gb},                            // counts
		{Timestamp: date(2024, time.July, 15), NetworkInBytes: 50 * gb},                           // next period
	}

	usage := ComputeUsage(createdAt, now, 1000, samples)
	assert.InDelta(t, 10.0, usage.CurrentGB, 1e-9)
	assert.Equal(t, date(2024, time.June, 15), usage.PeriodStart)
	assert.Equal(t, date(2024, time.July, 14), usage.PeriodEnd)
	assert.Equal(t, float64(0), usage.OverGB())
}

func TestUsageOverGB(t *testing.T) {
	u := Usage{CurrentGB: 1200, LimitGB: 1000}
	assert.Equal(t, float64(200), u.OverGB())

	u = Usage{CurrentGB: 999.5, LimitGB: 1000}
	assert.Equal(t, float64(0), u.OverGB())
}

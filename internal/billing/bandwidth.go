package billing

import (
	"time"

	"github.com/nimbushost/panel/pkg/models"
)

const bytesPerGB = float64(1 << 30)

// Usage describes a server's transfer consumption within its current
// billing cycle.
type Usage struct {
	CurrentGB   float64   `json:"current_gb"`
	LimitGB     float64   `json:"limit_gb"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

// daysInMonth returns the number of days in the given month.
func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// effectiveAnchorDay clamps a cycle anchor day to the length of the
// target month, so a server created on the 31st bills on the 30th in
// thirty-day months and on the 28th or 29th in February.
func effectiveAnchorDay(anchorDay, year int, month time.Month) int {
	if last := daysInMonth(year, month); anchorDay > last {
		return last
	}
	return anchorDay
}

// IsCycleBoundary reports whether now falls on the server's monthly
// cycle boundary day, the day the bandwidth sweep settles its period.
func IsCycleBoundary(createdAt, now time.Time) bool {
	now = now.UTC()
	return now.Day() == effectiveAnchorDay(createdAt.UTC().Day(), now.Year(), now.Month())
}

// CyclePeriod returns the billing period containing now for a server
// created at createdAt. The period runs from the most recent cycle
// boundary through the day before the next one, both at UTC midnight.
func CyclePeriod(createdAt, now time.Time) (start, end time.Time) {
	createdAt = createdAt.UTC()
	now = now.UTC()
	anchorDay := createdAt.Day()

	year, month := now.Year(), now.Month()
	start = time.Date(year, month, effectiveAnchorDay(anchorDay, year, month), 0, 0, 0, 0, time.UTC)
	if now.Before(start) {
		// Step back one calendar month by arithmetic on the month number,
		// not AddDate on now: "Feb 30" would normalize forward into March
		// and leave the fallback in the same month. time.Date handles
		// month zero as December of the previous year.
		prev := time.Date(year, month-1, 1, 0, 0, 0, 0, time.UTC)
		year, month = prev.Year(), prev.Month()
		start = time.Date(year, month, effectiveAnchorDay(anchorDay, year, month), 0, 0, 0, 0, time.UTC)
	}

	nextMonth := time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC)
	ny, nm := nextMonth.Year(), nextMonth.Month()
	next := time.Date(ny, nm, effectiveAnchorDay(anchorDay, ny, nm), 0, 0, 0, 0, time.UTC)
	end = next.AddDate(0, 0, -1)
	return start, end
}

// ComputeUsage sums inbound and outbound transfer for the metric
// samples inside the billing period containing now.
func ComputeUsage(createdAt, now time.Time, limitGB float64, samples []models.ServerMetric) Usage {
	start, end := CyclePeriod(createdAt, now)
	next := end.AddDate(0, 0, 1)

	var totalBytes int64
	for _, sample := range samples {
		ts := sample.Timestamp.UTC()
		if ts.Before(start) || !ts.Before(next) {
			continue
		}
		totalBytes += sample.NetworkInBytes + sample.NetworkOutBytes
	}

	return Usage{
		CurrentGB:   float64(totalBytes) / bytesPerGB,
		LimitGB:     limitGB,
		PeriodStart: start,
		PeriodEnd:   end,
	}
}

// OverGB returns how many GB the usage exceeds its limit, zero if it
// is within the allowance.
func (u Usage) OverGB() float64 {
	if u.CurrentGB <= u.LimitGB {
		return 0
	}
	return u.CurrentGB - u.LimitGB
}

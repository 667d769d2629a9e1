package billing

import "math"

// DefaultSizeClass is the tier billed for size classes missing from the
// table. Billing never blocks on a missing price entry; an unknown size
// is charged as the smallest tier and logged by the caller.
const DefaultSizeClass = "s-1vcpu-1gb"

// hoursPerMonth is the average month length used for monthly-to-hourly
// rate conversions.
const hoursPerMonth = 730.0

// volumeMonthlyCentsPerGB is the block storage rate: $0.10 per GB per month.
const volumeMonthlyCentsPerGB = 10.0

// SizeTier holds the prices and allowances of one server size class.
type SizeTier struct {
	Slug         string
	HourlyCents  int64
	MonthlyCents int64
	BandwidthGB  float64
}

// sizeTiers is the canonical price table. Hourly and monthly prices are
// maintained together here; any divergence between them is a bug to fix
// in this table, not to paper over elsewhere.
var sizeTiers = map[string]SizeTier{
	"s-1vcpu-1gb":  {Slug: "s-1vcpu-1gb", HourlyCents: 1, MonthlyCents: 600, BandwidthGB: 1000},
	"s-1vcpu-2gb":  {Slug: "s-1vcpu-2gb", HourlyCents: 2, MonthlyCents: 1200, BandwidthGB: 2000},
	"s-2vcpu-2gb":  {Slug: "s-2vcpu-2gb", HourlyCents: 3, MonthlyCents: 1800, BandwidthGB: 3000},
	"s-2vcpu-4gb":  {Slug: "s-2vcpu-4gb", HourlyCents: 4, MonthlyCents: 2400, BandwidthGB: 4000},
	"s-4vcpu-8gb":  {Slug: "s-4vcpu-8gb", HourlyCents: 7, MonthlyCents: 4800, BandwidthGB: 5000},
	"s-8vcpu-16gb": {Slug: "s-8vcpu-16gb", HourlyCents: 14, MonthlyCents: 9600, BandwidthGB: 6000},
}

// CostModel is the static price lookup used by the billing engine.
// It is pure and stateless apart from the configured overage percent.
type CostModel struct {
	overagePercent float64
}

// NewCostModel creates a cost model. overagePercent is the share of a
// size class's monthly price charged per GB over the bandwidth limit.
func NewCostModel(overagePercent float64) *CostModel {
	return &CostModel{overagePercent: overagePercent}
}

// Tier returns the price tier for a size class, falling back to the
// default tier for unknown sizes.
func (m *CostModel) Tier(sizeClass string) SizeTier {
	if tier, ok := sizeTiers[sizeClass]; ok {
		return tier
	}
	return sizeTiers[DefaultSizeClass]
}

// Known reports whether a size class has a price entry.
func (m *CostModel) Known(sizeClass string) bool {
	_, ok := sizeTiers[sizeClass]
	return ok
}

// HourlyPriceCents returns the per-hour compute price in cents.
func (m *CostModel) HourlyPriceCents(sizeClass string) int64 {
	return m.Tier(sizeClass).HourlyCents
}

// MonthlyPriceCents returns the monthly compute price in cents.
func (m *CostModel) MonthlyPriceCents(sizeClass string) int64 {
	return m.Tier(sizeClass).MonthlyCents
}

// IncludedBandwidthGB returns the monthly transfer allowance in GB.
func (m *CostModel) IncludedBandwidthGB(sizeClass string) float64 {
	return m.Tier(sizeClass).BandwidthGB
}

// OverageCentsPerGB returns the bandwidth overage rate in cents per GB:
// a fixed percentage of the size class's monthly price.
func (m *CostModel) OverageCentsPerGB(sizeClass string) float64 {
	return float64(m.Tier(sizeClass).MonthlyCents) * m.overagePercent / 100.0
}

// OverageChargeCents converts GB over the limit into a charge, rounded
// to the nearest cent. A result of zero means no charge is due.
func (m *CostModel) OverageChargeCents(sizeClass string, overGB float64) int64 {
	return int64(math.Round(overGB * m.OverageCentsPerGB(sizeClass)))
}

// VolumeHourlyCents returns the hourly storage charge for a total of
// totalGB attached block storage, rounded to the nearest cent. Small
// totals round to zero and are skipped by the engine.
func (m *CostModel) VolumeHourlyCents(totalGB int64) int64 {
	return int64(math.Round(float64(totalGB) * volumeMonthlyCentsPerGB / hoursPerMonth))
}

// Sizes returns all known size tiers, for the pricing endpoint.
func (m *CostModel) Sizes() []SizeTier {
	tiers := make([]SizeTier, 0, len(sizeTiers))
	for _, tier := range sizeTiers {
		tiers = append(tiers, tier)
	}
	return tiers
}

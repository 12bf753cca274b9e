package usage

import (
	"github.com/combs-dev/combs/pkg/broker/models"
)

const secondsPerHour = 3600.0

// Resource types billed on an invoice line item.
const (
	ResourceNodeHours     = "node_hours"
	ResourceCPUCoreHours  = "cpu_core_hours"
	ResourceMemoryGBHours = "memory_gb_hours"
)

// LineItems prices metered consumption against the pricing snapshot taken at
// submission. Returns the priced lines and their total. Amounts are kept at
// full precision, presentation rounds.
func LineItems(pricing models.Pricing, metrics models.UsageMetrics) (models.List[models.LineItem], models.JSONFloat) {
	items := models.List[models.LineItem]{
		priceLine(ResourceNodeHours, metrics.WallClockSeconds, pricing.BaseNodeHourPrice),
		priceLine(ResourceCPUCoreHours, metrics.CPUCoreSeconds, pricing.CPUCoreHourPrice),
		priceLine(ResourceMemoryGBHours, metrics.MemoryGBSeconds, pricing.MemoryGBHourPrice),
	}

	var total models.JSONFloat
	for _, item := range items {
		total += item.TotalCost
	}

	return items, total
}

func priceLine(resourceType string, seconds int64, unitPrice models.JSONFloat) models.LineItem {
	quantity := models.JSONFloat(float64(seconds) / secondsPerHour)

	return models.LineItem{
		ResourceType: resourceType,
		Quantity:     quantity,
		UnitPrice:    unitPrice,
		TotalCost:    quantity * unitPrice,
	}
}

package policy

import (
	"fmt"
	"time"

	"escrow-service/internal/models"
)

// Settlement is a proposed cancellation outcome. It is a pure
// computation result and mutates nothing; the caller persists it as a
// CancellationRecord and realizes it through the wallet.
type Settlement struct {
	DaysBeforeHarvest int
	Tier              models.PolicyTier
	RefundPercent     int
	RefundAmount      int64
	PenaltyAmount     int64
}

// tierRule maps a minimum days-before-harvest to a refund percentage.
// Rules are evaluated high-to-low; the first match wins.
type tierRule struct {
	minDays int
	tier    models.PolicyTier
	percent int
}

var tierRules = []tierRule{
	{minDays: 14, tier: models.PolicyTier1, percent: 100},
	{minDays: 7, tier: models.PolicyTier2, percent: 80},
	{minDays: 3, tier: models.PolicyTier3, percent: 50},
	{minDays: 0, tier: models.PolicyTier4, percent: 0},
}

// Compute derives the refund tier and amounts for a cancellation.
// Cancelling at or after the harvest date clamps to zero days, which
// lands in the lowest tier. The penalty absorbs any rounding remainder,
// so RefundAmount + PenaltyAmount == originalDeposit exactly.
func Compute(originalDeposit int64, harvestDate, cancellationDate time.Time) (Settlement, error) {
	if originalDeposit < 0 {
		return Settlement{}, fmt.Errorf("deposit %d: %w", originalDeposit, models.ErrInvalidAmount)
	}

	days := int(harvestDate.Sub(cancellationDate).Hours() / 24)
	if days < 0 {
		days = 0
	}

	rule := tierRules[len(tierRules)-1]
	for _, r := range tierRules {
		if days >= r.minDays {
			rule = r
			break
		}
	}

	refund := roundPercent(originalDeposit, rule.percent)

	return Settlement{
		DaysBeforeHarvest: days,
		Tier:              rule.tier,
		RefundPercent:     rule.percent,
		RefundAmount:      refund,
		PenaltyAmount:     originalDeposit - refund,
	}, nil
}

// roundPercent computes amount*percent/100 rounded half-up in integer
// arithmetic, keeping everything in the smallest currency unit.
func roundPercent(amount int64, percent int) int64 {
	return (amount*int64(percent) + 50) / 100
}

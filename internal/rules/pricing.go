package rules

import (
	"sort"

	"gemdesk/internal/models"
)

// BaseMargins maps stone type to the base margin percentage for a feed.
type BaseMargins map[string]float64

// DefaultBaseMargins are used when a feed has no override configured.
func DefaultBaseMargins() BaseMargins {
	return BaseMargins{
		models.StoneTypeNatural: 40,
		models.StoneTypeLab:     79,
		models.StoneTypeFancy:   40,
	}
}

// Pricing is the result of one pricing evaluation.
type Pricing struct {
	StoneType       string
	BaseMargin      float64
	MarginModifier  float64
	EffectiveMargin float64
	RetailPrice     float64
	MatchedRuleID   int64 // 0 when no rule matched
}

// EvaluatePricing classifies the stone, picks the first matching active rule
// in ascending priority and computes the retail price from
// supplier_price × (1 + (base + modifier)/100). No matching rule means a
// zero modifier, never an error.
func EvaluatePricing(d models.Diamond, ruleSet []models.PricingRule, margins BaseMargins) Pricing {
	stoneType := d.StoneType()
	base, ok := margins[stoneType]
	if !ok {
		base = DefaultBaseMargins()[stoneType]
	}

	p := Pricing{StoneType: stoneType, BaseMargin: base}

	sorted := make([]models.PricingRule, len(ruleSet))
	copy(sorted, ruleSet)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	for _, r := range sorted {
		if !r.Active {
			continue
		}
		if pricingRuleMatches(d, stoneType, r) {
			p.MarginModifier = r.MarginModifier
			p.MatchedRuleID = r.ID
			break
		}
	}

	p.EffectiveMargin = p.BaseMargin + p.MarginModifier
	p.RetailPrice = d.SupplierPrice * (1 + p.EffectiveMargin/100)
	return p
}

func pricingRuleMatches(d models.Diamond, stoneType string, r models.PricingRule) bool {
	if r.StoneType != nil && *r.StoneType != stoneType {
		return false
	}
	if !inRange(d.SupplierPrice, r.PriceMin, r.PriceMax) {
		return false
	}
	if r.Feed != nil && *r.Feed != d.Feed {
		return false
	}
	if r.Rating != nil {
		if d.Rating == nil || *d.Rating != *r.Rating {
			return false
		}
	}
	return true
}

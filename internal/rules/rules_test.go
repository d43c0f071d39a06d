package rules

import (
	"testing"

	"gemdesk/internal/models"
)

func strPtr(s string) *string    { return &s }
func intPtr(i int) *int          { return &i }
func f64Ptr(f float64) *float64  { return &f }
func boolPtr(b bool) *bool       { return &b }

func TestEvaluateRating_LowerPriorityWins(t *testing.T) {
	d := models.Diamond{Shape: "ROUND", Color: "D", Clarity: "VS1"}
	ruleSet := []models.RatingRule{
		{ID: 2, Priority: 50, Shapes: []string{"ROUND"}, Rating: 5, Active: true},
		{ID: 1, Priority: 10, Colors: []string{"D", "E"}, Rating: 9, Active: true},
	}
	got := EvaluateRating(d, ruleSet)
	if got == nil || *got != 9 {
		t.Fatalf("expected rating 9, got %v", got)
	}
}

func TestEvaluateRating_UnspecifiedFacetsNeverDisqualify(t *testing.T) {
	// The diamond has no cut or fluorescence set; a rule silent on those
	// facets must still match.
	d := models.Diamond{Shape: "OVAL", Color: "G", Carats: 1.5}
	ruleSet := []models.RatingRule{
		{Priority: 1, Shapes: []string{"OVAL"}, CaratMin: f64Ptr(1.0), Rating: 7, Active: true},
	}
	got := EvaluateRating(d, ruleSet)
	if got == nil || *got != 7 {
		t.Fatalf("expected rating 7, got %v", got)
	}
}

func TestEvaluateRating_SpecifiedFacetMustMatch(t *testing.T) {
	d := models.Diamond{Shape: "ROUND", Color: "K"}
	ruleSet := []models.RatingRule{
		{Priority: 1, Shapes: []string{"ROUND"}, Colors: []string{"D", "E", "F"}, Rating: 9, Active: true},
	}
	if got := EvaluateRating(d, ruleSet); got != nil {
		t.Fatalf("expected no match, got %v", *got)
	}
}

func TestEvaluateRating_InactiveAndNoMatch(t *testing.T) {
	d := models.Diamond{Shape: "ROUND"}
	ruleSet := []models.RatingRule{
		{Priority: 1, Shapes: []string{"ROUND"}, Rating: 9, Active: false},
	}
	if got := EvaluateRating(d, ruleSet); got != nil {
		t.Fatalf("inactive rule must not match, got %v", *got)
	}
	if got := EvaluateRating(d, nil); got != nil {
		t.Fatalf("empty rule set must yield nil, got %v", *got)
	}
}

func TestEvaluateRating_RangeBoundsInclusive(t *testing.T) {
	d := models.Diamond{Carats: 2.0, TablePct: 57}
	ruleSet := []models.RatingRule{
		{Priority: 1, CaratMin: f64Ptr(2.0), CaratMax: f64Ptr(2.0), TableMin: f64Ptr(57), Rating: 8, Active: true},
	}
	got := EvaluateRating(d, ruleSet)
	if got == nil || *got != 8 {
		t.Fatalf("inclusive bounds should match, got %v", got)
	}
}

func TestEvaluateRating_LabGrownGate(t *testing.T) {
	lab := models.Diamond{LabGrown: true}
	natural := models.Diamond{LabGrown: false}
	ruleSet := []models.RatingRule{
		{Priority: 1, LabGrown: boolPtr(true), Rating: 4, Active: true},
	}
	if got := EvaluateRating(lab, ruleSet); got == nil || *got != 4 {
		t.Errorf("lab-grown diamond should match, got %v", got)
	}
	if got := EvaluateRating(natural, ruleSet); got != nil {
		t.Errorf("natural diamond must not match, got %v", *got)
	}
}

func TestEvaluatePricing_BaseMarginPlusModifier(t *testing.T) {
	// Natural stone, $5000, rule adds +6 to the 40% base: retail $7300.
	d := models.Diamond{Feed: "demo", SupplierPrice: 5000}
	ruleSet := []models.PricingRule{
		{ID: 1, Priority: 100, StoneType: strPtr(models.StoneTypeNatural), PriceMax: f64Ptr(10000), MarginModifier: 6, Active: true},
	}
	p := EvaluatePricing(d, ruleSet, DefaultBaseMargins())
	if p.StoneType != models.StoneTypeNatural {
		t.Errorf("expected natural, got %s", p.StoneType)
	}
	if p.EffectiveMargin != 46 {
		t.Errorf("expected effective margin 46, got %v", p.EffectiveMargin)
	}
	if p.RetailPrice != 7300 {
		t.Errorf("expected retail 7300, got %v", p.RetailPrice)
	}
	if p.MatchedRuleID != 1 {
		t.Errorf("expected rule 1 matched, got %d", p.MatchedRuleID)
	}
}

func TestEvaluatePricing_NoMatchUsesBaseOnly(t *testing.T) {
	d := models.Diamond{SupplierPrice: 1000, LabGrown: true}
	p := EvaluatePricing(d, nil, DefaultBaseMargins())
	if p.StoneType != models.StoneTypeLab {
		t.Errorf("expected lab, got %s", p.StoneType)
	}
	if p.MarginModifier != 0 || p.MatchedRuleID != 0 {
		t.Errorf("expected no rule, got %+v", p)
	}
	if p.RetailPrice != 1790 {
		t.Errorf("expected retail 1790, got %v", p.RetailPrice)
	}
}

func TestEvaluatePricing_StoneTypeClassification(t *testing.T) {
	cases := []struct {
		name string
		d    models.Diamond
		want string
	}{
		{"fancy beats lab", models.Diamond{FancyColor: "YELLOW", LabGrown: true}, models.StoneTypeFancy},
		{"lab", models.Diamond{LabGrown: true}, models.StoneTypeLab},
		{"natural", models.Diamond{}, models.StoneTypeNatural},
	}
	for _, tc := range cases {
		p := EvaluatePricing(tc.d, nil, DefaultBaseMargins())
		if p.StoneType != tc.want {
			t.Errorf("%s: expected %s, got %s", tc.name, tc.want, p.StoneType)
		}
	}
}

func TestEvaluatePricing_RatingGate(t *testing.T) {
	ruleSet := []models.PricingRule{
		{ID: 7, Priority: 1, Rating: intPtr(9), MarginModifier: -5, Active: true},
	}
	rated := models.Diamond{SupplierPrice: 2000, Rating: intPtr(9)}
	unrated := models.Diamond{SupplierPrice: 2000}

	if p := EvaluatePricing(rated, ruleSet, DefaultBaseMargins()); p.MatchedRuleID != 7 {
		t.Errorf("rated diamond should match the rating-gated rule, got %+v", p)
	}
	if p := EvaluatePricing(unrated, ruleSet, DefaultBaseMargins()); p.MatchedRuleID != 0 {
		t.Errorf("unrated diamond must not match a rating-gated rule, got %+v", p)
	}
}

func TestEvaluatePricing_PriorityOrderIndependentOfSliceOrder(t *testing.T) {
	d := models.Diamond{SupplierPrice: 3000}
	hi := models.PricingRule{ID: 1, Priority: 100, MarginModifier: 1, Active: true}
	lo := models.PricingRule{ID: 2, Priority: 5, MarginModifier: 9, Active: true}

	for _, ruleSet := range [][]models.PricingRule{{hi, lo}, {lo, hi}} {
		p := EvaluatePricing(d, ruleSet, DefaultBaseMargins())
		if p.MatchedRuleID != 2 {
			t.Errorf("lower priority must win regardless of slice order, got rule %d", p.MatchedRuleID)
		}
	}
}

func TestEvaluatePricing_FeedOverrideMargins(t *testing.T) {
	d := models.Diamond{SupplierPrice: 100}
	p := EvaluatePricing(d, nil, BaseMargins{models.StoneTypeNatural: 10})
	if p.RetailPrice != 110 {
		t.Errorf("expected retail 110 with 10%% base, got %v", p.RetailPrice)
	}
	// Missing stone type in the override map falls back to the default.
	lab := models.Diamond{SupplierPrice: 100, LabGrown: true}
	p = EvaluatePricing(lab, nil, BaseMargins{models.StoneTypeNatural: 10})
	if p.BaseMargin != 79 {
		t.Errorf("expected default lab base 79, got %v", p.BaseMargin)
	}
}

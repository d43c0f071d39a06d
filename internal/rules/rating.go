// Package rules holds the pure pricing and rating evaluators shared by the
// consolidator and the reapply engine. Evaluators walk active rules in
// ascending priority and take the first full match; facets a rule leaves
// unspecified never disqualify it.
package rules

import (
	"sort"

	"gemdesk/internal/models"
)

// EvaluateRating returns the rating of the first matching active rule, or nil
// when no rule matches.
func EvaluateRating(d models.Diamond, ruleSet []models.RatingRule) *int {
	sorted := make([]models.RatingRule, len(ruleSet))
	copy(sorted, ruleSet)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	for _, r := range sorted {
		if !r.Active {
			continue
		}
		if ratingRuleMatches(d, r) {
			rating := r.Rating
			return &rating
		}
	}
	return nil
}

func ratingRuleMatches(d models.Diamond, r models.RatingRule) bool {
	if !inList(d.Shape, r.Shapes) ||
		!inList(d.Color, r.Colors) ||
		!inList(d.Clarity, r.Clarities) ||
		!inList(d.Cut, r.Cuts) ||
		!inList(d.Polish, r.Polishes) ||
		!inList(d.Symmetry, r.Symmetries) ||
		!inList(d.Fluorescence, r.Fluorescences) ||
		!inList(d.Lab, r.Labs) ||
		!inList(d.Girdle, r.Girdles) ||
		!inList(d.Culet, r.Culets) {
		return false
	}
	if r.LabGrown != nil && *r.LabGrown != d.LabGrown {
		return false
	}
	if !inRange(d.Carats, r.CaratMin, r.CaratMax) ||
		!inRange(d.TablePct, r.TableMin, r.TableMax) ||
		!inRange(d.DepthPct, r.DepthMin, r.DepthMax) ||
		!inRange(d.CrownAngle, r.CrownMin, r.CrownMax) ||
		!inRange(d.PavilionAngle, r.PavilionMin, r.PavilionMax) ||
		!inRange(d.Ratio, r.RatioMin, r.RatioMax) ||
		!inRange(d.SupplierPrice, r.PriceMin, r.PriceMax) {
		return false
	}
	if r.Feed != nil && *r.Feed != d.Feed {
		return false
	}
	return true
}

// inList reports whether v is in the list; an empty list is a wildcard.
func inList(v string, list []string) bool {
	if len(list) == 0 {
		return true
	}
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// inRange checks v against optional inclusive bounds.
func inRange(v float64, min, max *float64) bool {
	if min != nil && v < *min {
		return false
	}
	if max != nil && v > *max {
		return false
	}
	return true
}

package consolidator

import (
	"encoding/json"
	"fmt"
	"strings"

	"gemdesk/internal/models"
)

// stonePayload is the subset of the upstream document the transform decodes.
// Unknown fields stay in the raw payload; the canonical record only carries
// what the storefront queries.
type stonePayload struct {
	StoneID       string   `json:"stoneId"`
	OfferID       string   `json:"offerId"`
	Shape         string   `json:"shape"`
	Carats        float64  `json:"carats"`
	Color         string   `json:"color"`
	FancyColor    string   `json:"fancyColor"`
	Clarity       string   `json:"clarity"`
	Cut           string   `json:"cut"`
	Polish        string   `json:"polish"`
	Symmetry      string   `json:"symmetry"`
	Fluorescence  string   `json:"fluorescence"`
	Lab           string   `json:"lab"`
	CertificateNo string   `json:"certificateNumber"`
	LabGrown      bool     `json:"labGrown"`
	Length        float64  `json:"length"`
	Width         float64  `json:"width"`
	Depth         float64  `json:"depth"`
	TablePct      float64  `json:"tablePercent"`
	DepthPct      float64  `json:"depthPercent"`
	CrownAngle    float64  `json:"crownAngle"`
	PavilionAngle float64  `json:"pavilionAngle"`
	Girdle        string   `json:"girdle"`
	Culet         string   `json:"culet"`
	Price         float64  `json:"price"`
	Availability  string   `json:"availability"`
	MediaURLs     []string `json:"mediaUrls"`
}

// canonicalFluorescence maps the supplier's fluorescence spellings onto the
// canonical names.
var canonicalFluorescence = map[string]string{
	"N":           "NONE",
	"NON":         "NONE",
	"NONE":        "NONE",
	"F":           "FAINT",
	"FNT":         "FAINT",
	"FAINT":       "FAINT",
	"M":           "MEDIUM",
	"MED":         "MEDIUM",
	"MEDIUM":      "MEDIUM",
	"S":           "STRONG",
	"ST":          "STRONG",
	"STG":         "STRONG",
	"STRONG":      "STRONG",
	"VS":          "VERY STRONG",
	"VST":         "VERY STRONG",
	"VERY STRONG": "VERY STRONG",
}

// availabilityMap translates upstream availability labels to the canonical
// set; anything unrecognized becomes 'unavailable' rather than guessing.
var availabilityMap = map[string]string{
	"":          models.AvailabilityAvailable,
	"available": models.AvailabilityAvailable,
	"in_stock":  models.AvailabilityAvailable,
	"instock":   models.AvailabilityAvailable,
	"memo":      models.AvailabilityAvailable,
	"hold":      models.AvailabilityOnHold,
	"on_hold":   models.AvailabilityOnHold,
	"sold":      models.AvailabilitySold,
	"sold_out":  models.AvailabilitySold,
}

// Transform is the deterministic pure function from a staged raw item to a
// canonical diamond draft. Rating and pricing are applied by the caller; the
// draft carries everything the evaluators need.
func Transform(item models.RawItem) (models.Diamond, error) {
	var p stonePayload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		return models.Diamond{}, fmt.Errorf("decode payload: %w", err)
	}
	if p.Price <= 0 {
		return models.Diamond{}, fmt.Errorf("missing or non-positive price")
	}

	d := models.Diamond{
		Feed:            item.Feed,
		SupplierStoneID: item.SupplierStoneID,
		Shape:           strings.ToUpper(strings.TrimSpace(p.Shape)),
		Carats:          p.Carats,
		Color:           strings.ToUpper(strings.TrimSpace(p.Color)),
		FancyColor:      strings.ToUpper(strings.TrimSpace(p.FancyColor)),
		Clarity:         strings.ToUpper(strings.TrimSpace(p.Clarity)),
		Cut:             strings.ToUpper(strings.TrimSpace(p.Cut)),
		Polish:          strings.ToUpper(strings.TrimSpace(p.Polish)),
		Symmetry:        strings.ToUpper(strings.TrimSpace(p.Symmetry)),
		Lab:             strings.ToUpper(strings.TrimSpace(p.Lab)),
		CertificateNo:   strings.TrimSpace(p.CertificateNo),
		LabGrown:        p.LabGrown,
		LengthMM:        p.Length,
		WidthMM:         p.Width,
		DepthMM:         p.Depth,
		TablePct:        p.TablePct,
		DepthPct:        p.DepthPct,
		CrownAngle:      p.CrownAngle,
		PavilionAngle:   p.PavilionAngle,
		Girdle:          strings.ToUpper(strings.TrimSpace(p.Girdle)),
		Culet:           strings.ToUpper(strings.TrimSpace(p.Culet)),
		SupplierPrice:   p.Price,
		SourceUpdatedAt: item.SourceUpdatedAt,
	}

	fluor := strings.ToUpper(strings.TrimSpace(p.Fluorescence))
	if canonical, ok := canonicalFluorescence[fluor]; ok {
		d.Fluorescence = canonical
	} else {
		d.Fluorescence = fluor
	}

	avail, ok := availabilityMap[strings.ToLower(strings.TrimSpace(p.Availability))]
	if !ok {
		avail = models.AvailabilityUnavailable
	}
	d.Availability = avail
	d.Status = "active"

	if p.Carats > 0 {
		d.PricePerCarat = p.Price / p.Carats
	}
	if p.Width > 0 {
		d.Ratio = p.Length / p.Width
	}
	if len(p.MediaURLs) > 0 {
		if urls, err := json.Marshal(p.MediaURLs); err == nil {
			d.MediaURLs = urls
		}
	}
	return d, nil
}

package mes

import (
	"context"
	"fmt"
	"time"

	"github.com/crs-solar/panelmes/internal/models"
)

// Check severities
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// ReadinessCheck is one independent closure predicate result
type ReadinessCheck struct {
	Name     string  `json:"name"`
	Passed   bool    `json:"passed"`
	Reason   string  `json:"reason"`
	Severity string  `json:"severity"`
	Weight   float64 `json:"weight"`
}

// Assessment is the closure readiness verdict for an MO
type Assessment struct {
	MOID                uint             `json:"mo_id"`
	OrderNumber         string           `json:"order_number"`
	IsReady             bool             `json:"is_ready"`
	ReadinessScore      float64          `json:"readiness_score"`
	ReadinessPercentage float64          `json:"readiness_percentage"`
	Checks              []ReadinessCheck `json:"checks"`
	Blockers            []ReadinessCheck `json:"blockers"`
	Recommendations     []string         `json:"recommendations"`
	AssessedAt          time.Time        `json:"assessed_at"`
}

// QualityStats summarizes panel measurement data for the quality check
type QualityStats struct {
	CompletedPanels     int     `json:"completed_panels"`
	MissingMeasurements int     `json:"missing_measurements"`
	MeasuredPanels      int     `json:"measured_panels"`
	AvgWattage          float64 `json:"avg_wattage"`
}

// qualityStatsFrom derives measurement statistics from panel rows
func qualityStatsFrom(panels []models.Panel) QualityStats {
	var qs QualityStats
	var wattSum float64
	for i := range panels {
		p := &panels[i]
		if p.Status == models.PanelStatusPassed {
			qs.CompletedPanels++
			if !p.HasMeasurements() {
				qs.MissingMeasurements++
			}
		}
		if p.Wattage != nil {
			qs.MeasuredPanels++
			wattSum += *p.Wattage
		}
	}
	if qs.MeasuredPanels > 0 {
		qs.AvgWattage = wattSum / float64(qs.MeasuredPanels)
	}
	return qs
}

// AssessClosureReadiness runs the closure readiness pipeline against the
// MO's current state. It mutates nothing; calling it twice on unchanged
// state yields an identical verdict.
func (s *Service) AssessClosureReadiness(ctx context.Context, moID uint) (*Assessment, error) {
	mo, err := s.GetManufacturingOrder(ctx, moID)
	if err != nil {
		return nil, err
	}

	var panels []models.Panel
	if err := s.db.WithContext(ctx).Where("mo_id = ?", moID).Find(&panels).Error; err != nil {
		return nil, dbErr(err)
	}
	var pallets []models.Pallet
	if err := s.db.WithContext(ctx).Where("mo_id = ?", moID).Find(&pallets).Error; err != nil {
		return nil, dbErr(err)
	}

	snap := buildSnapshot(mo, panels, time.Now().UTC())
	return EvaluateReadiness(mo, snap, pallets, qualityStatsFrom(panels)), nil
}

// EvaluateReadiness is the pure readiness pipeline: a fixed ordered set of
// independent checks over a progress snapshot plus auxiliary state.
//
// The percentage divides the weighted score by the check COUNT, not the
// weight sum, so weights only scale the numerator. Labels in the field were
// printed against this arithmetic; keep it.
func EvaluateReadiness(mo *models.ManufacturingOrder, snap *ProgressSnapshot, pallets []models.Pallet, quality QualityStats) *Assessment {
	checks := []ReadinessCheck{
		checkPanelCompletion(mo),
		checkFailureRate(snap),
		checkPalletStatus(pallets),
		checkQualityStandards(quality),
		checkDocumentation(mo),
	}

	a := &Assessment{
		MOID:        mo.ID,
		OrderNumber: mo.OrderNumber,
		Checks:      checks,
		AssessedAt:  time.Now().UTC(),
	}

	for _, c := range checks {
		if c.Passed {
			a.ReadinessScore += c.Weight
		} else {
			a.Blockers = append(a.Blockers, c)
			a.Recommendations = append(a.Recommendations, recommendationFor(c))
		}
	}
	a.ReadinessPercentage = a.ReadinessScore / float64(len(checks)) * 100

	// Any single failed check blocks closure; the percentage is advisory.
	a.IsReady = a.ReadinessPercentage >= 80 && len(a.Blockers) == 0

	if len(a.Blockers) > 0 {
		a.Recommendations = append(a.Recommendations,
			fmt.Sprintf("resolve %d blocking check(s) before closing %s", len(a.Blockers), mo.OrderNumber))
	}

	return a
}

func checkPanelCompletion(mo *models.ManufacturingOrder) ReadinessCheck {
	c := ReadinessCheck{Name: "panel_completion", Severity: SeverityCritical, Weight: 1.5}
	resolved := mo.CompletedQuantity + mo.FailedQuantity
	ratio := 0.0
	if mo.TargetQuantity > 0 {
		ratio = float64(resolved) / float64(mo.TargetQuantity)
	}
	if ratio >= 0.95 && mo.InProgressQuantity == 0 {
		c.Passed = true
		c.Reason = fmt.Sprintf("%d of %d panels resolved", resolved, mo.TargetQuantity)
	} else {
		c.Reason = fmt.Sprintf("%d of %d panels resolved (need 95%%), %d still in progress",
			resolved, mo.TargetQuantity, mo.InProgressQuantity)
	}
	return c
}

func checkFailureRate(snap *ProgressSnapshot) ReadinessCheck {
	c := ReadinessCheck{Name: "failure_rate", Severity: SeverityCritical, Weight: 1.0}
	if snap.FailureRate <= 15 {
		c.Passed = true
		c.Reason = fmt.Sprintf("failure rate %.1f%% within 15%% limit", snap.FailureRate)
	} else {
		c.Reason = fmt.Sprintf("failure rate %.1f%% exceeds 15%% limit", snap.FailureRate)
	}
	return c
}

func checkPalletStatus(pallets []models.Pallet) ReadinessCheck {
	c := ReadinessCheck{Name: "pallet_status", Severity: SeverityWarning, Weight: 0.5}
	open := 0
	for i := range pallets {
		if !pallets[i].IsFinalized() {
			open++
		}
	}
	if open == 0 {
		c.Passed = true
		c.Reason = fmt.Sprintf("all %d pallets closed or shipped", len(pallets))
	} else {
		c.Reason = fmt.Sprintf("%d pallet(s) still open", open)
	}
	return c
}

func checkQualityStandards(q QualityStats) ReadinessCheck {
	c := ReadinessCheck{Name: "quality_standards", Severity: SeverityCritical, Weight: 1.0}
	if q.MissingMeasurements > 0 {
		c.Reason = fmt.Sprintf("%d completed panel(s) missing electrical measurements", q.MissingMeasurements)
		return c
	}
	if q.MeasuredPanels > 0 && (q.AvgWattage < 100 || q.AvgWattage > 1000) {
		c.Severity = SeverityWarning
		c.Reason = fmt.Sprintf("average wattage %.0fW outside plausible range 100-1000W", q.AvgWattage)
		return c
	}
	c.Passed = true
	c.Reason = "all completed panels measured, average wattage plausible"
	return c
}

func checkDocumentation(mo *models.ManufacturingOrder) ReadinessCheck {
	c := ReadinessCheck{Name: "documentation", Severity: SeverityWarning, Weight: 0.5}
	var missing []string
	if mo.CustomerName == "" {
		missing = append(missing, "customer_name")
	}
	if mo.CustomerPO == "" {
		missing = append(missing, "customer_po")
	}
	if mo.Notes == "" {
		missing = append(missing, "notes")
	}
	if len(missing) == 0 {
		c.Passed = true
		c.Reason = "documentation complete"
	} else {
		c.Reason = fmt.Sprintf("missing documentation fields: %v", missing)
	}
	return c
}

func recommendationFor(c ReadinessCheck) string {
	switch c.Name {
	case "panel_completion":
		return "finish or fail the remaining in-progress panels before closing"
	case "failure_rate":
		return "review failed panels; failure rate above limit requires QA sign-off"
	case "pallet_status":
		return "close or ship all open pallets"
	case "quality_standards":
		return "re-run flasher measurements for unmeasured panels"
	case "documentation":
		return "fill in customer name, PO and order notes"
	default:
		return "resolve check: " + c.Name
	}
}

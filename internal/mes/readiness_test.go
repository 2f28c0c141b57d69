package mes

import (
	"context"
	"testing"
	"time"

	"github.com/crs-solar/panelmes/internal/models"
)

// readyOrder builds an order that passes every closure check
func readyOrder() (*models.ManufacturingOrder, []models.Panel, []models.Pallet) {
	now := time.Now().UTC()
	mo := &models.ManufacturingOrder{
		ID:                1,
		OrderNumber:       "MO250001",
		PanelType:         36,
		TargetQuantity:    10,
		CompletedQuantity: 9,
		FailedQuantity:    1,
		Status:            models.MOStatusActive,
		CustomerName:      "Helios Energy",
		CustomerPO:        "PO-7781",
		Notes:             "rush order",
	}
	var panels []models.Panel
	for i := 0; i < 9; i++ {
		panels = append(panels, models.Panel{
			Status:  models.PanelStatusPassed,
			Wattage: f64(400), Voc: f64(49.5), Isc: f64(10.2),
		})
	}
	panels = append(panels, models.Panel{Status: models.PanelStatusFailed})
	pallets := []models.Pallet{
		{PalletNumber: "PLT-001", Status: models.PalletStatusClosed, ClosedAt: &now},
	}
	return mo, panels, pallets
}

func evaluate(mo *models.ManufacturingOrder, panels []models.Panel, pallets []models.Pallet) *Assessment {
	snap := buildSnapshot(mo, panels, time.Now().UTC())
	return EvaluateReadiness(mo, snap, pallets, qualityStatsFrom(panels))
}

func TestReadinessAllChecksPass(t *testing.T) {
	mo, panels, pallets := readyOrder()
	a := evaluate(mo, panels, pallets)

	if !a.IsReady {
		t.Fatalf("Expected ready, blockers: %+v", a.Blockers)
	}
	if a.ReadinessScore != 4.5 {
		t.Errorf("Score: got %.1f, want 4.5", a.ReadinessScore)
	}
	// Weighted score over check count: 4.5/5 = 90%
	if a.ReadinessPercentage != 90.0 {
		t.Errorf("Percentage: got %.1f, want 90.0", a.ReadinessPercentage)
	}
	if len(a.Checks) != 5 {
		t.Errorf("Checks: got %d, want 5", len(a.Checks))
	}
}

func TestReadinessOpenPalletBlocksAtThreshold(t *testing.T) {
	mo, panels, pallets := readyOrder()
	pallets[0].Status = models.PalletStatusOpen
	pallets[0].ClosedAt = nil

	a := evaluate(mo, panels, pallets)

	// 4.0/5 = 80% meets the threshold, but any failed check still blocks
	if a.ReadinessPercentage != 80.0 {
		t.Errorf("Percentage: got %.1f, want 80.0", a.ReadinessPercentage)
	}
	if a.IsReady {
		t.Error("Open pallet must block closure even at 80%")
	}
	if len(a.Blockers) != 1 || a.Blockers[0].Name != "pallet_status" {
		t.Errorf("Blockers: got %+v", a.Blockers)
	}
	if len(a.Recommendations) == 0 {
		t.Error("Expected a recommendation for the open pallet")
	}
}

func TestReadinessMissingMeasurementsBlock(t *testing.T) {
	mo, panels, pallets := readyOrder()
	panels[0].Wattage = nil
	panels[0].Voc = nil
	panels[0].Isc = nil

	a := evaluate(mo, panels, pallets)
	if a.IsReady {
		t.Fatal("Unmeasured completed panel must block closure")
	}
	found := false
	for _, b := range a.Blockers {
		if b.Name == "quality_standards" && b.Severity == SeverityCritical {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected critical quality_standards blocker, got %+v", a.Blockers)
	}
}

func TestReadinessHighFailureRateBlocks(t *testing.T) {
	mo, panels, pallets := readyOrder()
	mo.CompletedQuantity = 8
	mo.FailedQuantity = 2 // 20% of 10 counted units

	a := evaluate(mo, panels, pallets)
	if a.IsReady {
		t.Fatal("Failure rate above 15% must block closure")
	}
	found := false
	for _, b := range a.Blockers {
		if b.Name == "failure_rate" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected failure_rate blocker, got %+v", a.Blockers)
	}
}

func TestReadinessIncompleteProductionBlocks(t *testing.T) {
	mo, panels, pallets := readyOrder()
	mo.CompletedQuantity = 5
	mo.FailedQuantity = 0
	mo.InProgressQuantity = 3

	a := evaluate(mo, panels, pallets)
	if a.IsReady {
		t.Fatal("Half-finished order must not be closable")
	}
	found := false
	for _, b := range a.Blockers {
		if b.Name == "panel_completion" && b.Severity == SeverityCritical {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected panel_completion blocker, got %+v", a.Blockers)
	}
}

func TestReadinessMissingDocumentation(t *testing.T) {
	mo, panels, pallets := readyOrder()
	mo.CustomerPO = ""
	mo.Notes = ""

	a := evaluate(mo, panels, pallets)
	if a.IsReady {
		t.Fatal("Missing documentation must block closure")
	}
	// Warning-weight check: 4.0/5 = 80%
	if a.ReadinessPercentage != 80.0 {
		t.Errorf("Percentage: got %.1f, want 80.0", a.ReadinessPercentage)
	}
}

func TestReadinessIsDeterministic(t *testing.T) {
	mo, panels, pallets := readyOrder()
	a1 := evaluate(mo, panels, pallets)
	a2 := evaluate(mo, panels, pallets)

	if a1.ReadinessScore != a2.ReadinessScore || a1.IsReady != a2.IsReady || len(a1.Blockers) != len(a2.Blockers) {
		t.Errorf("Assessments diverged on identical state: %+v vs %+v", a1, a2)
	}
}

func TestAssessClosureReadinessAgainstStore(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	mo := makeMO(t, db, func(m *models.ManufacturingOrder) {
		m.TargetQuantity = 2
		m.CompletedQuantity = 2
		m.Status = models.MOStatusActive
		m.CustomerName = "Helios Energy"
		m.CustomerPO = "PO-1"
		m.Notes = "n"
	})
	for i := 0; i < 2; i++ {
		p := models.Panel{
			MOID: mo.ID, Barcode: mo.OrderNumber + string(rune('A'+i)), SequenceNumber: i + 1,
			Status:  models.PanelStatusPassed,
			Wattage: f64(405), Voc: f64(49.1), Isc: f64(10.4),
		}
		if err := db.Create(&p).Error; err != nil {
			t.Fatalf("Insert panel: %v", err)
		}
	}

	a, err := svc.AssessClosureReadiness(ctx, mo.ID)
	if err != nil {
		t.Fatalf("Assessment failed: %v", err)
	}
	if !a.IsReady {
		t.Errorf("Expected ready, blockers: %+v", a.Blockers)
	}

	_, err = svc.AssessClosureReadiness(ctx, 999)
	if CodeOf(err) != CodeMONotFound {
		t.Errorf("Expected MO_NOT_FOUND, got %v", err)
	}
}

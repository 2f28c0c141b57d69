package mes

import (
	"context"
	"sync"
	"testing"

	"github.com/crs-solar/panelmes/internal/barcode"
	"github.com/crs-solar/panelmes/internal/models"
)

func TestGenerateNextBarcode(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	mo := makeMO(t, db, func(m *models.ManufacturingOrder) {
		m.TargetQuantity = 3
	})

	for i := 1; i <= 3; i++ {
		result, err := svc.GenerateNextBarcode(ctx, mo.ID)
		if err != nil {
			t.Fatalf("Allocation %d failed: %v", i, err)
		}
		if result.SequenceNumber != i {
			t.Errorf("Allocation %d: got sequence %d", i, result.SequenceNumber)
		}
		if _, err := barcode.Parse(result.Barcode); err != nil {
			t.Errorf("Minted barcode %q does not parse: %v", result.Barcode, err)
		}
		t.Logf("Allocated: %s", result.Barcode)
	}

	// Fourth allocation must fail without touching state
	_, err := svc.GenerateNextBarcode(ctx, mo.ID)
	if CodeOf(err) != CodeMOTargetReached {
		t.Fatalf("Expected MO_TARGET_REACHED, got %v", err)
	}

	fresh := reloadMO(t, db, mo.ID)
	if fresh.NextSequenceNumber != 4 {
		t.Errorf("NextSequenceNumber: got %d, want 4", fresh.NextSequenceNumber)
	}
	if fresh.InProgressQuantity != 3 {
		t.Errorf("InProgressQuantity: got %d, want 3", fresh.InProgressQuantity)
	}

	var panelCount int64
	db.Model(&models.Panel{}).Where("mo_id = ?", mo.ID).Count(&panelCount)
	if panelCount != 3 {
		t.Errorf("Panel rows: got %d, want 3", panelCount)
	}
}

func TestFirstAllocationActivatesDraft(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	mo := makeMO(t, db, nil)

	if mo.Status != models.MOStatusDraft {
		t.Fatalf("Precondition: MO should start DRAFT, got %s", mo.Status)
	}

	if _, err := svc.GenerateNextBarcode(ctx, mo.ID); err != nil {
		t.Fatalf("Allocation failed: %v", err)
	}

	fresh := reloadMO(t, db, mo.ID)
	if fresh.Status != models.MOStatusActive {
		t.Errorf("Status after first allocation: got %s, want ACTIVE", fresh.Status)
	}
	if fresh.StartedAt == nil {
		t.Error("StartedAt not set on activation")
	}
}

func TestAllocateRejectsMissingOrTerminalMO(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	_, err := svc.GenerateNextBarcode(ctx, 9999)
	if CodeOf(err) != CodeMONotFound {
		t.Errorf("Unknown MO: expected MO_NOT_FOUND, got %v", err)
	}

	cancelled := makeMO(t, db, func(m *models.ManufacturingOrder) {
		m.Status = models.MOStatusCancelled
	})
	_, err = svc.GenerateNextBarcode(ctx, cancelled.ID)
	if CodeOf(err) != CodeMONotFound {
		t.Errorf("Cancelled MO: expected MO_NOT_FOUND, got %v", err)
	}

	completed := makeMO(t, db, func(m *models.ManufacturingOrder) {
		m.Status = models.MOStatusCompleted
	})
	_, err = svc.GenerateNextBarcode(ctx, completed.ID)
	if CodeOf(err) != CodeMONotFound {
		t.Errorf("Completed MO: expected MO_NOT_FOUND, got %v", err)
	}
}

func TestConcurrentAllocationNoGapsNoDuplicates(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	const target = 20
	mo := makeMO(t, db, func(m *models.ManufacturingOrder) {
		m.TargetQuantity = target
		m.Status = models.MOStatusActive
	})

	var mu sync.Mutex
	var wg sync.WaitGroup
	seen := map[int]int{}

	for i := 0; i < target; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := svc.GenerateNextBarcode(ctx, mo.ID)
			if err != nil {
				t.Errorf("Concurrent allocation failed: %v", err)
				return
			}
			mu.Lock()
			seen[result.SequenceNumber]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != target {
		t.Fatalf("Distinct sequences: got %d, want %d", len(seen), target)
	}
	for s := 1; s <= target; s++ {
		if seen[s] != 1 {
			t.Errorf("Sequence %d allocated %d times", s, seen[s])
		}
	}

	fresh := reloadMO(t, db, mo.ID)
	if fresh.NextSequenceNumber != target+1 {
		t.Errorf("NextSequenceNumber: got %d, want %d", fresh.NextSequenceNumber, target+1)
	}
}

func TestValidateBarcodeAgainstMO(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	mo := makeMO(t, db, func(m *models.ManufacturingOrder) {
		m.TargetQuantity = 100
	})

	// In-window barcode matching the spec
	code := barcode.BarcodeFor(mo, 5)
	result, err := svc.ValidateBarcodeAgainstMO(ctx, code, &mo.ID)
	if err != nil {
		t.Fatalf("Validation errored: %v", err)
	}
	if !result.IsValid {
		t.Errorf("Expected valid, got issues: %+v", result.Issues)
	}

	// Grammar failure is an error, not an issue list
	_, err = svc.ValidateBarcodeAgainstMO(ctx, "NOT-A-BARCODE", &mo.ID)
	if CodeOf(err) != CodeInvalidBarcode {
		t.Errorf("Expected INVALID_BARCODE, got %v", err)
	}

	// Spec mismatches accumulate
	wrong := barcode.Build(barcode.Spec{
		YearCode:       "24",
		FrameType:      models.FrameBlack,
		BacksheetType:  models.BacksheetBlack,
		PanelType:      72,
		SequenceNumber: 5,
	})
	result, err = svc.ValidateBarcodeAgainstMO(ctx, wrong, &mo.ID)
	if err != nil {
		t.Fatalf("Validation errored: %v", err)
	}
	if result.IsValid {
		t.Fatal("Expected mismatch verdict")
	}
	mismatches := 0
	for _, issue := range result.Issues {
		if issue.Code == CodeBarcodeMOMismatch {
			mismatches++
		}
	}
	if mismatches != 4 {
		t.Errorf("Expected 4 spec mismatch issues, got %d: %+v", mismatches, result.Issues)
	}
}

func TestValidateSequenceWindow(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	mo := makeMO(t, db, func(m *models.ManufacturingOrder) {
		m.TargetQuantity = 100
		m.NextSequenceNumber = 11
		m.CompletedQuantity = 8
		m.FailedQuantity = 2
		m.Status = models.MOStatusActive
	})

	// Window is [11, 11+90]: counter 11, remaining 100-8-2=90
	cases := []struct {
		seq  int
		code string
	}{
		{10, CodeSequenceAlreadyUsed},
		{1, CodeSequenceAlreadyUsed},
		{11, ""},
		{101, ""},
		{102, CodeSequenceExceedsTarget},
	}
	for _, tc := range cases {
		result, err := svc.ValidateBarcodeAgainstMO(ctx, barcode.BarcodeFor(mo, tc.seq), &mo.ID)
		if err != nil {
			t.Fatalf("seq %d: validation errored: %v", tc.seq, err)
		}
		got := ""
		for _, issue := range result.Issues {
			if issue.Code == CodeSequenceAlreadyUsed || issue.Code == CodeSequenceExceedsTarget {
				got = issue.Code
			}
		}
		if got != tc.code {
			t.Errorf("seq %d: got issue %q, want %q", tc.seq, got, tc.code)
		}
	}
}

func TestValidateBarcodeUniqueness(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	mo := makeMO(t, db, func(m *models.ManufacturingOrder) {
		m.TargetQuantity = 10
		m.Status = models.MOStatusActive
	})

	alloc, err := svc.GenerateNextBarcode(ctx, mo.ID)
	if err != nil {
		t.Fatalf("Allocation failed: %v", err)
	}

	result, err := svc.ValidateBarcodeAgainstMO(ctx, alloc.Barcode, &mo.ID)
	if err != nil {
		t.Fatalf("Validation errored: %v", err)
	}
	found := false
	for _, issue := range result.Issues {
		if issue.Code == CodeBarcodeDuplicate {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected BARCODE_DUPLICATE issue, got %+v", result.Issues)
	}
}

func TestValidateFindsCandidateMO(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	// Decoy with different spec, then the matching order
	makeMO(t, db, func(m *models.ManufacturingOrder) {
		m.PanelType = 72
		m.FrameType = models.FrameBlack
	})
	mo := makeMO(t, db, func(m *models.ManufacturingOrder) {
		m.TargetQuantity = 50
	})

	result, err := svc.ValidateBarcodeAgainstMO(ctx, barcode.BarcodeFor(mo, 3), nil)
	if err != nil {
		t.Fatalf("Validation errored: %v", err)
	}
	if result.MO == nil || result.MO.ID != mo.ID {
		t.Fatalf("Candidate resolution picked wrong MO: %+v", result.MO)
	}
	if !result.IsValid {
		t.Errorf("Expected valid, got issues: %+v", result.Issues)
	}

	// No order matches a stray year code
	stray := barcode.Build(barcode.Spec{
		YearCode:       "19",
		FrameType:      models.FrameSilver,
		BacksheetType:  models.BacksheetTransparent,
		PanelType:      36,
		SequenceNumber: 1,
	})
	_, err = svc.ValidateBarcodeAgainstMO(ctx, stray, nil)
	if CodeOf(err) != CodeBarcodeMOMismatch {
		t.Errorf("Expected BARCODE_MO_MISMATCH, got %v", err)
	}
}

package mes

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/crs-solar/panelmes/internal/models"
)

func TestApplyStatusChangeLifecycle(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	mo := makeMO(t, db, func(m *models.ManufacturingOrder) {
		m.TargetQuantity = 10
		m.Status = models.MOStatusActive
	})

	counters, err := svc.ApplyStatusChange(ctx, mo.ID, StatusChange{Type: ChangePanelStarted, Count: 3})
	if err != nil {
		t.Fatalf("PANEL_STARTED failed: %v", err)
	}
	if counters.InProgressQuantity != 3 {
		t.Errorf("InProgress after start: got %d, want 3", counters.InProgressQuantity)
	}

	counters, err = svc.ApplyStatusChange(ctx, mo.ID, StatusChange{Type: ChangePanelCompleted, Count: 2})
	if err != nil {
		t.Fatalf("PANEL_COMPLETED failed: %v", err)
	}
	if counters.CompletedQuantity != 2 || counters.InProgressQuantity != 1 {
		t.Errorf("After complete: got completed=%d inProgress=%d, want 2/1",
			counters.CompletedQuantity, counters.InProgressQuantity)
	}

	counters, err = svc.ApplyStatusChange(ctx, mo.ID, StatusChange{Type: ChangePanelFailed})
	if err != nil {
		t.Fatalf("PANEL_FAILED failed: %v", err)
	}
	if counters.FailedQuantity != 1 || counters.InProgressQuantity != 0 {
		t.Errorf("After fail: got failed=%d inProgress=%d, want 1/0",
			counters.FailedQuantity, counters.InProgressQuantity)
	}
}

func TestConcurrentWritersLoseNoIncrements(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	mo := makeMO(t, db, func(m *models.ManufacturingOrder) {
		m.TargetQuantity = 40
		m.Status = models.MOStatusActive
	})

	// The allocator and the status-change path both bump
	// in_progress_quantity. Both write absolute values, so both must read
	// the MO row under the same exclusive lock; an unlocked reader would
	// overwrite a committed increment with a stale base.
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := svc.GenerateNextBarcode(ctx, mo.ID); err != nil {
				t.Errorf("Allocation failed: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := svc.ApplyStatusChange(ctx, mo.ID, StatusChange{Type: ChangePanelStarted}); err != nil {
				t.Errorf("Status change failed: %v", err)
			}
		}()
	}
	wg.Wait()

	fresh := reloadMO(t, db, mo.ID)
	if fresh.InProgressQuantity != 20 {
		t.Errorf("InProgressQuantity: got %d, want 20", fresh.InProgressQuantity)
	}
	if fresh.NextSequenceNumber != 11 {
		t.Errorf("NextSequenceNumber: got %d, want 11", fresh.NextSequenceNumber)
	}
}

func TestStatusChangeFloorsAtZero(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	mo := makeMO(t, db, func(m *models.ManufacturingOrder) {
		m.Status = models.MOStatusActive
	})

	// Completing with nothing in progress must not drive the counter negative
	counters, err := svc.ApplyStatusChange(ctx, mo.ID, StatusChange{Type: ChangePanelCompleted})
	if err != nil {
		t.Fatalf("PANEL_COMPLETED failed: %v", err)
	}
	if counters.InProgressQuantity != 0 {
		t.Errorf("InProgress floored: got %d, want 0", counters.InProgressQuantity)
	}
	if counters.CompletedQuantity != 1 {
		t.Errorf("Completed: got %d, want 1", counters.CompletedQuantity)
	}
}

func TestStatusChangeRejectsUnknownType(t *testing.T) {
	svc, db := newTestService(t)
	mo := makeMO(t, db, nil)

	_, err := svc.ApplyStatusChange(context.Background(), mo.ID, StatusChange{Type: "PANEL_EXPLODED"})
	if CodeOf(err) != CodeInvalidStatusChange {
		t.Errorf("Expected INVALID_STATUS_CHANGE, got %v", err)
	}
}

func TestStatusChangeEnforcesCounterInvariant(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	mo := makeMO(t, db, func(m *models.ManufacturingOrder) {
		m.TargetQuantity = 2
		m.CompletedQuantity = 1
		m.InProgressQuantity = 1
		m.Status = models.MOStatusActive
	})

	_, err := svc.ApplyStatusChange(ctx, mo.ID, StatusChange{Type: ChangePanelStarted})
	if CodeOf(err) != CodeCounterInvariantViolated {
		t.Fatalf("Expected COUNTER_INVARIANT_VIOLATED, got %v", err)
	}

	// Rejection leaves the counters untouched
	fresh := reloadMO(t, db, mo.ID)
	if fresh.CompletedQuantity != 1 || fresh.InProgressQuantity != 1 || fresh.FailedQuantity != 0 {
		t.Errorf("Counters mutated on rejected change: %+v", fresh)
	}
}

func TestReworkLeavesCountersAlone(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	mo := makeMO(t, db, func(m *models.ManufacturingOrder) {
		m.InProgressQuantity = 2
		m.Status = models.MOStatusActive
	})

	counters, err := svc.ApplyStatusChange(ctx, mo.ID, StatusChange{Type: ChangePanelRework})
	if err != nil {
		t.Fatalf("PANEL_REWORK failed: %v", err)
	}
	if counters.InProgressQuantity != 2 || counters.CompletedQuantity != 0 || counters.FailedQuantity != 0 {
		t.Errorf("Rework changed counters: %+v", counters)
	}
}

func TestStatusChangeWritesAuditRow(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	mo := makeMO(t, db, func(m *models.ManufacturingOrder) {
		m.Status = models.MOStatusActive
	})

	if _, err := svc.ApplyStatusChange(ctx, mo.ID, StatusChange{Type: ChangePanelStarted}); err != nil {
		t.Fatalf("Change failed: %v", err)
	}

	var rows []models.AuditLog
	if err := db.Where("entity_type = ? AND entity_id = ?", "manufacturing_order", mo.ID).Find(&rows).Error; err != nil {
		t.Fatalf("Audit query failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("Audit rows: got %d, want 1", len(rows))
	}
	if rows[0].Action != "progress_PANEL_STARTED" {
		t.Errorf("Audit action: got %s", rows[0].Action)
	}
}

func TestCalculateMOProgress(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	started := time.Now().UTC().Add(-2 * time.Hour)
	mo := makeMO(t, db, func(m *models.ManufacturingOrder) {
		m.TargetQuantity = 100
		m.CompletedQuantity = 40
		m.FailedQuantity = 10
		m.InProgressQuantity = 5
		m.Status = models.MOStatusActive
		m.StartedAt = &started
	})

	snap, err := svc.CalculateMOProgress(ctx, mo.ID)
	if err != nil {
		t.Fatalf("Progress calculation failed: %v", err)
	}

	if snap.ProgressPercentage != 40.0 {
		t.Errorf("ProgressPercentage: got %.1f, want 40.0", snap.ProgressPercentage)
	}
	if snap.PanelsRemaining != 50 {
		t.Errorf("PanelsRemaining: got %d, want 50", snap.PanelsRemaining)
	}
	// 10 failed out of 55 counted units
	wantRate := 10.0 / 55.0 * 100
	if snap.FailureRate < wantRate-0.01 || snap.FailureRate > wantRate+0.01 {
		t.Errorf("FailureRate: got %.2f, want %.2f", snap.FailureRate, wantRate)
	}
	if len(snap.Alerts) == 0 {
		t.Error("Expected failure-rate alert above 10%")
	}
	if snap.EstimatedCompletion == nil {
		t.Error("Expected an ETA with completions recorded")
	} else {
		t.Logf("ETA: %s", snap.EstimatedCompletion.Format(time.RFC3339))
	}
}

func TestCalculateMOProgressUnknownMO(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.CalculateMOProgress(context.Background(), 4242)
	if CodeOf(err) != CodeMONotFound {
		t.Errorf("Expected MO_NOT_FOUND, got %v", err)
	}
}

func TestBuildSnapshotStationQueues(t *testing.T) {
	now := time.Now().UTC()
	t1 := now.Add(-30 * time.Minute)
	t2 := now.Add(-20 * time.Minute)

	mo := &models.ManufacturingOrder{
		ID:             1,
		OrderNumber:    "MO250001",
		TargetQuantity: 10,
		Status:         models.MOStatusActive,
	}
	panels := []models.Panel{
		{Status: models.PanelStatusInProgress},                                          // waiting at stringing
		{Status: models.PanelStatusInProgress, StringingDoneAt: &t1},                    // waiting at lamination
		{Status: models.PanelStatusRework, StringingDoneAt: &t1, LaminationDoneAt: &t2}, // waiting at framing
		{Status: models.PanelStatusPassed, StringingDoneAt: &t1, LaminationDoneAt: &t2}, // done, not queued
	}

	snap := buildSnapshot(mo, panels, now)

	if snap.StationQueueDepths["stringing"] != 1 {
		t.Errorf("stringing depth: got %d, want 1", snap.StationQueueDepths["stringing"])
	}
	if snap.StationQueueDepths["lamination"] != 1 {
		t.Errorf("lamination depth: got %d, want 1", snap.StationQueueDepths["lamination"])
	}
	if snap.StationQueueDepths["framing"] != 1 {
		t.Errorf("framing depth: got %d, want 1", snap.StationQueueDepths["framing"])
	}

	// Two panels have stringing->lamination timing of 10 minutes
	avg := snap.AvgStationSeconds["stringing_to_lamination"]
	if avg < 599 || avg > 601 {
		t.Errorf("stringing_to_lamination avg: got %.0fs, want ~600s", avg)
	}
}

func TestBuildSnapshotBottleneckDetection(t *testing.T) {
	mo := &models.ManufacturingOrder{
		ID:             1,
		OrderNumber:    "MO250001",
		TargetQuantity: 50,
		Status:         models.MOStatusActive,
	}
	var panels []models.Panel
	for i := 0; i < 11; i++ {
		panels = append(panels, models.Panel{Status: models.PanelStatusInProgress})
	}

	snap := buildSnapshot(mo, panels, time.Now().UTC())
	if len(snap.Bottlenecks) != 1 {
		t.Fatalf("Bottlenecks: got %v, want one stringing entry", snap.Bottlenecks)
	}
	t.Logf("Bottleneck: %s", snap.Bottlenecks[0])
}

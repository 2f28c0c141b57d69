package mes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/crs-solar/panelmes/internal/database"
	"github.com/crs-solar/panelmes/internal/models"
)

// Outbox event types emitted by the closure executor and allocator
const (
	EventMOClosed            = "MO_CLOSED"
	EventMOClosureRolledBack = "MO_CLOSURE_ROLLED_BACK"
)

// ClosureOptions control the closure executor
type ClosureOptions struct {
	Force           bool `json:"force"`
	SkipValidation  bool `json:"skip_validation"`
	FinalizePallets bool `json:"finalize_pallets"`
	GenerateReport  bool `json:"generate_report"`
}

// PalletFinalization records per-pallet outcomes of closure. A single pallet
// failure never aborts the whole closure; failures are collected, not thrown.
type PalletFinalization struct {
	Closed []string        `json:"closed"`
	Failed []PalletFailure `json:"failed"`
}

// PalletFailure is one pallet that could not be finalized
type PalletFailure struct {
	PalletNumber string `json:"pallet_number"`
	Error        string `json:"error"`
}

// CompletionReport summarizes the finished order, built purely from data
// already fetched inside the closing transaction.
type CompletionReport struct {
	OrderNumber    string       `json:"order_number"`
	PanelType      int          `json:"panel_type"`
	TargetQuantity int          `json:"target_quantity"`
	Completed      int          `json:"completed"`
	Failed         int          `json:"failed"`
	FailureRate    float64      `json:"failure_rate"`
	Quality        QualityStats `json:"quality"`
	PalletCount    int          `json:"pallet_count"`
	StartedAt      *time.Time   `json:"started_at,omitempty"`
	ClosedAt       time.Time    `json:"closed_at"`
	DurationHours  float64      `json:"duration_hours"`
}

// ClosureResult is returned by ExecuteClosure
type ClosureResult struct {
	MOID          uint                `json:"mo_id"`
	OrderNumber   string              `json:"order_number"`
	Status        models.MOStatus     `json:"status"`
	Assessment    *Assessment         `json:"assessment,omitempty"`
	Pallets       *PalletFinalization `json:"pallets,omitempty"`
	Report        *CompletionReport   `json:"report,omitempty"`
	AuditRecordID uint                `json:"audit_record_id"`
	ClosedAt      time.Time           `json:"closed_at"`
}

// ExecuteClosure transitions an MO to COMPLETED, finalizes its pallets,
// builds the completion report and writes the closure audit record, all in
// one transaction. Post-commit notification happens through the outbox; a
// lost event never affects logical state. Closure success is defined solely
// by the commit.
func (s *Service) ExecuteClosure(ctx context.Context, moID uint, closedBy string, opts ClosureOptions) (*ClosureResult, error) {
	var assessment *Assessment
	if !opts.SkipValidation {
		a, err := s.AssessClosureReadiness(ctx, moID)
		if err != nil {
			return nil, err
		}
		assessment = a
		if !a.IsReady && !opts.Force {
			blocked := E(CodeClosureBlocked, "order not ready for closure: %d blocking check(s)", len(a.Blockers))
			for _, b := range a.Blockers {
				blocked.Details = append(blocked.Details, b.Reason)
			}
			return nil, blocked
		}
	}

	var result ClosureResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var mo models.ManufacturingOrder
		err := database.RowLock(tx, "").First(&mo, moID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return E(CodeMONotFound, "manufacturing order %d not found", moID)
		}
		if err != nil {
			return dbErr(err)
		}

		now := time.Now().UTC()

		// Idempotency guard: re-closing a completed order must fail rather
		// than silently re-running side effects.
		res := tx.Model(&models.ManufacturingOrder{}).
			Where("id = ? AND status <> ?", moID, models.MOStatusCompleted).
			Updates(map[string]interface{}{
				"status":                 models.MOStatusCompleted,
				"completed_at":           &now,
				"actual_completion_date": &now,
			})
		if res.Error != nil {
			return dbErr(res.Error)
		}
		if res.RowsAffected == 0 {
			return E(CodeMONotFound, "manufacturing order %d not found or already completed", moID)
		}
		mo.Status = models.MOStatusCompleted
		mo.CompletedAt = &now

		var panels []models.Panel
		if err := tx.Where("mo_id = ?", moID).Find(&panels).Error; err != nil {
			return dbErr(err)
		}
		var pallets []models.Pallet
		if err := tx.Where("mo_id = ?", moID).Find(&pallets).Error; err != nil {
			return dbErr(err)
		}

		var palletResult *PalletFinalization
		if opts.FinalizePallets {
			palletResult = finalizePallets(tx, pallets, now)
		}

		snap := buildSnapshot(&mo, panels, now)
		quality := qualityStatsFrom(panels)

		var report *CompletionReport
		if opts.GenerateReport {
			report = buildCompletionReport(&mo, snap, quality, len(pallets), now)
		}

		audit := models.ClosureAuditRecord{
			MOID:        mo.ID,
			ClosedBy:    closedBy,
			ClosureType: models.ClosureTypeAutomatic,
		}
		if audit.Assessment, err = snapshotJSON(assessment); err != nil {
			return err
		}
		if audit.FinalStats, err = snapshotJSON(snap); err != nil {
			return err
		}
		if audit.PalletResult, err = snapshotJSON(palletResult); err != nil {
			return err
		}
		if audit.Report, err = snapshotJSON(report); err != nil {
			return err
		}
		if err := tx.Create(&audit).Error; err != nil {
			return dbErr(err)
		}

		if err := enqueueEvent(tx, EventMOClosed, mo.ID, map[string]interface{}{
			"order_number": mo.OrderNumber,
			"closed_by":    closedBy,
			"closed_at":    now,
			"completed":    mo.CompletedQuantity,
			"failed":       mo.FailedQuantity,
		}); err != nil {
			return err
		}

		result = ClosureResult{
			MOID:          mo.ID,
			OrderNumber:   mo.OrderNumber,
			Status:        models.MOStatusCompleted,
			Assessment:    assessment,
			Pallets:       palletResult,
			Report:        report,
			AuditRecordID: audit.ID,
			ClosedAt:      now,
		}
		return nil
	})
	if err != nil {
		return nil, asDomainErr(err)
	}

	s.invalidateProgress(ctx, moID)
	return &result, nil
}

// finalizePallets transitions every OPEN/FULL pallet to CLOSED, recording
// per-pallet success or failure.
func finalizePallets(tx *gorm.DB, pallets []models.Pallet, now time.Time) *PalletFinalization {
	out := &PalletFinalization{Closed: []string{}, Failed: []PalletFailure{}}
	for i := range pallets {
		p := &pallets[i]
		if p.IsFinalized() {
			continue
		}
		err := tx.Model(&models.Pallet{}).
			Where("id = ?", p.ID).
			Updates(map[string]interface{}{
				"status":    models.PalletStatusClosed,
				"closed_at": &now,
			}).Error
		if err != nil {
			out.Failed = append(out.Failed, PalletFailure{PalletNumber: p.PalletNumber, Error: err.Error()})
			continue
		}
		out.Closed = append(out.Closed, p.PalletNumber)
	}
	return out
}

func buildCompletionReport(mo *models.ManufacturingOrder, snap *ProgressSnapshot, quality QualityStats, palletCount int, now time.Time) *CompletionReport {
	report := &CompletionReport{
		OrderNumber:    mo.OrderNumber,
		PanelType:      mo.PanelType,
		TargetQuantity: mo.TargetQuantity,
		Completed:      mo.CompletedQuantity,
		Failed:         mo.FailedQuantity,
		FailureRate:    snap.FailureRate,
		Quality:        quality,
		PalletCount:    palletCount,
		StartedAt:      mo.StartedAt,
		ClosedAt:       now,
	}
	if mo.StartedAt != nil {
		report.DurationHours = now.Sub(*mo.StartedAt).Hours()
	}
	return report
}

// RollbackResult is returned by RollbackClosure
type RollbackResult struct {
	MOID          uint            `json:"mo_id"`
	OrderNumber   string          `json:"order_number"`
	Status        models.MOStatus `json:"status"`
	AuditRecordID uint            `json:"audit_record_id"`
	RolledBackAt  time.Time       `json:"rolled_back_at"`
}

// RollbackClosure reverses a completed order back to ACTIVE. This is the one
// designed exception to COMPLETED being terminal; counters are left exactly
// as they were at closure.
func (s *Service) RollbackClosure(ctx context.Context, moID uint, rolledBackBy, reason string) (*RollbackResult, error) {
	var result RollbackResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var mo models.ManufacturingOrder
		err := database.RowLock(tx, "").First(&mo, moID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return E(CodeMONotFound, "manufacturing order %d not found", moID)
		}
		if err != nil {
			return dbErr(err)
		}
		if mo.Status != models.MOStatusCompleted {
			return E(CodeInvalidStatusChange, "order %s is %s; only COMPLETED orders can be rolled back",
				mo.OrderNumber, mo.Status)
		}

		now := time.Now().UTC()
		if err := tx.Model(&models.ManufacturingOrder{}).
			Where("id = ?", moID).
			Updates(map[string]interface{}{
				"status":                 models.MOStatusActive,
				"completed_at":           nil,
				"actual_completion_date": nil,
			}).Error; err != nil {
			return dbErr(err)
		}

		audit := models.ClosureAuditRecord{
			MOID:        mo.ID,
			ClosedBy:    rolledBackBy,
			ClosureType: models.ClosureTypeRollback,
			Reason:      reason,
		}
		if audit.FinalStats, err = snapshotJSON(map[string]interface{}{
			"completed_quantity":   mo.CompletedQuantity,
			"failed_quantity":      mo.FailedQuantity,
			"in_progress_quantity": mo.InProgressQuantity,
		}); err != nil {
			return err
		}
		if err := tx.Create(&audit).Error; err != nil {
			return dbErr(err)
		}

		if err := enqueueEvent(tx, EventMOClosureRolledBack, mo.ID, map[string]interface{}{
			"order_number":   mo.OrderNumber,
			"rolled_back_by": rolledBackBy,
			"reason":         reason,
		}); err != nil {
			return err
		}

		result = RollbackResult{
			MOID:          mo.ID,
			OrderNumber:   mo.OrderNumber,
			Status:        models.MOStatusActive,
			AuditRecordID: audit.ID,
			RolledBackAt:  now,
		}
		return nil
	})
	if err != nil {
		return nil, asDomainErr(err)
	}

	s.invalidateProgress(ctx, moID)
	return &result, nil
}

// GetClosureAuditHistory returns the append-only closure trail of an MO,
// newest first.
func (s *Service) GetClosureAuditHistory(ctx context.Context, moID uint) ([]models.ClosureAuditRecord, error) {
	var records []models.ClosureAuditRecord
	err := s.db.WithContext(ctx).
		Where("mo_id = ?", moID).
		Order("created_at DESC").
		Find(&records).Error
	if err != nil {
		return nil, dbErr(err)
	}
	return records, nil
}

// enqueueEvent writes an outbox row inside the caller's transaction. The
// dispatcher picks it up after commit.
func enqueueEvent(tx *gorm.DB, eventType string, moID uint, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return dbErr(fmt.Errorf("marshal outbox payload: %w", err))
	}
	msg := models.OutboxMessage{
		EventType:     eventType,
		MOID:          moID,
		Payload:       raw,
		PublishStatus: models.OutboxStatusPending,
	}
	if err := tx.Create(&msg).Error; err != nil {
		return dbErr(err)
	}
	return nil
}

// snapshotJSON marshals a compliance snapshot for the closure audit record.
// A marshal failure aborts the enclosing transaction; an audit row must
// never commit with its snapshot missing.
func snapshotJSON(v interface{}) (datatypes.JSON, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, dbErr(fmt.Errorf("marshal closure snapshot: %w", err))
	}
	return datatypes.JSON(raw), nil
}

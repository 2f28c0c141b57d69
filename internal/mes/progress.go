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

// Status change event types accepted by the progress aggregator
const (
	ChangePanelStarted   = "PANEL_STARTED"
	ChangePanelCompleted = "PANEL_COMPLETED"
	ChangePanelFailed    = "PANEL_FAILED"
	ChangePanelRework    = "PANEL_REWORK"
)

// StatusChange is one panel status-change event applied to an MO's counters
type StatusChange struct {
	Type  string `json:"type" validate:"required"`
	Count int    `json:"count"` // defaults to 1
}

// Counters is the MO counter state after applying a change
type Counters struct {
	CompletedQuantity  int       `json:"completed_quantity"`
	FailedQuantity     int       `json:"failed_quantity"`
	InProgressQuantity int       `json:"in_progress_quantity"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// ApplyStatusChange applies a panel status-change event to an MO's progress
// counters. The counter update and its before/after audit row commit
// together or not at all. New counters are written as absolute values, so
// the MO row is read under the same exclusive lock the allocator takes;
// concurrent writers serialize on it and no increment can be lost.
func (s *Service) ApplyStatusChange(ctx context.Context, moID uint, change StatusChange) (*Counters, error) {
	count := change.Count
	if count <= 0 {
		count = 1
	}

	switch change.Type {
	case ChangePanelStarted, ChangePanelCompleted, ChangePanelFailed, ChangePanelRework:
	default:
		return nil, E(CodeInvalidStatusChange, "unknown status change type %q", change.Type)
	}

	var out Counters
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var mo models.ManufacturingOrder
		err := database.RowLock(tx, "").First(&mo, moID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return E(CodeMONotFound, "manufacturing order %d not found", moID)
		}
		if err != nil {
			return dbErr(err)
		}

		old := Counters{
			CompletedQuantity:  mo.CompletedQuantity,
			FailedQuantity:     mo.FailedQuantity,
			InProgressQuantity: mo.InProgressQuantity,
		}

		completed, failed, inProgress := mo.CompletedQuantity, mo.FailedQuantity, mo.InProgressQuantity
		switch change.Type {
		case ChangePanelStarted:
			inProgress += count
		case ChangePanelCompleted:
			completed += count
			inProgress = floorZero(inProgress - count)
		case ChangePanelFailed:
			failed += count
			inProgress = floorZero(inProgress - count)
		case ChangePanelRework:
			// Rework is tracked on the panel, not the MO counters.
		}

		if completed+failed+inProgress > mo.TargetQuantity {
			return E(CodeCounterInvariantViolated,
				"change would push counters to %d past target %d on order %s",
				completed+failed+inProgress, mo.TargetQuantity, mo.OrderNumber)
		}

		now := time.Now().UTC()
		if err := tx.Model(&models.ManufacturingOrder{}).
			Where("id = ?", mo.ID).
			Updates(map[string]interface{}{
				"completed_quantity":   completed,
				"failed_quantity":      failed,
				"in_progress_quantity": inProgress,
				"updated_at":           now,
			}).Error; err != nil {
			return dbErr(err)
		}

		out = Counters{
			CompletedQuantity:  completed,
			FailedQuantity:     failed,
			InProgressQuantity: inProgress,
			UpdatedAt:          now,
		}

		oldJSON, _ := json.Marshal(old)
		newJSON, _ := json.Marshal(map[string]interface{}{
			"completed_quantity":   completed,
			"failed_quantity":      failed,
			"in_progress_quantity": inProgress,
			"change":               change.Type,
			"count":                count,
		})
		audit := models.AuditLog{
			EntityType: "manufacturing_order",
			EntityID:   mo.ID,
			Action:     "progress_" + change.Type,
			OldValues:  datatypes.JSON(oldJSON),
			NewValues:  datatypes.JSON(newJSON),
		}
		if err := tx.Create(&audit).Error; err != nil {
			return dbErr(err)
		}
		return nil
	})
	if err != nil {
		return nil, asDomainErr(err)
	}

	s.invalidateProgress(ctx, moID)
	return &out, nil
}

func floorZero(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

// Production line stations, in order
var stations = []string{"stringing", "lamination", "framing", "flashing"}

// ProgressSnapshot is the read-mostly aggregation of an MO's state
type ProgressSnapshot struct {
	MOID                uint               `json:"mo_id"`
	OrderNumber         string             `json:"order_number"`
	Status              string             `json:"status"`
	TargetQuantity      int                `json:"target_quantity"`
	CompletedQuantity   int                `json:"completed_quantity"`
	FailedQuantity      int                `json:"failed_quantity"`
	InProgressQuantity  int                `json:"in_progress_quantity"`
	ReworkCount         int                `json:"rework_count"`
	ProgressPercentage  float64            `json:"progress_percentage"`
	PanelsRemaining     int                `json:"panels_remaining"`
	FailureRate         float64            `json:"failure_rate"`
	EstimatedCompletion *time.Time         `json:"estimated_completion_time,omitempty"`
	StationQueueDepths  map[string]int     `json:"station_queue_depths"`
	AvgStationSeconds   map[string]float64 `json:"avg_station_seconds"`
	Alerts              []string           `json:"alerts"`
	Bottlenecks         []string           `json:"bottlenecks"`
	GeneratedAt         time.Time          `json:"generated_at"`
}

// CalculateMOProgress builds a progress snapshot joining the MO with
// panel-level statistics. Snapshots are cached with a short TTL since they
// are read far more often than they change; every counter-mutating
// operation invalidates the cache entry.
func (s *Service) CalculateMOProgress(ctx context.Context, moID uint) (*ProgressSnapshot, error) {
	if snap := s.cachedProgress(ctx, moID); snap != nil {
		return snap, nil
	}

	mo, err := s.GetManufacturingOrder(ctx, moID)
	if err != nil {
		return nil, err
	}

	var panels []models.Panel
	if err := s.db.WithContext(ctx).Where("mo_id = ?", moID).Find(&panels).Error; err != nil {
		return nil, dbErr(err)
	}

	snap := buildSnapshot(mo, panels, time.Now().UTC())
	s.storeProgress(ctx, snap)
	return snap, nil
}

// buildSnapshot derives the snapshot from already-fetched rows. Pure; also
// reused by the closure executor for its final in-transaction snapshot.
func buildSnapshot(mo *models.ManufacturingOrder, panels []models.Panel, now time.Time) *ProgressSnapshot {
	snap := &ProgressSnapshot{
		MOID:               mo.ID,
		OrderNumber:        mo.OrderNumber,
		Status:             string(mo.Status),
		TargetQuantity:     mo.TargetQuantity,
		CompletedQuantity:  mo.CompletedQuantity,
		FailedQuantity:     mo.FailedQuantity,
		InProgressQuantity: mo.InProgressQuantity,
		StationQueueDepths: map[string]int{},
		AvgStationSeconds:  map[string]float64{},
		Alerts:             []string{},
		Bottlenecks:        []string{},
		GeneratedAt:        now,
	}

	if mo.TargetQuantity > 0 {
		snap.ProgressPercentage = float64(mo.CompletedQuantity) / float64(mo.TargetQuantity) * 100
	}
	snap.PanelsRemaining = mo.TargetQuantity - mo.CompletedQuantity - mo.FailedQuantity

	totalCounted := mo.TotalProduced()
	if totalCounted > 0 {
		snap.FailureRate = float64(mo.FailedQuantity) / float64(totalCounted) * 100
	}

	var durSum = map[string]float64{}
	var durCount = map[string]int{}
	for i := range panels {
		p := &panels[i]
		snap.ReworkCount += p.ReworkCount

		if p.Status == models.PanelStatusInProgress || p.Status == models.PanelStatusRework {
			snap.StationQueueDepths[queueStation(p)]++
		}

		addDuration(durSum, durCount, "stringing_to_lamination", p.StringingDoneAt, p.LaminationDoneAt)
		addDuration(durSum, durCount, "lamination_to_framing", p.LaminationDoneAt, p.FramingDoneAt)
		addDuration(durSum, durCount, "framing_to_flashing", p.FramingDoneAt, p.FlashingDoneAt)
	}
	for k, sum := range durSum {
		snap.AvgStationSeconds[k] = sum / float64(durCount[k])
	}

	if snap.FailureRate > 10 {
		snap.Alerts = append(snap.Alerts, fmt.Sprintf("failure rate %.1f%% above 10%% threshold", snap.FailureRate))
	}
	for _, st := range stations {
		if depth := snap.StationQueueDepths[st]; depth > 10 {
			snap.Bottlenecks = append(snap.Bottlenecks, fmt.Sprintf("%s queue depth %d", st, depth))
		}
	}

	if mo.StartedAt != nil && mo.CompletedQuantity > 0 && snap.PanelsRemaining > 0 {
		elapsed := now.Sub(*mo.StartedAt)
		perPanel := elapsed / time.Duration(mo.CompletedQuantity)
		eta := now.Add(perPanel * time.Duration(snap.PanelsRemaining))
		snap.EstimatedCompletion = &eta
	}

	return snap
}

// queueStation returns the station an in-flight panel is waiting at
func queueStation(p *models.Panel) string {
	switch {
	case p.StringingDoneAt == nil:
		return "stringing"
	case p.LaminationDoneAt == nil:
		return "lamination"
	case p.FramingDoneAt == nil:
		return "framing"
	default:
		return "flashing"
	}
}

func addDuration(sum map[string]float64, count map[string]int, key string, from, to *time.Time) {
	if from == nil || to == nil || to.Before(*from) {
		return
	}
	sum[key] += to.Sub(*from).Seconds()
	count[key]++
}

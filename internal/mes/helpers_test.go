package mes

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/crs-solar/panelmes/internal/database"
	"github.com/crs-solar/panelmes/internal/models"
)

// newTestService spins up an isolated in-memory database per test. A single
// connection serializes writers the way sqlite expects.
func newTestService(t *testing.T) (*Service, *database.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("Failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	err = gdb.AutoMigrate(
		&models.User{},
		&models.ManufacturingOrder{},
		&models.Panel{},
		&models.Pallet{},
		&models.ClosureAuditRecord{},
		&models.AuditLog{},
		&models.OutboxMessage{},
	)
	if err != nil {
		t.Fatalf("Failed to migrate test schema: %v", err)
	}

	db := &database.DB{DB: gdb}
	return NewService(db, nil), db
}

var moSeq int64

// makeMO inserts an order with sensible defaults, overridable via mutate
func makeMO(t *testing.T, db *database.DB, mutate func(*models.ManufacturingOrder)) *models.ManufacturingOrder {
	t.Helper()

	mo := &models.ManufacturingOrder{
		OrderNumber:        fmt.Sprintf("MO25%04d", atomic.AddInt64(&moSeq, 1)),
		PanelType:          36,
		FrameType:          models.FrameSilver,
		BacksheetType:      models.BacksheetTransparent,
		YearCode:           "25",
		TargetQuantity:     10,
		NextSequenceNumber: 1,
		Status:             models.MOStatusDraft,
		Priority:           "normal",
	}
	if mutate != nil {
		mutate(mo)
	}
	if err := db.Create(mo).Error; err != nil {
		t.Fatalf("Failed to insert test MO: %v", err)
	}
	return mo
}

func reloadMO(t *testing.T, db *database.DB, id uint) *models.ManufacturingOrder {
	t.Helper()
	var mo models.ManufacturingOrder
	if err := db.First(&mo, id).Error; err != nil {
		t.Fatalf("Failed to reload MO %d: %v", id, err)
	}
	return &mo
}

func f64(v float64) *float64 { return &v }

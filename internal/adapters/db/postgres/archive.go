package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/drivefast/mmsgw/internal/domain"
)

// StatusEventRecord is the append-only archive row for one ledger entry.
// The operational ledger in the shared store expires with the message TTL;
// this table is what survives for billing disputes.
type StatusEventRecord struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	TransactionID string `gorm:"index;size:64;not null"`
	Recipient     string `gorm:"size:64;not null"`
	State         string `gorm:"size:16;not null"`
	Code          string `gorm:"size:8"`
	Description   string
	GatewayID     string `gorm:"size:64"`
	Timestamp     time.Time
}

func (StatusEventRecord) TableName() string { return "status_events" }

// Archive persists status events durably in PostgreSQL.
type Archive struct {
	db *gorm.DB
}

// New opens the database and migrates the status_events table.
func New(dsn string) (*Archive, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.AutoMigrate(&StatusEventRecord{}); err != nil {
		return nil, fmt.Errorf("migrate status_events: %w", err)
	}
	return &Archive{db: db}, nil
}

// Append inserts one archive row per status event.
func (a *Archive) Append(ctx context.Context, ev domain.StatusEvent) error {
	rec := StatusEventRecord{
		TransactionID: ev.TransactionID,
		Recipient:     ev.Recipient,
		State:         string(ev.State),
		Code:          ev.Code,
		Description:   ev.Description,
		GatewayID:     ev.GatewayID,
		Timestamp:     time.Unix(ev.Timestamp, 0).UTC(),
	}
	if err := a.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("insert status event: %w", err)
	}
	return nil
}

// History returns the archived events of a transaction, oldest first.
func (a *Archive) History(ctx context.Context, txid string) ([]StatusEventRecord, error) {
	var recs []StatusEventRecord
	err := a.db.WithContext(ctx).
		Where("transaction_id = ?", txid).
		Order("id asc").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("query status events: %w", err)
	}
	return recs, nil
}

// Package tracelog keeps every labelled provider trace so operators can map a
// client-visible trace header back to the call that produced it.
package tracelog

import (
	"context"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/fabriqs/go-checkout/payment"
)

//go:embed migrations/*.sql
var migrations embed.FS

const recordTimeout = 5 * time.Second

type Record struct {
	ID        string    `gorm:"primaryKey;size:20" json:"id"`
	IntentID  string    `gorm:"size:128;index" json:"intentId"`
	Label     string    `gorm:"size:32" json:"label"`
	TraceID   string    `gorm:"size:256;index" json:"traceId"`
	CreatedAt time.Time `json:"createdAt"`
}

func (Record) TableName() string {
	return "trace_records"
}

type Store struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

// Open connects to dsn and applies pending migrations. postgres:// and
// postgresql:// DSNs select Postgres; anything else is a SQLite path or URI.
func Open(dsn string, log logrus.FieldLogger) (*Store, error) {
	log = log.WithField("component", "tracelog")
	dialector, dialect := dialectorFor(dsn)

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, fmt.Errorf("open trace store: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open trace store: %w", err)
	}
	if dialect == "sqlite3" {
		sqlDB.SetMaxOpenConns(1)
	}

	goose.SetBaseFS(migrations)
	goose.SetLogger(log)
	if err := goose.SetDialect(dialect); err != nil {
		return nil, fmt.Errorf("migrate trace store: %w", err)
	}
	if err := goose.Up(sqlDB, "migrations"); err != nil {
		return nil, fmt.Errorf("migrate trace store: %w", err)
	}

	return &Store{db: db, log: log}, nil
}

func dialectorFor(dsn string) (gorm.Dialector, string) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return postgres.Open(dsn), "postgres"
	}
	return sqlite.Open(dsn), "sqlite3"
}

// RecordTrace stores one trace. Failures are logged and swallowed: the ledger
// must never fail a checkout call.
func (s *Store) RecordTrace(_ context.Context, intentID string, trace payment.Trace) {
	record := Record{
		ID:        xid.New().String(),
		IntentID:  intentID,
		Label:     trace.Label,
		TraceID:   trace.ID,
		CreatedAt: time.Now().UTC(),
	}
	// The caller context may already be cancelled when a failed call is recorded.
	writeCtx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := s.db.WithContext(writeCtx).Create(&record).Error; err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"intent_id": intentID,
			"trace":     trace.HeaderValue(),
		}).Error("failed to record trace")
	}
}

// ForIntent returns the traces recorded for intentID, oldest first.
func (s *Store) ForIntent(ctx context.Context, intentID string) ([]Record, error) {
	var records []Record
	err := s.db.WithContext(ctx).
		Where("intent_id = ?", intentID).
		Order("created_at asc, id asc").
		Find(&records).Error
	return records, err
}

// ByTraceID finds the call that produced a provider trace id.
func (s *Store) ByTraceID(ctx context.Context, traceID string) ([]Record, error) {
	var records []Record
	err := s.db.WithContext(ctx).Where("trace_id = ?", traceID).Find(&records).Error
	return records, err
}

// Recent returns the newest records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	var records []Record
	err := s.db.WithContext(ctx).Order("created_at desc, id desc").Limit(limit).Find(&records).Error
	return records, err
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

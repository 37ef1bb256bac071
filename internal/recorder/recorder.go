// Package recorder persists session activity: a database journal of
// closed sessions and an optional compressed capture of raw traffic.
package recorder

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/anvil-dev/anvil/internal/core"
	"github.com/anvil-dev/anvil/internal/relay"
)

// SessionRecord is one journal row for a closed session.
type SessionRecord struct {
	ID          uint `gorm:"primaryKey"`
	ClientID    string
	RemoteAddr  string `gorm:"not null"`
	ConnectedAt time.Time
	ClosedAt    time.Time
	CloseReason string
	BytesIn     uint64
	BytesOut    uint64
	Frames      uint64
}

// Recorder journals closed sessions to a database. It implements
// relay.Sink; the open, identify, and data events carry no durable state
// and are ignored.
type Recorder struct {
	db     *gorm.DB
	logger *logrus.Logger
}

var _ relay.Sink = (*Recorder)(nil)

// Open connects to the configured database engine and migrates the
// journal schema.
func Open(cfg *core.Config, appLogger *logrus.Logger) (*Recorder, error) {
	// By default only log errors but enable full SQL query prints-to-console with debug mode
	log := logger.Default.LogMode(logger.Error)
	if appLogger.IsLevelEnabled(logrus.DebugLevel) {
		log = logger.Default.LogMode(logger.Info)
	}

	var dialector gorm.Dialector
	switch cfg.Database.Engine {
	case "sqlite":
		dialector = sqlite.Open(cfg.Database.Filename)
	case "postgres":
		dialector = postgres.Open(cfg.DatabaseURL())
	default:
		return nil, fmt.Errorf("unsupported database engine %q", cfg.Database.Engine)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: log})
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}
	if err := db.AutoMigrate(&SessionRecord{}); err != nil {
		return nil, fmt.Errorf("error auto migrating db: %w", err)
	}

	return &Recorder{db: db, logger: appLogger}, nil
}

func (r *Recorder) SessionOpened(relay.SessionInfo) {}

func (r *Recorder) SessionIdentified(relay.SessionInfo) {}

func (r *Recorder) SessionClosed(info relay.SessionInfo, reason relay.CloseReason) {
	record := &SessionRecord{
		ClientID:    info.ClientID,
		RemoteAddr:  info.RemoteAddr,
		ConnectedAt: info.ConnectedAt,
		ClosedAt:    time.Now(),
		CloseReason: string(reason),
		BytesIn:     info.BytesIn,
		BytesOut:    info.BytesOut,
		Frames:      info.Frames,
	}
	if err := r.db.Create(record).Error; err != nil {
		r.logger.Warnf("failed to journal session %s: %v", info.RemoteAddr, err)
	}
}

func (r *Recorder) Data(relay.SessionInfo, relay.Direction, []byte) {}

// RecentRecords returns the most recently closed sessions, newest first.
func (r *Recorder) RecentRecords(limit int) ([]SessionRecord, error) {
	var records []SessionRecord
	err := r.db.Order("closed_at desc").Limit(limit).Find(&records).Error
	return records, err
}

// FindRecordsByClientID returns the journal rows for one client identifier.
func (r *Recorder) FindRecordsByClientID(id string) ([]SessionRecord, error) {
	var records []SessionRecord
	err := r.db.Where("client_id = ?", id).Find(&records).Error
	return records, err
}

// Close releases the underlying database connection.
func (r *Recorder) Close() error {
	database, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("error while getting current connection: %w", err)
	}
	if err := database.Close(); err != nil {
		return fmt.Errorf("error while closing database connection: %w", err)
	}
	return nil
}

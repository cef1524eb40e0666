package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	ActionModerationResolved = "moderation.resolved"
	ActionServerPaused       = "server.paused"
	ActionServerResumed      = "server.resumed"
	ActionTrustLevelChanged  = "user.trust_level_changed"
	ActionNotificationFailed = "notification.delivery_failed"
	ActionMessagePurged      = "message.purged"
	ActionServerPurged       = "server.purged"
)

var errMissingDatabase = errors.New("audit: database handle is required")

// LogEntry is an append-only record of a privileged state change.
type LogEntry struct {
	ID               string         `gorm:"column:id;primaryKey;size:64;not null"`
	ServerID         *string        `gorm:"column:server_id;size:190;index:idx_audit_logs_server"`
	ActorID          string         `gorm:"column:actor_id;size:190;not null"`
	Action           string         `gorm:"column:action;size:64;not null;index:idx_audit_logs_action"`
	Target           string         `gorm:"column:target;size:190;not null;default:''"`
	Details          datatypes.JSON `gorm:"column:details"`
	CreatedAtSeconds int64          `gorm:"column:created_at_s;not null;index:idx_audit_logs_created"`
}

// TableName provides the explicit table binding for GORM.
func (LogEntry) TableName() string {
	return "audit_logs"
}

// Entry is the caller-facing description of an audit event.
type Entry struct {
	ServerID string
	ActorID  string
	Action   string
	Target   string
	Details  map[string]any
}

// Sink accepts audit entries. Implementations never read back.
type Sink interface {
	Append(ctx context.Context, entry Entry) error
}

// TxSink can append inside a caller-owned transaction.
type TxSink interface {
	Sink
	AppendTx(tx *gorm.DB, entry Entry) error
}

// GormSink persists audit entries to the audit_logs table.
type GormSink struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewGormSink constructs a sink over the provided database.
func NewGormSink(db *gorm.DB, clock func() time.Time) (*GormSink, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	if clock == nil {
		clock = time.Now
	}
	return &GormSink{db: db, clock: clock}, nil
}

// Append writes the entry in its own transaction.
func (s *GormSink) Append(ctx context.Context, entry Entry) error {
	return s.AppendTx(s.db.WithContext(ctx), entry)
}

// AppendTx writes the entry using the supplied transaction.
func (s *GormSink) AppendTx(tx *gorm.DB, entry Entry) error {
	record, err := s.newRecord(entry)
	if err != nil {
		return err
	}
	return tx.Create(&record).Error
}

func (s *GormSink) newRecord(entry Entry) (LogEntry, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return LogEntry{}, err
	}
	record := LogEntry{
		ID:               id.String(),
		ActorID:          strings.TrimSpace(entry.ActorID),
		Action:           entry.Action,
		Target:           entry.Target,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if serverID := strings.TrimSpace(entry.ServerID); serverID != "" {
		record.ServerID = &serverID
	}
	if len(entry.Details) > 0 {
		encoded, err := json.Marshal(entry.Details)
		if err != nil {
			return LogEntry{}, err
		}
		record.Details = datatypes.JSON(encoded)
	}
	return record, nil
}

// LoggingSink writes entries to zap; used when no persistent sink is wired.
type LoggingSink struct {
	logger *zap.Logger
}

// NewLoggingSink wraps a logger as an audit sink.
func NewLoggingSink(logger *zap.Logger) *LoggingSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingSink{logger: logger}
}

// Append logs the entry at info level.
func (s *LoggingSink) Append(_ context.Context, entry Entry) error {
	s.logger.Info("audit",
		zap.String("action", entry.Action),
		zap.String("actor_id", entry.ActorID),
		zap.String("server_id", entry.ServerID),
		zap.String("target", entry.Target),
		zap.Any("details", entry.Details))
	return nil
}

// AppendTx ignores the transaction and logs the entry.
func (s *LoggingSink) AppendTx(_ *gorm.DB, entry Entry) error {
	return s.Append(context.Background(), entry)
}

package database

import (
	"context"
	"errors"

	"github.com/opennotes-ai/communitynotes/internal/apperr"
	"github.com/opennotes-ai/communitynotes/internal/audit"
	"github.com/opennotes-ai/communitynotes/internal/community"
	"github.com/opennotes-ai/communitynotes/internal/engagement"
	"github.com/opennotes-ai/communitynotes/internal/moderation"
	"github.com/opennotes-ai/communitynotes/internal/notes"
	"github.com/opennotes-ai/communitynotes/internal/trust"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opPurgerNew        = "database.purger.new"
	opDeleteMessage    = "database.delete_message"
	opDeleteServer     = "database.delete_server"
	reasonMissingDB    = "missing_database"
	reasonMissingAudit = "missing_audit"
	reasonUnauthorized = "unauthorized"
	reasonNotFound     = "not_found"
	reasonDeleteFailed = "delete_failed"
	reasonAuditFailed  = "audit_failed"
	queryMessageIDs    = "message_id IN ?"
	queryServerID      = "server_id = ?"
)

// PurgerConfig describes the dependencies of the cascade deleter.
type PurgerConfig struct {
	Database *gorm.DB
	Audit    audit.TxSink
	Logger   *zap.Logger
}

// PurgeReport counts the rows removed by one cascade.
type PurgeReport struct {
	Messages          int64
	Notes             int64
	Ratings           int64
	Requests          int64
	ModerationEntries int64
	Members           int64
	Servers           int64
}

// Purger removes messages and servers together with every dependent row.
// Children are always deleted before their parents.
type Purger struct {
	db     *gorm.DB
	audit  audit.TxSink
	logger *zap.Logger
}

// NewPurger constructs the cascade deleter.
func NewPurger(cfg PurgerConfig) (*Purger, error) {
	if cfg.Database == nil {
		return nil, apperr.New(opPurgerNew, reasonMissingDB, errors.New("database handle is required"))
	}
	if cfg.Audit == nil {
		return nil, apperr.New(opPurgerNew, reasonMissingAudit, errors.New("audit sink is required"))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Purger{db: cfg.Database, audit: cfg.Audit, logger: logger}, nil
}

// DeleteMessage removes ratings, notes, requests, the aggregation, moderation
// entries and finally the message in one transaction.
func (p *Purger) DeleteMessage(ctx context.Context, actorID string, actorTrust trust.Level, messageID string) (PurgeReport, error) {
	if err := trust.Require(actorTrust, trust.ScopeServerConfig); err != nil {
		return PurgeReport{}, apperr.New(opDeleteMessage, reasonUnauthorized, err)
	}
	var report PurgeReport
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		message, err := community.LoadMessageTx(tx, messageID)
		if err != nil {
			return apperr.New(opDeleteMessage, reasonNotFound, err)
		}
		report, err = purgeMessagesTx(tx, []string{message.ID})
		if err != nil {
			return apperr.New(opDeleteMessage, reasonDeleteFailed, err)
		}
		if err := p.audit.AppendTx(tx, audit.Entry{
			ServerID: message.ServerID,
			ActorID:  actorID,
			Action:   audit.ActionMessagePurged,
			Target:   message.ID,
			Details:  report.details(),
		}); err != nil {
			return apperr.New(opDeleteMessage, reasonAuditFailed, err)
		}
		return nil
	})
	if err != nil {
		p.logError(opDeleteMessage, err, zap.String("message_id", messageID))
		return PurgeReport{}, err
	}
	return report, nil
}

// DeleteServer removes every message cascade of the server, its members, its
// moderation queue and the server row.
func (p *Purger) DeleteServer(ctx context.Context, actorID string, actorTrust trust.Level, serverID string) (PurgeReport, error) {
	if err := trust.Require(actorTrust, trust.ScopeServerConfig); err != nil {
		return PurgeReport{}, apperr.New(opDeleteServer, reasonUnauthorized, err)
	}
	var report PurgeReport
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := community.LoadServerTx(tx, serverID); err != nil {
			return apperr.New(opDeleteServer, reasonNotFound, err)
		}
		var messageIDs []string
		if err := tx.Model(&community.Message{}).Where(queryServerID, serverID).Pluck("id", &messageIDs).Error; err != nil {
			return apperr.New(opDeleteServer, reasonDeleteFailed, err)
		}
		var err error
		report, err = purgeMessagesTx(tx, messageIDs)
		if err != nil {
			return apperr.New(opDeleteServer, reasonDeleteFailed, err)
		}

		result := tx.Where(queryServerID, serverID).Delete(&moderation.Entry{})
		if result.Error != nil {
			return apperr.New(opDeleteServer, reasonDeleteFailed, result.Error)
		}
		report.ModerationEntries += result.RowsAffected

		result = tx.Where(queryServerID, serverID).Delete(&community.Member{})
		if result.Error != nil {
			return apperr.New(opDeleteServer, reasonDeleteFailed, result.Error)
		}
		report.Members = result.RowsAffected

		result = tx.Where("id = ?", serverID).Delete(&community.Server{})
		if result.Error != nil {
			return apperr.New(opDeleteServer, reasonDeleteFailed, result.Error)
		}
		report.Servers = result.RowsAffected

		if err := p.audit.AppendTx(tx, audit.Entry{
			ServerID: serverID,
			ActorID:  actorID,
			Action:   audit.ActionServerPurged,
			Target:   serverID,
			Details:  report.details(),
		}); err != nil {
			return apperr.New(opDeleteServer, reasonAuditFailed, err)
		}
		return nil
	})
	if err != nil {
		p.logError(opDeleteServer, err, zap.String("server_id", serverID))
		return PurgeReport{}, err
	}
	return report, nil
}

func purgeMessagesTx(tx *gorm.DB, messageIDs []string) (PurgeReport, error) {
	var report PurgeReport
	if len(messageIDs) == 0 {
		return report, nil
	}

	var noteIDs []string
	if err := tx.Model(&notes.Note{}).Where(queryMessageIDs, messageIDs).Pluck("id", &noteIDs).Error; err != nil {
		return report, err
	}
	report.Notes = int64(len(noteIDs))
	if len(noteIDs) > 0 {
		if err := tx.Model(&notes.Rating{}).Where("note_id IN ?", noteIDs).Count(&report.Ratings).Error; err != nil {
			return report, err
		}
	}

	moderationQuery := tx.Where("item_type = ? AND item_id IN ?", moderation.ItemMessage, messageIDs)
	if len(noteIDs) > 0 {
		moderationQuery = moderationQuery.Or("item_type = ? AND item_id IN ?", moderation.ItemNote, noteIDs)
	}
	result := moderationQuery.Delete(&moderation.Entry{})
	if result.Error != nil {
		return report, result.Error
	}
	report.ModerationEntries = result.RowsAffected

	if err := notes.DeleteForMessagesTx(tx, messageIDs, nil); err != nil {
		return report, err
	}

	result = tx.Where(queryMessageIDs, messageIDs).Delete(&engagement.NoteRequest{})
	if result.Error != nil {
		return report, result.Error
	}
	report.Requests = result.RowsAffected

	if err := tx.Where(queryMessageIDs, messageIDs).Delete(&engagement.Aggregation{}).Error; err != nil {
		return report, err
	}

	result = tx.Where("id IN ?", messageIDs).Delete(&community.Message{})
	if result.Error != nil {
		return report, result.Error
	}
	report.Messages = result.RowsAffected
	return report, nil
}

func (r PurgeReport) details() map[string]any {
	return map[string]any{
		"messages":           r.Messages,
		"notes":              r.Notes,
		"ratings":            r.Ratings,
		"requests":           r.Requests,
		"moderation_entries": r.ModerationEntries,
		"members":            r.Members,
	}
}

func (p *Purger) logError(operation string, err error, fields ...zap.Field) {
	if errors.Is(err, apperr.ErrUnauthorized) || errors.Is(err, apperr.ErrNotFound) {
		return
	}
	attrs := []zap.Field{zap.String("operation", operation), zap.Error(err)}
	attrs = append(attrs, fields...)
	p.logger.Error("purge failed", attrs...)
}

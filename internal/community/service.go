package community

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/opennotes-ai/communitynotes/internal/apperr"
	"github.com/opennotes-ai/communitynotes/internal/audit"
	"github.com/opennotes-ai/communitynotes/internal/ids"
	"github.com/opennotes-ai/communitynotes/internal/trust"
	"github.com/opennotes-ai/communitynotes/internal/users"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew       = "community.service.new"
	opRegisterServer   = "community.register_server"
	opUpdateSettings   = "community.update_settings"
	opPauseServer      = "community.pause_server"
	opResumeServer     = "community.resume_server"
	opAddMember        = "community.add_member"
	opRegisterMessage  = "community.register_message"
	opGetServer        = "community.get_server"
	opGetMessage       = "community.get_message"
	opMembersWithScope = "community.members_with_scope"
	fieldServerID      = "server_id"
	queryID            = "id = ?"
	reasonMissingDB    = "missing_database"
	reasonMissingIDs   = "missing_id_provider"
	reasonInvalidInput = "invalid_input"
	reasonUnauthorized = "unauthorized"
	reasonNotFound     = "not_found"
	reasonQueryFailed  = "query_failed"
	reasonInsertFailed = "insert_failed"
	reasonUpdateFailed = "update_failed"
	reasonAuditFailed  = "audit_failed"
	reasonIDFailed     = "id_failed"
	reasonNotPaused    = "not_paused"
	reasonAlreadyPause = "already_paused"
	maxPauseReasonSize = 500
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceConfig describes the dependencies required for community management.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Audit      audit.TxSink
	Logger     *zap.Logger
}

// Service manages servers, their members and messages.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider ids.Provider
	audit      audit.TxSink
	logger     *zap.Logger
}

// NewService constructs the community service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperr.New(opServiceNew, reasonMissingDB, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, apperr.New(opServiceNew, reasonMissingIDs, errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	var sink audit.TxSink = audit.NewLoggingSink(logger)
	if cfg.Audit != nil {
		sink = cfg.Audit
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		audit:      sink,
		logger:     logger,
	}, nil
}

// NewServer describes a server to register.
type NewServer struct {
	ExternalID string
	Name       string
}

// RegisterServer stores the server once per external id and returns the stored row.
func (s *Service) RegisterServer(ctx context.Context, input NewServer) (Server, error) {
	externalID, err := users.NormalizeID(input.ExternalID)
	if err != nil {
		return Server{}, apperr.New(opRegisterServer, reasonInvalidInput, err)
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		return Server{}, apperr.New(opRegisterServer, reasonIDFailed, err)
	}
	candidate := Server{
		ID:                id,
		ExternalID:        externalID,
		Name:              strings.TrimSpace(input.Name),
		AllowNoteRequests: true,
		AllowNoteCreation: true,
	}
	db := s.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&candidate).Error; err != nil {
		s.logError(opRegisterServer, reasonInsertFailed, err, zap.String("external_id", externalID))
		return Server{}, apperr.New(opRegisterServer, reasonInsertFailed, err)
	}
	var stored Server
	if err := db.Where("external_id = ?", externalID).Take(&stored).Error; err != nil {
		return Server{}, apperr.New(opRegisterServer, reasonQueryFailed, err)
	}
	return stored, nil
}

// GetServer loads a server by id.
func (s *Service) GetServer(ctx context.Context, serverID string) (Server, error) {
	return LoadServerTx(s.db.WithContext(ctx), serverID)
}

// LoadServerTx loads a server inside a caller-owned transaction.
func LoadServerTx(tx *gorm.DB, serverID string) (Server, error) {
	var server Server
	err := tx.Where(queryID, serverID).Take(&server).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Server{}, apperr.New(opGetServer, reasonNotFound, apperr.Wrap(apperr.ErrNotFound, "server %s", serverID))
	}
	if err != nil {
		return Server{}, apperr.New(opGetServer, reasonQueryFailed, err)
	}
	return server, nil
}

// Settings toggles what a server accepts.
type Settings struct {
	AllowNoteRequests bool
	AllowNoteCreation bool
}

// UpdateSettings changes the request and note toggles of a server.
func (s *Service) UpdateSettings(ctx context.Context, actorTrust trust.Level, serverID string, settings Settings) (Server, error) {
	if err := trust.Require(actorTrust, trust.ScopeServerConfig); err != nil {
		return Server{}, apperr.New(opUpdateSettings, reasonUnauthorized, err)
	}
	db := s.db.WithContext(ctx)
	result := db.Model(&Server{}).Where(queryID, serverID).Updates(map[string]any{
		"allow_note_requests": settings.AllowNoteRequests,
		"allow_note_creation": settings.AllowNoteCreation,
	})
	if result.Error != nil {
		s.logError(opUpdateSettings, reasonUpdateFailed, result.Error, zap.String(fieldServerID, serverID))
		return Server{}, apperr.New(opUpdateSettings, reasonUpdateFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return Server{}, apperr.New(opUpdateSettings, reasonNotFound, apperr.Wrap(apperr.ErrNotFound, "server %s", serverID))
	}
	return LoadServerTx(db, serverID)
}

// PauseServer stops the server from accepting requests and notes.
func (s *Service) PauseServer(ctx context.Context, actorID string, actorTrust trust.Level, serverID, reason string) (Server, error) {
	if err := trust.Require(actorTrust, trust.ScopeServerConfig); err != nil {
		return Server{}, apperr.New(opPauseServer, reasonUnauthorized, err)
	}
	reason = strings.TrimSpace(reason)
	if len(reason) > maxPauseReasonSize {
		return Server{}, apperr.New(opPauseServer, reasonInvalidInput, apperr.Wrap(apperr.ErrInvalidInput, "pause reason exceeds %d characters", maxPauseReasonSize))
	}
	now := s.clock().UTC().Unix()
	updates := map[string]any{
		"is_paused":    true,
		"paused_at_s":  now,
		"paused_by":    actorID,
		"pause_reason": reason,
	}
	entry := audit.Entry{
		ServerID: serverID,
		ActorID:  actorID,
		Action:   audit.ActionServerPaused,
		Target:   serverID,
		Details:  map[string]any{"reason": reason},
	}
	return s.togglePause(ctx, opPauseServer, serverID, false, updates, entry)
}

// ResumeServer reverses PauseServer.
func (s *Service) ResumeServer(ctx context.Context, actorID string, actorTrust trust.Level, serverID string) (Server, error) {
	if err := trust.Require(actorTrust, trust.ScopeServerConfig); err != nil {
		return Server{}, apperr.New(opResumeServer, reasonUnauthorized, err)
	}
	updates := map[string]any{
		"is_paused":    false,
		"paused_at_s":  nil,
		"paused_by":    nil,
		"pause_reason": nil,
	}
	entry := audit.Entry{
		ServerID: serverID,
		ActorID:  actorID,
		Action:   audit.ActionServerResumed,
		Target:   serverID,
	}
	return s.togglePause(ctx, opResumeServer, serverID, true, updates, entry)
}

func (s *Service) togglePause(ctx context.Context, operation, serverID string, expectPaused bool, updates map[string]any, entry audit.Entry) (Server, error) {
	var server Server
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Server{}).
			Where("id = ? AND is_paused = ?", serverID, expectPaused).
			Updates(updates)
		if result.Error != nil {
			s.logError(operation, reasonUpdateFailed, result.Error, zap.String(fieldServerID, serverID))
			return apperr.New(operation, reasonUpdateFailed, result.Error)
		}
		if result.RowsAffected == 0 {
			if _, err := LoadServerTx(tx, serverID); err != nil {
				return err
			}
			reason := reasonAlreadyPause
			if expectPaused {
				reason = reasonNotPaused
			}
			return apperr.New(operation, reason, apperr.Wrap(apperr.ErrInvalidStateTransition, "server %s pause state unchanged", serverID))
		}
		if err := s.audit.AppendTx(tx, entry); err != nil {
			return apperr.New(operation, reasonAuditFailed, err)
		}
		loaded, err := LoadServerTx(tx, serverID)
		if err != nil {
			return err
		}
		server = loaded
		return nil
	})
	if txErr != nil {
		return Server{}, txErr
	}
	s.logger.Info("server pause state changed",
		zap.String(fieldServerID, serverID),
		zap.String("actor_id", entry.ActorID),
		zap.Bool("paused", server.IsPaused))
	return server, nil
}

// AddMember links a user to a server. Repeated joins return the stored membership.
func (s *Service) AddMember(ctx context.Context, serverID, userID string, roles []string) (Member, error) {
	normalizedUser, err := users.NormalizeID(userID)
	if err != nil {
		return Member{}, apperr.New(opAddMember, reasonInvalidInput, err)
	}
	db := s.db.WithContext(ctx)
	if _, err := LoadServerTx(db, serverID); err != nil {
		return Member{}, err
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		return Member{}, apperr.New(opAddMember, reasonIDFailed, err)
	}
	candidate := Member{
		ID:              id,
		ServerID:        serverID,
		UserID:          normalizedUser,
		Roles:           datatypes.JSONSlice[string](append([]string(nil), roles...)),
		JoinedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&candidate).Error; err != nil {
		s.logError(opAddMember, reasonInsertFailed, err, zap.String(fieldServerID, serverID))
		return Member{}, apperr.New(opAddMember, reasonInsertFailed, err)
	}
	var stored Member
	if err := db.Where("server_id = ? AND user_id = ?", serverID, normalizedUser).Take(&stored).Error; err != nil {
		return Member{}, apperr.New(opAddMember, reasonQueryFailed, err)
	}
	return stored, nil
}

// NewMessage describes a message to register.
type NewMessage struct {
	ServerID   string
	ExternalID string
	ChannelID  string
	AuthorID   string
	Content    string
}

// RegisterMessage stores the message once per (server, external id).
func (s *Service) RegisterMessage(ctx context.Context, input NewMessage) (Message, error) {
	externalID, err := users.NormalizeID(input.ExternalID)
	if err != nil {
		return Message{}, apperr.New(opRegisterMessage, reasonInvalidInput, err)
	}
	db := s.db.WithContext(ctx)
	if _, err := LoadServerTx(db, input.ServerID); err != nil {
		return Message{}, err
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		return Message{}, apperr.New(opRegisterMessage, reasonIDFailed, err)
	}
	candidate := Message{
		ID:               id,
		ServerID:         input.ServerID,
		ExternalID:       externalID,
		ChannelID:        strings.TrimSpace(input.ChannelID),
		AuthorID:         strings.TrimSpace(input.AuthorID),
		Content:          input.Content,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&candidate).Error; err != nil {
		s.logError(opRegisterMessage, reasonInsertFailed, err, zap.String(fieldServerID, input.ServerID))
		return Message{}, apperr.New(opRegisterMessage, reasonInsertFailed, err)
	}
	var stored Message
	if err := db.Where("server_id = ? AND external_id = ?", input.ServerID, externalID).Take(&stored).Error; err != nil {
		return Message{}, apperr.New(opRegisterMessage, reasonQueryFailed, err)
	}
	return stored, nil
}

// GetMessage loads a message by id.
func (s *Service) GetMessage(ctx context.Context, messageID string) (Message, error) {
	return LoadMessageTx(s.db.WithContext(ctx), messageID)
}

// LoadMessageTx loads a message inside a caller-owned transaction.
func LoadMessageTx(tx *gorm.DB, messageID string) (Message, error) {
	var message Message
	err := tx.Where(queryID, messageID).Take(&message).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Message{}, apperr.New(opGetMessage, reasonNotFound, apperr.Wrap(apperr.ErrNotFound, "message %s", messageID))
	}
	if err != nil {
		return Message{}, apperr.New(opGetMessage, reasonQueryFailed, err)
	}
	return message, nil
}

// SyncRequestCountersTx copies the aggregation counters onto the message cache.
func SyncRequestCountersTx(tx *gorm.DB, messageID string, total, unique int) error {
	return tx.Model(&Message{}).Where(queryID, messageID).Updates(map[string]any{
		"total_requests":    total,
		"unique_requestors": unique,
	}).Error
}

// SetActiveNoteTx records whether the message currently has a visible note.
func SetActiveNoteTx(tx *gorm.DB, messageID string, active bool) error {
	return tx.Model(&Message{}).Where(queryID, messageID).Update("has_active_note", active).Error
}

// MembersWithScope lists member user ids whose trust level grants the scope.
func (s *Service) MembersWithScope(ctx context.Context, serverID string, scope trust.Scope) ([]string, error) {
	memberIDs, err := MembersWithScopeTx(s.db.WithContext(ctx), serverID, scope)
	if err != nil {
		s.logError(opMembersWithScope, reasonQueryFailed, err, zap.String(fieldServerID, serverID))
		return nil, apperr.New(opMembersWithScope, reasonQueryFailed, err)
	}
	return memberIDs, nil
}

// MembersWithScopeTx is MembersWithScope inside a caller-owned transaction.
func MembersWithScopeTx(tx *gorm.DB, serverID string, scope trust.Scope) ([]string, error) {
	levels := trust.LevelsWithScope(scope)
	if len(levels) == 0 {
		return nil, nil
	}
	var memberIDs []string
	err := tx.Table(Member{}.TableName()+" AS m").
		Joins("JOIN "+users.User{}.TableName()+" AS u ON u.id = m.user_id").
		Where("m.server_id = ? AND u.trust_level IN ?", serverID, levels).
		Order("m.user_id ASC").
		Pluck("m.user_id", &memberIDs).Error
	if err != nil {
		return nil, err
	}
	return memberIDs, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("community service error", attrs...)
}

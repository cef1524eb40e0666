package community

import (
	"time"

	"github.com/opennotes-ai/communitynotes/internal/apperr"
	"gorm.io/datatypes"
)

// Server is a community that hosts messages and members.
type Server struct {
	ID                string    `gorm:"column:id;primaryKey;size:64;not null"`
	ExternalID        string    `gorm:"column:external_id;size:190;not null;uniqueIndex:idx_servers_external"`
	Name              string    `gorm:"column:name;size:190;not null;default:''"`
	AllowNoteRequests bool      `gorm:"column:allow_note_requests;not null"`
	AllowNoteCreation bool      `gorm:"column:allow_note_creation;not null"`
	IsPaused          bool      `gorm:"column:is_paused;not null"`
	PausedAtSeconds   *int64    `gorm:"column:paused_at_s"`
	PausedBy          *string   `gorm:"column:paused_by;size:190"`
	PauseReason       *string   `gorm:"column:pause_reason;size:500"`
	CreatedAt         time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing servers.
func (Server) TableName() string {
	return "servers"
}

// AcceptsRequests fails when new note requests must be rejected.
func (s Server) AcceptsRequests() error {
	if s.IsPaused {
		return apperr.Wrap(apperr.ErrInvalidStateTransition, "server %s is paused", s.ID)
	}
	if !s.AllowNoteRequests {
		return apperr.Wrap(apperr.ErrInvalidStateTransition, "server %s does not accept note requests", s.ID)
	}
	return nil
}

// AcceptsNotes fails when note submissions must be rejected.
func (s Server) AcceptsNotes() error {
	if s.IsPaused {
		return apperr.Wrap(apperr.ErrInvalidStateTransition, "server %s is paused", s.ID)
	}
	if !s.AllowNoteCreation {
		return apperr.Wrap(apperr.ErrInvalidStateTransition, "server %s does not accept note submissions", s.ID)
	}
	return nil
}

// Member links a user to a server.
type Member struct {
	ID              string                      `gorm:"column:id;primaryKey;size:64;not null"`
	ServerID        string                      `gorm:"column:server_id;size:64;not null;uniqueIndex:idx_server_members_pair,priority:1"`
	UserID          string                      `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_server_members_pair,priority:2;index:idx_server_members_user"`
	Roles           datatypes.JSONSlice[string] `gorm:"column:roles"`
	JoinedAtSeconds int64                       `gorm:"column:joined_at_s;not null"`
}

// TableName exposes the table backing memberships.
func (Member) TableName() string {
	return "server_members"
}

// Message may receive note requests and notes. The counters are a read cache
// maintained by the request and note pipelines.
type Message struct {
	ID               string `gorm:"column:id;primaryKey;size:64;not null"`
	ServerID         string `gorm:"column:server_id;size:64;not null;uniqueIndex:idx_messages_external,priority:1"`
	ExternalID       string `gorm:"column:external_id;size:190;not null;uniqueIndex:idx_messages_external,priority:2"`
	ChannelID        string `gorm:"column:channel_id;size:190;not null;default:''"`
	AuthorID         string `gorm:"column:author_id;size:190;not null;default:''"`
	Content          string `gorm:"column:content;type:text;not null;default:''"`
	TotalRequests    int    `gorm:"column:total_requests;not null;default:0"`
	UniqueRequestors int    `gorm:"column:unique_requestors;not null;default:0"`
	HasActiveNote    bool   `gorm:"column:has_active_note;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName exposes the table backing messages.
func (Message) TableName() string {
	return "messages"
}

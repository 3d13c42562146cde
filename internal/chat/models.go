package chat

import "time"

// Session is the one-to-one conversation bound to a rental application.
// The unique index on ApplicationID is what makes resolve-or-create atomic.
type Session struct {
	ID            uint64     `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID     string     `gorm:"type:varchar(26);uniqueIndex;not null" json:"session_id"`
	ApplicationID string     `gorm:"type:varchar(26);uniqueIndex:uniq_chat_session_application;not null" json:"application_id"`
	TenantID      uint64     `gorm:"index;not null" json:"tenant_id"`
	AgentID       uint64     `gorm:"index;not null" json:"agent_id"`
	PropertyID    uint64     `gorm:"index;not null" json:"property_id"`
	PropertyTitle string     `gorm:"type:varchar(255);not null" json:"property_title"`
	LastMessage   *string    `gorm:"type:text" json:"last_message,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (Session) TableName() string { return "chat_sessions" }

// HasParticipant reports whether userID is the tenant or the agent.
func (s *Session) HasParticipant(userID uint64) bool {
	return userID != 0 && (s.TenantID == userID || s.AgentID == userID)
}

type Message struct {
	ID             uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID      string     `gorm:"type:varchar(26);not null;index:idx_chat_msg_session_id;index:uniq_chat_msg_idempo,unique,priority:1" json:"session_id"`
	SenderID       uint64     `gorm:"not null;index;index:uniq_chat_msg_idempo,unique,priority:2" json:"sender_id"`
	Content        string     `gorm:"type:text;not null" json:"content"`
	IdempotencyKey *string    `gorm:"type:varchar(128);index:uniq_chat_msg_idempo,unique,priority:3" json:"-"`
	NotifiedAt     *time.Time `json:"-"` // set once the recipient e-mail went out
	CreatedAt      time.Time  `json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }

// SessionSummary is the denormalized view used to decide welcome emission.
type SessionSummary struct {
	SessionID     string
	ApplicationID string
	HasAnyMessage bool
	TenantID      uint64
	TenantName    string
	AgentID       uint64
	AgentName     string
	PropertyTitle string
}

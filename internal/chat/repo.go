package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/suPer8Hu/rental-chat/internal/common"
	"github.com/suPer8Hu/rental-chat/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the persistence boundary the session manager depends on.
// ResolveOrCreateSession must be atomic across processes.
type Store interface {
	ResolveOrCreateSession(ctx context.Context, applicationID string) (string, error)
	GetSessionSummary(ctx context.Context, sessionID string) (*SessionSummary, error)
	InsertMessage(ctx context.Context, sessionID string, senderID uint64, body string, at time.Time) (uint64, error)
}

type Repo struct {
	db *gorm.DB
}

var _ Store = (*Repo)(nil)

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) GetApplication(ctx context.Context, applicationID string) (*models.Application, *models.Property, error) {
	var app models.Application
	if err := r.db.WithContext(ctx).First(&app, "id = ?", applicationID).Error; err != nil {
		return nil, nil, err
	}
	var prop models.Property
	if err := r.db.WithContext(ctx).First(&prop, app.PropertyID).Error; err != nil {
		return nil, nil, err
	}
	return &app, &prop, nil
}

func (r *Repo) GetSessionBySessionID(ctx context.Context, sessionID string) (*Session, error) {
	var s Session
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repo) GetSessionByApplicationID(ctx context.Context, applicationID string) (*Session, error) {
	var s Session
	if err := r.db.WithContext(ctx).
		Where("application_id = ?", applicationID).
		First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// ResolveOrCreateSession returns the session bound to applicationID, creating it
// if absent. The insert is ON CONFLICT DO NOTHING against the unique
// application index, so racing callers in any process converge on one row.
func (r *Repo) ResolveOrCreateSession(ctx context.Context, applicationID string) (string, error) {
	existing, err := r.GetSessionByApplicationID(ctx, applicationID)
	if err == nil {
		return existing.SessionID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}

	app, prop, err := r.GetApplication(ctx, applicationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("application %q does not exist: %w", applicationID, common.ErrValidation)
		}
		return "", err
	}

	sid, err := common.NewULID()
	if err != nil {
		return "", err
	}
	s := &Session{
		SessionID:     sid,
		ApplicationID: app.ID,
		TenantID:      app.TenantID,
		AgentID:       prop.AgentID,
		PropertyID:    prop.ID,
		PropertyTitle: prop.Title,
	}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "application_id"}},
			DoNothing: true,
		}).
		Create(s).Error; err != nil {
		return "", err
	}

	// read back: the winner may be another caller's row
	winner, err := r.GetSessionByApplicationID(ctx, applicationID)
	if err != nil {
		return "", err
	}
	return winner.SessionID, nil
}

func (r *Repo) GetSessionSummary(ctx context.Context, sessionID string) (*SessionSummary, error) {
	s, err := r.GetSessionBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var users []models.User
	if err := r.db.WithContext(ctx).
		Where("id IN ?", []uint64{s.TenantID, s.AgentID}).
		Find(&users).Error; err != nil {
		return nil, err
	}

	sum := &SessionSummary{
		SessionID:     s.SessionID,
		ApplicationID: s.ApplicationID,
		HasAnyMessage: s.LastMessageAt != nil,
		TenantID:      s.TenantID,
		AgentID:       s.AgentID,
		PropertyTitle: s.PropertyTitle,
	}
	for _, u := range users {
		if u.ID == s.TenantID {
			sum.TenantName = u.Name
		}
		if u.ID == s.AgentID {
			sum.AgentName = u.Name
		}
	}
	return sum, nil
}

func (r *Repo) InsertMessage(ctx context.Context, sessionID string, senderID uint64, body string, at time.Time) (uint64, error) {
	m := &Message{
		SessionID: sessionID,
		SenderID:  senderID,
		Content:   body,
		CreatedAt: at,
	}
	if err := r.insertMessage(ctx, m); err != nil {
		return 0, err
	}
	return m.ID, nil
}

// insertMessage writes the row and the session's last-message summary together.
// The summary only moves forward: a message stamped earlier than the current
// one leaves it alone.
func (r *Repo) insertMessage(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(m).Error; err != nil {
			return err
		}
		return tx.Model(&Session{}).
			Where("session_id = ? AND (last_message_at IS NULL OR last_message_at <= ?)", m.SessionID, m.CreatedAt).
			Updates(map[string]any{
				"last_message":    m.Content,
				"last_message_at": m.CreatedAt,
			}).Error
	})
}

func (r *Repo) GetMessageByIdempotencyKey(ctx context.Context, sessionID string, senderID uint64, key string) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).
		Where("session_id = ? AND sender_id = ? AND idempotency_key = ?", sessionID, senderID, key).
		First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// InsertMessageOrGetExisting inserts m, but if (session_id, sender_id, idempotency_key)
// already exists it returns the stored message instead.
func (r *Repo) InsertMessageOrGetExisting(ctx context.Context, m *Message) (*Message, bool, error) {
	if m.IdempotencyKey == nil || *m.IdempotencyKey == "" {
		m.IdempotencyKey = nil
		if err := r.insertMessage(ctx, m); err != nil {
			return nil, false, err
		}
		return m, true, nil
	}

	err := r.insertMessage(ctx, m)
	if err == nil {
		return m, true, nil
	}

	existing, getErr := r.GetMessageByIdempotencyKey(ctx, m.SessionID, m.SenderID, *m.IdempotencyKey)
	if getErr == nil {
		return existing, false, nil
	}
	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}

// ListMessages returns messages in DESC id order (newest -> oldest).
func (r *Repo) ListMessages(ctx context.Context, sessionID string, limit int, beforeID uint64) ([]Message, error) {
	q := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id DESC").
		Limit(limit)

	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}

	var msgs []Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

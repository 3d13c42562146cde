package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/suPer8Hu/rental-chat/internal/models"
	"gorm.io/gorm"
)

// ErrAlreadyNotified is returned by ClaimNotification when another worker
// already handled the message.
var ErrAlreadyNotified = errors.New("message already notified")

// Notice is the e-mail that tells the other participant about a new message.
type Notice struct {
	MessageID uint64
	To        string
	Subject   string
	Body      string
}

func (r *Repo) GetMessageByID(ctx context.Context, id uint64) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).First(&m, id).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *Repo) GetUser(ctx context.Context, id uint64) (*models.User, error) {
	var u models.User
	if err := r.db.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// ClaimNotification marks the message notified if nobody has yet.
func (r *Repo) ClaimNotification(ctx context.Context, messageID uint64, at time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&Message{}).
		Where("id = ? AND notified_at IS NULL", messageID).
		Update("notified_at", at)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyNotified
	}
	return nil
}

// ReleaseNotification undoes a claim so a redelivered event can try again.
func (r *Repo) ReleaseNotification(ctx context.Context, messageID uint64) error {
	return r.db.WithContext(ctx).
		Model(&Message{}).
		Where("id = ?", messageID).
		Update("notified_at", nil).Error
}

// BuildNotice prepares the e-mail for ev's recipient. It returns (nil, nil)
// when there is nobody to tell.
func (s *Service) BuildNotice(ctx context.Context, ev MessageEvent) (*Notice, error) {
	m, err := s.repo.GetMessageByID(ctx, ev.MessageID)
	if err != nil {
		return nil, err
	}
	sess, err := s.repo.GetSessionBySessionID(ctx, m.SessionID)
	if err != nil {
		return nil, err
	}

	recipientID := sess.TenantID
	if m.SenderID == sess.TenantID {
		recipientID = sess.AgentID
	}
	if recipientID == 0 || recipientID == m.SenderID {
		return nil, nil
	}

	recipient, err := s.repo.GetUser(ctx, recipientID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if recipient.Email == "" {
		return nil, nil
	}

	senderName := "Someone"
	if sender, err := s.repo.GetUser(ctx, m.SenderID); err == nil && sender.Name != "" {
		senderName = sender.Name
	}

	return &Notice{
		MessageID: m.ID,
		To:        recipient.Email,
		Subject:   fmt.Sprintf("New message about %s", orDefault(sess.PropertyTitle, "your rental")),
		Body: fmt.Sprintf("Hello %s,\n\n%s wrote:\n\n%s\n\nReply in the app to continue the conversation.\n",
			orDefault(recipient.Name, "there"), senderName, m.Content),
	}, nil
}

// Deliver claims the message, sends the notice and releases the claim if
// sending fails.
func (s *Service) Deliver(ctx context.Context, n *Notice, send func(to, subject, body string) error) error {
	if err := s.repo.ClaimNotification(ctx, n.MessageID, s.now()); err != nil {
		return err
	}
	if err := send(n.To, n.Subject, n.Body); err != nil {
		if rerr := s.repo.ReleaseNotification(context.WithoutCancel(ctx), n.MessageID); rerr != nil {
			return errors.Join(err, rerr)
		}
		return err
	}
	return nil
}

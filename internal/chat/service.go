package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/suPer8Hu/rental-chat/internal/common"
	"github.com/suPer8Hu/rental-chat/internal/logger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MessageEvent is published after a message row is committed.
type MessageEvent struct {
	SessionID string `json:"session_id"`
	MessageID uint64 `json:"message_id"`
	SenderID  uint64 `json:"sender_id"`
}

type EventPublisher interface {
	PublishMessageCreated(ctx context.Context, ev MessageEvent) error
}

type Service struct {
	repo         *Repo
	store        Store
	events       EventPublisher
	log          *zap.Logger
	storeTimeout time.Duration
	now          func() time.Time
}

// NewService wires the session manager. events may be nil; storeTimeout bounds
// every individual store call (0 disables the bound).
func NewService(repo *Repo, events EventPublisher, log *zap.Logger, storeTimeout time.Duration) *Service {
	return &Service{
		repo:         repo,
		store:        repo,
		events:       events,
		log:          logger.OrNop(log).Named("chat"),
		storeTimeout: storeTimeout,
		now:          time.Now,
	}
}

const maxClientClockSkew = time.Minute

func (s *Service) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.storeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.storeTimeout)
}

// ResolveSession returns the chat bound to applicationID, creating it on first
// use and seeding a single welcome message from the agent.
func (s *Service) ResolveSession(ctx context.Context, applicationID string) (string, error) {
	applicationID = strings.TrimSpace(applicationID)
	if applicationID == "" {
		return "", fmt.Errorf("application id is required: %w", common.ErrValidation)
	}

	rctx, cancel := s.bounded(ctx)
	sessionID, err := s.store.ResolveOrCreateSession(rctx, applicationID)
	cancel()
	if err != nil {
		if errors.Is(err, common.ErrValidation) {
			return "", err
		}
		return "", fmt.Errorf("%w: application=%s: %w", common.ErrSessionResolutionFailed, applicationID, err)
	}

	sctx, cancel := s.bounded(ctx)
	sum, err := s.store.GetSessionSummary(sctx, sessionID)
	cancel()
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.log.Error("resolved session cannot be loaded",
				zap.String("application_id", applicationID),
				zap.String("session_id", sessionID),
			)
			return "", fmt.Errorf("%w: session=%s", common.ErrSessionNotFound, sessionID)
		}
		return "", fmt.Errorf("%w: load session=%s: %w", common.ErrSessionResolutionFailed, sessionID, err)
	}

	// Two first-time resolutions racing here may both seed; that only risks a
	// duplicate greeting.
	if !sum.HasAnyMessage {
		s.seedWelcome(ctx, sum)
	}
	return sessionID, nil
}

func (s *Service) seedWelcome(ctx context.Context, sum *SessionSummary) {
	body := WelcomeMessage(sum.TenantName, sum.AgentName, sum.PropertyTitle)

	ictx, cancel := s.bounded(ctx)
	defer cancel()
	msgID, err := s.store.InsertMessage(ictx, sum.SessionID, sum.AgentID, body, s.now())
	if err != nil {
		s.log.Warn("welcome message insert failed",
			zap.String("session_id", sum.SessionID),
			zap.Error(err),
		)
		return
	}
	s.publish(ctx, MessageEvent{SessionID: sum.SessionID, MessageID: msgID, SenderID: sum.AgentID})
}

// WelcomeMessage is the greeting the agent sends on a brand new chat.
func WelcomeMessage(tenantName, agentName, propertyTitle string) string {
	return fmt.Sprintf(
		"Hi %s, I'm %s and I'm handling your application for %s. Thanks for applying! Feel free to ask me anything here.",
		orDefault(tenantName, "there"),
		orDefault(agentName, "your agent"),
		orDefault(propertyTitle, "the property"),
	)
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

// ResolveSessionFor checks that userID takes part in the application before resolving.
func (s *Service) ResolveSessionFor(ctx context.Context, userID uint64, applicationID string) (string, error) {
	applicationID = strings.TrimSpace(applicationID)
	if applicationID == "" {
		return "", fmt.Errorf("application id is required: %w", common.ErrValidation)
	}

	actx, cancel := s.bounded(ctx)
	app, prop, err := s.repo.GetApplication(actx, applicationID)
	cancel()
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("application %q does not exist: %w", applicationID, common.ErrValidation)
		}
		return "", fmt.Errorf("%w: application=%s: %w", common.ErrSessionResolutionFailed, applicationID, err)
	}
	if userID == 0 || (app.TenantID != userID && prop.AgentID != userID) {
		return "", common.ErrForbidden
	}
	return s.ResolveSession(ctx, applicationID)
}

// ValidateParticipant loads the session and hides it from non-participants.
func (s *Service) ValidateParticipant(ctx context.Context, userID uint64, sessionID string) (*Session, error) {
	sess, err := s.repo.GetSessionBySessionID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.ErrSessionNotFound
		}
		return nil, err
	}
	if !sess.HasParticipant(userID) {
		return nil, common.ErrSessionNotFound
	}
	return sess, nil
}

// SendMessage persists a participant's message. With a non-nil key a repeated
// submission returns the stored row and created=false.
func (s *Service) SendMessage(ctx context.Context, userID uint64, sessionID, content string, key *string, sentAt time.Time) (*Message, bool, error) {
	if strings.TrimSpace(content) == "" {
		return nil, false, fmt.Errorf("message body is empty: %w", common.ErrValidation)
	}
	if _, err := s.ValidateParticipant(ctx, userID, sessionID); err != nil {
		return nil, false, err
	}

	now := s.now()
	if sentAt.IsZero() || sentAt.After(now.Add(maxClientClockSkew)) {
		sentAt = now
	}

	m := &Message{
		SessionID:      sessionID,
		SenderID:       userID,
		Content:        content,
		IdempotencyKey: key,
		CreatedAt:      sentAt,
	}
	stored, created, err := s.repo.InsertMessageOrGetExisting(ctx, m)
	if err != nil {
		return nil, false, err
	}
	if created {
		s.publish(ctx, MessageEvent{SessionID: sessionID, MessageID: stored.ID, SenderID: userID})
	}
	return stored, created, nil
}

func (s *Service) ListMessages(ctx context.Context, userID uint64, sessionID string, limit int, beforeID uint64) ([]Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if _, err := s.ValidateParticipant(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	return s.repo.ListMessages(ctx, sessionID, limit, beforeID)
}

func (s *Service) publish(ctx context.Context, ev MessageEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishMessageCreated(ctx, ev); err != nil {
		s.log.Warn("publish message event failed",
			zap.String("session_id", ev.SessionID),
			zap.Uint64("message_id", ev.MessageID),
			zap.Error(err),
		)
	}
}

// Package intent captures a chat request made before sign-in and resumes it
// once an identity is established.
//
// A device holds at most one pending intent. It is consumed exactly once:
// read, cleared, then acted upon. A crash between clearing and resolving
// loses the intent instead of risking a duplicate chat.
package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/suPer8Hu/rental-chat/internal/common"
	"github.com/suPer8Hu/rental-chat/internal/logger"
	"go.uber.org/zap"
)

// PendingKey is the single storage slot for a device's pending intent.
const PendingKey = "pending_chat_intent"

const ActionContactAgent = "contact_agent"

type Intent struct {
	ApplicationID string    `json:"applicationId"`
	PropertyTitle string    `json:"propertyTitle"`
	PropertyID    string    `json:"propertyId,omitempty"`
	Action        string    `json:"action,omitempty"`
	CapturedAt    time.Time `json:"capturedAt,omitzero"`
}

func (in Intent) Validate() error {
	if strings.TrimSpace(in.ApplicationID) == "" {
		return fmt.Errorf("intent needs an application id: %w", common.ErrValidation)
	}
	return nil
}

// KV is durable device-local storage. Get reports ok=false for a missing key.
// Take reads and deletes key as one step: of several concurrent callers at
// most one gets ok=true.
type KV interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Take(ctx context.Context, key string) (value string, ok bool, err error)
}

// Resolver is the chat session manager, local or remote.
type Resolver interface {
	ResolveSession(ctx context.Context, applicationID string) (string, error)
}

// Navigator receives the "open this chat" directive.
type Navigator interface {
	NavigateToSession(sessionID string)
}

// Notifier shows a non-fatal message to the user.
type Notifier interface {
	Notify(message string)
}

type NavigatorFunc func(sessionID string)

func (f NavigatorFunc) NavigateToSession(sessionID string) { f(sessionID) }

type NotifierFunc func(message string)

func (f NotifierFunc) Notify(message string) { f(message) }

const resolveFailedNotice = "We couldn't open the chat with the agent. Please tap \"Contact agent\" again."

type Coordinator struct {
	kv       KV
	resolver Resolver
	nav      Navigator
	notifier Notifier
	log      *zap.Logger

	// mu keeps consumers of this coordinator in order; other coordinators on
	// the same device rely on KV.Take.
	mu sync.Mutex
}

// NewCoordinator wires the coordinator; nav and notifier may be nil.
func NewCoordinator(kv KV, resolver Resolver, nav Navigator, notifier Notifier, log *zap.Logger) *Coordinator {
	return &Coordinator{
		kv:       kv,
		resolver: resolver,
		nav:      nav,
		notifier: notifier,
		log:      logger.OrNop(log).Named("intent"),
	}
}

// Capture stores in as the device's pending intent, replacing any previous one.
func (c *Coordinator) Capture(ctx context.Context, in Intent) error {
	if err := in.Validate(); err != nil {
		return err
	}
	in.ApplicationID = strings.TrimSpace(in.ApplicationID)
	if in.Action == "" {
		in.Action = ActionContactAgent
	}
	if in.CapturedAt.IsZero() {
		in.CapturedAt = time.Now().UTC()
	}
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	if err := c.kv.Set(ctx, PendingKey, string(b)); err != nil {
		return fmt.Errorf("store intent: %w", err)
	}
	c.log.Info("intent captured", zap.String("application_id", in.ApplicationID))
	return nil
}

// Pending returns the stored intent without consuming it.
func (c *Coordinator) Pending(ctx context.Context) (*Intent, error) {
	raw, ok, err := c.kv.Get(ctx, PendingKey)
	if err != nil || !ok {
		return nil, err
	}
	var in Intent
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return nil, err
	}
	return &in, nil
}

type Result struct {
	Intent    *Intent
	SessionID string
}

// ConsumeAndResolve runs once per established identity. With no identity or no
// pending intent it returns (nil, nil). Otherwise the record is removed before
// resolving. A resolution failure is logged and notified; the intent is not
// restored, and the error is returned for inspection only.
func (c *Coordinator) ConsumeAndResolve(ctx context.Context, identity string) (*Result, error) {
	if strings.TrimSpace(identity) == "" {
		return nil, nil
	}

	in, err := c.take(ctx)
	if err != nil || in == nil {
		return nil, err
	}

	sessionID, err := c.resolver.ResolveSession(ctx, in.ApplicationID)
	if err != nil {
		c.log.Warn("deferred chat resolution failed",
			zap.String("identity", identity),
			zap.String("application_id", in.ApplicationID),
			zap.Error(err),
		)
		if c.notifier != nil {
			c.notifier.Notify(resolveFailedNotice)
		}
		return &Result{Intent: in}, err
	}

	c.log.Info("deferred chat resolved",
		zap.String("identity", identity),
		zap.String("application_id", in.ApplicationID),
		zap.String("session_id", sessionID),
	)
	if c.nav != nil {
		c.nav.NavigateToSession(sessionID)
	}
	return &Result{Intent: in, SessionID: sessionID}, nil
}

// take reads and clears the pending record in one step.
func (c *Coordinator) take(ctx context.Context) (*Intent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, ok, err := c.kv.Take(ctx, PendingKey)
	if err != nil {
		return nil, fmt.Errorf("take intent: %w", err)
	}
	if !ok {
		return nil, nil
	}

	var in Intent
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		c.log.Warn("dropping unreadable intent", zap.Error(err))
		return nil, nil
	}
	if err := in.Validate(); err != nil {
		c.log.Warn("dropping invalid intent", zap.Error(err))
		return nil, nil
	}
	return &in, nil
}

// Run consumes one pending intent per sign-in event until ctx ends or the
// channel closes. Failures never stop the loop.
func (c *Coordinator) Run(ctx context.Context, signIns <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case identity, ok := <-signIns:
			if !ok {
				return
			}
			if _, err := c.ConsumeAndResolve(ctx, identity); err != nil && !errors.Is(err, context.Canceled) {
				c.log.Debug("sign-in resume finished with error", zap.Error(err))
			}
		}
	}
}

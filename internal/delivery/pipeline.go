// Package delivery moves outgoing chat messages through
// sending -> sent|failed -> delivered and reports every step.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/suPer8Hu/rental-chat/internal/common"
	"github.com/suPer8Hu/rental-chat/internal/logger"
	"github.com/suPer8Hu/rental-chat/internal/retry"
	"go.uber.org/zap"
)

// Transport performs one network submission. clientID is stable across
// resubmissions of the same message.
type Transport interface {
	SubmitMessage(ctx context.Context, sessionID, clientID, body string, sentAt time.Time) (uint64, error)
}

// Reachability is a hint only; it never blocks a submission.
type Reachability interface {
	Online() bool
}

// Message is the client-side handle for one outgoing message.
type Message struct {
	ClientID  string
	SessionID string
	Body      string
	CreatedAt time.Time

	// emitMu orders state change + listener calls for this message.
	emitMu sync.Mutex

	mu       sync.RWMutex
	state    State
	serverID uint64
	err      error
	attempts int
}

func (m *Message) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// ServerID is set once the message reached sent.
func (m *Message) ServerID() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.serverID
}

// Err is the failure that moved the message to failed, if any.
func (m *Message) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

// Attempts counts network submissions across all sends of this message.
func (m *Message) Attempts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.attempts
}

type Pipeline struct {
	transport Transport
	reach     Reachability
	policy    retry.Policy
	log       *zap.Logger

	lmu       sync.RWMutex
	listeners []func(Transition)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPipeline builds a pipeline. reach may be nil.
func NewPipeline(t Transport, reach Reachability, policy retry.Policy, log *zap.Logger) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		transport: t,
		reach:     reach,
		policy:    policy,
		log:       logger.OrNop(log).Named("delivery"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// OnTransition registers fn for every state change of every message.
// Calls for one message are strictly ordered.
func (p *Pipeline) OnTransition(fn func(Transition)) {
	p.lmu.Lock()
	defer p.lmu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Send validates locally, returns a handle already in sending, and submits in
// the background. Once issued the submission is not tied to ctx; only Close
// abandons pending retries.
func (p *Pipeline) Send(ctx context.Context, sessionID, body string) (*Message, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("session id is required: %w", common.ErrValidation)
	}
	if strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("message body is empty: %w", common.ErrValidation)
	}

	m := &Message{
		ClientID:  uuid.NewString(),
		SessionID: sessionID,
		Body:      body,
		CreatedAt: time.Now(),
	}
	m.emitMu.Lock()
	m.mu.Lock()
	m.state = Sending
	m.mu.Unlock()
	p.emit(Transition{ClientID: m.ClientID, SessionID: sessionID, To: Sending})
	m.emitMu.Unlock()

	p.dispatch(ctx, m)
	return m, nil
}

// Resend moves a failed message back to sending and submits it again.
func (p *Pipeline) Resend(ctx context.Context, m *Message) error {
	if err := p.transition(m, Sending, nil); err != nil {
		return err
	}
	p.dispatch(ctx, m)
	return nil
}

// MarkDelivered records a recipient-side confirmation. Nothing in this
// repository produces one yet; it exists for a future receipt signal.
func (p *Pipeline) MarkDelivered(m *Message) error {
	return p.transition(m, Delivered, nil)
}

// Wait blocks until every in-flight submission has settled.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Close abandons pending backoff waits (those messages end up failed) and
// waits for in-flight work.
func (p *Pipeline) Close() {
	p.cancel()
	p.wg.Wait()
}

func (p *Pipeline) dispatch(ctx context.Context, m *Message) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.submit(context.WithoutCancel(ctx), m)
	}()
}

func (p *Pipeline) submit(ctx context.Context, m *Message) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	if p.reach != nil && !p.reach.Online() {
		p.log.Debug("offline hint, attempting anyway", zap.String("client_id", m.ClientID))
	}

	policy := p.policy
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		p.log.Info("send failed, retrying",
			zap.String("client_id", m.ClientID),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	id, err := retry.Do(ctx, policy, func(actx context.Context, attempt int) (uint64, error) {
		m.mu.Lock()
		m.attempts++
		m.mu.Unlock()
		return p.transport.SubmitMessage(actx, m.SessionID, m.ClientID, m.Body, m.CreatedAt)
	})
	if err != nil {
		p.log.Warn("send failed",
			zap.String("client_id", m.ClientID),
			zap.String("session_id", m.SessionID),
			zap.Bool("cancelled", errors.Is(err, common.ErrCancelled)),
			zap.Error(err),
		)
		if terr := p.transition(m, Failed, err); terr != nil {
			p.log.Error("record failure", zap.Error(terr))
		}
		return
	}

	m.mu.Lock()
	m.serverID = id
	m.mu.Unlock()
	if terr := p.transition(m, Sent, nil); terr != nil {
		p.log.Error("record success", zap.Error(terr))
	}
}

func (p *Pipeline) transition(m *Message, to State, cause error) error {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	from := m.state
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return &IllegalTransitionError{From: from, To: to}
	}
	m.state = to
	switch to {
	case Failed:
		m.err = cause
	case Sending:
		m.err = nil
	}
	m.mu.Unlock()

	p.emit(Transition{ClientID: m.ClientID, SessionID: m.SessionID, From: from, To: to, Err: cause})
	return nil
}

func (p *Pipeline) emit(tr Transition) {
	p.lmu.RLock()
	fns := slices.Clone(p.listeners)
	p.lmu.RUnlock()
	for _, fn := range fns {
		fn(tr)
	}
}

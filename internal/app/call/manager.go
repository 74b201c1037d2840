package call

import (
	"context"
	"sync"

	"github.com/dkeye/callconsole/internal/core"
	"github.com/dkeye/callconsole/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Manager owns the agent's single live session.
type Manager struct {
	deps       Deps
	cfg        Config
	normalizer core.Normalizer

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	current *Session
}

func NewManager(normalizer core.Normalizer, deps Deps, cfg Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		deps:       deps,
		cfg:        cfg,
		normalizer: normalizer,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// PlaceCall validates raw and starts a session for it. Invalid numbers are
// rejected before any media is requested, and a second call is refused while
// one is still live.
func (m *Manager) PlaceCall(raw string) (*Session, error) {
	number, err := m.normalizer.Normalize(raw)
	if err != nil {
		log.Info().Str("module", "app.call").Str("raw", raw).Err(err).Msg("number rejected")
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && !m.current.State().IsTerminal() {
		return nil, domain.ErrCallInProgress
	}
	s := newSession(m.ctx, domain.CallID(uuid.NewString()), number, m.deps, m.cfg)
	m.current = s
	s.start()
	m.deps.Metrics.CallPlaced()
	log.Info().Str("module", "app.call").Str("call_id", string(s.ID())).Str("number", number.String()).Msg("call placed")
	return s, nil
}

// Current returns the most recent session, live or not.
func (m *Manager) Current() (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.current != nil
}

// Active returns the live session if there is one.
func (m *Manager) Active() (*Session, bool) {
	s, ok := m.Current()
	if !ok || s.State().IsTerminal() {
		return nil, false
	}
	return s, true
}

func (m *Manager) Hangup() error {
	s, ok := m.Active()
	if !ok {
		return domain.ErrNoActiveCall
	}
	s.Hangup()
	return nil
}

func (m *Manager) SetMuted(muted bool) error {
	s, ok := m.Active()
	if !ok {
		return domain.ErrNoActiveCall
	}
	return s.SetMuted(muted)
}

// Shutdown hangs up the live call and waits for it to release its resources.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()
	s, ok := m.Current()
	if !ok {
		return nil
	}
	select {
	case <-s.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Package broker manages per-account broker sessions: factory selection,
// bounded connects, guaranteed release and the emergency shutdown path.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/rebalancer/internal/domain"
)

// Config holds session manager settings
type Config struct {
	DefaultKind       string        // Used when an account has no broker_kind
	ConnectTimeout    time.Duration // Bound on Connect
	DisconnectTimeout time.Duration // Bound on Disconnect during release
	RequestTimeout    time.Duration // Bound on every call made through a handle
	CacheTTL          time.Duration // Snapshot and price reuse window
	SessionIDBase     int
	SessionIDStride   int
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		DefaultKind:       "tradernet",
		ConnectTimeout:    10 * time.Second,
		DisconnectTimeout: 5 * time.Second,
		RequestTimeout:    30 * time.Second,
		CacheTTL:          30 * time.Second,
		SessionIDBase:     1000,
		SessionIDStride:   10,
	}
}

// Handle is one acquired session. It belongs to a single account execution.
type Handle struct {
	ID        uuid.UUID
	SessionID int
	AccountID string
	Kind      string
	OpenedAt  time.Time

	session  *CachedSession
	released atomic.Bool
}

// Session returns the cached session for broker calls
func (h *Handle) Session() *CachedSession {
	return h.session
}

// HandleInfo describes an open handle for status reporting
type HandleInfo struct {
	ID        string    `json:"id"`
	SessionID int       `json:"session_id"`
	AccountID string    `json:"account_id"`
	Kind      string    `json:"broker_kind"`
	OpenedAt  time.Time `json:"opened_at"`
}

// Manager creates, tracks and releases broker sessions
type Manager struct {
	cfg Config

	factoryMu sync.RWMutex
	factories map[string]domain.BrokerFactory

	mu      sync.Mutex
	handles map[uuid.UUID]*Handle

	onOpenChange func(open int)
	now          func() time.Time
	log          zerolog.Logger
}

// NewManager creates a manager with no registered brokers
func NewManager(cfg Config, log zerolog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = def.DisconnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.SessionIDStride <= 0 {
		cfg.SessionIDStride = def.SessionIDStride
	}
	return &Manager{
		cfg:       cfg,
		factories: make(map[string]domain.BrokerFactory),
		handles:   make(map[uuid.UUID]*Handle),
		now:       time.Now,
		log:       log.With().Str("component", "broker_manager").Logger(),
	}
}

// Register adds a connector factory for a broker kind
func (m *Manager) Register(kind string, factory domain.BrokerFactory) {
	m.factoryMu.Lock()
	defer m.factoryMu.Unlock()
	m.factories[strings.ToLower(kind)] = factory
}

// Kinds returns the registered broker kinds
func (m *Manager) Kinds() []string {
	m.factoryMu.RLock()
	defer m.factoryMu.RUnlock()
	kinds := make([]string, 0, len(m.factories))
	for k := range m.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// OnOpenSessionsChanged sets a callback invoked with the open handle count
func (m *Manager) OnOpenSessionsChanged(fn func(open int)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOpenChange = fn
}

// SessionID returns the broker session id for the index-th account of a dispatch
func (m *Manager) SessionID(index int) int {
	return m.cfg.SessionIDBase + index*m.cfg.SessionIDStride
}

func (m *Manager) resolveKind(account domain.AccountConfig) string {
	kind := strings.ToLower(strings.TrimSpace(account.BrokerKind))
	if kind == "" {
		kind = strings.ToLower(m.cfg.DefaultKind)
	}
	return kind
}

// Acquire builds, connects and registers a session for account
func (m *Manager) Acquire(ctx context.Context, account domain.AccountConfig, sessionID int) (*Handle, error) {
	kind := m.resolveKind(account)

	m.factoryMu.RLock()
	factory, ok := m.factories[kind]
	m.factoryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedBroker, kind)
	}

	session, err := factory(account, sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrUnsupportedBroker) {
			return nil, err
		}
		return nil, &domain.BrokerConnectionError{BrokerKind: kind, AccountID: account.AccountID, SessionID: sessionID, Err: err}
	}

	connectCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	start := m.now()
	if err := session.Connect(connectCtx); err != nil {
		if connectCtx.Err() != nil && ctx.Err() == nil {
			err = fmt.Errorf("connect timed out after %s: %w", m.cfg.ConnectTimeout, err)
		}
		m.disconnect(session, account.AccountID, sessionID)
		return nil, &domain.BrokerConnectionError{BrokerKind: kind, AccountID: account.AccountID, SessionID: sessionID, Err: err}
	}

	h := &Handle{
		ID:        uuid.New(),
		SessionID: sessionID,
		AccountID: account.AccountID,
		Kind:      kind,
		OpenedAt:  m.now(),
		session:   NewCachedSession(session, m.cfg.CacheTTL, m.cfg.RequestTimeout),
	}

	m.mu.Lock()
	m.handles[h.ID] = h
	open := len(m.handles)
	notify := m.onOpenChange
	m.mu.Unlock()
	if notify != nil {
		notify(open)
	}

	m.log.Info().
		Str("account_id", account.AccountID).
		Int("session_id", sessionID).
		Str("broker", kind).
		Dur("connect_time", m.now().Sub(start)).
		Msg("Broker session opened")

	return h, nil
}

// Release disconnects and unregisters a handle. Safe to call more than once.
func (m *Manager) Release(h *Handle) {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return
	}

	m.mu.Lock()
	delete(m.handles, h.ID)
	open := len(m.handles)
	notify := m.onOpenChange
	m.mu.Unlock()
	if notify != nil {
		notify(open)
	}

	m.disconnect(h.session.Unwrap(), h.AccountID, h.SessionID)
	m.log.Debug().
		Str("account_id", h.AccountID).
		Int("session_id", h.SessionID).
		Msg("Broker session released")
}

func (m *Manager) disconnect(session domain.BrokerSession, accountID string, sessionID int) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DisconnectTimeout)
	defer cancel()
	if err := session.Disconnect(ctx); err != nil {
		m.log.Warn().Err(err).
			Str("account_id", accountID).
			Int("session_id", sessionID).
			Msg("Broker disconnect failed")
	}
}

// WithSession acquires a session, runs fn and always releases it. A panic in
// fn is recovered and returned as an error.
func (m *Manager) WithSession(ctx context.Context, account domain.AccountConfig, sessionID int, fn func(ctx context.Context, h *Handle) error) (err error) {
	h, err := m.Acquire(ctx, account, sessionID)
	if err != nil {
		return err
	}
	defer m.Release(h)

	defer func() {
		if r := recover(); r != nil {
			m.log.Error().
				Interface("panic", r).
				Str("account_id", account.AccountID).
				Msg("Panic during broker session")
			err = fmt.Errorf("panic during session for %s: %v", account.AccountID, r)
		}
	}()

	return fn(ctx, h)
}

// CloseAll force-releases every open handle and returns how many were closed.
// It is the emergency path for process shutdown.
func (m *Manager) CloseAll() int {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	closed := 0
	for _, h := range handles {
		if !h.released.Load() {
			m.Release(h)
			closed++
		}
	}

	if closed > 0 {
		m.log.Warn().Int("closed", closed).Msg("Force-closed open broker sessions")
	}
	return closed
}

// OpenCount returns the number of registered handles
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// Open lists the registered handles, oldest first
func (m *Manager) Open() []HandleInfo {
	m.mu.Lock()
	out := make([]HandleInfo, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, HandleInfo{
			ID:        h.ID.String(),
			SessionID: h.SessionID,
			AccountID: h.AccountID,
			Kind:      h.Kind,
			OpenedAt:  h.OpenedAt,
		})
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

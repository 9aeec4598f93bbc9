package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/pinpoint/backend/internal/entries"
	"github.com/MarcoPoloResearchLab/pinpoint/backend/internal/preserve"
	"go.uber.org/zap"
)

const (
	markerKeyPrefix = "session:"
	markerPayload   = "1"
)

// ManagerConfig describes the dependencies of the session identity manager.
type ManagerConfig struct {
	Tiers      []preserve.Store
	TTL        time.Duration
	IDProvider entries.IDProvider
	Logger     *zap.Logger
}

// Manager produces a stable anonymous session identifier scoped to one
// browsing context. It never fails: when identifier generation or every
// storage tier is unavailable it falls back to a process-local identifier
// so the caller can always proceed.
type Manager struct {
	tiers      []preserve.Store
	ttl        time.Duration
	idProvider entries.IDProvider
	logger     *zap.Logger

	mu         sync.Mutex
	fallbackID string
}

// NewManager constructs the session identity manager.
func NewManager(cfg ManagerConfig) *Manager {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = preserve.DefaultTTL
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = entries.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		tiers:      cfg.Tiers,
		ttl:        ttl,
		idProvider: idProvider,
		logger:     logger,
	}
}

// SessionID returns the identifier for the current browsing context. A
// non-empty existing identifier is kept and its liveness marker refreshed;
// otherwise a new cryptographically random identifier is minted and
// persisted best-effort.
func (m *Manager) SessionID(ctx context.Context, existing string) string {
	if trimmed := strings.TrimSpace(existing); trimmed != "" {
		m.persistMarker(ctx, trimmed)
		return trimmed
	}

	minted, err := m.idProvider.NewID()
	if err != nil {
		m.logger.Warn("session id generation failed, using fallback", zap.Error(err))
		return m.fallback()
	}
	m.persistMarker(ctx, minted)
	return minted
}

func (m *Manager) persistMarker(ctx context.Context, sessionID string) {
	key := markerKeyPrefix + sessionID
	for _, tier := range m.tiers {
		if err := tier.Save(ctx, key, []byte(markerPayload), m.ttl); err != nil {
			m.logger.Warn("session marker save failed",
				zap.String("tier", tier.Name()),
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
	}
}

// fallback returns a process-local identifier, minting it at most once.
func (m *Manager) fallback() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fallbackID != "" {
		return m.fallbackID
	}
	if minted, err := m.idProvider.NewID(); err == nil {
		m.fallbackID = minted
	} else {
		m.fallbackID = "session-fallback"
	}
	return m.fallbackID
}

package preserve

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pinpoint/backend/internal/entries"
	"go.uber.org/zap"
)

// DefaultTTL is the age past which a preserved guess set reads as absent.
const DefaultTTL = 24 * time.Hour

const payloadKeyPrefix = "guessset:"

var (
	errMissingTiers = errors.New("preserve: at least one tier is required")
	errMissingEmail = errors.New("preserve: email is required")
	noOpLogger      = zap.NewNop()
)

// ManagerConfig describes the ordered tier chain and its policies.
type ManagerConfig struct {
	Tiers  []Store
	TTL    time.Duration
	Clock  func() time.Time
	Logger *zap.Logger
}

// Manager writes the same guess set to every tier in priority order and
// reads from the first tier holding a well-formed, non-expired record.
type Manager struct {
	tiers  []Store
	ttl    time.Duration
	clock  func() time.Time
	logger *zap.Logger
}

// TierOutcome reports whether one tier accepted a save.
type TierOutcome struct {
	Tier     string
	Accepted bool
}

// NewManager constructs the preservation manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if len(cfg.Tiers) == 0 {
		return nil, errMissingTiers
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Manager{
		tiers:  cfg.Tiers,
		ttl:    ttl,
		clock:  clock,
		logger: logger,
	}, nil
}

// Save writes the guess set to every tier. Per-tier failures degrade
// redundancy, not correctness: they are logged and the remaining tiers are
// still attempted. The error is non-nil only when every tier rejected the
// write.
func (m *Manager) Save(ctx context.Context, guessSet entries.GuessSet) ([]TierOutcome, error) {
	if err := guessSet.Validate(); err != nil {
		return nil, err
	}
	if guessSet.CreatedAt.IsZero() {
		guessSet.CreatedAt = m.clock().UTC()
	}

	payload, err := json.Marshal(guessSet)
	if err != nil {
		return nil, err
	}

	key := payloadKey(guessSet.SessionID)
	outcomes := make([]TierOutcome, 0, len(m.tiers))
	accepted := 0
	for _, tier := range m.tiers {
		if saveErr := tier.Save(ctx, key, payload, m.ttl); saveErr != nil {
			m.logger.Warn("preservation tier rejected save",
				zap.String("tier", tier.Name()),
				zap.String("session_id", guessSet.SessionID),
				zap.Error(saveErr))
			outcomes = append(outcomes, TierOutcome{Tier: tier.Name(), Accepted: false})
			continue
		}
		accepted++
		outcomes = append(outcomes, TierOutcome{Tier: tier.Name(), Accepted: true})
	}

	if accepted == 0 {
		return outcomes, ErrNoTierAvailable
	}
	return outcomes, nil
}

// Load returns the first parseable, non-expired guess set across tiers, or
// (nil, nil) when none exists. Absence is a normal empty state, never an
// error: a caller cannot distinguish "all tiers down" from "never entered".
func (m *Manager) Load(ctx context.Context, sessionID string) (*entries.GuessSet, error) {
	key := payloadKey(sessionID)
	now := m.clock()
	for _, tier := range m.tiers {
		payload, err := tier.Load(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			m.logger.Warn("preservation tier read failed",
				zap.String("tier", tier.Name()),
				zap.String("session_id", sessionID),
				zap.Error(err))
			continue
		}

		var guessSet entries.GuessSet
		if err := json.Unmarshal(payload, &guessSet); err != nil {
			m.logger.Warn("preserved payload is malformed",
				zap.String("tier", tier.Name()),
				zap.String("session_id", sessionID),
				zap.Error(err))
			continue
		}
		if guessSet.ExpiredAt(now, m.ttl) {
			_ = tier.Clear(ctx, key)
			continue
		}
		return &guessSet, nil
	}
	return nil, nil
}

// Clear removes the session's preserved payload from every tier, best effort.
func (m *Manager) Clear(ctx context.Context, sessionID string) {
	key := payloadKey(sessionID)
	for _, tier := range m.tiers {
		if err := tier.Clear(ctx, key); err != nil {
			m.logger.Warn("preservation tier clear failed",
				zap.String("tier", tier.Name()),
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
	}
}

// Associate stamps the email onto the preserved guess set so the identity
// callback can later recover it by session even when the submission token
// was lost. Pending rows are not touched: migration looks them up by token.
func (m *Manager) Associate(ctx context.Context, sessionID, email string) error {
	trimmed := strings.TrimSpace(email)
	if trimmed == "" {
		return errMissingEmail
	}
	guessSet, err := m.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	if guessSet == nil {
		return ErrNothingPreserved
	}
	guessSet.Email = trimmed
	_, err = m.Save(ctx, *guessSet)
	return err
}

// AttachToken records a freshly minted submission token on the preserved
// copy. Tokens are write-once per submission attempt; a retry simply
// replaces the stale one, which ages out server-side via its own TTL.
func (m *Manager) AttachToken(ctx context.Context, sessionID, token string) error {
	guessSet, err := m.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	if guessSet == nil {
		return ErrNothingPreserved
	}
	guessSet.SubmissionToken = token
	_, err = m.Save(ctx, *guessSet)
	return err
}

// TTL exposes the configured preservation TTL.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

func payloadKey(sessionID string) string {
	return payloadKeyPrefix + sessionID
}

package preserve

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the tier holds no payload for the key.
	ErrNotFound = errors.New("preserve: record not found")
	// ErrNoTierAvailable indicates every configured tier rejected a write.
	ErrNoTierAvailable = errors.New("preserve: all tiers failed")
	// ErrNothingPreserved indicates no non-expired guess set exists for the session.
	ErrNothingPreserved = errors.New("preserve: nothing preserved for session")
)

// Store is one independent ephemeral backend in the fallback chain. Tiers
// are tried in a fixed priority order; each tier fails independently.
type Store interface {
	Name() string
	Save(ctx context.Context, key string, payload []byte, ttl time.Duration) error
	Load(ctx context.Context, key string) ([]byte, error)
	Clear(ctx context.Context, key string) error
}

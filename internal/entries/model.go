package entries

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidCompetitionID indicates that a competition identifier is empty or exceeds storage bounds.
	ErrInvalidCompetitionID = errors.New("entries: invalid competition id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("entries: invalid user id")
	// ErrInvalidSessionID indicates that a session identifier is empty or exceeds storage bounds.
	ErrInvalidSessionID = errors.New("entries: invalid session id")
)

// CompetitionID represents a validated competition identifier.
type CompetitionID string

// NewCompetitionID validates raw input and returns a CompetitionID.
func NewCompetitionID(rawInput string) (CompetitionID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCompetitionID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidCompetitionID, maxIdentifierLength)
	}
	return CompetitionID(trimmed), nil
}

// String returns the underlying string identifier.
func (id CompetitionID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// SessionID represents a validated anonymous session identifier.
type SessionID string

// NewSessionID validates raw input and returns a SessionID.
func NewSessionID(rawInput string) (SessionID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSessionID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidSessionID, maxIdentifierLength)
	}
	return SessionID(trimmed), nil
}

// String returns the underlying string identifier.
func (id SessionID) String() string {
	return string(id)
}

// Entry models one permanently recorded positional guess owned by a user.
type Entry struct {
	EntryID        string    `gorm:"column:entry_id;primaryKey;size:190;not null"`
	CompetitionID  string    `gorm:"column:competition_id;size:190;not null;index:idx_entries_comp_user,priority:1"`
	UserID         string    `gorm:"column:user_id;size:190;not null;index:idx_entries_comp_user,priority:2"`
	X              float64   `gorm:"column:x;not null"`
	Y              float64   `gorm:"column:y;not null"`
	PricePaid      float64   `gorm:"column:price_paid;not null"`
	SequenceNumber int       `gorm:"column:sequence_number;not null"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "entries"
}

// Source kinds recorded on migration claims.
const (
	SourceKindToken   = "token"
	SourceKindSession = "session"
)

// MigrationClaim is the at-most-once guard for migrating a non-tokenized
// source. The composite primary key makes a second claim for the same
// source a conflict rather than a duplicate migration.
type MigrationClaim struct {
	SourceKind    string    `gorm:"column:source_kind;primaryKey;size:32;not null"`
	SourceKey     string    `gorm:"column:source_key;primaryKey;size:190;not null"`
	CompetitionID string    `gorm:"column:competition_id;primaryKey;size:190;not null"`
	UserID        string    `gorm:"column:user_id;size:190;not null"`
	ClaimedAt     time.Time `gorm:"column:claimed_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (MigrationClaim) TableName() string {
	return "migration_claims"
}

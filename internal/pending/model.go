package pending

import (
	"errors"
	"fmt"
	"time"
)

// Status enumerates the lifecycle of a pending guess row.
type Status string

const (
	// StatusPendingConfirmation marks a row awaiting migration.
	StatusPendingConfirmation Status = "pending_confirmation"
	// StatusConfirmed marks a row consumed by a successful migration.
	StatusConfirmed Status = "confirmed"
	// StatusExpired marks a row aged past its TTL by the sweep.
	StatusExpired Status = "expired"
)

// ErrInvalidStatus indicates an unknown status value.
var ErrInvalidStatus = errors.New("pending: invalid status")

// allowedTransitions is the closed transition table. Every state change
// goes through a conditional update guarded by the current status, so a
// transition absent from this table cannot be expressed at all.
var allowedTransitions = map[Status][]Status{
	StatusPendingConfirmation: {StatusConfirmed, StatusExpired},
}

// ParseStatus validates a raw status value.
func ParseStatus(raw string) (Status, error) {
	switch Status(raw) {
	case StatusPendingConfirmation, StatusConfirmed, StatusExpired:
		return Status(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// CanTransitionTo reports whether the transition table permits the change.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Guess is one server-held pending row. A token groups the rows of one
// guess set; a token is never reused across guess sets.
type Guess struct {
	Token          string    `gorm:"column:token;primaryKey;size:190;not null;index:idx_pending_token_status,priority:1"`
	SequenceNumber int       `gorm:"column:sequence_number;primaryKey;not null"`
	CompetitionID  string    `gorm:"column:competition_id;size:190;not null"`
	X              float64   `gorm:"column:x;not null"`
	Y              float64   `gorm:"column:y;not null"`
	UnitPrice      float64   `gorm:"column:unit_price;not null"`
	ImageRef       string    `gorm:"column:image_ref;size:512"`
	Email          string    `gorm:"column:email;size:320"`
	Status         Status    `gorm:"column:status;size:32;not null;index:idx_pending_token_status,priority:2"`
	CreatedAt      time.Time `gorm:"column:created_at;not null"`
	ExpiresAt      time.Time `gorm:"column:expires_at;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (Guess) TableName() string {
	return "pending_guesses"
}

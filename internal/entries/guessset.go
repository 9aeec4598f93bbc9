package entries

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEmptyGuessSet indicates a guess set with no guesses where at least one is required.
	ErrEmptyGuessSet = errors.New("entries: guess set has no guesses")
	// ErrInvalidGuess indicates a guess with out-of-frame coordinates.
	ErrInvalidGuess = errors.New("entries: invalid guess")
)

// Guess is one positional pick inside a guess set. Guesses are append-only:
// once added to a GuessSet they are never mutated or removed.
type Guess struct {
	ID         string    `json:"id"`
	X          float64   `json:"x"`
	Y          float64   `json:"y"`
	CapturedAt time.Time `json:"captured_at"`
}

// GuessSet is the anonymous, pre-authentication collection of a user's
// positional guesses for one competition. It is the payload preserved
// redundantly on ephemeral tiers and, optionally, tokenized into pending
// rows server-side.
type GuessSet struct {
	SessionID        string    `json:"session_id"`
	CompetitionID    string    `json:"competition_id"`
	CompetitionTitle string    `json:"competition_title"`
	PrizeLabel       string    `json:"prize_label"`
	UnitPrice        float64   `json:"unit_price"`
	Guesses          []Guess   `json:"guesses"`
	ImageRef         string    `json:"image_ref"`
	CreatedAt        time.Time `json:"created_at"`
	Email            string    `json:"email,omitempty"`
	SubmissionToken  string    `json:"submission_token,omitempty"`
}

// AppendGuess returns a copy of the set with the guess added. The receiver
// is not modified, which keeps the append-only invariant cheap to reason
// about for callers holding older snapshots.
func (gs GuessSet) AppendGuess(guess Guess) GuessSet {
	appended := gs
	appended.Guesses = append(append([]Guess(nil), gs.Guesses...), guess)
	return appended
}

// Validate checks the structural invariants required before preservation.
func (gs GuessSet) Validate() error {
	if _, err := NewSessionID(gs.SessionID); err != nil {
		return err
	}
	if _, err := NewCompetitionID(gs.CompetitionID); err != nil {
		return err
	}
	if len(gs.Guesses) == 0 {
		return ErrEmptyGuessSet
	}
	for index, guess := range gs.Guesses {
		if guess.X < 0 || guess.Y < 0 {
			return fmt.Errorf("%w: guess %d has negative coordinates", ErrInvalidGuess, index)
		}
	}
	return nil
}

// ExpiredAt reports whether the set is past the preservation TTL at the
// provided instant. Expired sets are treated as absent by every reader.
func (gs GuessSet) ExpiredAt(now time.Time, ttl time.Duration) bool {
	if gs.CreatedAt.IsZero() {
		return true
	}
	return now.Sub(gs.CreatedAt) > ttl
}

package membership

import (
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"libranexus/lending/internal/activity"
	"libranexus/lending/internal/lending"
)

// Member represents a library member.
type Member struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Email     string    `json:"email" db:"email"`
	Name      string    `json:"name" db:"name"`
	Address   string    `json:"address,omitempty" db:"address"`
	IsAdmin   bool      `json:"is_admin" db:"is_admin"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Credential represents a member's login credentials.
type Credential struct {
	MemberID     uuid.UUID `db:"member_id"`
	PasswordHash string    `db:"password_hash"`
	Salt         string    `db:"salt"`
}

// Registration is the input for a new member.
type Registration struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Address  string `json:"address"`
	Password string `json:"password"`
	IsAdmin  bool   `json:"is_admin"`
}

// ProfileLoan is an active loan as shown on a member's profile.
type ProfileLoan struct {
	lending.Loan
	Title         string `json:"title"`
	DaysRemaining int    `json:"days_remaining"`
}

// Profile is everything a member sees about their own account.
type Profile struct {
	Member           Member                `json:"member"`
	OutstandingCents int64                 `json:"outstanding_fines_cents"`
	Loans            []ProfileLoan         `json:"loans"`
	Reservations     []lending.Reservation `json:"reservations"`
	Activity         []activity.Entry      `json:"activity"`
}

const minPasswordLen = 8

var (
	// ErrMemberNotFound is shared with the lending engine so both classify alike.
	ErrMemberNotFound     = lending.ErrMemberNotFound
	ErrEmailTaken         = errors.New("email is already registered")
	ErrInvalidMember      = errors.New("invalid member")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrTooManyAttempts    = errors.New("too many login attempts")
)

func (r *Registration) normalize() error {
	r.Email = normalizeEmail(r.Email)
	r.Name = strings.TrimSpace(r.Name)
	r.Address = strings.TrimSpace(r.Address)
	if _, err := mail.ParseAddress(r.Email); err != nil {
		return invalidMember("a valid email is required")
	}
	if r.Name == "" {
		return invalidMember("name is required")
	}
	if len(r.Password) < minPasswordLen {
		return invalidMember("password must be at least 8 characters")
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

type invalidError string

func (e invalidError) Error() string { return "invalid member: " + string(e) }
func (e invalidError) Unwrap() error { return ErrInvalidMember }

func invalidMember(msg string) error { return invalidError(msg) }

// daysRemaining counts calendar days from now until due, negative once the
// due day has passed.
func daysRemaining(due, now time.Time) int {
	day := 24 * time.Hour
	return int(due.UTC().Truncate(day).Sub(now.UTC().Truncate(day)) / day)
}

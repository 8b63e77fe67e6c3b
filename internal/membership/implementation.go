package membership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"libranexus/lending/internal/activity"
	"libranexus/lending/internal/clock"
	"libranexus/lending/internal/lending"
	"libranexus/lending/internal/store"
	"libranexus/lending/internal/web"
)

// Lending is the part of the lending engine a profile is built from.
type Lending interface {
	CheckAndApplyFines(ctx context.Context, memberID uuid.UUID) ([]lending.Fine, error)
	OutstandingFines(ctx context.Context, memberID uuid.UUID) (int64, error)
	Loans(ctx context.Context, memberID uuid.UUID, activeOnly bool) ([]lending.Loan, error)
	Reservations(ctx context.Context, memberID uuid.UUID) ([]lending.Reservation, error)
}

// service implements the Service interface.
type service struct {
	db       *store.DB
	log      *activity.Log
	lending  Lending
	now      clock.Clock
	logger   *slog.Logger
	tracer   trace.Tracer
	attempts *web.RateLimiter
}

// NewService creates a new membership service instance. Login attempts are
// limited to five a minute per email.
func NewService(db *store.DB, log *activity.Log, lending Lending, now clock.Clock, logger *slog.Logger) Service {
	return &service{
		db:       db,
		log:      log,
		lending:  lending,
		now:      now,
		logger:   logger,
		tracer:   otel.Tracer("libranexus/membership"),
		attempts: web.NewRateLimiter(5.0/60, 5),
	}
}

var memberColumns = []interface{}{"id", "email", "name", "address", "is_admin", "created_at"}

// RegisterMember creates a new member with argon2id credentials.
func (s *service) RegisterMember(ctx context.Context, reg Registration) (*Member, error) {
	ctx, span := s.tracer.Start(ctx, "membership.register")
	defer span.End()

	if err := reg.normalize(); err != nil {
		return nil, err
	}
	hash, salt, err := hashPassword(reg.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate member id: %w", err)
	}

	member := &Member{
		ID:        id,
		Email:     reg.Email,
		Name:      reg.Name,
		Address:   reg.Address,
		IsAdmin:   reg.IsAdmin,
		CreatedAt: s.now(),
	}
	err = s.db.WithTx(ctx, "membership.register", func(ctx context.Context, tx *store.Tx) error {
		ins := tx.Builder().Insert("members").Rows(goqu.Record{
			"id":         member.ID,
			"email":      member.Email,
			"name":       member.Name,
			"address":    member.Address,
			"is_admin":   member.IsAdmin,
			"created_at": member.CreatedAt,
		})
		if _, err := store.Exec(ctx, tx, ins); err != nil {
			if store.IsUniqueViolation(err) {
				return ErrEmailTaken
			}
			return fmt.Errorf("insert member: %w", err)
		}

		cred := tx.Builder().Insert("credentials").Rows(goqu.Record{
			"member_id":     member.ID,
			"password_hash": hash,
			"salt":          salt,
		})
		if _, err := store.Exec(ctx, tx, cred); err != nil {
			return fmt.Errorf("insert credentials: %w", err)
		}
		return s.log.Append(ctx, tx, member.ID, "Registered")
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.String("member.id", member.ID.String()))
	s.logger.Info("member registered", "member_id", member.ID)
	return member, nil
}

// Authenticate verifies a member's credentials and returns the member if successful.
func (s *service) Authenticate(ctx context.Context, email, password string) (*Member, error) {
	ctx, span := s.tracer.Start(ctx, "membership.authenticate")
	defer span.End()

	email = normalizeEmail(email)
	if ok, _ := s.attempts.Allow(email, time.Now()); !ok {
		return nil, ErrTooManyAttempts
	}

	member, err := s.memberWhere(ctx, goqu.C("email").Eq(email))
	if errors.Is(err, ErrMemberNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	var cred Credential
	ds := s.db.Builder().From("credentials").
		Select("member_id", "password_hash", "salt").
		Where(goqu.C("member_id").Eq(member.ID))
	if err := store.Get(ctx, s.db, &cred, ds); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	ok, err := verifyPassword(password, cred.Salt, cred.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}
	if !ok {
		s.logger.Info("login rejected", "member_id", member.ID)
		return nil, ErrInvalidCredentials
	}
	return member, nil
}

// GetMember retrieves a member by their ID.
func (s *service) GetMember(ctx context.Context, id uuid.UUID) (*Member, error) {
	return s.memberWhere(ctx, goqu.C("id").Eq(id))
}

// Profile assesses the member's overdue loans and then returns their
// account: outstanding fines, active loans, reservations and recent activity.
func (s *service) Profile(ctx context.Context, id uuid.UUID) (*Profile, error) {
	ctx, span := s.tracer.Start(ctx, "membership.profile",
		trace.WithAttributes(attribute.String("member.id", id.String())))
	defer span.End()

	member, err := s.GetMember(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.lending.CheckAndApplyFines(ctx, id); err != nil {
		return nil, fmt.Errorf("assess fines: %w", err)
	}

	p := &Profile{Member: *member}
	if p.OutstandingCents, err = s.lending.OutstandingFines(ctx, id); err != nil {
		return nil, err
	}
	loans, err := s.lending.Loans(ctx, id, true)
	if err != nil {
		return nil, err
	}
	if p.Loans, err = s.profileLoans(ctx, loans); err != nil {
		return nil, err
	}
	if p.Reservations, err = s.lending.Reservations(ctx, id); err != nil {
		return nil, err
	}
	if p.Reservations == nil {
		p.Reservations = []lending.Reservation{}
	}
	if p.Activity, err = s.Activity(ctx, id, 20); err != nil {
		return nil, err
	}
	return p, nil
}

// Activity lists the member's most recent activity entries.
func (s *service) Activity(ctx context.Context, id uuid.UUID, limit int) ([]activity.Entry, error) {
	entries, err := s.log.List(ctx, id, limit)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []activity.Entry{}
	}
	return entries, nil
}

func (s *service) profileLoans(ctx context.Context, loans []lending.Loan) ([]ProfileLoan, error) {
	out := make([]ProfileLoan, 0, len(loans))
	if len(loans) == 0 {
		return out, nil
	}

	ids := make([]interface{}, len(loans))
	for i, l := range loans {
		ids[i] = l.BookID
	}
	var rows []struct {
		ID    uuid.UUID `db:"id"`
		Title string    `db:"title"`
	}
	ds := s.db.Builder().From("books").Select("id", "title").Where(goqu.C("id").In(ids...))
	if err := store.Select(ctx, s.db, &rows, ds); err != nil {
		return nil, fmt.Errorf("load titles: %w", err)
	}
	titles := make(map[uuid.UUID]string, len(rows))
	for _, r := range rows {
		titles[r.ID] = r.Title
	}

	now := s.now()
	for _, l := range loans {
		out = append(out, ProfileLoan{
			Loan:          l,
			Title:         titles[l.BookID],
			DaysRemaining: daysRemaining(l.DueDate, now),
		})
	}
	return out, nil
}

func (s *service) memberWhere(ctx context.Context, cond exp.Expression) (*Member, error) {
	ds := s.db.Builder().From("members").Select(memberColumns...).Where(cond)
	member, err := store.Retry(ctx, func() (*Member, error) {
		var m Member
		if err := store.Get(ctx, s.db, &m, ds); err != nil {
			return nil, err
		}
		return &m, nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrMemberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get member: %w", err)
	}
	return member, nil
}

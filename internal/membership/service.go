package membership

import (
	"context"

	"github.com/google/uuid"

	"libranexus/lending/internal/activity"
)

// Service defines the membership operations.
type Service interface {
	RegisterMember(ctx context.Context, reg Registration) (*Member, error)
	Authenticate(ctx context.Context, email, password string) (*Member, error)
	GetMember(ctx context.Context, id uuid.UUID) (*Member, error)
	Profile(ctx context.Context, id uuid.UUID) (*Profile, error)
	Activity(ctx context.Context, id uuid.UUID, limit int) ([]activity.Entry, error)
}

package catalog

import (
	"context"

	"github.com/google/uuid"

	"libranexus/lending/internal/lending"
)

// Service defines the catalog operations. Changes are attributed to the
// acting member in the activity log; the actor must exist.
type Service interface {
	AddBook(ctx context.Context, actor uuid.UUID, nb NewBook) (*Book, error)
	GetBook(ctx context.Context, id uuid.UUID) (*Book, error)
	ListBooks(ctx context.Context, opts ListOptions) ([]Book, error)
	UpdateBook(ctx context.Context, actor, id uuid.UUID, patch BookPatch) (*Book, error)
	DeleteBook(ctx context.Context, actor, id uuid.UUID) error
	AddCopy(ctx context.Context, actor, bookID uuid.UUID) (*CopyAdded, error)
	RetireCopy(ctx context.Context, actor, bookID uuid.UUID) (*Copy, error)
}

// Promoter hands a newly shelved copy to the head of the book's queue.
type Promoter interface {
	Promote(ctx context.Context, bookID uuid.UUID) (*lending.Promotion, error)
}

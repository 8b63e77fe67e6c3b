package audit

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"libranexus/lending/internal/catalog"
	"libranexus/lending/internal/clients"
	"libranexus/lending/internal/membership"
)

// Remote drives a lending server over HTTP.
type Remote struct {
	Client *clients.Client
}

func (r Remote) AddMember(ctx context.Context, name string) (uuid.UUID, error) {
	m, err := r.Client.RegisterMember(ctx, membership.Registration{
		Email:    fmt.Sprintf("audit-%s@example.com", uuid.NewString()),
		Name:     name,
		Password: uuid.NewString(),
	})
	if err != nil {
		return uuid.Nil, err
	}
	return m.ID, nil
}

func (r Remote) AddBook(ctx context.Context, actor uuid.UUID, title string, copies int) (uuid.UUID, error) {
	b, err := r.Client.AddBook(ctx, actor, catalog.NewBook{Title: title, Copies: copies})
	if err != nil {
		return uuid.Nil, err
	}
	return b.ID, nil
}

func (r Remote) Borrow(ctx context.Context, memberID, bookID uuid.UUID) (uuid.UUID, error) {
	loan, err := r.Client.Borrow(ctx, memberID, bookID)
	if err != nil {
		return uuid.Nil, err
	}
	return loan.ID, nil
}

func (r Remote) Return(ctx context.Context, loanID uuid.UUID) error {
	_, err := r.Client.Return(ctx, loanID)
	return err
}

func (r Remote) Reserve(ctx context.Context, memberID, bookID uuid.UUID) error {
	_, err := r.Client.Reserve(ctx, memberID, bookID)
	return err
}

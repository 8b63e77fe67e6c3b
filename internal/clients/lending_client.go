package clients

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"libranexus/lending/internal/lending"
)

type memberBook struct {
	MemberID uuid.UUID `json:"member_id"`
	BookID   uuid.UUID `json:"book_id"`
}

func (c *Client) Borrow(ctx context.Context, memberID, bookID uuid.UUID) (*lending.Loan, error) {
	var out lending.Loan
	if err := c.do(ctx, http.MethodPost, "/loans", memberBook{memberID, bookID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Return(ctx context.Context, loanID uuid.UUID) (*lending.ReturnResult, error) {
	var out lending.ReturnResult
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/loans/%s/return", loanID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Reserve(ctx context.Context, memberID, bookID uuid.UUID) (*lending.Reservation, error) {
	var out lending.Reservation
	if err := c.do(ctx, http.MethodPost, "/reservations", memberBook{memberID, bookID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) OutstandingFines(ctx context.Context, memberID uuid.UUID) (int64, error) {
	var out struct {
		Outstanding int64 `json:"outstanding_cents"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/members/%s/fines", memberID), nil, &out); err != nil {
		return 0, err
	}
	return out.Outstanding, nil
}

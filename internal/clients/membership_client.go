package clients

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"libranexus/lending/internal/membership"
)

func (c *Client) RegisterMember(ctx context.Context, reg membership.Registration) (*membership.Member, error) {
	var out membership.Member
	if err := c.do(ctx, http.MethodPost, "/members", reg, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetMember(ctx context.Context, id uuid.UUID) (*membership.Member, error) {
	var out membership.Member
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/members/%s", id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

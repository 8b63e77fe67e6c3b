package clients

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"libranexus/lending/internal/catalog"
)

// AddBook adds a book on behalf of actor.
func (c *Client) AddBook(ctx context.Context, actor uuid.UUID, book catalog.NewBook) (*catalog.Book, error) {
	in := struct {
		catalog.NewBook
		MemberID uuid.UUID `json:"member_id"`
	}{book, actor}
	var out catalog.Book
	if err := c.do(ctx, http.MethodPost, "/books", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetBook(ctx context.Context, id uuid.UUID) (*catalog.Book, error) {
	var out catalog.Book
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/books/%s", id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteBook(ctx context.Context, actor, id uuid.UUID) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/books/%s?%s", id, actorQuery(actor)), nil, nil)
}

func (c *Client) AddCopy(ctx context.Context, actor, bookID uuid.UUID) (*catalog.CopyAdded, error) {
	in := struct {
		MemberID uuid.UUID `json:"member_id"`
	}{actor}
	var out catalog.CopyAdded
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/books/%s/copies", bookID), in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RetireCopy(ctx context.Context, actor, bookID uuid.UUID) (*catalog.Copy, error) {
	var out catalog.Copy
	if err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/books/%s/copies?%s", bookID, actorQuery(actor)), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func actorQuery(actor uuid.UUID) string {
	return url.Values{"member_id": {actor.String()}}.Encode()
}

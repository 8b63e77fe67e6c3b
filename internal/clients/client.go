// Package clients talks to a running lending server over HTTP.
package clients

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"libranexus/lending/internal/catalog"
	"libranexus/lending/internal/lending"
	"libranexus/lending/internal/membership"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client is a lending API client. The zero value is not usable; use New.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for the server at baseURL.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// APIError is a non-2xx response. It unwraps to the domain error named by
// its reason so callers can match it with errors.Is.
type APIError struct {
	Status  int
	Reason  string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Reason, e.Message)
}

func (e *APIError) Unwrap() error {
	if err := lending.FromReason(e.Reason); err != nil {
		return err
	}
	return serviceReasons[e.Reason]
}

var serviceReasons = map[string]error{
	"invalid_book":        catalog.ErrInvalidBook,
	"no_free_copy":        catalog.ErrNoFreeCopy,
	"book_in_use":         catalog.ErrBookInUse,
	"email_taken":         membership.ErrEmailTaken,
	"invalid_member":      membership.ErrInvalidMember,
	"invalid_credentials": membership.ErrInvalidCredentials,
	"too_many_attempts":   membership.ErrTooManyAttempts,
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var problem struct {
			Error  string `json:"error"`
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&problem); err == nil {
			apiErr.Reason, apiErr.Message = problem.Reason, problem.Error
		} else {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

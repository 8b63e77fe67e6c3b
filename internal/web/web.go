// Package web holds the HTTP plumbing shared by the service handlers: JSON
// encoding, error responses, and the middleware stack.
package web

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxBody caps request bodies.
const maxBody = 1 << 20

// ErrBadRequest marks input the server refuses to act on.
var ErrBadRequest = errors.New("bad request")

// Problem is the error body every endpoint returns.
type Problem struct {
	Status  int    `json:"-"`
	Reason  string `json:"reason"`
	Message string `json:"error"`
}

// BadRequest builds an ErrBadRequest with a message.
func BadRequest(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// WriteProblem writes p as the response.
func WriteProblem(w http.ResponseWriter, p Problem) {
	JSON(w, p.Status, p)
}

// Decode reads a JSON body into dst. Unknown fields are rejected.
func Decode(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return BadRequest("invalid JSON body: %v", err)
	}
	return nil
}

// PathID parses the named chi URL parameter as a UUID.
func PathID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, BadRequest("invalid %s: %v", name, err)
	}
	return id, nil
}

// QueryID parses an optional UUID query parameter. A missing parameter
// yields uuid.Nil.
func QueryID(r *http.Request, name string) (uuid.UUID, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, BadRequest("invalid %s: %v", name, err)
	}
	return id, nil
}

// Classifier maps a domain error to a Problem. ok is false when the error is
// not one the classifier knows.
type Classifier func(err error) (p Problem, ok bool)

// Errors returns a function that writes err using the first classifier that
// recognises it. Bad requests map to 400 and anything else to 503, since
// every unclassified failure comes from the store.
func Errors(classifiers ...Classifier) func(w http.ResponseWriter, err error) {
	return func(w http.ResponseWriter, err error) {
		if errors.Is(err, ErrBadRequest) {
			WriteProblem(w, Problem{Status: http.StatusBadRequest, Reason: "bad_request", Message: err.Error()})
			return
		}
		for _, c := range classifiers {
			if p, ok := c(err); ok {
				if p.Message == "" {
					p.Message = err.Error()
				}
				WriteProblem(w, p)
				return
			}
		}
		WriteProblem(w, Problem{
			Status:  http.StatusServiceUnavailable,
			Reason:  "store_failure",
			Message: "the store is unavailable, try again",
		})
	}
}

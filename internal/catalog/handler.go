package catalog

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"libranexus/lending/internal/lending"
	"libranexus/lending/internal/web"
)

// FineAssessor runs the overdue check for a member before they browse.
type FineAssessor interface {
	CheckAndApplyFines(ctx context.Context, memberID uuid.UUID) ([]lending.Fine, error)
}

// Classify maps catalog errors to HTTP problems.
func Classify(err error) (web.Problem, bool) {
	switch {
	case errors.Is(err, ErrBookNotFound):
		return web.Problem{Status: http.StatusNotFound, Reason: "book_not_found"}, true
	case errors.Is(err, ErrInvalidBook):
		return web.Problem{Status: http.StatusBadRequest, Reason: "invalid_book"}, true
	case errors.Is(err, ErrNoFreeCopy):
		return web.Problem{Status: http.StatusConflict, Reason: "no_free_copy"}, true
	case errors.Is(err, ErrBookInUse):
		return web.Problem{Status: http.StatusConflict, Reason: "book_in_use"}, true
	}
	return web.Problem{}, false
}

type Handler struct {
	service  Service
	fines    FineAssessor
	writeErr func(http.ResponseWriter, error)
}

func NewHandler(service Service, fines FineAssessor) *Handler {
	return &Handler{
		service:  service,
		fines:    fines,
		writeErr: web.Errors(Classify, lending.Classify),
	}
}

// Routes registers the catalog endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/books", h.HandleListBooks)
	r.Post("/books", h.HandleAddBook)
	r.Get("/books/{id}", h.HandleGetBook)
	r.Patch("/books/{id}", h.HandleUpdateBook)
	r.Delete("/books/{id}", h.HandleDeleteBook)
	r.Post("/books/{id}/copies", h.HandleAddCopy)
	r.Delete("/books/{id}/copies", h.HandleRetireCopy)
}

// HandleListBooks lists the catalog. With member_id set, that member's
// overdue loans are fined first.
func (h *Handler) HandleListBooks(w http.ResponseWriter, r *http.Request) {
	memberID, err := web.QueryID(r, "member_id")
	if err != nil {
		h.writeErr(w, err)
		return
	}
	opts := ListOptions{}
	if opts.Limit, err = intParam(r, "limit"); err != nil {
		h.writeErr(w, err)
		return
	}
	if opts.Offset, err = intParam(r, "offset"); err != nil {
		h.writeErr(w, err)
		return
	}

	if memberID != uuid.Nil {
		if _, err := h.fines.CheckAndApplyFines(r.Context(), memberID); err != nil {
			h.writeErr(w, err)
			return
		}
	}

	books, err := h.service.ListBooks(r.Context(), opts)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if books == nil {
		books = []Book{}
	}
	web.JSON(w, http.StatusOK, books)
}

// HandleAddBook adds a book. Every catalog change names the acting member
// in member_id, in the body or, for deletes, the query.
func (h *Handler) HandleAddBook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NewBook
		MemberID uuid.UUID `json:"member_id"`
	}
	if err := web.Decode(r, &req); err != nil {
		h.writeErr(w, err)
		return
	}
	book, err := h.service.AddBook(r.Context(), req.MemberID, req.NewBook)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	web.JSON(w, http.StatusCreated, book)
}

func (h *Handler) HandleGetBook(w http.ResponseWriter, r *http.Request) {
	id, err := web.PathID(r, "id")
	if err != nil {
		h.writeErr(w, err)
		return
	}
	book, err := h.service.GetBook(r.Context(), id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	web.JSON(w, http.StatusOK, book)
}

func (h *Handler) HandleUpdateBook(w http.ResponseWriter, r *http.Request) {
	id, err := web.PathID(r, "id")
	if err != nil {
		h.writeErr(w, err)
		return
	}
	var req struct {
		BookPatch
		MemberID uuid.UUID `json:"member_id"`
	}
	if err := web.Decode(r, &req); err != nil {
		h.writeErr(w, err)
		return
	}
	book, err := h.service.UpdateBook(r.Context(), req.MemberID, id, req.BookPatch)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	web.JSON(w, http.StatusOK, book)
}

func (h *Handler) HandleDeleteBook(w http.ResponseWriter, r *http.Request) {
	id, err := web.PathID(r, "id")
	if err != nil {
		h.writeErr(w, err)
		return
	}
	member, err := web.QueryID(r, "member_id")
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if err := h.service.DeleteBook(r.Context(), member, id); err != nil {
		h.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleAddCopy(w http.ResponseWriter, r *http.Request) {
	id, err := web.PathID(r, "id")
	if err != nil {
		h.writeErr(w, err)
		return
	}
	var req struct {
		MemberID uuid.UUID `json:"member_id"`
	}
	if err := web.Decode(r, &req); err != nil {
		h.writeErr(w, err)
		return
	}
	added, err := h.service.AddCopy(r.Context(), req.MemberID, id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	web.JSON(w, http.StatusCreated, added)
}

func (h *Handler) HandleRetireCopy(w http.ResponseWriter, r *http.Request) {
	id, err := web.PathID(r, "id")
	if err != nil {
		h.writeErr(w, err)
		return
	}
	member, err := web.QueryID(r, "member_id")
	if err != nil {
		h.writeErr(w, err)
		return
	}
	c, err := h.service.RetireCopy(r.Context(), member, id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	web.JSON(w, http.StatusOK, c)
}

func intParam(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, web.BadRequest("invalid %s %q", name, raw)
	}
	return n, nil
}

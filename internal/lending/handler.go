package lending

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"libranexus/lending/internal/web"
)

// Classify maps engine errors to HTTP problems.
func Classify(err error) (web.Problem, bool) {
	for _, r := range reasons {
		if !errors.Is(err, r.err) {
			continue
		}
		status := http.StatusConflict
		if r.kind == KindNotFound {
			status = http.StatusNotFound
		}
		return web.Problem{Status: status, Reason: r.code}, true
	}
	return web.Problem{}, false
}

// Handler exposes the engine over HTTP.
type Handler struct {
	engine   *Engine
	writeErr func(http.ResponseWriter, error)
}

// NewHandler returns a handler for engine.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine, writeErr: web.Errors(Classify)}
}

// Routes registers the lending endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/loans", h.HandleBorrow)
	r.Get("/loans/{id}", h.HandleGetLoan)
	r.Post("/loans/{id}/return", h.HandleReturn)
	r.Get("/members/{id}/loans", h.HandleMemberLoans)

	r.Post("/reservations", h.HandleReserve)
	r.Delete("/reservations", h.HandleCancel)
	r.Get("/books/{id}/reservations", h.HandleQueue)
	r.Post("/books/{id}/promote", h.HandlePromote)

	r.Get("/members/{id}/fines", h.HandleFines)
	r.Post("/members/{id}/fines/check", h.HandleCheckFines)
	r.Post("/members/{id}/fines/pay", h.HandlePayFines)
}

type memberBook struct {
	MemberID uuid.UUID `json:"member_id"`
	BookID   uuid.UUID `json:"book_id"`
}

func (mb memberBook) validate() error {
	if mb.MemberID == uuid.Nil || mb.BookID == uuid.Nil {
		return web.BadRequest("member_id and book_id are required")
	}
	return nil
}

func decodeMemberBook(r *http.Request) (memberBook, error) {
	var req memberBook
	if err := web.Decode(r, &req); err != nil {
		return req, err
	}
	return req, req.validate()
}

func (h *Handler) HandleBorrow(w http.ResponseWriter, r *http.Request) {
	req, err := decodeMemberBook(r)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	loan, err := h.engine.Borrow(r.Context(), req.MemberID, req.BookID)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	web.JSON(w, http.StatusCreated, loan)
}

func (h *Handler) HandleGetLoan(w http.ResponseWriter, r *http.Request) {
	id, err := web.PathID(r, "id")
	if err != nil {
		h.writeErr(w, err)
		return
	}
	loan, err := h.engine.Loan(r.Context(), id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	web.JSON(w, http.StatusOK, loan)
}

func (h *Handler) HandleReturn(w http.ResponseWriter, r *http.Request) {
	id, err := web.PathID(r, "id")
	if err != nil {
		h.writeErr(w, err)
		return
	}
	res, err := h.engine.Return(r.Context(), id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	web.JSON(w, http.StatusOK, res)
}

func (h *Handler) HandleMemberLoans(w http.ResponseWriter, r *http.Request) {
	id, err := web.PathID(r, "id")
	if err != nil {
		h.writeErr(w, err)
		return
	}
	activeOnly := false
	if raw := r.URL.Query().Get("active"); raw != "" {
		if activeOnly, err = strconv.ParseBool(raw); err != nil {
			h.writeErr(w, web.BadRequest("invalid active flag %q", raw))
			return
		}
	}
	loans, err := h.engine.Loans(r.Context(), id, activeOnly)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	web.JSON(w, http.StatusOK, nonNil(loans))
}

func (h *Handler) HandleReserve(w http.ResponseWriter, r *http.Request) {
	req, err := decodeMemberBook(r)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	res, err := h.engine.Reserve(r.Context(), req.MemberID, req.BookID)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	web.JSON(w, http.StatusCreated, res)
}

// HandleCancel takes member_id and book_id as query parameters.
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	var req memberBook
	var err error
	if req.MemberID, err = web.QueryID(r, "member_id"); err != nil {
		h.writeErr(w, err)
		return
	}
	if req.BookID, err = web.QueryID(r, "book_id"); err != nil {
		h.writeErr(w, err)
		return
	}
	if err := req.validate(); err != nil {
		h.writeErr(w, err)
		return
	}
	if err := h.engine.CancelReservation(r.Context(), req.MemberID, req.BookID); err != nil {
		h.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleQueue(w http.ResponseWriter, r *http.Request) {
	id, err := web.PathID(r, "id")
	if err != nil {
		h.writeErr(w, err)
		return
	}
	queue, err := h.engine.Queue(r.Context(), id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	web.JSON(w, http.StatusOK, nonNil(queue))
}

func (h *Handler) HandlePromote(w http.ResponseWriter, r *http.Request) {
	id, err := web.PathID(r, "id")
	if err != nil {
		h.writeErr(w, err)
		return
	}
	promo, err := h.engine.Promote(r.Context(), id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	web.JSON(w, http.StatusOK, promo)
}

type finesResponse struct {
	Fines            []Fine `json:"fines"`
	OutstandingCents int64  `json:"outstanding_cents"`
}

func (h *Handler) HandleFines(w http.ResponseWriter, r *http.Request) {
	id, err := web.PathID(r, "id")
	if err != nil {
		h.writeErr(w, err)
		return
	}
	fines, err := h.engine.Fines(r.Context(), id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	owed, err := h.engine.OutstandingFines(r.Context(), id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	web.JSON(w, http.StatusOK, finesResponse{Fines: nonNil(fines), OutstandingCents: owed})
}

func (h *Handler) HandleCheckFines(w http.ResponseWriter, r *http.Request) {
	id, err := web.PathID(r, "id")
	if err != nil {
		h.writeErr(w, err)
		return
	}
	fines, err := h.engine.CheckAndApplyFines(r.Context(), id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	web.JSON(w, http.StatusOK, nonNil(fines))
}

func (h *Handler) HandlePayFines(w http.ResponseWriter, r *http.Request) {
	id, err := web.PathID(r, "id")
	if err != nil {
		h.writeErr(w, err)
		return
	}
	paid, err := h.engine.PayFines(r.Context(), id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	web.JSON(w, http.StatusOK, map[string]int{"paid": paid})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

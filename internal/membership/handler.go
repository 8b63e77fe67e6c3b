package membership

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"libranexus/lending/internal/lending"
	"libranexus/lending/internal/web"
)

// Classify maps membership errors to HTTP problems.
func Classify(err error) (web.Problem, bool) {
	switch {
	case errors.Is(err, ErrMemberNotFound):
		return web.Problem{Status: http.StatusNotFound, Reason: "member_not_found"}, true
	case errors.Is(err, ErrEmailTaken):
		return web.Problem{Status: http.StatusConflict, Reason: "email_taken"}, true
	case errors.Is(err, ErrInvalidMember):
		return web.Problem{Status: http.StatusBadRequest, Reason: "invalid_member"}, true
	case errors.Is(err, ErrInvalidCredentials):
		return web.Problem{Status: http.StatusUnauthorized, Reason: "invalid_credentials"}, true
	case errors.Is(err, ErrTooManyAttempts):
		return web.Problem{Status: http.StatusTooManyRequests, Reason: "too_many_attempts"}, true
	}
	return web.Problem{}, false
}

type Handler struct {
	service  Service
	writeErr func(http.ResponseWriter, error)
}

func NewHandler(service Service) *Handler {
	return &Handler{
		service:  service,
		writeErr: web.Errors(Classify, lending.Classify),
	}
}

// Routes registers the membership endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/members", h.HandleRegister)
	r.Post("/login", h.HandleLogin)
	r.Get("/members/{id}", h.HandleGetMember)
	r.Get("/members/{id}/profile", h.HandleProfile)
	r.Get("/members/{id}/activity", h.HandleActivity)
}

func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req Registration
	if err := web.Decode(r, &req); err != nil {
		h.writeErr(w, err)
		return
	}
	member, err := h.service.RegisterMember(r.Context(), req)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	web.JSON(w, http.StatusCreated, member)
}

func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := web.Decode(r, &req); err != nil {
		h.writeErr(w, err)
		return
	}
	member, err := h.service.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	web.JSON(w, http.StatusOK, member)
}

func (h *Handler) HandleGetMember(w http.ResponseWriter, r *http.Request) {
	id, err := web.PathID(r, "id")
	if err != nil {
		h.writeErr(w, err)
		return
	}
	member, err := h.service.GetMember(r.Context(), id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	web.JSON(w, http.StatusOK, member)
}

// HandleProfile returns the member's account after fining any overdue loans.
func (h *Handler) HandleProfile(w http.ResponseWriter, r *http.Request) {
	id, err := web.PathID(r, "id")
	if err != nil {
		h.writeErr(w, err)
		return
	}
	profile, err := h.service.Profile(r.Context(), id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	web.JSON(w, http.StatusOK, profile)
}

func (h *Handler) HandleActivity(w http.ResponseWriter, r *http.Request) {
	id, err := web.PathID(r, "id")
	if err != nil {
		h.writeErr(w, err)
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit <= 0 {
			h.writeErr(w, web.BadRequest("invalid limit %q", raw))
			return
		}
	}
	if _, err := h.service.GetMember(r.Context(), id); err != nil {
		h.writeErr(w, err)
		return
	}
	entries, err := h.service.Activity(r.Context(), id, limit)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	web.JSON(w, http.StatusOK, entries)
}

package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Dan9191/ledger-service/internal/ledger"
	"github.com/Dan9191/ledger-service/internal/middleware"
	"github.com/Dan9191/ledger-service/internal/service"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// maxBodyBytes caps request bodies
const maxBodyBytes = 1 << 20

type Handler struct {
	svc *service.Service
	log *logrus.Logger
}

func NewHandler(svc *service.Service, log *logrus.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

// Router builds the /api/v1 routes. Protected routes go through auth.
func (h *Handler) Router(auth mux.MiddlewareFunc) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.RequestLogger(h.log))
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	// Public routes
	api.HandleFunc("/user/signup", h.Signup).Methods(http.MethodPost)
	api.HandleFunc("/user/signin", h.Signin).Methods(http.MethodPost)
	api.HandleFunc("/user/bulk", h.Bulk).Methods(http.MethodGet)

	// Protected routes
	protected := api.NewRoute().Subrouter()
	protected.Use(auth)
	protected.HandleFunc("/user", h.UpdateUser).Methods(http.MethodPut)
	protected.HandleFunc("/account/balance", h.Balance).Methods(http.MethodGet)
	protected.HandleFunc("/account/transfer", h.Transfer).Methods(http.MethodPost)
	return r
}

// Health reports liveness
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Signup handles user registration
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var in service.SignupInput
	if err := decode(w, r, &in); err != nil {
		writeMessage(w, http.StatusLengthRequired, "Incorrect inputs")
		return
	}

	_, token, err := h.svc.Signup(r.Context(), in)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{
			"message": "User created successfully",
			"token":   token,
		})
	case errors.Is(err, service.ErrInvalidInput):
		writeMessage(w, http.StatusLengthRequired, "Incorrect inputs")
	case errors.Is(err, service.ErrUsernameTaken):
		writeMessage(w, http.StatusConflict, "Username already taken")
	default:
		h.internalError(w, r, err)
	}
}

type signinRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Signin handles user authentication
func (h *Handler) Signin(w http.ResponseWriter, r *http.Request) {
	var req signinRequest
	if err := decode(w, r, &req); err != nil {
		writeMessage(w, http.StatusLengthRequired, "Error while logging in")
		return
	}

	token, err := h.svc.Signin(r.Context(), req.Username, req.Password)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"token": token})
	case errors.Is(err, service.ErrInvalidCredentials):
		writeMessage(w, http.StatusLengthRequired, "Error while logging in")
	default:
		h.internalError(w, r, err)
	}
}

// UpdateUser changes the principal's password or names
func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		writeJSON(w, http.StatusForbidden, struct{}{})
		return
	}

	var in service.UpdateInput
	if err := decode(w, r, &in); err != nil {
		writeMessage(w, http.StatusLengthRequired, "Error while updating information")
		return
	}

	err := h.svc.UpdateProfile(r.Context(), userID, in)
	switch {
	case err == nil:
		writeMessage(w, http.StatusOK, "Updated successfully")
	case errors.Is(err, service.ErrInvalidInput), errors.Is(err, service.ErrUserNotFound):
		writeMessage(w, http.StatusLengthRequired, "Error while updating information")
	default:
		h.internalError(w, r, err)
	}
}

// Bulk lists users matching the filter query parameter
func (h *Handler) Bulk(w http.ResponseWriter, r *http.Request) {
	users, err := h.svc.Search(r.Context(), r.URL.Query().Get("filter"))
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// Balance returns the principal's balance
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		writeJSON(w, http.StatusForbidden, struct{}{})
		return
	}

	balance, err := h.svc.Balance(r.Context(), userID)
	if err != nil {
		h.ledgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"balance": balance.StringFixed(ledger.Scale)})
}

type transferRequest struct {
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

// Transfer moves funds from the principal to another account
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		writeJSON(w, http.StatusForbidden, struct{}{})
		return
	}

	var req transferRequest
	if err := decode(w, r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request")
		return
	}

	if _, err := h.svc.Transfer(r.Context(), userID, req.To, req.Amount); err != nil {
		h.ledgerError(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, "Transfer successful")
}

// ledgerError maps ledger failures to status codes
func (h *Handler) ledgerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidRequest):
		writeMessage(w, http.StatusBadRequest, "Invalid request")
	case errors.Is(err, ledger.ErrInvalidRecipient):
		writeMessage(w, http.StatusBadRequest, "Invalid account")
	case errors.Is(err, ledger.ErrInsufficientFunds):
		writeMessage(w, http.StatusBadRequest, "Insufficient balance")
	case errors.Is(err, ledger.ErrNotFound):
		writeMessage(w, http.StatusNotFound, "Account not found")
	case errors.Is(err, ledger.ErrAlreadyExists):
		writeMessage(w, http.StatusConflict, "Account already exists")
	case errors.Is(err, ledger.ErrTransientFailure):
		h.log.WithError(err).WithField("path", r.URL.Path).Warn("Transient ledger failure")
		writeMessage(w, http.StatusServiceUnavailable, "Please retry")
	default:
		h.internalError(w, r, err)
	}
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	h.log.WithError(err).WithField("path", r.URL.Path).Error("Request failed")
	writeMessage(w, http.StatusInternalServerError, "Internal server error")
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Package httpapi exposes the REST surface of the payment service.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/cryp2real/pixledger/internal/allocator"
	"github.com/cryp2real/pixledger/internal/app"
	"github.com/cryp2real/pixledger/internal/services/onboarding"
	"github.com/cryp2real/pixledger/internal/services/payments"
	"github.com/cryp2real/pixledger/internal/storage"
)

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app *app.Application
}

// NewHandler returns a mux exposing the core REST API.
func NewHandler(application *app.Application) http.Handler {
	h := &handler{app: application}
	mux := http.NewServeMux()
	mux.HandleFunc("/clients", h.clients)
	mux.HandleFunc("/clients/", h.clientResources)
	mux.HandleFunc("/transfers", h.transfers)
	mux.HandleFunc("/donations", h.donations)
	mux.HandleFunc("/receipts/", h.receipts)
	mux.HandleFunc("/rates/current", h.currentRate)
	mux.HandleFunc("/healthz", h.health)
	return mux
}

func (h *handler) clients(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var payload struct {
		Name       string `json:"name"`
		Email      string `json:"email"`
		PaymentRef string `json:"payment_ref"`
		Password   string `json:"password"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	cl, err := h.app.Onboarding.Register(r.Context(), payload.Name, payload.Email, payload.PaymentRef, payload.Password)
	if err != nil {
		writeError(w, registerStatus(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, cl)
}

func registerStatus(err error) int {
	switch {
	case errors.Is(err, onboarding.ErrRefTaken):
		return http.StatusConflict
	case errors.Is(err, allocator.ErrPoolExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, payments.ErrRejected):
		return http.StatusBadGateway
	default:
		return http.StatusBadRequest
	}
}

func (h *handler) clientResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/clients"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	ref := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			cl, err := h.app.Onboarding.Lookup(r.Context(), ref)
			if err != nil {
				writeError(w, lookupStatus(err), err)
				return
			}
			writeJSON(w, http.StatusOK, cl)
		case http.MethodDelete:
			cl, err := h.app.Onboarding.Deactivate(r.Context(), ref)
			if err != nil {
				writeError(w, lookupStatus(err), err)
				return
			}
			writeJSON(w, http.StatusOK, cl)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	if len(parts) != 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch parts[1] {
	case "entries":
		h.clientEntries(w, r, ref)
	case "balance":
		h.clientBalance(w, r, ref)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *handler) clientEntries(w http.ResponseWriter, r *http.Request, ref string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	cl, err := h.app.Onboarding.Lookup(r.Context(), ref)
	if err != nil {
		writeError(w, lookupStatus(err), err)
		return
	}
	entries, err := h.app.Records.History(r.Context(), cl.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handler) clientBalance(w http.ResponseWriter, r *http.Request, ref string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	wei, fiat, rate, err := h.app.Payments.Balance(r.Context(), ref)
	if err != nil {
		writeError(w, paymentStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		PaymentRef string  `json:"payment_ref"`
		BalanceWei string  `json:"balance_wei"`
		Fiat       float64 `json:"fiat"`
		Rate       float64 `json:"rate"`
	}{
		PaymentRef: ref,
		BalanceWei: wei,
		Fiat:       fiat,
		Rate:       rate.Value,
	})
}

func (h *handler) transfers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var payload struct {
		FromRef     string  `json:"from_ref"`
		ToRef       string  `json:"to_ref"`
		AmountWei   string  `json:"amount_wei"`
		AmountFiat  float64 `json:"amount_fiat"`
		Description string  `json:"description"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	amount := payments.Amount{Wei: payload.AmountWei, Fiat: payload.AmountFiat}
	result, err := h.app.Payments.Transfer(r.Context(), payload.FromRef, payload.ToRef, amount, payload.Description)
	h.writePaymentResult(w, result, err)
}

func (h *handler) donations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var payload struct {
		FromRef     string  `json:"from_ref"`
		AmountWei   string  `json:"amount_wei"`
		AmountFiat  float64 `json:"amount_fiat"`
		Description string  `json:"description"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	amount := payments.Amount{Wei: payload.AmountWei, Fiat: payload.AmountFiat}
	result, err := h.app.Payments.Donate(r.Context(), payload.FromRef, amount, payload.Description)
	h.writePaymentResult(w, result, err)
}

func (h *handler) writePaymentResult(w http.ResponseWriter, result payments.Result, err error) {
	if err != nil {
		if errors.Is(err, payments.ErrRejected) {
			writeJSON(w, http.StatusUnprocessableEntity, struct {
				payments.Result
				Error string `json:"error"`
			}{Result: result, Error: err.Error()})
			return
		}
		writeError(w, paymentStatus(err), err)
		return
	}
	if result.Status == payments.StatusUnresolved {
		writeJSON(w, http.StatusAccepted, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) receipts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	receiptID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/receipts"), "/")
	if receiptID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	entries, err := h.app.Records.ByReceipt(r.Context(), receiptID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handler) currentRate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rate, err := h.app.Rates.Current(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, rate)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	deep := r.URL.Query().Get("probe") == "deep"
	if err := h.app.Health(r.Context(), deep); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func lookupStatus(err error) int {
	if errors.Is(err, storage.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func paymentStatus(err error) int {
	switch {
	case errors.Is(err, payments.ErrUnknownClient), errors.Is(err, payments.ErrUnknownRecipient):
		return http.StatusNotFound
	case errors.Is(err, payments.ErrInactiveClient):
		return http.StatusConflict
	case errors.Is(err, payments.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, payments.ErrSelfTransfer), errors.Is(err, payments.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, payments.ErrRateUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, payments.ErrRejected):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

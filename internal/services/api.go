package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"custody/agent/internal/models"
	"custody/agent/internal/stores"
)

// ApiService exposes the provisioning surface: create a deposit address for
// a customer and read an account's balance and recent ledger history. This
// is how addresses enter the monitored set; the registry picks them up on
// its next refresh.
type ApiService struct {
	server   *http.Server
	keys     stores.KeyStore
	accounts stores.AccountStore
	log      *zap.Logger
}

func NewApiService(addr string, ks stores.KeyStore, as stores.AccountStore, log *zap.Logger) *ApiService {
	a := &ApiService{
		keys:     ks,
		accounts: as,
		log:      log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/addresses", a.handleCreateAddress)
	mux.HandleFunc("/accounts/", a.handleGetAccount)

	a.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return a
}

func (a *ApiService) Start() error {
	return a.server.ListenAndServe()
}

func (a *ApiService) Shutdown(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}

type createAddressRequest struct {
	OwnerRef string `json:"owner_ref"`
}

type createAddressResponse struct {
	AccountID string `json:"account_id"`
	Address   string `json:"address"`
}

func (a *ApiService) handleCreateAddress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createAddressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OwnerRef == "" {
		http.Error(w, "invalid request, expected {\"owner_ref\": ...}", http.StatusBadRequest)
		return
	}

	depositAddr, err := a.keys.CreateKey(ctx)
	if err != nil {
		a.log.Error("key creation failed", zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	account, err := models.NewAccount(req.OwnerRef, depositAddr)
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	if err := a.accounts.Insert(ctx, *account); err != nil {
		a.log.Error("account insert failed", zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(createAddressResponse{
		AccountID: account.ID,
		Address:   account.DepositAddr,
	})
}

type accountResponse struct {
	ID          string               `json:"id"`
	OwnerRef    string               `json:"owner_ref"`
	DepositAddr string               `json:"deposit_addr"`
	Balance     string               `json:"balance"`
	History     []models.LedgerEntry `json:"history"`
}

func (a *ApiService) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/accounts/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "invalid request, expected /accounts/:id", http.StatusBadRequest)
		return
	}

	account, err := a.accounts.Get(ctx, id)
	if err != nil {
		if errors.Is(err, stores.ErrAccountNotFound) {
			http.Error(w, "account not found", http.StatusNotFound)
			return
		}
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	balance, err := a.accounts.Balance(ctx, id)
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	history, err := a.accounts.History(ctx, id, 20)
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(accountResponse{
		ID:          account.ID,
		OwnerRef:    account.OwnerRef,
		DepositAddr: account.DepositAddr,
		Balance:     balance.String(),
		History:     history,
	})
}

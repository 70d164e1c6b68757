package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/civicbounty/service_layer/internal/authz"
	"github.com/civicbounty/service_layer/internal/httputil"
)

type depositRequest struct {
	Amount int64 `json:"amount"`
}

type settleDepositRequest struct {
	// ExpectedAmount is what the client asked to deposit. A different paid amount is still
	// credited.
	ExpectedAmount int64 `json:"expected_amount,omitempty"`
}

type withdrawRequest struct {
	Invoice string `json:"invoice"`
}

type donateRequest struct {
	LocationType string `json:"location_type"`
	LocationName string `json:"location_name"`
	Amount       int64  `json:"amount"`
}

type balanceResponse struct {
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
	Balance  int64  `json:"balance"`
}

func (a *API) handleBalance(w http.ResponseWriter, r *http.Request) {
	profile, err := a.ledger.Balance(r.Context(), authz.FromContext(r.Context()))
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, balanceResponse{
		UserID:   profile.ID,
		Username: profile.Username,
		Balance:  profile.Balance,
	})
}

func (a *API) handleCreateDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	invoice, err := a.ledger.CreateDeposit(r.Context(), authz.FromContext(r.Context()), req.Amount)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, invoice)
}

func (a *API) handleSettleDeposit(w http.ResponseWriter, r *http.Request) {
	var req settleDepositRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	result, err := a.ledger.SettleDeposit(r.Context(), authz.FromContext(r.Context()), mux.Vars(r)["hash"], req.ExpectedAmount)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (a *API) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	result, err := a.ledger.Withdraw(r.Context(), authz.FromContext(r.Context()), req.Invoice)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (a *API) handleDonate(w http.ResponseWriter, r *http.Request) {
	var req donateRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	result, err := a.ledger.Donate(r.Context(), authz.FromContext(r.Context()), req.LocationType, req.LocationName, req.Amount)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

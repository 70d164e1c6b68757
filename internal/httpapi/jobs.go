package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/civicbounty/service_layer/internal/authz"
	svcerrors "github.com/civicbounty/service_layer/internal/errors"
	"github.com/civicbounty/service_layer/internal/httputil"
	"github.com/civicbounty/service_layer/internal/jobs"
	"github.com/civicbounty/service_layer/internal/l402"
	"github.com/civicbounty/service_layer/internal/middleware"
)

// createJobRequest is the body of POST /api/jobs. A missing or negative reward is normalized
// by the pricing policy before the challenge amount is computed.
type createJobRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Location    string `json:"location,omitempty"`
	Reward      *int64 `json:"reward,omitempty"`
	GroupID     string `json:"group_id,omitempty"`
	PosterName  string `json:"poster_name,omitempty"`
}

func (a *API) createRequest(body createJobRequest) jobs.CreateRequest {
	return jobs.CreateRequest{
		Title:       body.Title,
		Description: body.Description,
		Location:    body.Location,
		Reward:      a.pricing.NormalizeReward(body.Reward),
		GroupID:     body.GroupID,
		PosterName:  body.PosterName,
	}
}

func decodeCreateJob(raw []byte) (createJobRequest, error) {
	var body createJobRequest
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		return body, svcerrors.Validation("Invalid JSON body").WithDetails("reason", err.Error())
	}
	return body, nil
}

// priceJob validates a post. Caps are checked before an invoice is issued; a paid request is
// checked again by the create itself.
func (a *API) priceJob(r *http.Request, raw []byte) (int64, error) {
	body, err := decodeCreateJob(raw)
	if err != nil {
		return 0, err
	}
	req := a.createRequest(body)
	if err := req.Validate(); err != nil {
		return 0, err
	}
	if !l402.HasToken(r.Header.Get("Authorization")) {
		if err := a.ledger.CheckPostCaps(r.Context(), req.Reward); err != nil {
			return 0, err
		}
	}
	return a.pricing.ChallengeAmount(body.Reward), nil
}

func (a *API) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	payment, ok := middleware.PaymentFromContext(r.Context())
	if !ok {
		httputil.WriteError(w, r, svcerrors.PaymentRequired("Post must be paid for"))
		return
	}

	var body createJobRequest
	if !httputil.DecodeJSON(w, r, &body) {
		return
	}

	result, err := a.jobs.Create(r.Context(), authz.FromContext(r.Context()), a.createRequest(body), payment.PaymentHash)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	status := http.StatusCreated
	if result.Existing {
		status = http.StatusOK
	}
	httputil.WriteJSON(w, status, result)
}

func (a *API) handleCreateJobFromBalance(w http.ResponseWriter, r *http.Request) {
	var body createJobRequest
	if !httputil.DecodeJSON(w, r, &body) {
		return
	}
	result, err := a.jobs.CreateFromBalance(r.Context(), authz.FromContext(r.Context()), a.createRequest(body))
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, result)
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.jobs.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, job)
}

func (a *API) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	result, err := a.jobs.Delete(r.Context(), authz.FromContext(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (a *API) handleSubmitFix(w http.ResponseWriter, r *http.Request) {
	var req jobs.FixRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	result, err := a.jobs.SubmitFix(r.Context(), authz.FromContext(r.Context()), mux.Vars(r)["id"], req)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (a *API) handleApprove(w http.ResponseWriter, r *http.Request) {
	result, err := a.jobs.Approve(r.Context(), authz.FromContext(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (a *API) handleReject(w http.ResponseWriter, r *http.Request) {
	job, err := a.jobs.Reject(r.Context(), authz.FromContext(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, job)
}

func (a *API) handleClose(w http.ResponseWriter, r *http.Request) {
	var req jobs.CloseRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	result, err := a.jobs.Close(r.Context(), authz.FromContext(r.Context()), mux.Vars(r)["id"], req)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

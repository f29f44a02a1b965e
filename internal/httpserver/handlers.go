package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"mailsched/internal/domain"
	"mailsched/internal/service"
	"mailsched/internal/store"
)

type CampaignService interface {
	CreateCampaign(ctx context.Context, req domain.CreateCampaignRequest) (domain.Campaign, error)
	GetCampaign(ctx context.Context, id string) (domain.Campaign, error)
	ListCampaigns(ctx context.Context, q store.ListCampaigns) ([]domain.Campaign, error)
	UpdateCampaign(ctx context.Context, id string, req domain.CreateCampaignRequest) (domain.Campaign, error)
	DeleteCampaign(ctx context.Context, id string) error
	StartCampaign(ctx context.Context, id string) (domain.StartResult, error)
	CancelCampaign(ctx context.Context, id string) (domain.Campaign, error)
	ResetCampaign(ctx context.Context, id string) (domain.Campaign, error)
	ListDispatches(ctx context.Context, q store.ListDispatches) ([]domain.DispatchRecord, error)
	PreviewSource(ctx context.Context, ref domain.SourceRef, sample int) (service.SourcePreview, error)
}

type API struct {
	Svc      CampaignService
	Validate *validator.Validate
}

func (a *API) Register(mux *mux.Router) {
	mux.HandleFunc("/v1/campaigns", a.handleCreate).Methods(http.MethodPost)
	mux.HandleFunc("/v1/campaigns", a.handleListCampaigns).Methods(http.MethodGet)
	mux.HandleFunc("/v1/campaigns/{id}", a.handleGet).Methods(http.MethodGet)
	mux.HandleFunc("/v1/campaigns/{id}", a.handleUpdate).Methods(http.MethodPut)
	mux.HandleFunc("/v1/campaigns/{id}", a.handleDelete).Methods(http.MethodDelete)
	mux.HandleFunc("/v1/campaigns/{id}/start", a.handleStart).Methods(http.MethodPost)
	mux.HandleFunc("/v1/campaigns/{id}/cancel", a.handleCancel).Methods(http.MethodPost)
	mux.HandleFunc("/v1/campaigns/{id}/reset", a.handleReset).Methods(http.MethodPost)
	mux.HandleFunc("/v1/campaigns/{id}/dispatches", a.handleListDispatches).Methods(http.MethodGet)
	mux.HandleFunc("/v1/sources/preview", a.handlePreview).Methods(http.MethodPost)
}

func (a *API) validate() *validator.Validate {
	if a.Validate == nil {
		a.Validate = validator.New(validator.WithRequiredStructEnabled())
	}
	return a.Validate
}

func (a *API) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMsg(w, r, http.StatusBadRequest, ErrInvalidJSON, err.Error())
		return
	}
	c, err := a.Svc.CreateCampaign(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	c, err := a.Svc.GetCampaign(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMsg(w, r, http.StatusBadRequest, ErrInvalidJSON, err.Error())
		return
	}
	c, err := a.Svc.UpdateCampaign(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := a.Svc.DeleteCampaign(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type startResponse struct {
	domain.StartResult
	EnqueueError string `json:"enqueueError,omitempty"`
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	res, err := a.Svc.StartCampaign(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := startResponse{StartResult: res}
	if res.PartialFailure != nil {
		out.EnqueueError = res.PartialFailure.Error()
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	c, err := a.Svc.CancelCampaign(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) handleReset(w http.ResponseWriter, r *http.Request) {
	c, err := a.Svc.ResetCampaign(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type listQuery struct {
	Status string `validate:"omitempty,oneof=pending sent failed skipped"`
	Limit  int    `validate:"gte=0,lte=1000"`
	Offset int    `validate:"gte=0"`
}

type campaignQuery struct {
	Status string `validate:"omitempty,oneof=draft scheduled sending completed failed cancelled"`
	Limit  int    `validate:"gte=0,lte=200"`
	Offset int    `validate:"gte=0"`
}

type listResponse[T any] struct {
	Items  []T `json:"items"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// readQuery fills status, limit and offset from the URL and validates dst.
// It writes the 400 response itself and reports false on bad input.
func (a *API) readQuery(w http.ResponseWriter, r *http.Request, status *string, limit, offset *int, dst any) bool {
	q := r.URL.Query()
	*status = q.Get("status")
	var err error
	if v := q.Get("limit"); v != "" {
		if *limit, err = strconv.Atoi(v); err != nil {
			writeErrorMsg(w, r, http.StatusBadRequest, ErrInvalidQuery, "limit must be an integer")
			return false
		}
	}
	if v := q.Get("offset"); v != "" {
		if *offset, err = strconv.Atoi(v); err != nil {
			writeErrorMsg(w, r, http.StatusBadRequest, ErrInvalidQuery, "offset must be an integer")
			return false
		}
	}
	if err := a.validate().Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		detail := err.Error()
		if errors.As(err, &verrs) && len(verrs) > 0 {
			detail = verrs[0].Field() + " failed " + verrs[0].Tag()
		}
		writeErrorMsg(w, r, http.StatusBadRequest, ErrInvalidQuery, detail)
		return false
	}
	return true
}

func (a *API) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	var cq campaignQuery
	if !a.readQuery(w, r, &cq.Status, &cq.Limit, &cq.Offset, &cq) {
		return
	}
	items, err := a.Svc.ListCampaigns(r.Context(), store.ListCampaigns{
		Status: domain.CampaignStatus(cq.Status),
		Limit:  cq.Limit,
		Offset: cq.Offset,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if items == nil {
		items = []domain.Campaign{}
	}
	writeJSON(w, http.StatusOK, listResponse[domain.Campaign]{Items: items, Limit: cq.Limit, Offset: cq.Offset})
}

func (a *API) handleListDispatches(w http.ResponseWriter, r *http.Request) {
	var lq listQuery
	if !a.readQuery(w, r, &lq.Status, &lq.Limit, &lq.Offset, &lq) {
		return
	}
	items, err := a.Svc.ListDispatches(r.Context(), store.ListDispatches{
		CampaignID: mux.Vars(r)["id"],
		Status:     domain.DispatchStatus(lq.Status),
		Limit:      lq.Limit,
		Offset:     lq.Offset,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if items == nil {
		items = []domain.DispatchRecord{}
	}
	writeJSON(w, http.StatusOK, listResponse[domain.DispatchRecord]{Items: items, Limit: lq.Limit, Offset: lq.Offset})
}

type previewRequest struct {
	Source domain.SourceRef `json:"source"`
	Sample int              `json:"sample,omitempty"`
}

func (a *API) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMsg(w, r, http.StatusBadRequest, ErrInvalidJSON, err.Error())
		return
	}
	// the source kind may be empty here; the service applies the default
	if err := a.validate().Var(req.Sample, "gte=0,lte=100"); err != nil {
		writeErrorMsg(w, r, http.StatusBadRequest, ErrInvalidQuery, "sample must be between 0 and 100")
		return
	}
	p, err := a.Svc.PreviewSource(r.Context(), req.Source, req.Sample)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

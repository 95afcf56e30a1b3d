// Package api exposes the accounting request surface over HTTP. Every
// endpoint decodes into a typed request, submits it to the processor and
// maps the response status onto an HTTP status code.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gridcap/accounting/pkg/accounting"
)

// Handler provides HTTP endpoints over the accounting processor.
type Handler struct {
	config Config
}

// NewHandler creates a new accounting API handler.
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Logger == nil {
		config.Logger = &accounting.NoopLogger{}
	}
	return &Handler{config: config}, nil
}

// Router returns a chi router serving the accounting API.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Post("/allocations/root", h.RootAllocate)
	r.Post("/allocations/sub", h.SubAllocate)
	r.Post("/allocations/{id}", h.UpdateAllocation)
	r.Post("/charges", h.Charge)
	r.Post("/retirement-scan", h.ScanRetirement)
	r.Get("/max-usable", h.MaxUsable)
	r.Get("/wallets", h.BrowseWallets)
	r.Get("/provider-allocations", h.ProviderAllocations)
	r.Get("/relevant-providers", h.RelevantProviders)
	return r
}

type rootAllocateBody struct {
	CategoryID int64     `json:"categoryId"`
	Amount     int64     `json:"amount"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
}

type subAllocateBody struct {
	CategoryID  int64     `json:"categoryId"`
	Owner       string    `json:"owner"`
	ParentOwner string    `json:"parentOwner,omitempty"`
	Quota       int64     `json:"quota"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

type chargeBody struct {
	Owner            string `json:"owner"`
	CategoryID       int64  `json:"categoryId"`
	Amount           int64  `json:"amount"`
	IsDelta          bool   `json:"isDelta"`
	Scope            string `json:"scope,omitempty"`
	ScopeExplanation string `json:"scopeExplanation,omitempty"`
}

type updateAllocationBody struct {
	NewQuota *int64     `json:"newQuota,omitempty"`
	NewStart *time.Time `json:"newStart,omitempty"`
	NewEnd   *time.Time `json:"newEnd,omitempty"`
}

type allocationCreatedResponse struct {
	AllocationID int32 `json:"allocationId"`
}

type maxUsableResponse struct {
	MaxUsable int64 `json:"maxUsable"`
}

type errorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// RootAllocate handles POST /allocations/root.
func (h *Handler) RootAllocate(w http.ResponseWriter, r *http.Request) {
	card, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	var body rootAllocateBody
	if !h.decode(w, r, &body) {
		return
	}
	response, err := h.config.Processor.Submit(r.Context(), card, accounting.RootAllocateRequest{
		CategoryID: body.CategoryID,
		Amount:     body.Amount,
		Start:      body.Start,
		End:        body.End,
	})
	h.respond(w, r, response, err, allocationCreatedResponse{AllocationID: response.AllocationID})
}

// SubAllocate handles POST /allocations/sub.
func (h *Handler) SubAllocate(w http.ResponseWriter, r *http.Request) {
	card, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	var body subAllocateBody
	if !h.decode(w, r, &body) {
		return
	}
	response, err := h.config.Processor.Submit(r.Context(), card, accounting.SubAllocateRequest{
		CategoryID:  body.CategoryID,
		Owner:       body.Owner,
		ParentOwner: body.ParentOwner,
		Quota:       body.Quota,
		Start:       body.Start,
		End:         body.End,
	})
	h.respond(w, r, response, err, allocationCreatedResponse{AllocationID: response.AllocationID})
}

// UpdateAllocation handles POST /allocations/{id}.
func (h *Handler) UpdateAllocation(w http.ResponseWriter, r *http.Request) {
	card, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}
	var body updateAllocationBody
	if !h.decode(w, r, &body) {
		return
	}
	response, err := h.config.Processor.Submit(r.Context(), card, accounting.UpdateAllocationRequest{
		AllocationID: int32(id),
		NewQuota:     body.NewQuota,
		NewStart:     body.NewStart,
		NewEnd:       body.NewEnd,
	})
	h.respond(w, r, response, err, struct{}{})
}

// Charge handles POST /charges.
func (h *Handler) Charge(w http.ResponseWriter, r *http.Request) {
	card, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	var body chargeBody
	if !h.decode(w, r, &body) {
		return
	}
	response, err := h.config.Processor.Submit(r.Context(), card, accounting.ChargeRequest{
		Owner:            body.Owner,
		CategoryID:       body.CategoryID,
		Amount:           body.Amount,
		IsDelta:          body.IsDelta,
		Scope:            body.Scope,
		ScopeExplanation: body.ScopeExplanation,
	})
	h.respond(w, r, response, err, struct{}{})
}

// ScanRetirement handles POST /retirement-scan.
func (h *Handler) ScanRetirement(w http.ResponseWriter, r *http.Request) {
	card, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	response, err := h.config.Processor.Submit(r.Context(), card, accounting.ScanRetirementRequest{})
	h.respond(w, r, response, err, struct{}{})
}

// MaxUsable handles GET /max-usable.
func (h *Handler) MaxUsable(w http.ResponseWriter, r *http.Request) {
	card, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	categoryID, err := strconv.ParseInt(r.URL.Query().Get("categoryId"), 10, 64)
	if err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}
	response, err := h.config.Processor.Submit(r.Context(), card, accounting.MaxUsableRequest{
		Owner:      r.URL.Query().Get("owner"),
		CategoryID: categoryID,
	})
	h.respond(w, r, response, err, maxUsableResponse{MaxUsable: response.MaxUsable})
}

// BrowseWallets handles GET /wallets.
func (h *Handler) BrowseWallets(w http.ResponseWriter, r *http.Request) {
	card, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	response, err := h.config.Processor.Submit(r.Context(), card, accounting.BrowseWalletsRequest{
		Owner:             query.Get("owner"),
		IncludeChildren:   query.Get("includeChildren") == "true",
		ChildQuery:        query.Get("childQuery"),
		FilterProductType: query.Get("filterProductType"),
	})
	h.respond(w, r, response, err, response.Wallets)
}

// ProviderAllocations handles GET /provider-allocations.
func (h *Handler) ProviderAllocations(w http.ResponseWriter, r *http.Request) {
	card, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	offset, _ := strconv.Atoi(query.Get("offset"))
	limit, _ := strconv.Atoi(query.Get("limit"))
	filterCategory, _ := strconv.ParseInt(query.Get("categoryId"), 10, 64)

	response, err := h.config.Processor.Submit(r.Context(), card, accounting.RetrieveProviderAllocationsRequest{
		Provider:       query.Get("provider"),
		FilterOwner:    query.Get("owner"),
		FilterCategory: filterCategory,
		Offset:         offset,
		Limit:          limit,
	})
	h.respond(w, r, response, err, response.Allocations)
}

// RelevantProviders handles GET /relevant-providers.
func (h *Handler) RelevantProviders(w http.ResponseWriter, r *http.Request) {
	card, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	response, err := h.config.Processor.Submit(r.Context(), card, accounting.FindRelevantProvidersRequest{
		Username:          query.Get("username"),
		Project:           query.Get("project"),
		UseProject:        query.Get("useProject") == "true",
		FilterProductType: query.Get("filterProductType"),
	})
	h.respond(w, r, response, err, response.Providers)
}

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (accounting.IdCard, bool) {
	card, err := h.config.ResolveIdCard(r)
	if err != nil {
		h.handleError(w, r, err, http.StatusUnauthorized)
		return nil, false
	}
	return card, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, into interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return false
	}
	return true
}

// respond maps an accounting response status onto an HTTP status code and
// writes either the success payload or an error body.
func (h *Handler) respond(w http.ResponseWriter, r *http.Request, response accounting.Response, err error, payload interface{}) {
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, accounting.ErrStopped) {
			status = http.StatusServiceUnavailable
		}
		h.handleError(w, r, err, status)
		return
	}

	if response.Status != accounting.StatusOK {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(httpStatus(response.Status))
		_ = json.NewEncoder(w).Encode(errorResponse{
			Status:  string(response.Status),
			Message: response.Message,
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(payload)
}

func httpStatus(status accounting.Status) int {
	switch status {
	case accounting.StatusOK:
		return http.StatusOK
	case accounting.StatusBadRequest:
		return http.StatusBadRequest
	case accounting.StatusForbidden:
		return http.StatusForbidden
	case accounting.StatusPaymentRequired:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, status int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err, status)
		return
	}
	h.config.Logger.Warn("api request failed",
		accounting.Field{Key: "path", Value: r.URL.Path},
		accounting.Field{Key: "error", Value: err.Error()})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Status: "error", Message: err.Error()})
}

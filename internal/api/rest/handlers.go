package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/corridor"
	domainErrors "github.com/aadhaar-prerana/prerana-core/internal/domain/errors"
)

const (
	APIVersion      = "v1"
	maxBodyBytes    = 1 << 20
	defaultDeadline = 30 * time.Second
)

// Handler serves the detection API.
type Handler struct {
	engine   Engine
	validate *validator.Validate
	errs     *ErrorHandler
	timeout  time.Duration
}

func NewHandler(engine Engine, errs *ErrorHandler, timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = defaultDeadline
	}
	return &Handler{engine: engine, validate: newValidator(), errs: errs, timeout: timeout}
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux, wrap func(route string, h http.Handler) http.Handler) {
	routes := []struct {
		pattern string
		handler http.HandlerFunc
	}{
		{"POST /api/v1/events", h.AppendEvent},
		{"GET /api/v1/cohort-windows", h.GetCohortWindow},
		{"GET /api/v1/anomalies", h.ListAnomalies},
		{"GET /api/v1/corridors/flow", h.GetCorridorFlow},
		{"GET /api/v1/corridors/top", h.ListTopCorridors},
		{"GET /api/v1/gaps/districts", h.RankDistricts},
		{"GET /api/v1/gaps/records", h.ListGapRecords},
		{"GET /api/v1/gaps/deployment-plan", h.DeploymentPlan},
		{"POST /api/v1/cohorts/freeze", h.FreezeCohort},
	}
	for _, rt := range routes {
		mux.Handle(rt.pattern, wrap(rt.pattern, h.withTimeout(rt.handler)))
	}
}

func (h *Handler) withTimeout(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		defer cancel()
		next(w, r.WithContext(ctx))
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	err := dec.Decode(dst)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF):
		return domainErrors.NewValidationError("EMPTY_BODY", "request body is required")
	case errors.Is(err, io.ErrUnexpectedEOF):
		return domainErrors.NewValidationError("INVALID_JSON", "request body is truncated")
	case strings.HasPrefix(err.Error(), "json: unknown field"):
		return domainErrors.NewValidationError("UNKNOWN_FIELD", err.Error())
	}
	return err
}

func (h *Handler) AppendEvent(w http.ResponseWriter, r *http.Request) {
	var req AppendEventRequest
	if err := h.decode(w, r, &req); err != nil {
		h.errs.Write(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.errs.Write(w, r, err)
		return
	}
	e, err := req.ToEvent()
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}
	id, err := h.engine.AppendEvent(r.Context(), e)
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusCreated, AppendEventResponse{ID: id})
}

func (h *Handler) GetCohortWindow(w http.ResponseWriter, r *http.Request) {
	q, err := parseCohortWindowQuery(r.URL.Query())
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}
	if err := h.validate.Struct(q); err != nil {
		h.errs.Write(w, r, err)
		return
	}
	key, err := q.Key()
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}
	view, err := h.engine.GetCohortWindow(r.Context(), key, q.WindowStart)
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, view)
}

func (h *Handler) ListAnomalies(w http.ResponseWriter, r *http.Request) {
	q, err := parseRangeQuery(r.URL.Query(), 0)
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}
	if err := h.validate.Struct(q); err != nil {
		h.errs.Write(w, r, err)
		return
	}
	views, err := h.engine.ListAnomalousWindows(r.Context(), q.TimeRange(), q.MinZ)
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, newList(views))
}

func (h *Handler) GetCorridorFlow(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	ws, err := queryTime(values, "window_start", true)
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}
	q := CorridorFlowQuery{Source: values.Get("source"), Destination: values.Get("destination"), WindowStart: ws}
	if err := h.validate.Struct(q); err != nil {
		h.errs.Write(w, r, err)
		return
	}
	src, err := corridor.ParseRegion(q.Source)
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}
	dst, err := corridor.ParseRegion(q.Destination)
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}
	view, err := h.engine.GetCorridorFlow(r.Context(), src, dst, q.WindowStart)
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, view)
}

func (h *Handler) ListTopCorridors(w http.ResponseWriter, r *http.Request) {
	q, err := parseRangeQuery(r.URL.Query(), defaultTopCorridors)
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}
	if err := h.validate.Struct(q); err != nil {
		h.errs.Write(w, r, err)
		return
	}
	views, err := h.engine.ListTopCorridors(r.Context(), q.TimeRange(), q.Limit)
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, newList(views))
}

func (h *Handler) RankDistricts(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	limit, err := queryInt(values, "limit", defaultGapDistricts)
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}
	q := GapQuery{State: strings.TrimSpace(values.Get("state")), Limit: limit}
	if err := h.validate.Struct(q); err != nil {
		h.errs.Write(w, r, err)
		return
	}
	ranking, err := h.engine.RankDistrictsByGap(r.Context(), q.State, q.Limit)
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, ranking)
}

func (h *Handler) ListGapRecords(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	q := GapQuery{
		State:    strings.TrimSpace(values.Get("state")),
		District: strings.TrimSpace(values.Get("district")),
	}
	if err := h.validate.Struct(q); err != nil {
		h.errs.Write(w, r, err)
		return
	}
	records, err := h.engine.ListGapRecords(r.Context(), q.State, q.District)
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, records)
}

func (h *Handler) DeploymentPlan(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	maxVans, err := queryInt(values, "max_vans", defaultMaxVans)
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}
	q := DeploymentPlanQuery{State: strings.TrimSpace(values.Get("state")), MaxVans: maxVans}
	if err := h.validate.Struct(q); err != nil {
		h.errs.Write(w, r, err)
		return
	}
	plan, err := h.engine.DeploymentPlan(r.Context(), q.State, q.MaxVans)
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, plan)
}

func (h *Handler) FreezeCohort(w http.ResponseWriter, r *http.Request) {
	var req FreezeRequest
	if err := h.decode(w, r, &req); err != nil {
		h.errs.Write(w, r, err)
		return
	}
	req.normalize()
	if err := h.validate.Struct(req); err != nil {
		h.errs.Write(w, r, err)
		return
	}
	key, err := req.Key()
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}
	ticket, err := h.engine.FreezeCohort(r.Context(), key, req.AuthorizedBy, req.Reason)
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusCreated, ticket)
}

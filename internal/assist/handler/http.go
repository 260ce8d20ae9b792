package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/roadassist/internal/assist/domain"
	"github.com/example/roadassist/internal/assist/engine"
	"github.com/example/roadassist/internal/assist/registry"
	"github.com/example/roadassist/internal/auth"
	"github.com/example/roadassist/pkg/observability"
)

// defaultRadiusMeters is used when a nearby search omits radius.
const defaultRadiusMeters = 10000

// HTTP exposes the request lifecycle and provider endpoints.
type HTTP struct {
	engine    *engine.Engine
	providers *registry.ProviderRegistry
	workers   *registry.WorkerRegistry
	secret    string
	logger    *zap.Logger
}

// NewHTTP constructs a handler. secret verifies bearer tokens.
func NewHTTP(eng *engine.Engine, providers *registry.ProviderRegistry, workers *registry.WorkerRegistry, secret string, logger *zap.Logger) *HTTP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{engine: eng, providers: providers, workers: workers, secret: secret, logger: logger.Named("http")}
}

// Router builds the chi router with all endpoints and middlewares.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, observability.AccessLog(h.logger), middleware.Recoverer)
	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Middleware(h.secret))

		r.Post("/requests", h.createRequest)
		r.Get("/requests", h.listRequests)
		r.Get("/requests/{id}", h.getRequest)
		r.Delete("/requests/{id}", h.cancelRequest)
		r.Get("/requests/{id}/history", h.history)
		r.Patch("/requests/{id}/status", h.transition)
		r.Post("/requests/{id}/assign", h.assignWorker)
		r.Post("/requests/{id}/review", h.review)

		r.Get("/providers/nearby", h.nearby)
		r.Put("/providers/profile/{kind}", h.upsertProfile)
		r.Get("/providers/{id}", h.getProvider)
		r.Patch("/providers/{id}/active", h.toggleActive)
		r.Get("/providers/{id}/workers", h.listWorkers)
		r.Post("/providers/{id}/workers", h.addWorker)
		r.Delete("/providers/{id}/workers/{workerID}", h.removeWorker)
		r.Patch("/providers/{id}/workers/{workerID}/status", h.setWorkerStatus)
	})
	return r
}

type createRequestPayload struct {
	ProviderID     string          `json:"provider_id"`
	ServiceType    string          `json:"service_type"`
	Description    string          `json:"description"`
	Location       domain.Location `json:"location"`
	EstimatedPrice float64         `json:"estimated_price"`
}

func (h *HTTP) createRequest(w http.ResponseWriter, r *http.Request) {
	var payload createRequestPayload
	if !h.decode(w, r, &payload) {
		return
	}
	providerID, err := uuid.Parse(payload.ProviderID)
	if err != nil {
		h.writeError(w, fmt.Errorf("invalid provider_id: %w", domain.ErrInvalidInput))
		return
	}
	req, err := h.engine.CreateRequest(r.Context(), actorOf(r), engine.CreateInput{
		ProviderID:     providerID,
		ServiceType:    payload.ServiceType,
		Description:    payload.Description,
		Location:       payload.Location,
		EstimatedPrice: payload.EstimatedPrice,
	}, r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (h *HTTP) listRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter domain.RequestFilter
	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			s, err := domain.ParseStatus(strings.TrimSpace(part))
			if err != nil {
				h.writeError(w, err)
				return
			}
			filter.Statuses = append(filter.Statuses, s)
		}
	}
	if raw := q.Get("provider_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			h.writeError(w, fmt.Errorf("invalid provider_id: %w", domain.ErrInvalidInput))
			return
		}
		filter.ProviderID = &id
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			h.writeError(w, fmt.Errorf("invalid limit: %w", domain.ErrInvalidInput))
			return
		}
		filter.Limit = limit
	}
	reqs, err := h.engine.ListRequests(r.Context(), actorOf(r), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (h *HTTP) getRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	req, err := h.engine.GetRequest(r.Context(), actorOf(r), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *HTTP) history(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	events, err := h.engine.History(r.Context(), actorOf(r), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

type transitionPayload struct {
	Status      string   `json:"status"`
	ActualPrice *float64 `json:"actual_price"`
	Reason      string   `json:"reason"`
}

func (h *HTTP) transition(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var payload transitionPayload
	if !h.decode(w, r, &payload) {
		return
	}
	to, err := domain.ParseStatus(payload.Status)
	if err != nil {
		h.writeError(w, err)
		return
	}
	req, err := h.engine.Transition(r.Context(), actorOf(r), id, to, engine.Extra{ActualPrice: payload.ActualPrice, Reason: payload.Reason})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *HTTP) cancelRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var payload struct {
		Reason string `json:"reason"`
	}
	if !h.decodeOptional(w, r, &payload) {
		return
	}
	req, err := h.engine.Cancel(r.Context(), actorOf(r), id, payload.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *HTTP) assignWorker(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var payload struct {
		WorkerID   string `json:"worker_id"`
		ProviderID string `json:"provider_id"`
	}
	if !h.decode(w, r, &payload) {
		return
	}
	workerID, err := uuid.Parse(payload.WorkerID)
	if err != nil {
		h.writeError(w, fmt.Errorf("invalid worker_id: %w", domain.ErrInvalidInput))
		return
	}
	providerID := uuid.Nil
	if payload.ProviderID != "" {
		if providerID, err = uuid.Parse(payload.ProviderID); err != nil {
			h.writeError(w, fmt.Errorf("invalid provider_id: %w", domain.ErrInvalidInput))
			return
		}
	}
	req, err := h.engine.AssignWorker(r.Context(), actorOf(r), id, workerID, providerID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *HTTP) review(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var payload struct {
		Rating int    `json:"rating"`
		Review string `json:"review"`
	}
	if !h.decode(w, r, &payload) {
		return
	}
	req, err := h.providers.RecordReview(r.Context(), actorOf(r), id, payload.Rating, payload.Review)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type nearbyResult struct {
	Provider   domain.Provider `json:"provider"`
	DistanceM  float64         `json:"distance_m"`
	DistanceKM float64         `json:"distance_km"`
	ETASeconds int64           `json:"eta_seconds"`
}

func (h *HTTP) nearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
	if errLat != nil || errLon != nil {
		h.writeError(w, fmt.Errorf("lat and lon are required: %w", domain.ErrInvalidCoordinates))
		return
	}
	radius := float64(defaultRadiusMeters)
	if raw := q.Get("radius"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v <= 0 {
			h.writeError(w, fmt.Errorf("invalid radius: %w", domain.ErrInvalidInput))
			return
		}
		radius = v
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			h.writeError(w, fmt.Errorf("invalid limit: %w", domain.ErrInvalidInput))
			return
		}
		limit = v
	}
	hits, err := h.providers.Nearby(r.Context(), registry.NearbyQuery{
		Point:    domain.GeoPoint{Lat: lat, Lng: lon},
		Kind:     domain.ProviderKind(q.Get("kind")),
		RadiusKM: radius / 1000,
		Limit:    limit,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]nearbyResult, 0, len(hits))
	for _, hit := range hits {
		out = append(out, nearbyResult{
			Provider:   hit.Provider,
			DistanceM:  hit.DistanceKM * 1000,
			DistanceKM: hit.DistanceKM,
			ETASeconds: int64(hit.ETA.Seconds()),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type profilePayload struct {
	Name     string                   `json:"name"`
	Phone    string                   `json:"phone"`
	Location domain.Location          `json:"location"`
	Services []domain.ServiceOffering `json:"services"`
}

func (h *HTTP) upsertProfile(w http.ResponseWriter, r *http.Request) {
	var payload profilePayload
	if !h.decode(w, r, &payload) {
		return
	}
	p, err := h.providers.UpsertProfile(r.Context(), actorOf(r), domain.ProviderKind(chi.URLParam(r, "kind")), registry.ProfileInput{
		Name:     payload.Name,
		Phone:    payload.Phone,
		Location: payload.Location,
		Services: payload.Services,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *HTTP) getProvider(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	p, err := h.providers.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *HTTP) toggleActive(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var payload struct {
		Active *bool `json:"active"`
	}
	if !h.decode(w, r, &payload) {
		return
	}
	if payload.Active == nil {
		h.writeError(w, fmt.Errorf("active is required: %w", domain.ErrInvalidInput))
		return
	}
	p, err := h.providers.ToggleActive(r.Context(), actorOf(r), id, *payload.Active)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *HTTP) listWorkers(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	workers, err := h.workers.List(r.Context(), actorOf(r), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workers)
}

func (h *HTTP) addWorker(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var payload struct {
		Name           string `json:"name"`
		Phone          string `json:"phone"`
		Specialization string `json:"specialization"`
	}
	if !h.decode(w, r, &payload) {
		return
	}
	worker, err := h.workers.Add(r.Context(), actorOf(r), id, registry.WorkerInput{
		Name:           payload.Name,
		Phone:          payload.Phone,
		Specialization: payload.Specialization,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, worker)
}

func (h *HTTP) removeWorker(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	workerID, ok := h.pathID(w, r, "workerID")
	if !ok {
		return
	}
	if err := h.workers.Remove(r.Context(), actorOf(r), id, workerID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) setWorkerStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	workerID, ok := h.pathID(w, r, "workerID")
	if !ok {
		return
	}
	var payload struct {
		Status domain.WorkerStatus `json:"status"`
	}
	if !h.decode(w, r, &payload) {
		return
	}
	worker, err := h.workers.SetStatus(r.Context(), actorOf(r), id, workerID, payload.Status)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

func actorOf(r *http.Request) domain.Actor {
	actor, _ := auth.ActorFromContext(r.Context())
	return actor
}

func (h *HTTP) pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		h.writeError(w, fmt.Errorf("invalid %s: %w", name, domain.ErrInvalidInput))
		return uuid.Nil, false
	}
	return id, true
}

func (h *HTTP) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, fmt.Errorf("decode body: %v: %w", err, domain.ErrInvalidInput))
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func (h *HTTP) decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, fmt.Errorf("decode body: %v: %w", err, domain.ErrInvalidInput))
		return false
	}
	return true
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *HTTP) writeError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	if kind == domain.KindInternal {
		h.logger.Error("unhandled error", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Message: "internal error"})
		return
	}
	writeJSON(w, statusFor(kind), errorBody{Error: domain.CodeOf(err), Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	conductor "github.com/modelgrid/conductor"
)

// The batch endpoint rejects oversized payloads before fanning out.
const maxBatchSize = 100

type errorBody struct {
	Kind       string                     `json:"kind"`
	Message    string                     `json:"message"`
	Considered []conductor.ProviderStatus `json:"considered,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type batchResponseItem struct {
	Decision *conductor.RoutingDecision `json:"decision,omitempty"`
	Error    *errorBody                 `json:"error,omitempty"`
}

// Handler wires the orchestrator's operations onto HTTP routes.
type Handler struct {
	orchestrator *Orchestrator
	logger       *zap.SugaredLogger
}

func NewHandler(orchestrator *Orchestrator, logger *zap.SugaredLogger) http.Handler {
	h := &Handler{orchestrator: orchestrator, logger: logger}

	router := mux.NewRouter()
	router.HandleFunc("/v1/route", h.route).Methods(http.MethodPost)
	router.HandleFunc("/v1/route/batch", h.routeBatch).Methods(http.MethodPost)
	router.HandleFunc("/v1/providers/status", h.allProvidersStatus).Methods(http.MethodGet)
	router.HandleFunc("/v1/providers/{id}/status", h.providerStatus).Methods(http.MethodGet)
	router.HandleFunc("/v1/providers/{id}/deactivate", h.deactivateProvider).Methods(http.MethodPost)
	router.HandleFunc("/v1/stats", h.stats).Methods(http.MethodGet)
	router.HandleFunc("/v1/stats/reset", h.resetStats).Methods(http.MethodPost)
	router.HandleFunc("/v1/cache", h.clearCache).Methods(http.MethodDelete)
	router.Handle("/metrics", orchestrator.exporter.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/health", h.health).Methods(http.MethodGet)

	return cors.Default().Handler(router)
}

func (h *Handler) route(w http.ResponseWriter, r *http.Request) {
	request, err := decodeRouteRequest(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, errorBody{Kind: "bad_request", Message: err.Error()})
		return
	}

	decision, err := h.orchestrator.RouteRequest(r.Context(), request)
	if err != nil {
		h.writeRoutingError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, decision)
}

func (h *Handler) routeBatch(w http.ResponseWriter, r *http.Request) {
	var requests []*conductor.RouteRequest
	if err := json.NewDecoder(r.Body).Decode(&requests); err != nil {
		h.writeError(w, http.StatusBadRequest, errorBody{Kind: "bad_request", Message: fmt.Sprintf("invalid batch: %v", err)})
		return
	}
	if len(requests) == 0 || len(requests) > maxBatchSize {
		h.writeError(w, http.StatusBadRequest, errorBody{
			Kind:    "bad_request",
			Message: fmt.Sprintf("batch size must be between 1 and %d", maxBatchSize),
		})
		return
	}
	for i, request := range requests {
		if err := validateRouteRequest(request); err != nil {
			h.writeError(w, http.StatusBadRequest, errorBody{
				Kind:    "bad_request",
				Message: fmt.Sprintf("item %d: %v", i, err),
			})
			return
		}
	}

	results := h.orchestrator.RouteBatch(r.Context(), requests)
	response := make([]batchResponseItem, len(results))
	for i, result := range results {
		if result.Err != nil {
			body := routingErrorBody(result.Err)
			response[i] = batchResponseItem{Error: &body}
		} else {
			response[i] = batchResponseItem{Decision: result.Decision}
		}
	}
	h.writeJSON(w, http.StatusOK, response)
}

func (h *Handler) providerStatus(w http.ResponseWriter, r *http.Request) {
	providerID := mux.Vars(r)["id"]
	status, err := h.orchestrator.GetProviderStatus(r.Context(), providerID)
	if err != nil {
		if errors.Is(err, conductor.ErrProviderNotFound) {
			h.writeError(w, http.StatusNotFound, errorBody{Kind: "not_found", Message: err.Error()})
			return
		}
		h.writeError(w, http.StatusInternalServerError, errorBody{Kind: "internal", Message: err.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

func (h *Handler) allProvidersStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.orchestrator.GetAllProvidersStatus(r.Context()))
}

func (h *Handler) deactivateProvider(w http.ResponseWriter, r *http.Request) {
	providerID := mux.Vars(r)["id"]
	if err := h.orchestrator.DeactivateProvider(r.Context(), providerID); err != nil {
		if errors.Is(err, conductor.ErrProviderNotFound) {
			h.writeError(w, http.StatusNotFound, errorBody{Kind: "not_found", Message: err.Error()})
			return
		}
		h.writeError(w, http.StatusInternalServerError, errorBody{Kind: "internal", Message: err.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated", "provider": providerID})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.orchestrator.GetStats())
}

func (h *Handler) resetStats(w http.ResponseWriter, r *http.Request) {
	h.orchestrator.ResetStats()
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) clearCache(w http.ResponseWriter, r *http.Request) {
	count, err := h.orchestrator.ClearCache(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, errorBody{Kind: "internal", Message: err.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"cleared": count})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeRouteRequest(body io.Reader) (*conductor.RouteRequest, error) {
	var request conductor.RouteRequest
	if err := json.NewDecoder(body).Decode(&request); err != nil {
		return nil, fmt.Errorf("invalid request body: %v", err)
	}
	if err := validateRouteRequest(&request); err != nil {
		return nil, err
	}
	return &request, nil
}

func validateRouteRequest(request *conductor.RouteRequest) error {
	if request == nil {
		return fmt.Errorf("empty request")
	}
	if request.Model == "" {
		return fmt.Errorf("model is required")
	}
	if request.ExpectedTokens < 0 {
		return fmt.Errorf("expected_tokens must not be negative")
	}
	return nil
}

func (h *Handler) writeRoutingError(w http.ResponseWriter, err error) {
	body := routingErrorBody(err)
	status := http.StatusInternalServerError
	switch conductor.ErrorKind(body.Kind) {
	case conductor.ErrKindNoProvider:
		status = http.StatusUnprocessableEntity
	case conductor.ErrKindAllDown:
		status = http.StatusServiceUnavailable
	case conductor.ErrKindQueueFull:
		status = http.StatusTooManyRequests
	case conductor.ErrKindTimeout:
		status = http.StatusGatewayTimeout
	}
	h.writeError(w, status, body)
}

func routingErrorBody(err error) errorBody {
	var re *conductor.RoutingError
	if errors.As(err, &re) {
		return errorBody{
			Kind:       string(re.Kind),
			Message:    re.Error(),
			Considered: re.Considered,
		}
	}
	return errorBody{Kind: "internal", Message: err.Error()}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, body errorBody) {
	h.writeJSON(w, status, errorResponse{Error: body})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Warnw("Failed to encode response", "error", err)
	}
}

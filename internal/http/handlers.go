package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/bus"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

// Dispatcher runs one manual dispatch cycle for a ride.
type Dispatcher interface {
	Dispatch(ctx context.Context, rideID string) (dispatch.Outcome, error)
}

type Deps struct {
	Rides      *ride.Service
	Dispatcher Dispatcher
	Scheduler  ride.Scheduler // optional
	Locations  *ingest.Service
	Drivers    storage.DriverStore
	Sessions   *dispatch.WSRegistry
	Hub        *bus.Hub
	Logger     *slog.Logger
}

type Server struct {
	deps   Deps
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(d Deps) *Server {
	s := &Server{deps: d, logger: logging.OrDefault(d.Logger), mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/fare/estimate", s.handleFareEstimate).Methods(http.MethodPost)
	api.HandleFunc("/categories", s.handleCategories).Methods(http.MethodGet)
	api.HandleFunc("/rides", s.handleCreateRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/dispatch", s.handleDispatch).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/status", s.handleRideStatus).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}", s.handleUpsertDriver).Methods(http.MethodPut)
	api.HandleFunc("/drivers/{id}", s.handleGetDriver).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}/status", s.handleDriverStatus).Methods(http.MethodPut)

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)

	s.mux.HandleFunc("/ws/drivers/{driver_id}", s.handleDriverWS)
	s.mux.HandleFunc("/ws/locations", s.handleLocationsWS)
	s.mux.HandleFunc("/ws/rides/{id}/track", s.handleRideTrackWS)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type fareEstimateRequest struct {
	Pickup     models.Coord `json:"pickup"`
	Dropoff    models.Coord `json:"dropoff"`
	CategoryID string       `json:"category_id"`
}

// handleFareEstimate quotes one category, or every category when none is named.
func (s *Server) handleFareEstimate(w http.ResponseWriter, r *http.Request) {
	var req fareEstimateRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.CategoryID != "" {
		q, err := s.deps.Rides.Quote(req.Pickup, req.Dropoff, req.CategoryID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, q)
		return
	}
	cats := s.deps.Rides.Categories()
	quotes := make([]fare.Quote, 0, len(cats))
	for _, cat := range cats {
		q, err := fare.Estimate(req.Pickup, req.Dropoff, cat)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		quotes = append(quotes, q)
	}
	writeJSON(w, http.StatusOK, map[string]any{"quotes": quotes})
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"categories": s.deps.Rides.Categories()})
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var req ride.CreateRequest
	if !s.decode(w, r, &req) {
		return
	}
	created, err := s.deps.Rides.Create(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	got, err := s.deps.Rides.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

// handleDispatch runs a dispatch cycle now. A ride nobody could take yet is
// handed to the scheduler and answered with 202.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	out, err := s.deps.Dispatcher.Dispatch(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if out.Kind != dispatch.OutcomeNoDrivers {
		writeJSON(w, http.StatusOK, out)
		return
	}
	if s.deps.Scheduler != nil {
		if pending, err := s.deps.Rides.Get(r.Context(), id); err == nil {
			s.deps.Scheduler.Schedule(*pending)
		}
	}
	writeJSON(w, http.StatusAccepted, out)
}

type statusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleRideStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !s.decode(w, r, &req) {
		return
	}
	to, err := models.ParseRideStatus(req.Status)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	updated, err := s.deps.Rides.Transition(r.Context(), mux.Vars(r)["id"], to)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// handleUpsertDriver registers or updates a driver profile. The status in the
// body only applies to a new driver; existing drivers change status through
// the status endpoint.
func (s *Server) handleUpsertDriver(w http.ResponseWriter, r *http.Request) {
	var p models.DriverProfile
	if !s.decode(w, r, &p) {
		return
	}
	p.ID = mux.Vars(r)["id"]
	if p.Rating < 0 || p.Rating > 5 {
		s.writeServiceError(w, r, models.Invalid("rating", "must be within 0..5"))
		return
	}
	if p.TotalTrips < 0 {
		s.writeServiceError(w, r, models.Invalid("total_trips", "must be >= 0"))
		return
	}
	if p.Status == models.DriverOnTrip {
		s.writeServiceError(w, r, models.Invalid("status", "on_trip is set by dispatch only"))
		return
	}
	if existing, err := s.deps.Drivers.GetDriver(r.Context(), p.ID); err == nil {
		p.Status = existing.Status
	} else if !errors.Is(err, storage.ErrNotFound) {
		s.writeServiceError(w, r, err)
		return
	}
	saved, err := s.deps.Drivers.UpsertDriver(r.Context(), p)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleGetDriver(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Drivers.GetDriver(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !s.decode(w, r, &req) {
		return
	}
	status, err := models.ParseDriverStatus(req.Status)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.deps.Locations.SetDriverStatus(r.Context(), id, status); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(status)})
}

// handleDriverLocation accepts a position report. Malformed reports are
// acknowledged like any other so devices do not retry them.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var rep ingest.Report
	if !s.decode(w, r, &rep) {
		return
	}
	if err := s.deps.Locations.Report(r.Context(), rep); err != nil && !errors.Is(err, ingest.ErrDropped) {
		s.logger.Error("location_report_failed", "driver_id", rep.DriverID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "location store unavailable")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrDriverOnTrip), errors.Is(err, storage.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case dispatch.IsRetryable(err):
		writeError(w, http.StatusServiceUnavailable, "dispatch temporarily unavailable, retry later")
	default:
		s.logger.Error("request_failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

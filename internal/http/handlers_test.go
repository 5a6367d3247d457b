package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/bus"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

type recordingScheduler struct {
	mu    sync.Mutex
	rides []string
}

func (s *recordingScheduler) Schedule(r models.Ride) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rides = append(s.rides, r.ID)
	return true
}

func (s *recordingScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rides)
}

// rideReads lets a test run something right after the ride service reads a
// ride, before the caller sees the result.
type rideReads struct {
	storage.RideStore
	mu    sync.Mutex
	after func(ctx context.Context, id string)
}

func (r *rideReads) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	got, err := r.RideStore.GetRide(ctx, id)
	r.mu.Lock()
	after := r.after
	r.after = nil
	r.mu.Unlock()
	if after != nil {
		after(ctx, id)
	}
	return got, err
}

func (r *rideReads) afterNext(fn func(ctx context.Context, id string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.after = fn
}

type harness struct {
	srv      *Server
	store    *storage.MemoryStore
	idx      *geo.Index
	sessions *dispatch.WSRegistry
	sched    *recordingScheduler
	orch     *dispatch.Orchestrator
	reads    *rideReads
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cats := fare.DefaultCategories()
	catalog, err := fare.NewCatalog(cats)
	require.NoError(t, err)
	cfg := config.DefaultDispatchConfig()

	store := storage.NewMemoryStore(cats)
	idx := geo.NewIndex(cfg.StalenessWindow, nil)
	hub := bus.NewHub(16, logging.Discard())
	sessions := dispatch.NewWSRegistry()
	sched := &recordingScheduler{}

	orch := dispatch.NewOrchestrator(store, &matcher.Finder{Locations: idx, Profiles: store},
		config.Static(cfg), hub, sessions, logging.Discard())
	reads := &rideReads{RideStore: store}
	rides := ride.NewService(ride.Deps{Rides: reads, Catalog: catalog, Scheduler: sched, Hub: hub, Logger: logging.Discard()})
	locations := ingest.NewService(idx, store, hub, logging.Discard())

	srv := NewServer(Deps{
		Rides:      rides,
		Dispatcher: orch,
		Scheduler:  sched,
		Locations:  locations,
		Drivers:    store,
		Sessions:   sessions,
		Hub:        hub,
		Logger:     logging.Discard(),
	})
	return &harness{srv: srv, store: store, idx: idx, sessions: sessions, sched: sched, orch: orch, reads: reads}
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	return rec
}

// onlineDriver registers d, makes it available and reports a position.
func (h *harness) onlineDriver(t *testing.T, id string, lat, lon float64) {
	t.Helper()
	rec := h.do(t, http.MethodPut, "/api/v1/drivers/"+id, map[string]any{
		"name": "Driver " + id, "rating": 4.8, "total_trips": 120,
		"vehicle": map[string]any{"category_id": "economy"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = h.do(t, http.MethodPut, "/api/v1/drivers/"+id+"/status", map[string]string{"status": "available"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = h.do(t, http.MethodPost, "/internal/driver/locations", map[string]any{"driver_id": id, "lat": lat, "lon": lon})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
}

var kigaliRide = map[string]any{
	"passenger_id": "p1",
	"pickup":       map[string]float64{"lat": -1.9441, "lon": 30.0619},
	"dropoff":      map[string]float64{"lat": -1.9706, "lon": 30.1044},
	"category_id":  "economy",
}

func (h *harness) createRide(t *testing.T) models.Ride {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/api/v1/rides", kigaliRide)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var r models.Ride
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &r))
	return r
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = h.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestFareEstimate(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/v1/fare/estimate", map[string]any{
		"pickup":      kigaliRide["pickup"],
		"dropoff":     kigaliRide["dropoff"],
		"category_id": "economy",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var q fare.Quote
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &q))
	assert.InDelta(t, 5.567, q.DistanceKm, 0.01)
	assert.InDelta(t, 7680, q.Fare, 15)

	rec = h.do(t, http.MethodPost, "/api/v1/fare/estimate", map[string]any{
		"pickup": kigaliRide["pickup"], "dropoff": kigaliRide["dropoff"],
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var all struct {
		Quotes []fare.Quote `json:"quotes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Len(t, all.Quotes, len(fare.DefaultCategories()))

	rec = h.do(t, http.MethodPost, "/api/v1/fare/estimate", map[string]any{
		"pickup": kigaliRide["pickup"], "dropoff": kigaliRide["dropoff"], "category_id": "limo",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/fare/estimate", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateAndGetRide(t *testing.T) {
	h := newHarness(t)
	r := h.createRide(t)
	assert.Equal(t, models.RidePending, r.Status)
	assert.Equal(t, 1, h.sched.count())

	rec := h.do(t, http.MethodGet, "/api/v1/rides/"+r.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/rides/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/rides", map[string]any{"pickup": kigaliRide["pickup"]})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDispatchAssignsOnceThenResolves(t *testing.T) {
	h := newHarness(t)
	h.onlineDriver(t, "d1", -1.9450, 30.0650)
	r := h.createRide(t)

	rec := h.do(t, http.MethodPost, "/api/v1/rides/"+r.ID+"/dispatch", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out dispatch.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, dispatch.OutcomeAssigned, out.Kind)
	require.NotNil(t, out.Driver)
	assert.Equal(t, "d1", out.Driver.ID)

	rec = h.do(t, http.MethodPost, "/api/v1/rides/"+r.ID+"/dispatch", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, dispatch.OutcomeAlreadyResolved, out.Kind)

	// on_trip drivers cannot toggle themselves
	rec = h.do(t, http.MethodPut, "/api/v1/drivers/d1/status", map[string]string{"status": "offline"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = h.do(t, http.MethodPut, "/api/v1/drivers/d1/status", map[string]string{"status": "on_trip"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/rides/"+r.ID+"/status", map[string]string{"status": "in_progress"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = h.do(t, http.MethodPost, "/api/v1/rides/"+r.ID+"/status", map[string]string{"status": "completed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	d, err := h.store.GetDriver(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, models.DriverAvailable, d.Status)
}

func TestDispatchWithoutDriversIsScheduled(t *testing.T) {
	h := newHarness(t)
	r := h.createRide(t)
	before := h.sched.count()

	rec := h.do(t, http.MethodPost, "/api/v1/rides/"+r.ID+"/dispatch", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var out dispatch.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, dispatch.OutcomeNoDrivers, out.Kind)
	assert.Equal(t, before+1, h.sched.count())

	rec = h.do(t, http.MethodPost, "/api/v1/rides/missing/dispatch", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRideStatusErrors(t *testing.T) {
	h := newHarness(t)
	r := h.createRide(t)

	rec := h.do(t, http.MethodPost, "/api/v1/rides/"+r.ID+"/status", map[string]string{"status": "flying"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = h.do(t, http.MethodPost, "/api/v1/rides/"+r.ID+"/status", map[string]string{"status": "accepted"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = h.do(t, http.MethodPost, "/api/v1/rides/"+r.ID+"/status", map[string]string{"status": "completed"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = h.do(t, http.MethodPost, "/api/v1/rides/missing/status", map[string]string{"status": "cancelled"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDriverLocationReports(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/internal/driver/locations", `{"driver_id":"d9","lat":200,"lon":0}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	rec = h.do(t, http.MethodPost, "/internal/driver/locations", "nope")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPut, "/api/v1/drivers/d9", map[string]any{"rating": 7})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = h.do(t, http.MethodPut, "/api/v1/drivers/ghost/status", map[string]string{"status": "available"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func wsURL(base, path string) string {
	return "ws" + strings.TrimPrefix(base, "http") + path
}

func TestDriverSocketReceivesAssignment(t *testing.T) {
	h := newHarness(t)
	ts := httptest.NewServer(h.srv)
	defer ts.Close()

	h.onlineDriver(t, "d1", -1.9450, 30.0650)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL, "/ws/drivers/d1"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return h.sessions.Connected("d1") }, time.Second, 10*time.Millisecond)

	r := h.createRide(t)
	rec := h.do(t, http.MethodPost, "/api/v1/rides/"+r.ID+"/dispatch", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var notice struct {
		Type       string              `json:"type"`
		Assignment dispatch.Assignment `json:"assignment"`
	}
	require.NoError(t, conn.ReadJSON(&notice))
	assert.Equal(t, "ride_assigned", notice.Type)
	assert.Equal(t, r.ID, notice.Assignment.RideID)
	assert.Equal(t, "d1", notice.Assignment.DriverID)

	// frames from the app are location reports
	require.NoError(t, conn.WriteJSON(map[string]float64{"lat": -1.9460, "lon": 30.0660}))
	require.Eventually(t, func() bool {
		loc, ok, _ := h.idx.Get(context.Background(), "d1")
		return ok && loc.Loc.Lat == -1.9460
	}, time.Second, 10*time.Millisecond)

	_ = conn.Close()
	require.Eventually(t, func() bool { return !h.sessions.Connected("d1") }, time.Second, 10*time.Millisecond)
}

func TestRideTrackSocket(t *testing.T) {
	h := newHarness(t)
	ts := httptest.NewServer(h.srv)
	defer ts.Close()

	h.onlineDriver(t, "d1", -1.9450, 30.0650)
	r := h.createRide(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL, "/ws/rides/"+r.ID+"/track"), nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var msg struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "ride.snapshot", msg.Type)

	rec := h.do(t, http.MethodPost, "/api/v1/rides/"+r.ID+"/dispatch", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, bus.TopicRideAssigned, msg.Type)

	rec = h.do(t, http.MethodPost, "/api/v1/rides/"+r.ID+"/status", map[string]string{"status": "cancelled"})
	require.Equal(t, http.StatusOK, rec.Code)
	for {
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == bus.TopicRideStatus {
			break
		}
	}
	var change ride.StatusChange
	require.NoError(t, json.Unmarshal(msg.Data, &change))
	assert.Equal(t, models.RideCancelled, change.Status)

	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "socket should close after a terminal status")

	rec = h.do(t, http.MethodGet, "/ws/rides/missing/track", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRideTrackSocketSeesAssignmentDuringSnapshot(t *testing.T) {
	h := newHarness(t)
	ts := httptest.NewServer(h.srv)
	defer ts.Close()

	h.onlineDriver(t, "d1", -1.9450, 30.0650)
	r := h.createRide(t)

	// the ride is assigned after the snapshot was read but before it is sent
	h.reads.afterNext(func(ctx context.Context, id string) {
		_, _ = h.orch.Dispatch(ctx, id)
	})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL, "/ws/rides/"+r.ID+"/track"), nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var msg struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "ride.snapshot", msg.Type)
	var snap models.Ride
	require.NoError(t, json.Unmarshal(msg.Data, &snap))
	assert.Equal(t, models.RidePending, snap.Status)

	require.NoError(t, conn.ReadJSON(&msg), "assignment published during the snapshot read was lost")
	assert.Equal(t, bus.TopicRideAssigned, msg.Type)
	var a dispatch.Assignment
	require.NoError(t, json.Unmarshal(msg.Data, &a))
	assert.Equal(t, "d1", a.DriverID)
}

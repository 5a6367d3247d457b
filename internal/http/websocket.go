package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/bus"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/ride"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsReadLimit  = 4096
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// handleDriverWS keeps a driver's assignment channel open. Every text frame
// the app sends is treated as a location report for that driver.
func (s *Server) handleDriverWS(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws_upgrade_failed", "driver_id", driverID, "error", err)
		return
	}
	session := s.deps.Sessions.Add(driverID, conn)
	s.logger.Info("driver_ws_connected", "driver_id", driverID)
	defer func() {
		s.deps.Sessions.Remove(driverID, session)
		_ = conn.Close()
		s.logger.Info("driver_ws_disconnected", "driver_id", driverID)
	}()

	conn.SetReadLimit(wsReadLimit)
	ctx := context.WithoutCancel(r.Context())
	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var rep ingest.Report
		if err := json.Unmarshal(payload, &rep); err != nil {
			s.logger.Warn("driver_ws_bad_frame", "driver_id", driverID, "error", err)
			continue
		}
		rep.DriverID = driverID
		if err := s.deps.Locations.Report(ctx, rep); err != nil && !errors.Is(err, ingest.ErrDropped) {
			s.logger.Error("location_report_failed", "driver_id", driverID, "error", err)
		}
	}
}

// handleLocationsWS streams live driver positions. Query parameters narrow the
// stream: driver_ids=a,b and lat, lon, radius_km.
func (s *Server) handleLocationsWS(w http.ResponseWriter, r *http.Request) {
	f, err := locationFilter(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	locs, stop, err := s.deps.Locations.SubscribeLocations(ctx, f)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	defer stop()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws_upgrade_failed", "route", "/ws/locations", "error", err)
		return
	}
	defer conn.Close()
	go drain(conn, cancel)

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case rec, ok := <-locs:
			if !ok {
				return
			}
			if err := writeFrame(conn, wsMessage{Type: bus.TopicDriverLocation, Data: rec}); err != nil {
				return
			}
		}
	}
}

// handleRideTrackWS follows one ride: its status changes, its assignment and,
// once a driver is assigned, that driver's positions. The socket closes after
// the ride completes or is cancelled.
func (s *Server) handleRideTrackWS(w http.ResponseWriter, r *http.Request) {
	// subscribe before reading the snapshot so no change falls in between
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	statuses := s.deps.Hub.Subscribe(ctx, bus.TopicRideStatus)
	defer statuses.Close()
	assigned := s.deps.Hub.Subscribe(ctx, bus.TopicRideAssigned)
	defer assigned.Close()

	current, err := s.deps.Rides.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	rideID := current.ID

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws_upgrade_failed", "route", "/ws/rides/{id}/track", "error", err)
		return
	}
	defer conn.Close()
	go drain(conn, cancel)

	if err := writeFrame(conn, wsMessage{Type: "ride.snapshot", Data: current}); err != nil {
		return
	}
	if terminal(current.Status) {
		return
	}

	var locs <-chan models.DriverLocationRecord
	follow := func(driverID string) {
		if locs != nil || driverID == "" {
			return
		}
		ch, _, err := s.deps.Locations.SubscribeLocations(ctx, ingest.Filter{DriverIDs: []string{driverID}})
		if err != nil {
			s.logger.Warn("ride_track_follow_failed", "ride_id", rideID, "driver_id", driverID, "error", err)
			return
		}
		locs = ch
	}
	follow(current.DriverID)

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		var msg wsMessage
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
			continue
		case ev, ok := <-assigned.C:
			if !ok {
				return
			}
			if ev.Key != rideID {
				continue
			}
			if a, ok := ev.Payload.(dispatch.Assignment); ok {
				follow(a.DriverID)
			}
			msg = wsMessage{Type: ev.Topic, Data: ev.Payload}
		case ev, ok := <-statuses.C:
			if !ok {
				return
			}
			if ev.Key != rideID {
				continue
			}
			msg = wsMessage{Type: ev.Topic, Data: ev.Payload}
			if sc, ok := ev.Payload.(ride.StatusChange); ok && terminal(sc.Status) {
				_ = writeFrame(conn, msg)
				return
			}
		case rec, ok := <-locs:
			if !ok {
				locs = nil
				continue
			}
			msg = wsMessage{Type: bus.TopicDriverLocation, Data: rec}
		}
		if err := writeFrame(conn, msg); err != nil {
			return
		}
	}
}

func terminal(s models.RideStatus) bool {
	return s == models.RideCompleted || s == models.RideCancelled
}

func writeFrame(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(v)
}

// drain discards client frames and cancels once the peer goes away.
func drain(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(wsReadLimit)
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func locationFilter(r *http.Request) (ingest.Filter, error) {
	q := r.URL.Query()
	var f ingest.Filter
	if ids := strings.TrimSpace(q.Get("driver_ids")); ids != "" {
		for _, id := range strings.Split(ids, ",") {
			if id = strings.TrimSpace(id); id != "" {
				f.DriverIDs = append(f.DriverIDs, id)
			}
		}
	}
	if q.Get("lat") == "" && q.Get("lon") == "" {
		return f, nil
	}
	lat, err := strconv.ParseFloat(q.Get("lat"), 64)
	if err != nil {
		return f, models.Invalid("lat", "must be a number")
	}
	lon, err := strconv.ParseFloat(q.Get("lon"), 64)
	if err != nil {
		return f, models.Invalid("lon", "must be a number")
	}
	radius, err := strconv.ParseFloat(q.Get("radius_km"), 64)
	if err != nil {
		return f, models.Invalid("radius_km", "must be a number")
	}
	f.Center = &models.Coord{Lat: lat, Lon: lon}
	f.RadiusKm = radius
	return f, nil
}

package ride

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/bus"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type fakePayments struct {
	holds    []float64
	captured []string
	released []string
	failHold bool
}

func (f *fakePayments) Hold(_ context.Context, amount float64, _, _ string) (string, error) {
	if f.failHold {
		return "", errors.New("card declined")
	}
	f.holds = append(f.holds, amount)
	return "pi_1", nil
}

func (f *fakePayments) Capture(_ context.Context, ref string) error {
	f.captured = append(f.captured, ref)
	return nil
}

func (f *fakePayments) Cancel(_ context.Context, ref string) error {
	f.released = append(f.released, ref)
	return nil
}

type fakeScheduler struct{ rides []models.Ride }

func (f *fakeScheduler) Schedule(r models.Ride) bool {
	f.rides = append(f.rides, r)
	return true
}

type fixture struct {
	svc   *Service
	store *storage.MemoryStore
	pay   *fakePayments
	sched *fakeScheduler
	hub   *bus.Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	catalog, err := fare.NewCatalog(fare.DefaultCategories())
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	f := &fixture{
		store: storage.NewMemoryStore(fare.DefaultCategories()),
		pay:   &fakePayments{},
		sched: &fakeScheduler{},
		hub:   bus.NewHub(8, logging.Discard()),
	}
	f.svc = NewService(Deps{
		Rides: f.store, Catalog: catalog, Payments: f.pay, Currency: "rwf",
		Scheduler: f.sched, Hub: f.hub, Logger: logging.Discard(),
	})
	f.svc.now = func() time.Time { return time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC) }
	f.svc.newID = func() string { return "ride-1" }
	return f
}

var kigali = CreateRequest{
	PassengerID: "p1",
	Pickup:      models.Coord{Lat: -1.9441, Lon: 30.0619},
	Dropoff:     models.Coord{Lat: -1.9706, Lon: 30.1044},
	CategoryID:  "economy",
}

func TestCreateRide(t *testing.T) {
	f := newFixture(t)
	sub := f.hub.Subscribe(context.Background(), bus.TopicRideStatus)
	defer sub.Close()

	r, err := f.svc.Create(context.Background(), kigali)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.ID != "ride-1" || r.Status != models.RidePending || r.PaymentMethod != PaymentCash {
		t.Fatalf("unexpected ride %+v", r)
	}
	if math.Abs(r.EstimatedFare-(1000+r.DistanceKm*300*4)) > 1e-9 {
		t.Fatalf("fare not quoted from the category: %+v", r)
	}
	if len(f.pay.holds) != 0 {
		t.Fatal("cash rides must not place a hold")
	}
	if len(f.sched.rides) != 1 || f.sched.rides[0].ID != "ride-1" {
		t.Fatalf("ride not scheduled: %+v", f.sched.rides)
	}
	stored, err := f.store.GetRide(context.Background(), "ride-1")
	if err != nil || stored.Status != models.RidePending {
		t.Fatalf("ride not stored: %+v %v", stored, err)
	}
	select {
	case ev := <-sub.C:
		if ev.Payload.(StatusChange).Status != models.RidePending {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no ride.status event")
	}
}

func TestCreateRideValidation(t *testing.T) {
	f := newFixture(t)
	bad := []CreateRequest{
		{Pickup: kigali.Pickup, Dropoff: kigali.Dropoff, CategoryID: "economy"},
		{PassengerID: "p1", Pickup: models.Coord{Lat: math.NaN()}, Dropoff: kigali.Dropoff, CategoryID: "economy"},
		{PassengerID: "p1", Pickup: kigali.Pickup, Dropoff: kigali.Dropoff, CategoryID: "limo"},
		{PassengerID: "p1", Pickup: kigali.Pickup, Dropoff: kigali.Dropoff, CategoryID: "economy", PaymentMethod: "barter"},
	}
	for i, req := range bad {
		if _, err := f.svc.Create(context.Background(), req); !errors.Is(err, models.ErrValidation) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
	if len(f.sched.rides) != 0 {
		t.Fatal("rejected requests must not be scheduled")
	}
}

func TestCardRideHoldsAndSettles(t *testing.T) {
	f := newFixture(t)
	req := kigali
	req.PaymentMethod = "Card"
	r, err := f.svc.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.PaymentRef != "pi_1" || len(f.pay.holds) != 1 || f.pay.holds[0] != r.EstimatedFare {
		t.Fatalf("expected hold for the fare, got %+v / %+v", r, f.pay.holds)
	}

	if _, err := f.svc.Transition(context.Background(), r.ID, models.RideCancelled); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.pay.released) != 1 || f.pay.released[0] != "pi_1" {
		t.Fatalf("cancel should release the hold, got %v", f.pay.released)
	}
}

func TestCardHoldFailureRejectsRide(t *testing.T) {
	f := newFixture(t)
	f.pay.failHold = true
	req := kigali
	req.PaymentMethod = PaymentCard
	if _, err := f.svc.Create(context.Background(), req); err == nil {
		t.Fatal("expected hold error")
	}
	if _, err := f.store.GetRide(context.Background(), "ride-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("ride must not be stored, got %v", err)
	}
}

func TestTransitionLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _ = f.store.UpsertDriver(ctx, models.DriverProfile{ID: "d1", Status: models.DriverAvailable})
	req := kigali
	req.PaymentMethod = PaymentCard
	r, _ := f.svc.Create(ctx, req)

	if _, err := f.svc.Transition(ctx, r.ID, models.RideAccepted); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("accepted must be refused, got %v", err)
	}
	if _, err := f.svc.Transition(ctx, r.ID, models.RideInProgress); !errors.Is(err, storage.ErrInvalidTransition) {
		t.Fatalf("pending -> in_progress must be refused, got %v", err)
	}

	_, _ = f.store.AssignDriver(ctx, r.ID, "d1", time.Now())
	if _, err := f.svc.Transition(ctx, r.ID, models.RideInProgress); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	done, err := f.svc.Transition(ctx, r.ID, models.RideCompleted)
	if err != nil || done.Status != models.RideCompleted {
		t.Fatalf("unexpected completion %+v %v", done, err)
	}
	if len(f.pay.captured) != 1 {
		t.Fatalf("completion should capture the hold, got %v", f.pay.captured)
	}
	if d, _ := f.store.GetDriver(ctx, "d1"); d.Status != models.DriverAvailable || d.TotalTrips != 1 {
		t.Fatalf("driver not released: %+v", d)
	}
}

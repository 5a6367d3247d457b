package storage

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/models"
)

func setupMockDB(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStoreWithDB(db, config.DefaultDispatchConfig()), mock
}

func TestPostgresAssignDriver_OK(t *testing.T) {
	store, mock := setupMockDB(t)
	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE rides")).
		WithArgs("r1", "d1", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE drivers SET status = 'on_trip'")).
		WithArgs("d1", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := store.AssignDriver(context.Background(), "r1", "d1", at)
	require.NoError(t, err)
	assert.Equal(t, AssignOK, res)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAssignDriver_RideNotPending(t *testing.T) {
	store, mock := setupMockDB(t)
	at := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE rides")).
		WithArgs("r1", "d1", at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	res, err := store.AssignDriver(context.Background(), "r1", "d1", at)
	require.NoError(t, err)
	assert.Equal(t, AssignRideNotPending, res)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAssignDriver_DriverUnavailableRollsBack(t *testing.T) {
	store, mock := setupMockDB(t)
	at := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE rides")).
		WithArgs("r1", "d1", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE drivers")).
		WithArgs("d1", at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	res, err := store.AssignDriver(context.Background(), "r1", "d1", at)
	require.NoError(t, err)
	assert.Equal(t, AssignDriverUnavailable, res)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAssignDriver_DatabaseError(t *testing.T) {
	store, mock := setupMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE rides")).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err := store.AssignDriver(context.Background(), "r1", "d1", time.Now())
	assert.ErrorIs(t, err, assert.AnError)
}

func TestPostgresGetRide_NotFound(t *testing.T) {
	store, mock := setupMockDB(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, passenger_id")).
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetRide(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestPostgresTransitionRide_CompletesAndReleasesDriver(t *testing.T) {
	store, mock := setupMockDB(t)
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	created := at.Add(-time.Hour)

	cols := []string{"id", "passenger_id", "pickup_lat", "pickup_lon", "dropoff_lat", "dropoff_lon",
		"pickup_address", "dropoff_address", "status", "driver_id", "category_id", "distance_km",
		"estimated_fare", "payment_method", "payment_ref", "preferred_driver_id",
		"created_at", "updated_at", "accepted_at"}
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, passenger_id")).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("r1", "p1", -1.94, 30.06, -1.97, 30.10,
			"", "", "in_progress", "d1", "economy", 5.5, 7600.0, "cash", "", "",
			created, created, created))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE rides SET status")).
		WithArgs("r1", "completed", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE drivers")).
		WithArgs("d1", 1, at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	r, err := store.TransitionRide(context.Background(), "r1", models.RideCompleted, at)
	require.NoError(t, err)
	assert.Equal(t, models.RideCompleted, r.Status)
	assert.Equal(t, "d1", r.DriverID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSetDriverStatus_OnTripRejected(t *testing.T) {
	store, mock := setupMockDB(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM drivers")).
		WithArgs("d1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("on_trip"))

	err := store.SetDriverStatus(context.Background(), "d1", models.DriverOffline)
	assert.ErrorIs(t, err, ErrDriverOnTrip)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetDrivers(t *testing.T) {
	store, mock := setupMockDB(t)
	cols := []string{"id", "name", "rating", "total_trips", "status", "vehicle_make", "vehicle_model", "vehicle_plate", "vehicle_category"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM drivers WHERE id = ANY")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("d1", "Ana", 4.8, 120, "available", "Toyota", "Vitz", "RAB123A", "economy").
			AddRow("d2", "Ben", 4.2, 10, "offline", "", "", "", ""))

	got, err := store.GetDrivers(context.Background(), []string{"d1", "d2", "d3"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, models.DriverAvailable, got["d1"].Status)
	assert.Equal(t, "economy", got["d1"].Vehicle.CategoryID)
}

func TestPostgresDispatchConfigOverlay(t *testing.T) {
	store, mock := setupMockDB(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT key, value FROM dispatch_settings")).
		WillReturnRows(sqlmock.NewRows([]string{"key", "value"}).
			AddRow("dispatch_radius_km", "8").
			AddRow("auto_dispatch_delay", "1s").
			AddRow("surge_multiplier", "1.5"))

	cfg, err := store.DispatchConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8.0, cfg.RadiusKm)
	assert.Equal(t, time.Second, cfg.AutoDispatchDelay)
	assert.Equal(t, config.DefaultDispatchConfig().MinRating, cfg.MinRating)
}

func TestPostgresDispatchConfigBadValue(t *testing.T) {
	store, mock := setupMockDB(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT key, value FROM dispatch_settings")).
		WillReturnRows(sqlmock.NewRows([]string{"key", "value"}).AddRow("dispatch_radius_km", "wide"))

	cfg, err := store.DispatchConfig(context.Background())
	assert.Error(t, err)
	assert.Equal(t, config.DefaultDispatchConfig(), cfg)
}

func TestPostgresDispatchConfigRejectsStartupOnlyRows(t *testing.T) {
	store, mock := setupMockDB(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT key, value FROM dispatch_settings")).
		WillReturnRows(sqlmock.NewRows([]string{"key", "value"}).
			AddRow("dispatch_radius_km", "8").
			AddRow("location_staleness", "5m"))

	cfg, err := store.DispatchConfig(context.Background())
	assert.ErrorIs(t, err, config.ErrStartupOnly)
	assert.Equal(t, config.DefaultDispatchConfig(), cfg)
}

func TestPostgresDispatchConfigRejectsZeroDelay(t *testing.T) {
	store, mock := setupMockDB(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT key, value FROM dispatch_settings")).
		WillReturnRows(sqlmock.NewRows([]string{"key", "value"}).AddRow("auto_dispatch_max_delay", "0s"))

	cfg, err := store.DispatchConfig(context.Background())
	assert.Error(t, err)
	assert.Equal(t, config.DefaultDispatchConfig(), cfg)
}

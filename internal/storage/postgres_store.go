package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/migrations"
)

// PostgresStore implements RideStore, DriverStore, CategoryStore and
// config.Provider on one database.
type PostgresStore struct {
	db       *sql.DB
	defaults config.DispatchConfig
}

func NewPostgresStore(ctx context.Context, dsn string, defaults config.DispatchConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPostgresStoreWithDB(db, defaults), nil
}

func NewPostgresStoreWithDB(db *sql.DB, defaults config.DispatchConfig) *PostgresStore {
	return &PostgresStore{db: db, defaults: defaults}
}

func (p *PostgresStore) Close() error { return p.db.Close() }

// Migrate applies the embedded schema files in name order. Every statement is
// idempotent so it is safe on each start.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations.FS, "*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.FS.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}

const rideColumns = `id, passenger_id, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
	pickup_address, dropoff_address, status, driver_id, category_id, distance_km,
	estimated_fare, payment_method, payment_ref, preferred_driver_id,
	created_at, updated_at, accepted_at`

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		r.ID, r.PassengerID, r.Pickup.Lat, r.Pickup.Lon, r.Dropoff.Lat, r.Dropoff.Lon,
		r.PickupAddress, r.DropoffAddress, string(r.Status), nullString(r.DriverID), r.CategoryID, r.DistanceKm,
		r.EstimatedFare, r.PaymentMethod, r.PaymentRef, r.PreferredDriverID,
		r.CreatedAt, r.UpdatedAt, r.AcceptedAt)
	if err != nil {
		return fmt.Errorf("insert ride %s: %w", r.ID, err)
	}
	return nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	return scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id))
}

// AssignDriver runs both conditional updates in one transaction. The ride row
// is locked first, so a concurrent dispatch of the same ride blocks and then
// re-evaluates status = 'pending' against the committed value.
func (p *PostgresStore) AssignDriver(ctx context.Context, rideID, driverID string, at time.Time) (AssignResult, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin assign: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE rides
		SET status = 'accepted', driver_id = $2, accepted_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'pending'`, rideID, driverID, at)
	if err != nil {
		return 0, fmt.Errorf("accept ride %s: %w", rideID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return 0, err
	} else if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM rides WHERE id = $1)`, rideID).Scan(&exists); err != nil {
			return 0, fmt.Errorf("lookup ride %s: %w", rideID, err)
		}
		if !exists {
			return 0, ErrNotFound
		}
		return AssignRideNotPending, nil
	}

	res, err = tx.ExecContext(ctx, `UPDATE drivers SET status = 'on_trip', updated_at = $2
		WHERE id = $1 AND status = 'available'`, driverID, at)
	if err != nil {
		return 0, fmt.Errorf("claim driver %s: %w", driverID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return 0, err
	} else if n == 0 {
		return AssignDriverUnavailable, nil
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit assign: %w", err)
	}
	return AssignOK, nil
}

func (p *PostgresStore) TransitionRide(ctx context.Context, id string, to models.RideStatus, at time.Time) (*models.Ride, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	r, err := scanRide(tx.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if !models.CanTransition(r.Status, to) {
		return nil, ErrInvalidTransition
	}
	if _, err := tx.ExecContext(ctx, `UPDATE rides SET status = $2, updated_at = $3 WHERE id = $1`, id, string(to), at); err != nil {
		return nil, fmt.Errorf("update ride %s: %w", id, err)
	}
	if r.DriverID != "" && (to == models.RideCompleted || to == models.RideCancelled) {
		trips := 0
		if to == models.RideCompleted {
			trips = 1
		}
		if _, err := tx.ExecContext(ctx, `UPDATE drivers
			SET status = 'available', total_trips = total_trips + $2, updated_at = $3
			WHERE id = $1 AND status = 'on_trip'`, r.DriverID, trips, at); err != nil {
			return nil, fmt.Errorf("release driver %s: %w", r.DriverID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}
	r.Status = to
	r.UpdatedAt = at
	return r, nil
}

const driverColumns = `id, name, rating, total_trips, status, vehicle_make, vehicle_model, vehicle_plate, vehicle_category`

// UpsertDriver writes the profile but never overwrites an on_trip status.
func (p *PostgresStore) UpsertDriver(ctx context.Context, d models.DriverProfile) (models.DriverProfile, error) {
	if d.Status == "" {
		d.Status = models.DriverOffline
	}
	row := p.db.QueryRowContext(ctx, `INSERT INTO drivers(`+driverColumns+`, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			rating = EXCLUDED.rating,
			total_trips = EXCLUDED.total_trips,
			status = CASE WHEN drivers.status = 'on_trip' THEN drivers.status ELSE EXCLUDED.status END,
			vehicle_make = EXCLUDED.vehicle_make,
			vehicle_model = EXCLUDED.vehicle_model,
			vehicle_plate = EXCLUDED.vehicle_plate,
			vehicle_category = EXCLUDED.vehicle_category,
			updated_at = NOW()
		RETURNING `+driverColumns,
		d.ID, d.Name, d.Rating, d.TotalTrips, string(d.Status),
		d.Vehicle.Make, d.Vehicle.Model, d.Vehicle.Plate, d.Vehicle.CategoryID)
	out, err := scanDriver(row)
	if err != nil {
		return models.DriverProfile{}, fmt.Errorf("upsert driver %s: %w", d.ID, err)
	}
	return out, nil
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (models.DriverProfile, error) {
	d, err := scanDriver(p.db.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.DriverProfile{}, ErrNotFound
	}
	return d, err
}

func (p *PostgresStore) GetDrivers(ctx context.Context, ids []string) (map[string]models.DriverProfile, error) {
	out := make(map[string]models.DriverProfile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("load drivers: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out[d.ID] = d
	}
	return out, rows.Err()
}

func (p *PostgresStore) SetDriverStatus(ctx context.Context, id string, status models.DriverStatus) error {
	var current string
	err := p.db.QueryRowContext(ctx, `SELECT status FROM drivers WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load driver %s: %w", id, err)
	}
	if err := checkManualStatus(models.DriverStatus(current), status); err != nil {
		return err
	}
	// the status guard keeps a concurrent assignment from being undone
	res, err := p.db.ExecContext(ctx, `UPDATE drivers SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status <> 'on_trip'`, id, string(status))
	if err != nil {
		return fmt.Errorf("set driver %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDriverOnTrip
	}
	return nil
}

func (p *PostgresStore) CompareAndSetDriverStatus(ctx context.Context, id string, from, to models.DriverStatus) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE drivers SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2`, id, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("cas driver %s status: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) ListCategories(ctx context.Context) ([]models.CarCategory, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, name, base_fare, price_per_km, minimum_fare, capacity
		FROM car_categories ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()
	var out []models.CarCategory
	for rows.Next() {
		var c models.CarCategory
		if err := rows.Scan(&c.ID, &c.Name, &c.BaseFare, &c.PricePerKm, &c.MinimumFare, &c.Capacity); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DispatchConfig overlays the dispatch_settings rows on the env defaults so
// operators can retune matching without a restart. Unknown keys are ignored.
func (p *PostgresStore) DispatchConfig(ctx context.Context) (config.DispatchConfig, error) {
	cfg := p.defaults
	rows, err := p.db.QueryContext(ctx, `SELECT key, value FROM dispatch_settings`)
	if err != nil {
		return cfg, fmt.Errorf("load dispatch settings: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return cfg, err
		}
		if _, err := cfg.SetRuntime(key, value); err != nil {
			return p.defaults, err
		}
	}
	if err := rows.Err(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return p.defaults, fmt.Errorf("dispatch settings: %w", err)
	}
	return cfg, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*models.Ride, error) {
	var r models.Ride
	var status string
	var driverID sql.NullString
	var acceptedAt sql.NullTime
	err := row.Scan(&r.ID, &r.PassengerID, &r.Pickup.Lat, &r.Pickup.Lon, &r.Dropoff.Lat, &r.Dropoff.Lon,
		&r.PickupAddress, &r.DropoffAddress, &status, &driverID, &r.CategoryID, &r.DistanceKm,
		&r.EstimatedFare, &r.PaymentMethod, &r.PaymentRef, &r.PreferredDriverID,
		&r.CreatedAt, &r.UpdatedAt, &acceptedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan ride: %w", err)
	}
	r.Status = models.RideStatus(status)
	r.DriverID = driverID.String
	if acceptedAt.Valid {
		t := acceptedAt.Time
		r.AcceptedAt = &t
	}
	return &r, nil
}

func scanDriver(row rowScanner) (models.DriverProfile, error) {
	var d models.DriverProfile
	var status string
	err := row.Scan(&d.ID, &d.Name, &d.Rating, &d.TotalTrips, &status,
		&d.Vehicle.Make, &d.Vehicle.Model, &d.Vehicle.Plate, &d.Vehicle.CategoryID)
	d.Status = models.DriverStatus(status)
	return d, err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/mechanic-dispatch/internal/models"
)

// PostgresStore persists requests, mechanics and bookings with lib/pq.
// Guarded transitions are single UPDATE statements whose WHERE clause holds
// the guard, so concurrent callers across processes cannot both match.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
func (p *PostgresStore) Close() error                   { return p.db.Close() }

// Migrate applies every *.sql file in dir in lexical order.
func (p *PostgresStore) Migrate(ctx context.Context, dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	applied := make([]string, 0, len(files))
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return applied, err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return applied, fmt.Errorf("migration %s: %w", filepath.Base(f), err)
		}
		applied = append(applied, filepath.Base(f))
	}
	return applied, nil
}

const requestColumns = `id, user_id, mechanic_id, issue_description, lat, lon, location_name, status, priority,
	estimated_cost, actual_cost, notes, created_at, updated_at, accepted_at, completed_at, cancelled_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (models.Request, error) {
	var r models.Request
	var mechanic sql.NullString
	var acceptedAt, completedAt, cancelledAt sql.NullTime
	var status, priority string
	err := row.Scan(&r.ID, &r.UserID, &mechanic, &r.IssueDescription, &r.Location.Lat, &r.Location.Lon,
		&r.LocationName, &status, &priority, &r.EstimatedCost, &r.ActualCost, &r.Notes,
		&r.CreatedAt, &r.UpdatedAt, &acceptedAt, &completedAt, &cancelledAt)
	if err != nil {
		return models.Request{}, err
	}
	r.MechanicID = mechanic.String
	r.Status = models.RequestStatus(status)
	r.Priority = models.Priority(priority)
	r.AcceptedAt = timePtr(acceptedAt)
	r.CompletedAt = timePtr(completedAt)
	r.CancelledAt = timePtr(cancelledAt)
	return r, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func (p *PostgresStore) CreateRequest(ctx context.Context, r *models.Request) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO service_requests(id, user_id, issue_description, lat, lon, location_name,
		status, priority, estimated_cost, notes, created_at, updated_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		r.ID, r.UserID, r.IssueDescription, r.Location.Lat, r.Location.Lon, r.LocationName,
		string(r.Status), string(r.Priority), r.EstimatedCost, r.Notes, r.CreatedAt, r.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("request %s: %w", r.ID, ErrConflict)
	}
	return err
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (models.Request, error) {
	r, err := scanRequest(p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM service_requests WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Request{}, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) ListRequests(ctx context.Context, f RequestFilter) ([]models.Request, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.MechanicID != "" {
		add("mechanic_id = $%d", f.MechanicID)
	}
	q := `SELECT ` + requestColumns + ` FROM service_requests`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Request, 0)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) TransitionRequest(ctx context.Context, id string, t Transition) (models.Request, error) {
	from := make([]string, 0, len(t.From))
	for _, s := range t.From {
		from = append(from, string(s))
	}
	var cost sql.NullFloat64
	if t.ActualCost != nil {
		cost = sql.NullFloat64{Float64: *t.ActualCost, Valid: true}
	}
	row := p.db.QueryRowContext(ctx, `UPDATE service_requests SET
			status = $2,
			updated_at = $3,
			mechanic_id = CASE WHEN $4 <> '' THEN $4 ELSE mechanic_id END,
			accepted_at = CASE WHEN $2 = 'accepted' THEN $3 ELSE accepted_at END,
			completed_at = CASE WHEN $2 = 'completed' THEN $3 ELSE completed_at END,
			cancelled_at = CASE WHEN $2 = 'cancelled' THEN $3 ELSE cancelled_at END,
			actual_cost = COALESCE($5, actual_cost),
			notes = CASE WHEN $6 <> '' THEN $6 ELSE notes END
		WHERE id = $1
			AND status = ANY($7)
			AND ($8 = '' OR mechanic_id = $8)
			AND ($9 = '' OR user_id = $9)
		RETURNING `+requestColumns,
		id, string(t.To), t.At, t.AssignMechanic, cost, t.Notes, pq.Array(from), t.Owner, t.UserID)
	r, err := scanRequest(row)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Request{}, err
	}
	current, err := p.GetRequest(ctx, id)
	if err != nil {
		return models.Request{}, err
	}
	return current, ErrConflict
}

const mechanicColumns = `id, name, specialization, is_available, is_active, current_lat, current_lon, rating, completed_jobs, updated_at`

func scanMechanic(row rowScanner) (models.Mechanic, error) {
	var (
		m        models.Mechanic
		lat, lon sql.NullFloat64
		spec     pq.StringArray
	)
	if err := row.Scan(&m.ID, &m.Name, &spec, &m.IsAvailable, &m.IsActive, &lat, &lon, &m.Rating, &m.CompletedJobs, &m.UpdatedAt); err != nil {
		return models.Mechanic{}, err
	}
	m.Specialization = []string(spec)
	if lat.Valid && lon.Valid {
		m.CurrentLocation = &models.Coord{Lat: lat.Float64, Lon: lon.Float64}
	}
	return m, nil
}

func (p *PostgresStore) UpsertMechanic(ctx context.Context, m models.Mechanic) error {
	var lat, lon sql.NullFloat64
	if m.CurrentLocation != nil {
		lat = sql.NullFloat64{Float64: m.CurrentLocation.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: m.CurrentLocation.Lon, Valid: true}
	}
	spec := m.Specialization
	if spec == nil {
		spec = []string{}
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO mechanics(`+mechanicColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, specialization = EXCLUDED.specialization,
			is_available = EXCLUDED.is_available, is_active = EXCLUDED.is_active, current_lat = EXCLUDED.current_lat,
			current_lon = EXCLUDED.current_lon, rating = EXCLUDED.rating, completed_jobs = EXCLUDED.completed_jobs,
			updated_at = EXCLUDED.updated_at`,
		m.ID, m.Name, pq.Array(spec), m.IsAvailable, m.IsActive, lat, lon, m.Rating, m.CompletedJobs, m.UpdatedAt)
	return err
}

func (p *PostgresStore) GetMechanic(ctx context.Context, id string) (models.Mechanic, error) {
	m, err := scanMechanic(p.db.QueryRowContext(ctx, `SELECT `+mechanicColumns+` FROM mechanics WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Mechanic{}, ErrNotFound
	}
	return m, err
}

func (p *PostgresStore) ListMechanics(ctx context.Context, f MechanicFilter) ([]models.Mechanic, error) {
	q := `SELECT ` + mechanicColumns + ` FROM mechanics WHERE rating >= $1`
	args := []any{f.MinRating}
	if f.AvailableOnly {
		q += ` AND is_available AND is_active`
	}
	if f.Specialization != "" {
		args = append(args, f.Specialization)
		q += fmt.Sprintf(` AND $%d = ANY(specialization)`, len(args))
	}
	q += ` ORDER BY id`
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Mechanic, 0)
	for rows.Next() {
		m, err := scanMechanic(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ClaimAvailability(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE mechanics SET is_available = FALSE, updated_at = $2 WHERE id = $1 AND is_available`, id, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := p.GetMechanic(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (p *PostgresStore) updateMechanic(ctx context.Context, set string, args ...any) (models.Mechanic, error) {
	m, err := scanMechanic(p.db.QueryRowContext(ctx, `UPDATE mechanics SET `+set+` WHERE id = $1 RETURNING `+mechanicColumns, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Mechanic{}, ErrNotFound
	}
	return m, err
}

func (p *PostgresStore) SetAvailability(ctx context.Context, id string, available bool, at time.Time) (models.Mechanic, error) {
	return p.updateMechanic(ctx, `is_available = $2, updated_at = $3`, id, available, at)
}

func (p *PostgresStore) ToggleAvailability(ctx context.Context, id string, at time.Time) (models.Mechanic, error) {
	return p.updateMechanic(ctx, `is_available = NOT is_available, updated_at = $2`, id, at)
}

func (p *PostgresStore) RecordCompletedJob(ctx context.Context, id string, at time.Time) (models.Mechanic, error) {
	return p.updateMechanic(ctx, `completed_jobs = completed_jobs + 1, is_available = TRUE, updated_at = $2`, id, at)
}

func (p *PostgresStore) UpdateLocation(ctx context.Context, id string, c models.Coord, at time.Time) (models.Mechanic, error) {
	return p.updateMechanic(ctx, `current_lat = $2, current_lon = $3, updated_at = $4`, id, c.Lat, c.Lon, at)
}

func (p *PostgresStore) CreateBooking(ctx context.Context, b models.Booking) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO bookings(id, request_id, user_id, mechanic_id, issue_description,
		location_name, status, cost, completed_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		b.ID, b.RequestID, b.UserID, b.MechanicID, b.IssueDescription, b.LocationName, b.Status, b.Cost, b.CompletedAt)
	return err
}

func (p *PostgresStore) ListBookings(ctx context.Context, f BookingFilter) ([]models.Booking, error) {
	q := `SELECT id, request_id, user_id, mechanic_id, issue_description, location_name, status, cost, completed_at
		FROM bookings WHERE ($1 = '' OR user_id = $1) AND ($2 = '' OR mechanic_id = $2) ORDER BY completed_at DESC`
	args := []any{f.UserID, f.MechanicID}
	if f.Limit > 0 {
		q += ` LIMIT $3`
		args = append(args, f.Limit)
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Booking, 0)
	for rows.Next() {
		var b models.Booking
		if err := rows.Scan(&b.ID, &b.RequestID, &b.UserID, &b.MechanicID, &b.IssueDescription, &b.LocationName, &b.Status, &b.Cost, &b.CompletedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

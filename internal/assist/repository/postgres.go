package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/example/roadassist/internal/assist/domain"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore persists the assistance domain with database/sql over the pgx driver.
// Every update is a conditional write on the row version.
type PostgresStore struct {
	pgReader
	db *sql.DB
}

// NewPostgresStore wraps an open *sql.DB (driver "pgx").
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{pgReader: pgReader{q: db}, db: db}
}

// Migrate creates the schema when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Atomically runs fn inside a READ COMMITTED transaction.
func (s *PostgresStore) Atomically(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, &pgTx{pgReader: pgReader{q: sqlTx}, tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return mapWriteError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

type pgReader struct {
	q queryer
}

const requestColumns = `id, requester_id, provider_id, worker_id, service_type, description,
	lat, lng, address, estimated_price, actual_price, status, cancel_reason,
	created_at, updated_at, accepted_at, assigned_at, started_at, completed_at, cancelled_at,
	rating, review, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (domain.ServiceRequest, error) {
	var (
		r                                          domain.ServiceRequest
		workerID                                   uuid.NullUUID
		actualPrice                                sql.NullFloat64
		status                                     string
		accepted, assigned, started, done, stopped sql.NullTime
		rating                                     sql.NullInt32
	)
	err := row.Scan(
		&r.ID, &r.RequesterID, &r.ProviderID, &workerID, &r.ServiceType, &r.Description,
		&r.Location.Point.Lat, &r.Location.Point.Lng, &r.Location.Address, &r.EstimatedPrice, &actualPrice, &status, &r.CancelReason,
		&r.CreatedAt, &r.UpdatedAt, &accepted, &assigned, &started, &done, &stopped,
		&rating, &r.Review, &r.Version,
	)
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	r.Status = domain.RequestStatus(status)
	if workerID.Valid {
		id := workerID.UUID
		r.WorkerID = &id
	}
	if actualPrice.Valid {
		v := actualPrice.Float64
		r.ActualPrice = &v
	}
	if rating.Valid {
		v := int(rating.Int32)
		r.Rating = &v
	}
	r.AcceptedAt = timePtr(accepted)
	r.AssignedAt = timePtr(assigned)
	r.StartedAt = timePtr(started)
	r.CompletedAt = timePtr(done)
	r.CancelledAt = timePtr(stopped)
	return r, nil
}

func (r pgReader) GetRequest(ctx context.Context, id uuid.UUID) (domain.ServiceRequest, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM service_requests WHERE id = $1`, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ServiceRequest{}, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.ServiceRequest{}, fmt.Errorf("select request: %w", err)
	}
	return req, nil
}

func (r pgReader) ListRequests(ctx context.Context, filter domain.RequestFilter) ([]domain.ServiceRequest, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.RequesterID != nil {
		add("requester_id = $%d", *filter.RequesterID)
	}
	if filter.ProviderID != nil {
		add("provider_id = $%d", *filter.ProviderID)
	}
	if filter.WorkerID != nil {
		add("worker_id = $%d", *filter.WorkerID)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		add("status = ANY($%d)", statuses)
	}
	query := `SELECT ` + requestColumns + ` FROM service_requests`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()
	out := make([]domain.ServiceRequest, 0)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests: %w", err)
	}
	return out, nil
}

func (r pgReader) RequestEvents(ctx context.Context, requestID uuid.UUID) ([]domain.RequestEvent, error) {
	if _, err := r.GetRequest(ctx, requestID); err != nil {
		return nil, err
	}
	rows, err := r.q.QueryContext(ctx, `SELECT request_id, seq, type, from_status, to_status, actor_role, actor_id, worker_id, at
		FROM request_events WHERE request_id = $1 ORDER BY seq`, requestID)
	if err != nil {
		return nil, fmt.Errorf("select events: %w", err)
	}
	defer rows.Close()
	var out []domain.RequestEvent
	for rows.Next() {
		var (
			ev                  domain.RequestEvent
			typ, from, to, role string
			workerID            uuid.NullUUID
		)
		if err := rows.Scan(&ev.RequestID, &ev.Seq, &typ, &from, &to, &role, &ev.ActorID, &workerID, &ev.At); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = domain.EventType(typ)
		ev.From = domain.RequestStatus(from)
		ev.To = domain.RequestStatus(to)
		ev.ActorRole = domain.Role(role)
		if workerID.Valid {
			id := workerID.UUID
			ev.WorkerID = &id
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

const providerColumns = `id, owner_id, kind, name, phone, lat, lng, address, active, services,
	active_requests, completed_services, total_reviews, rating, created_at, updated_at, version`

func scanProvider(row rowScanner) (domain.Provider, error) {
	var (
		p        domain.Provider
		kind     string
		services []byte
	)
	err := row.Scan(&p.ID, &p.OwnerID, &kind, &p.Name, &p.Phone, &p.Location.Point.Lat, &p.Location.Point.Lng,
		&p.Location.Address, &p.Active, &services, &p.ActiveRequests, &p.CompletedServices, &p.TotalReviews,
		&p.Rating, &p.CreatedAt, &p.UpdatedAt, &p.Version)
	if err != nil {
		return domain.Provider{}, err
	}
	p.Kind = domain.ProviderKind(kind)
	if len(services) > 0 {
		if err := json.Unmarshal(services, &p.Services); err != nil {
			return domain.Provider{}, fmt.Errorf("decode services: %w", err)
		}
	}
	return p, nil
}

func (r pgReader) GetProvider(ctx context.Context, id uuid.UUID) (domain.Provider, error) {
	p, err := scanProvider(r.q.QueryRowContext(ctx, `SELECT `+providerColumns+` FROM providers WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Provider{}, fmt.Errorf("%w: %s", domain.ErrProviderNotFound, id)
	}
	if err != nil {
		return domain.Provider{}, fmt.Errorf("select provider: %w", err)
	}
	return p, nil
}

func (r pgReader) ProviderByOwner(ctx context.Context, ownerID uuid.UUID, kind domain.ProviderKind) (domain.Provider, error) {
	p, err := scanProvider(r.q.QueryRowContext(ctx, `SELECT `+providerColumns+` FROM providers WHERE owner_id = $1 AND kind = $2`, ownerID, string(kind)))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Provider{}, fmt.Errorf("%w: no %s profile for owner %s", domain.ErrProviderNotFound, kind, ownerID)
	}
	if err != nil {
		return domain.Provider{}, fmt.Errorf("select provider: %w", err)
	}
	return p, nil
}

const workerColumns = `id, provider_id, name, phone, specialization, status, created_at, updated_at, version`

func scanWorker(row rowScanner) (domain.Worker, error) {
	var (
		w      domain.Worker
		status string
	)
	if err := row.Scan(&w.ID, &w.ProviderID, &w.Name, &w.Phone, &w.Specialization, &status, &w.CreatedAt, &w.UpdatedAt, &w.Version); err != nil {
		return domain.Worker{}, err
	}
	w.Status = domain.WorkerStatus(status)
	return w, nil
}

func (r pgReader) GetWorker(ctx context.Context, id uuid.UUID) (domain.Worker, error) {
	w, err := scanWorker(r.q.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Worker{}, fmt.Errorf("%w: %s", domain.ErrWorkerNotFound, id)
	}
	if err != nil {
		return domain.Worker{}, fmt.Errorf("select worker: %w", err)
	}
	return w, nil
}

func (r pgReader) ListWorkers(ctx context.Context, providerID uuid.UUID) ([]domain.Worker, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE provider_id = $1 ORDER BY created_at, id`, providerID)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()
	out := make([]domain.Worker, 0)
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workers: %w", err)
	}
	return out, nil
}

type pgTx struct {
	pgReader
	tx *sql.Tx
}

func (t *pgTx) InsertRequest(ctx context.Context, r domain.ServiceRequest) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO service_requests (`+requestColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`,
		requestArgs(r)...)
	if err != nil {
		return mapWriteError(fmt.Errorf("insert request: %w", err))
	}
	return nil
}

func (t *pgTx) UpdateRequest(ctx context.Context, r domain.ServiceRequest) (domain.ServiceRequest, error) {
	args := requestArgs(r)
	// $23 is the expected version, the row moves to version+1.
	res, err := t.tx.ExecContext(ctx, `UPDATE service_requests SET
		requester_id = $2, provider_id = $3, worker_id = $4, service_type = $5, description = $6,
		lat = $7, lng = $8, address = $9, estimated_price = $10, actual_price = $11, status = $12,
		cancel_reason = $13, created_at = $14, updated_at = $15, accepted_at = $16, assigned_at = $17,
		started_at = $18, completed_at = $19, cancelled_at = $20, rating = $21, review = $22,
		version = version + 1
		WHERE id = $1 AND version = $23`, args...)
	if err != nil {
		return domain.ServiceRequest{}, mapWriteError(fmt.Errorf("update request: %w", err))
	}
	if err := expectOneRow(res, "request", r.ID); err != nil {
		return domain.ServiceRequest{}, err
	}
	r.Version++
	return r, nil
}

func requestArgs(r domain.ServiceRequest) []any {
	var workerID uuid.NullUUID
	if r.WorkerID != nil {
		workerID = uuid.NullUUID{UUID: *r.WorkerID, Valid: true}
	}
	var actualPrice sql.NullFloat64
	if r.ActualPrice != nil {
		actualPrice = sql.NullFloat64{Float64: *r.ActualPrice, Valid: true}
	}
	var rating sql.NullInt32
	if r.Rating != nil {
		rating = sql.NullInt32{Int32: int32(*r.Rating), Valid: true}
	}
	return []any{
		r.ID, r.RequesterID, r.ProviderID, workerID, r.ServiceType, r.Description,
		r.Location.Point.Lat, r.Location.Point.Lng, r.Location.Address, r.EstimatedPrice, actualPrice, string(r.Status), r.CancelReason,
		r.CreatedAt, r.UpdatedAt, nullTime(r.AcceptedAt), nullTime(r.AssignedAt), nullTime(r.StartedAt), nullTime(r.CompletedAt), nullTime(r.CancelledAt),
		rating, r.Review, r.Version,
	}
}

func (t *pgTx) AppendEvent(ctx context.Context, e domain.RequestEvent) error {
	var workerID uuid.NullUUID
	if e.WorkerID != nil {
		workerID = uuid.NullUUID{UUID: *e.WorkerID, Valid: true}
	}
	_, err := t.tx.ExecContext(ctx, `INSERT INTO request_events (request_id, seq, type, from_status, to_status, actor_role, actor_id, worker_id, at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.RequestID, e.Seq, string(e.Type), string(e.From), string(e.To), string(e.ActorRole), e.ActorID, workerID, e.At)
	if err != nil {
		return mapWriteError(fmt.Errorf("insert event: %w", err))
	}
	return nil
}

func (t *pgTx) InsertProvider(ctx context.Context, p domain.Provider) error {
	services, err := json.Marshal(servicesOrEmpty(p.Services))
	if err != nil {
		return fmt.Errorf("encode services: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `INSERT INTO providers (`+providerColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		p.ID, p.OwnerID, string(p.Kind), p.Name, p.Phone, p.Location.Point.Lat, p.Location.Point.Lng, p.Location.Address,
		p.Active, services, p.ActiveRequests, p.CompletedServices, p.TotalReviews, p.Rating, p.CreatedAt, p.UpdatedAt, p.Version)
	if err != nil {
		return mapWriteError(fmt.Errorf("insert provider: %w", err))
	}
	return nil
}

func (t *pgTx) UpdateProvider(ctx context.Context, p domain.Provider) (domain.Provider, error) {
	services, err := json.Marshal(servicesOrEmpty(p.Services))
	if err != nil {
		return domain.Provider{}, fmt.Errorf("encode services: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, `UPDATE providers SET
		name = $2, phone = $3, lat = $4, lng = $5, address = $6, active = $7, services = $8,
		active_requests = $9, completed_services = $10, total_reviews = $11, rating = $12,
		updated_at = $13, version = version + 1
		WHERE id = $1 AND version = $14`,
		p.ID, p.Name, p.Phone, p.Location.Point.Lat, p.Location.Point.Lng, p.Location.Address, p.Active, services,
		p.ActiveRequests, p.CompletedServices, p.TotalReviews, p.Rating, p.UpdatedAt, p.Version)
	if err != nil {
		return domain.Provider{}, mapWriteError(fmt.Errorf("update provider: %w", err))
	}
	if err := expectOneRow(res, "provider", p.ID); err != nil {
		return domain.Provider{}, err
	}
	p.Version++
	return p, nil
}

func (t *pgTx) InsertWorker(ctx context.Context, w domain.Worker) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO workers (`+workerColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		w.ID, w.ProviderID, w.Name, w.Phone, w.Specialization, string(w.Status), w.CreatedAt, w.UpdatedAt, w.Version)
	if err != nil {
		return mapWriteError(fmt.Errorf("insert worker: %w", err))
	}
	return nil
}

func (t *pgTx) UpdateWorker(ctx context.Context, w domain.Worker) (domain.Worker, error) {
	res, err := t.tx.ExecContext(ctx, `UPDATE workers SET name = $2, phone = $3, specialization = $4, status = $5,
		updated_at = $6, version = version + 1 WHERE id = $1 AND version = $7`,
		w.ID, w.Name, w.Phone, w.Specialization, string(w.Status), w.UpdatedAt, w.Version)
	if err != nil {
		return domain.Worker{}, mapWriteError(fmt.Errorf("update worker: %w", err))
	}
	if err := expectOneRow(res, "worker", w.ID); err != nil {
		return domain.Worker{}, err
	}
	w.Version++
	return w, nil
}

func (t *pgTx) DeleteWorker(ctx context.Context, id uuid.UUID, version int64) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM workers WHERE id = $1 AND version = $2`, id, version)
	if err != nil {
		return mapWriteError(fmt.Errorf("delete worker: %w", err))
	}
	return expectOneRow(res, "worker", id)
}

func expectOneRow(res sql.Result, entity string, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("%w: %s %s", domain.ErrVersionConflict, entity, id)
	}
	return nil
}

// mapWriteError turns unique violations into domain errors. The busy-worker index
// backs the one-active-request-per-worker invariant, everything else is a lost race.
func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return err
	}
	if pgErr.ConstraintName == "service_requests_busy_worker" {
		return fmt.Errorf("%w: %s", domain.ErrWorkerUnavailable, pgErr.Detail)
	}
	return fmt.Errorf("%w: %s", domain.ErrVersionConflict, pgErr.ConstraintName)
}

func servicesOrEmpty(s []domain.ServiceOffering) []domain.ServiceOffering {
	if s == nil {
		return []domain.ServiceOffering{}
	}
	return s
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

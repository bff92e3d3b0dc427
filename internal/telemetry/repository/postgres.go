package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"officemate/backend/internal/telemetry/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a user-log repository backed by the given db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// SaveUserLog persists the record to the user_logs table. It sets l.ID on
// success.
func (r *PostgresRepository) SaveUserLog(ctx context.Context, l *domain.UserLog) error {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO user_logs (user_id, device_id, trace_id, level, category, message, context, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		l.UserID,
		nullStringFromPtr(l.DeviceID),
		nullStringFromPtr(l.TraceID),
		l.Level,
		l.Category,
		l.Message,
		logContext(l.Context),
		l.CreatedAt,
	)
	return row.Scan(&l.ID)
}

// GetByID returns the user log for id, or nil if not found. It returns an
// error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id int64) (*domain.UserLog, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, device_id, trace_id, level, category, message, context, created_at
		FROM user_logs WHERE id = $1`, id)
	l, err := scanUserLog(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return l, nil
}

// ListByUser returns log records for the given user, newest first,
// paginated by limit and offset.
func (r *PostgresRepository) ListByUser(ctx context.Context, userID string, limit, offset int32) ([]*domain.UserLog, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, device_id, trace_id, level, category, message, context, created_at
		FROM user_logs WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.UserLog
	for rows.Next() {
		l, err := scanUserLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUserLog(row rowScanner) (*domain.UserLog, error) {
	var l domain.UserLog
	var deviceID, traceID sql.NullString
	if err := row.Scan(&l.ID, &l.UserID, &deviceID, &traceID, &l.Level, &l.Category, &l.Message, &l.Context, &l.CreatedAt); err != nil {
		return nil, err
	}
	l.DeviceID = ptrFromNullString(deviceID)
	l.TraceID = ptrFromNullString(traceID)
	if l.Context == nil {
		l.Context = []byte("{}")
	}
	return &l, nil
}

func nullStringFromPtr(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func ptrFromNullString(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	return &n.String
}

func logContext(b []byte) json.RawMessage {
	if b == nil {
		return json.RawMessage("{}")
	}
	return json.RawMessage(b)
}

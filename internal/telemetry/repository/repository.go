// Package repository defines persistence for user-scoped telemetry records.
package repository

import (
	"context"

	"officemate/backend/internal/telemetry/domain"
)

// Repository persists log records that carry a user identity. The sink
// calls it best-effort: failures are logged locally and never surfaced to
// the telemetry caller.
type Repository interface {
	SaveUserLog(ctx context.Context, l *domain.UserLog) error
	GetByID(ctx context.Context, id int64) (*domain.UserLog, error)
	ListByUser(ctx context.Context, userID string, limit, offset int32) ([]*domain.UserLog, error)
}

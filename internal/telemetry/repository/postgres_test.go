package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"officemate/backend/internal/telemetry/domain"
)

func strPtr(s string) *string { return &s }

func TestSaveUserLog(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	repo := NewPostgresRepository(db)
	now := time.Now()
	l := &domain.UserLog{
		UserID:    "user-1",
		DeviceID:  strPtr("dev-1"),
		Level:     "error",
		Category:  "graph",
		Message:   "API request failed",
		Context:   []byte(`{"status":404}`),
		CreatedAt: now,
	}

	mock.ExpectQuery(`INSERT INTO user_logs`).
		WithArgs("user-1", "dev-1", nil, "error", "graph", "API request failed", []byte(`{"status":404}`), now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	if err := repo.SaveUserLog(context.Background(), l); err != nil {
		t.Fatalf("SaveUserLog: %v", err)
	}
	if l.ID != 7 {
		t.Errorf("ID = %d, want 7", l.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestGetByID_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	repo := NewPostgresRepository(db)
	mock.ExpectQuery(`SELECT .+ FROM user_logs WHERE id`).
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "device_id", "trace_id", "level", "category", "message", "context", "created_at"}))

	l, err := repo.GetByID(context.Background(), 99)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if l != nil {
		t.Errorf("GetByID missing row = %+v, want nil", l)
	}
}

func TestListByUser(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	repo := NewPostgresRepository(db)
	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "user_id", "device_id", "trace_id", "level", "category", "message", "context", "created_at"}).
		AddRow(int64(2), "user-1", "dev-1", nil, "warn", "calendar", "event conflict", []byte(`{}`), now).
		AddRow(int64(1), "user-1", nil, "trace-9", "error", "mail", "send failed", nil, now.Add(-time.Minute))
	mock.ExpectQuery(`SELECT .+ FROM user_logs WHERE user_id`).
		WithArgs("user-1", int32(10), int32(0)).
		WillReturnRows(rows)

	list, err := repo.ListByUser(context.Background(), "user-1", 10, 0)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	if list[0].DeviceID == nil || *list[0].DeviceID != "dev-1" {
		t.Errorf("list[0].DeviceID = %v, want dev-1", list[0].DeviceID)
	}
	if list[1].DeviceID != nil {
		t.Errorf("list[1].DeviceID = %v, want nil", list[1].DeviceID)
	}
	if list[1].TraceID == nil || *list[1].TraceID != "trace-9" {
		t.Errorf("list[1].TraceID = %v, want trace-9", list[1].TraceID)
	}
	if string(list[1].Context) != "{}" {
		t.Errorf("nil context scanned as %q, want {}", list[1].Context)
	}
}

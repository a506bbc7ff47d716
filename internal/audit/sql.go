package audit

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/kubilitics/kubilitics-authcore/internal/models"
)

var (
	//go:embed schema_sqlite.sql
	sqliteSchema string

	//go:embed schema_postgres.sql
	postgresSchema string
)

// SQLRecorder appends events to the security_events table of a SQLite or
// PostgreSQL database.
type SQLRecorder struct {
	db *sqlx.DB
}

// NewSQLiteRecorder opens (creating if needed) the database at dbPath and applies the schema.
func NewSQLiteRecorder(dbPath string) (*SQLRecorder, error) {
	db, err := sqlx.Connect("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite: %w", err)
	}
	// One writer avoids SQLITE_BUSY under concurrent Record calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	return newSQLRecorder(db, sqliteSchema)
}

// NewPostgresRecorder connects to the PostgreSQL database at dsn and applies the schema.
func NewPostgresRecorder(dsn string) (*SQLRecorder, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	return newSQLRecorder(db, postgresSchema)
}

func newSQLRecorder(db *sqlx.DB, schema string) (*SQLRecorder, error) {
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply audit schema: %w", err)
	}
	return &SQLRecorder{db: db}, nil
}

func (r *SQLRecorder) Close() error {
	return r.db.Close()
}

func (r *SQLRecorder) Record(ctx context.Context, e *models.SecurityEvent) error {
	query := `
		INSERT INTO security_events (id, event_type, identifier, user_id, ip_address, details, created_at)
		VALUES (:id, :event_type, :identifier, :user_id, :ip_address, :details, :created_at)
	`
	if _, err := r.db.NamedExecContext(ctx, query, e); err != nil {
		return fmt.Errorf("failed to insert security event: %w", err)
	}
	return nil
}

// List returns events newest first, optionally filtered by type and start time.
func (r *SQLRecorder) List(ctx context.Context, eventType string, since time.Time, limit int) ([]*models.SecurityEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, event_type, identifier, user_id, ip_address, details, created_at FROM security_events WHERE 1=1`
	args := []interface{}{}
	if eventType != "" {
		query += " AND event_type = ?"
		args = append(args, eventType)
	}
	if !since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, since)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	var events []*models.SecurityEvent
	if err := r.db.SelectContext(ctx, &events, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list security events: %w", err)
	}
	return events, nil
}

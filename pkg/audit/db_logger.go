package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	// Registers the postgres driver for OpenPostgres.
	_ "github.com/lib/pq"
)

// DBLogger writes audit events to a PostgreSQL table
type DBLogger struct {
	db *sql.DB
}

// OpenPostgres opens a PostgreSQL connection for audit logging
func OpenPostgres(url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	return db, nil
}

// NewDBLogger creates a database audit logger, creating the table if
// needed
func NewDBLogger(db *sql.DB) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	logger := &DBLogger{db: db}
	if err := logger.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure audit_events table: %w", err)
	}
	return logger, nil
}

func (l *DBLogger) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_events (
		id BIGSERIAL PRIMARY KEY,
		timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
		event_type VARCHAR(100) NOT NULL,
		status VARCHAR(20) NOT NULL,
		subject VARCHAR(255),
		client_entity_id TEXT,
		request_id VARCHAR(100),
		message TEXT,
		detail JSONB,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_events_event_type ON audit_events(event_type);
	CREATE INDEX IF NOT EXISTS idx_audit_events_subject ON audit_events(subject);
	CREATE INDEX IF NOT EXISTS idx_audit_events_client ON audit_events(client_entity_id);
	`

	_, err := l.db.Exec(query)
	return err
}

// Log inserts one event
func (l *DBLogger) Log(ctx context.Context, event *Event) error {
	var detailJSON []byte
	if event.Detail != nil {
		var err error
		detailJSON, err = json.Marshal(event.Detail)
		if err != nil {
			return fmt.Errorf("failed to marshal event detail: %w", err)
		}
	}

	query := `
	INSERT INTO audit_events (timestamp, event_type, status, subject, client_entity_id, request_id, message, detail)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := l.db.ExecContext(ctx, query,
		event.Timestamp,
		string(event.Type),
		string(event.Status),
		nullable(event.Subject),
		nullable(event.ClientEntityID),
		nullable(event.RequestID),
		nullable(event.Message),
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Close closes the database connection
func (l *DBLogger) Close() error {
	return l.db.Close()
}

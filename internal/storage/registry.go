package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/agent-heartbeat/internal/heartbeat"
)

// ErrRegistrationNotFound is returned when no registration exists for an agent
var ErrRegistrationNotFound = errors.New("registration not found")

// Registration records that an agent is monitored, with its per-agent overrides.
// Heartbeat results are never persisted.
type Registration struct {
	AgentID   string                  `json:"agent_id"`
	Endpoint  string                  `json:"endpoint"`
	Overrides heartbeat.PartialConfig `json:"overrides"`
	CreatedAt time.Time               `json:"created_at"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// Registry defines the interface for registration storage
type Registry interface {
	// Save inserts or replaces the registration of an agent
	Save(ctx context.Context, reg *Registration) error

	// Get retrieves the registration of an agent
	Get(ctx context.Context, agentID string) (*Registration, error)

	// List retrieves all registrations ordered by agent ID
	List(ctx context.Context) ([]*Registration, error)

	// Delete removes the registration of an agent
	Delete(ctx context.Context, agentID string) error

	// Close releases the underlying database
	Close() error
}

// SQLiteRegistry implements Registry using SQLite
type SQLiteRegistry struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteRegistry opens or creates the registry database at dbPath
func NewSQLiteRegistry(logger *zap.Logger, dbPath string) (*SQLiteRegistry, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection keeps ":memory:" databases consistent
	db.SetMaxOpenConns(1)

	registry := &SQLiteRegistry{
		logger: logger.Named("registry"),
		db:     db,
	}

	if err := registry.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return registry, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteRegistry) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS agent_registrations (
			agent_id TEXT PRIMARY KEY,
			endpoint TEXT NOT NULL,
			overrides TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Save implements Registry.Save
func (s *SQLiteRegistry) Save(ctx context.Context, reg *Registration) error {
	if reg.AgentID == "" {
		return heartbeat.ErrEmptyAgentID
	}

	overrides, err := json.Marshal(reg.Overrides)
	if err != nil {
		return fmt.Errorf("failed to marshal overrides: %w", err)
	}

	now := time.Now().UTC()
	if reg.CreatedAt.IsZero() {
		reg.CreatedAt = now
	}
	reg.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_registrations (
			agent_id, endpoint, overrides, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			endpoint = excluded.endpoint,
			overrides = excluded.overrides,
			updated_at = excluded.updated_at`,
		reg.AgentID,
		reg.Endpoint,
		string(overrides),
		reg.CreatedAt,
		reg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save registration: %w", err)
	}

	s.logger.Debug("Registration saved",
		zap.String("agent_id", reg.AgentID),
		zap.String("endpoint", reg.Endpoint))
	return nil
}

// Get implements Registry.Get
func (s *SQLiteRegistry) Get(ctx context.Context, agentID string) (*Registration, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, endpoint, overrides, created_at, updated_at
		FROM agent_registrations WHERE agent_id = ?`, agentID)

	reg, err := scanRegistration(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrRegistrationNotFound, agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get registration: %w", err)
	}
	return reg, nil
}

// List implements Registry.List
func (s *SQLiteRegistry) List(ctx context.Context) ([]*Registration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, endpoint, overrides, created_at, updated_at
		FROM agent_registrations ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list registrations: %w", err)
	}
	defer rows.Close()

	var registrations []*Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan registration: %w", err)
		}
		registrations = append(registrations, reg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate registrations: %w", err)
	}
	return registrations, nil
}

// Delete implements Registry.Delete
func (s *SQLiteRegistry) Delete(ctx context.Context, agentID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM agent_registrations WHERE agent_id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("failed to delete registration: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrRegistrationNotFound, agentID)
	}
	return nil
}

// Close implements Registry.Close
func (s *SQLiteRegistry) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRegistration(row scanner) (*Registration, error) {
	var reg Registration
	var overrides sql.NullString

	if err := row.Scan(&reg.AgentID, &reg.Endpoint, &overrides, &reg.CreatedAt, &reg.UpdatedAt); err != nil {
		return nil, err
	}
	if overrides.Valid && overrides.String != "" {
		if err := json.Unmarshal([]byte(overrides.String), &reg.Overrides); err != nil {
			return nil, fmt.Errorf("failed to unmarshal overrides: %w", err)
		}
	}
	return &reg, nil
}

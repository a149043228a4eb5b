// Package postgres persists safety violations for post-incident review.
// Persistence is best-effort; a database outage never blocks motion.
package postgres

import (
	"database/sql"
	"fmt"
	"os"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/droidforge/astromech/internal/log"
	"github.com/droidforge/astromech/pkg/safety"
)

// ViolationRow is a persisted safety violation.
type ViolationRow struct {
	RowID       int64     `json:"row_id"`
	ViolationID string    `json:"violation_id"`
	Timestamp   time.Time `json:"ts"`
	Channel     int       `json:"channel"`
	Type        string    `json:"type"`
	Severity    string    `json:"severity"`
	Description string    `json:"description"`
	Action      string    `json:"action"`
}

var _ safety.Sink = (*Client)(nil)

// Client manages the Postgres connection for violation storage.
type Client struct {
	db *sql.DB

	mu          sync.Mutex
	errorLogged bool
}

// New connects using the PG* environment variables. Callers treat a nil
// client or an error as "no persistence" and carry on.
func New() (*Client, error) {
	host := getEnv("PGHOST", "127.0.0.1")
	port := getEnv("PGPORT", "5432")
	user := getEnv("PGUSER", "astromech")
	dbname := getEnv("PGDATABASE", "astromech")
	password := os.Getenv("PGPASSWORD")

	var connStr string
	if password != "" {
		connStr = fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
			host, port, user, password, dbname)
	} else {
		connStr = fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=disable",
			host, port, user, dbname)
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	client := &Client{db: db}
	if err := client.createTable(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create violations table: %w", err)
	}
	return client, nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func (c *Client) createTable() error {
	query := `
		CREATE TABLE IF NOT EXISTS violations (
			row_id       BIGSERIAL PRIMARY KEY,
			violation_id TEXT NOT NULL,
			ts           TIMESTAMPTZ NOT NULL,
			channel      INT NOT NULL,
			type         TEXT NOT NULL,
			severity     TEXT NOT NULL,
			description  TEXT NOT NULL,
			action       TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_violations_ts ON violations(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_violations_severity ON violations(severity);
	`
	_, err := c.db.Exec(query)
	return err
}

// Record implements safety.Sink. Errors are logged once, not returned; the
// in-memory violation log is the authoritative copy.
func (c *Client) Record(v safety.Violation) {
	query := `
		INSERT INTO violations (violation_id, ts, channel, type, severity, description, action)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := c.db.Exec(query, v.ID, v.Timestamp, v.Channel, string(v.Type), string(v.Severity), v.Description, v.Action)
	if err != nil {
		c.mu.Lock()
		if !c.errorLogged {
			c.errorLogged = true
			log.Error("violation persistence failed, suppressing further errors", "error", err)
		}
		c.mu.Unlock()
	}
}

// Query returns the most recent violations, newest first.
func (c *Client) Query(limit int) ([]ViolationRow, error) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 10000 {
		limit = 10000
	}

	query := `
		SELECT row_id, violation_id, ts, channel, type, severity, description, action
		FROM violations
		ORDER BY ts DESC
		LIMIT $1
	`
	rows, err := c.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ViolationRow
	for rows.Next() {
		var r ViolationRow
		if err := rows.Scan(&r.RowID, &r.ViolationID, &r.Timestamp, &r.Channel, &r.Type, &r.Severity, &r.Description, &r.Action); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.db.Close()
}

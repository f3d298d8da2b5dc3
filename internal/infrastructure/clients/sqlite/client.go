package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/googolhealth/medannotator/backend/pkg/config"
	"github.com/googolhealth/medannotator/backend/pkg/retry"
)

// Client represents the SQLite datastore client. The store runs in WAL mode so
// readers never block the single writer.
type Client struct {
	db *sql.DB
}

// NewClient opens the database file, applies the connection pragmas, and
// migrates the schema. The parent directory is created when missing.
func NewClient(cfg *config.DatabaseConfig) (*Client, error) {
	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes; a single connection avoids lock churn. With
	// one pooled connection, statements from this process run one at a time;
	// WAL lets readers on other connections proceed during a write.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	retryConfig := retry.DefaultConfig()
	err = retry.DoWithLog(
		context.Background(),
		retryConfig,
		"SQLite",
		func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return db.PingContext(ctx)
		},
		func(attempt int, err error, nextDelay time.Duration) {
			log.Warn().Err(err).Int("attempt", attempt).Dur("next_delay", nextDelay).
				Msg("SQLite open attempt failed, retrying")
		},
	)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open SQLite after retries: %w", err)
	}

	client := &Client{db: db}
	if err := client.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().Str("path", cfg.Path).Msg("SQLite datastore ready")
	return client, nil
}

// NewClientWithDB wraps an existing connection. Used by tests.
func NewClientWithDB(db *sql.DB) *Client {
	return &Client{db: db}
}

func dsn(cfg *config.DatabaseConfig) string {
	busyMillis := int(cfg.BusyTimeout / time.Millisecond)
	if busyMillis <= 0 {
		busyMillis = 30000
	}
	params := url.Values{}
	params.Set("_journal_mode", "WAL")
	params.Set("_busy_timeout", fmt.Sprintf("%d", busyMillis))
	params.Set("_foreign_keys", "on")
	return fmt.Sprintf("file:%s?%s", cfg.Path, params.Encode())
}

// DB returns the underlying database connection
func (c *Client) DB() *sql.DB {
	return c.db
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// BeginTx starts a new transaction
func (c *Client) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return c.db.BeginTx(ctx, nil)
}

// Ping verifies the connection to the database
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (c *Client) Migrate(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

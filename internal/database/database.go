package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/valenai/internal/config"
	"github.com/valenai/internal/retry"
)

// DSN returns the connection URL, assembling one from the discrete fields
// when no URL is configured.
func DSN(cfg config.DatabaseConfig) (string, error) {
	if direct := strings.TrimSpace(cfg.URL); direct != "" {
		return direct, nil
	}
	if cfg.Host == "" || cfg.Name == "" {
		return "", errors.New("database url or host and name are required")
	}

	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	u := &url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		Path:   "/" + cfg.Name,
	}
	switch {
	case cfg.User != "" && cfg.Password != "":
		u.User = url.UserPassword(cfg.User, cfg.Password)
	case cfg.User != "":
		u.User = url.User(cfg.User)
	}
	if cfg.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": []string{cfg.SSLMode}}.Encode()
	}
	return u.String(), nil
}

// NewDB opens a database/sql connection and pings it, retrying transient
// failures with backoff.
func NewDB(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	dsn, err := DSN(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to get database URL: %w", err)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)

	rc := retry.DefaultRetryConfig()
	rc.Operation = "database ping"
	result := retry.RetryWithBackoff(ctx, rc, func() error {
		err := db.PingContext(ctx)
		if err != nil && !retry.IsRetryableError(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if !result.Success {
		db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", result.LastError)
	}

	log.Info().Int("attempts", result.Attempts).Msg("Connected to database")
	return db, nil
}

// NewPool opens a pgx pool on the same database, used by the job queue.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	dsn, err := DSN(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to get database URL: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping pool: %w", err)
	}
	return pool, nil
}

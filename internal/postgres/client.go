package postgres

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/v0xg/dbguard/internal/config"
	"github.com/v0xg/dbguard/internal/poolmon"
	"github.com/v0xg/dbguard/internal/secrets"
)

// Client wraps a PostgreSQL connection pool
type Client struct {
	pool *pgxpool.Pool
	cfg  *config.Config
}

// NewClient creates a pool sized to the configured ceiling and verifies it
// with a ping.
func NewClient(ctx context.Context, cfg *config.Config) (*Client, error) {
	connString, err := buildConnectionString(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("building connection string: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	if cfg.Pool.MaxConnections > 0 {
		poolCfg.MaxConns = int32(cfg.Pool.MaxConnections)
	}
	poolCfg.MinConns = 1
	poolCfg.ConnConfig.RuntimeParams["application_name"] = "dbguard"

	// IAM tokens expire, so generate one per physical connection.
	if cfg.Connection.AuthMethod == secrets.MethodIAM {
		poolCfg.BeforeConnect = func(ctx context.Context, connCfg *pgx.ConnConfig) error {
			token, tokenErr := GetRDSAuthToken(
				ctx,
				cfg.Connection.Host,
				cfg.Connection.Port,
				cfg.Connection.User,
				cfg.Connection.AWSRegion,
			)
			if tokenErr != nil {
				return fmt.Errorf("getting IAM auth token: %w", tokenErr)
			}
			connCfg.Password = token
			return nil
		}
	}

	timeout := cfg.Connection.ConnectTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Client{pool: pool, cfg: cfg}, nil
}

// buildConnectionString prefers a URL (connection.url or DATABASE_URL) and
// otherwise assembles keyword/value pairs with the resolved password.
func buildConnectionString(ctx context.Context, cfg *config.Config) (string, error) {
	if u := cfg.DatabaseURL(); u != "" {
		return config.StripConnectionLimit(u), nil
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	password, err := secrets.ResolvePassword(ctx, secrets.PasswordSource{
		Method:   cfg.Connection.AuthMethod,
		Password: cfg.Connection.Password,
		Secret:   cfg.Connection.PasswordSecret,
		Env:      cfg.Connection.PasswordEnv,
		Region:   cfg.Connection.AWSRegion,
	})
	if err != nil {
		return "", fmt.Errorf("resolving password: %w", err)
	}

	connStr := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s sslmode=%s connect_timeout=%d",
		cfg.Connection.Host,
		cfg.Connection.Port,
		cfg.Connection.Database,
		cfg.Connection.User,
		cfg.Connection.SSLMode,
		int(cfg.Connection.ConnectTimeout.Seconds()),
	)

	if password != "" {
		connStr += fmt.Sprintf(" password=%s", url.QueryEscape(password))
	}

	return connStr, nil
}

// Close closes the connection pool
func (c *Client) Close() {
	c.pool.Close()
}

// Ping runs SELECT 1. Unlike pgxpool's Ping it exercises a full query round
// trip.
func (c *Client) Ping(ctx context.Context) error {
	var one int
	if err := c.pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// Exec runs a statement and returns the number of rows it affected.
func (c *Client) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := c.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("exec: %w", err)
	}
	return tag.RowsAffected(), nil
}

// QueryValue returns the first column of the first row, or nil when the
// query yields no rows.
func (c *Client) QueryValue(ctx context.Context, sql string, args ...any) (any, error) {
	rows, err := c.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var v any
	if rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("reading row: %w", err)
		}
		if len(vals) > 0 {
			v = vals[0]
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return v, nil
}

// ServerInfo returns information about the PostgreSQL server
func (c *Client) ServerInfo(ctx context.Context) (*ServerInfo, error) {
	info := &ServerInfo{}

	err := c.pool.QueryRow(ctx, `
		SELECT
			version(),
			pg_postmaster_start_time(),
			setting::int
		FROM pg_settings
		WHERE name = 'max_connections'
	`).Scan(&info.Version, &info.ServerStart, &info.MaxConnections)
	if err != nil {
		return nil, fmt.Errorf("getting server info: %w", err)
	}

	return info, nil
}

// DriverStats reports pgxpool's own view of the pool.
func (c *Client) DriverStats() *poolmon.DriverStats {
	s := c.pool.Stat()
	return &poolmon.DriverStats{
		TotalConns:        s.TotalConns(),
		AcquiredConns:     s.AcquiredConns(),
		IdleConns:         s.IdleConns(),
		MaxConns:          s.MaxConns(),
		EmptyAcquireCount: s.EmptyAcquireCount(),
	}
}

// TestConnection connects with cfg, runs a ping, and closes the pool.
func TestConnection(ctx context.Context, cfg *config.Config) error {
	client, err := NewClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()
	return client.Ping(ctx)
}

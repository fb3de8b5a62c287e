package askdb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/saulotarsus/askdb/internal/engine"
)

// ErrPoolExhausted is returned by Acquire when no live connection could be
// produced within the bounded number of attempts.
var ErrPoolExhausted = errors.New("pool exhausted: no live connection after repeated rebuild attempts")

// acquireAttempts bounds probe-rebuild-retry cycles inside Acquire.
const acquireAttempts = 3

// pgPool abstracts the underlying pool primitive so lifecycle logic can be
// tested without a server. Production wraps pgxpool.Pool.
type pgPool interface {
	Acquire(ctx context.Context) (pgConn, error)
	Ping(ctx context.Context) error
	Close()
}

// pgConn is one checked-out connection.
type pgConn interface {
	// Ping is the liveness probe: a trivial round-trip against the session.
	Ping(ctx context.Context) error
	Query(ctx context.Context, sql string) (*engine.Rows, error)
	// Release returns the connection to its pool.
	Release()
	// Destroy invalidates a broken connection so the pool never reuses it.
	Destroy()
}

// openPoolFunc creates the underlying pool. Overridden in tests.
type openPoolFunc func(ctx context.Context, connString string, config PoolConfig) (pgPool, error)

// ConnectionHandle is a checked-out live connection. It is owned exclusively
// by the holder between Acquire and Release.
type ConnectionHandle struct {
	conn       pgConn
	acquiredAt time.Time
}

// Query runs sql on the held connection and collects the result set.
func (h *ConnectionHandle) Query(ctx context.Context, sql string) (*engine.Rows, error) {
	return h.conn.Query(ctx, sql)
}

// PoolManager owns the lifecycle of connections to the single target
// database: it hands out probed connections, rebuilds the pool on
// connectivity loss, and runs a background keep-alive loop. All methods are
// safe for concurrent use.
type PoolManager struct {
	config     PoolConfig
	connString string
	open       openPoolFunc
	logger     zerolog.Logger

	mu   sync.RWMutex
	pool pgPool

	// rebuilds coalesces concurrent Rebuild calls into one in-flight rebuild.
	rebuilds singleflight.Group
}

// NewPoolManager establishes the initial pool and verifies connectivity.
// The process cannot serve traffic without a pool, so a failure here is
// fatal to the caller. Panics on invalid config.
func NewPoolManager(ctx context.Context, connString string, config PoolConfig, logger zerolog.Logger) (*PoolManager, error) {
	if connString == "" {
		panic("askdb: connString must be non-empty")
	}
	config.applyDefaults()
	if config.MaxConns <= 0 {
		panic("askdb: pool.max_conns must be > 0")
	}
	if config.MinConns < 0 || config.MinConns > config.MaxConns {
		panic("askdb: pool.min_conns must be between 0 and pool.max_conns")
	}
	// KeepAlive builds a ticker from this interval; zero or negative would
	// panic inside the background goroutine instead of at startup.
	if config.KeepAliveSeconds <= 0 {
		panic("askdb: pool.keep_alive_seconds must be > 0")
	}
	if config.AcquireTimeoutSeconds <= 0 {
		panic("askdb: pool.acquire_timeout_seconds must be > 0")
	}

	m := &PoolManager{
		config:     config,
		connString: connString,
		open:       openPgxPool,
		logger:     logger,
	}

	pool, err := m.open(ctx, connString, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initial connectivity check failed: %w", err)
	}
	m.pool = pool
	metricPoolUp.Set(1)
	return m, nil
}

func (m *PoolManager) current() pgPool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pool
}

// Acquire returns a live connection, probing each candidate before handing
// it out. A failed probe destroys the candidate, triggers one coalesced
// rebuild, and retries; after acquireAttempts failures it reports
// ErrPoolExhausted.
func (m *PoolManager) Acquire(ctx context.Context) (*ConnectionHandle, error) {
	var lastErr error
	for attempt := 1; attempt <= acquireAttempts; attempt++ {
		if attempt > 1 {
			metricAcquireRetries.Inc()
		}

		conn, err := m.current().Acquire(ctx)
		if err == nil {
			probeErr := conn.Ping(ctx)
			if probeErr == nil {
				return &ConnectionHandle{conn: conn, acquiredAt: time.Now()}, nil
			}
			conn.Destroy()
			err = probeErr
		}
		lastErr = err
		m.logger.Warn().Err(err).Int("attempt", attempt).Msg("connection acquisition failed")

		if ctx.Err() != nil {
			return nil, fmt.Errorf("acquire cancelled: %w", ctx.Err())
		}
		// No rebuild after the final attempt: nothing would retry against it.
		if attempt < acquireAttempts {
			if rbErr := m.Rebuild(ctx); rbErr != nil {
				m.logger.Warn().Err(rbErr).Msg("pool rebuild failed during acquire")
			}
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrPoolExhausted, lastErr)
}

// Release returns the connection to the pool. Never blocks.
func (m *PoolManager) Release(h *ConnectionHandle) {
	if h == nil || h.conn == nil {
		return
	}
	h.conn.Release()
	h.conn = nil
}

// Rebuild drains and discards the current pool and reconstructs it from
// configuration. Concurrent calls coalesce into the one rebuild in progress.
// On failure the old pool stays in place so the next keep-alive tick or
// Acquire can try again.
func (m *PoolManager) Rebuild(ctx context.Context) error {
	_, err, _ := m.rebuilds.Do("rebuild", func() (interface{}, error) {
		m.logger.Info().Msg("rebuilding connection pool")

		newPool, err := m.open(ctx, m.connString, m.config)
		if err != nil {
			metricPoolRebuilds.WithLabelValues("error").Inc()
			metricPoolUp.Set(0)
			return nil, fmt.Errorf("rebuild pool: %w", err)
		}
		if err := newPool.Ping(ctx); err != nil {
			newPool.Close()
			metricPoolRebuilds.WithLabelValues("error").Inc()
			metricPoolUp.Set(0)
			return nil, fmt.Errorf("rebuilt pool failed liveness probe: %w", err)
		}

		m.mu.Lock()
		old := m.pool
		m.pool = newPool
		m.mu.Unlock()

		if old != nil {
			// Drain is best-effort; Close waits for checked-out connections,
			// so it runs off to the side and its errors are swallowed.
			go old.Close()
		}

		metricPoolRebuilds.WithLabelValues("ok").Inc()
		metricPoolUp.Set(1)
		m.logger.Info().Msg("connection pool rebuilt")
		return nil, nil
	})
	return err
}

// KeepAlive probes the pool on a fixed interval and rebuilds it on failure.
// It runs until ctx is done and absorbs every error: nothing escapes this
// loop.
func (m *PoolManager) KeepAlive(ctx context.Context) {
	interval := time.Duration(m.config.KeepAliveSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.keepAliveTick(ctx)
		}
	}
}

func (m *PoolManager) keepAliveTick(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, time.Duration(m.config.AcquireTimeoutSeconds)*time.Second)
	defer cancel()

	// Acquire probes and rebuilds internally; a success here means the pool
	// has at least one live connection.
	h, err := m.Acquire(probeCtx)
	if err != nil {
		metricPoolUp.Set(0)
		m.logger.Warn().Err(err).Msg("keep-alive probe failed")
		return
	}
	m.Release(h)
	metricPoolUp.Set(1)
	m.logger.Debug().Msg("keep-alive probe ok")
}

// Ping reports pool connectivity without checking out a connection.
func (m *PoolManager) Ping(ctx context.Context) error {
	return m.current().Ping(ctx)
}

// RunQuery acquires a connection, executes sql, collects the result set, and
// releases the connection. Implements the engine's QueryRunner.
func (m *PoolManager) RunQuery(ctx context.Context, sql string) (*engine.Rows, error) {
	h, err := m.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer m.Release(h)
	return h.Query(ctx, sql)
}

// Close tears the pool down at process shutdown.
func (m *PoolManager) Close() {
	m.mu.Lock()
	pool := m.pool
	m.pool = nil
	m.mu.Unlock()
	if pool != nil {
		pool.Close()
	}
	metricPoolUp.Set(0)
}

// --- pgxpool adapters ---

func openPgxPool(ctx context.Context, connString string, config PoolConfig) (pgPool, error) {
	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = int32(config.MaxConns)
	poolConfig.MinConns = int32(config.MinConns)
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeExec

	if config.MaxConnLifetime != "" {
		d, err := time.ParseDuration(config.MaxConnLifetime)
		if err != nil {
			panic(fmt.Sprintf("askdb: invalid pool.max_conn_lifetime %q: %v", config.MaxConnLifetime, err))
		}
		poolConfig.MaxConnLifetime = d
	}
	if config.MaxConnIdleTime != "" {
		d, err := time.ParseDuration(config.MaxConnIdleTime)
		if err != nil {
			panic(fmt.Sprintf("askdb: invalid pool.max_conn_idle_time %q: %v", config.MaxConnIdleTime, err))
		}
		poolConfig.MaxConnIdleTime = d
	}

	// Session setup for new connections: pin the schema namespace.
	if config.SearchPath != "" {
		escaped := strings.ReplaceAll(config.SearchPath, "'", "''")
		poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path = '%s'", escaped)); err != nil {
				return fmt.Errorf("failed to SET search_path: %w", err)
			}
			return nil
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	return &pgxPoolAdapter{pool: pool}, nil
}

type pgxPoolAdapter struct {
	pool *pgxpool.Pool
}

func (a *pgxPoolAdapter) Acquire(ctx context.Context) (pgConn, error) {
	conn, err := a.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &pgxConnAdapter{conn: conn}, nil
}

func (a *pgxPoolAdapter) Ping(ctx context.Context) error { return a.pool.Ping(ctx) }
func (a *pgxPoolAdapter) Close()                         { a.pool.Close() }

type pgxConnAdapter struct {
	conn *pgxpool.Conn
}

func (c *pgxConnAdapter) Ping(ctx context.Context) error { return c.conn.Ping(ctx) }

func (c *pgxConnAdapter) Query(ctx context.Context, sql string) (*engine.Rows, error) {
	rows, err := c.conn.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	return collectRows(rows)
}

func (c *pgxConnAdapter) Release() { c.conn.Release() }

// Destroy closes the underlying session before releasing, so the pool
// discards the connection instead of reusing it.
func (c *pgxConnAdapter) Destroy() {
	_ = c.conn.Conn().Close(context.Background())
	c.conn.Release()
}

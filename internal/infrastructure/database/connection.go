package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/aadhaar-prerana/prerana-core/internal/infrastructure/config"
)

// ConnectionPool wraps the pgx pool with a circuit breaker and a
// background health check.
type ConnectionPool struct {
	pool            *pgxpool.Pool
	logger          *zap.Logger
	healthCheckStop chan struct{}
	closeOnce       sync.Once
	breaker         *CircuitBreaker
}

// Connect opens and pings the pool described by cfg.
func Connect(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*ConnectionPool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	p := &ConnectionPool{
		logger:          logger,
		healthCheckStop: make(chan struct{}),
		breaker:         NewCircuitBreaker(10, 30*time.Second),
	}
	p.configure(poolCfg, cfg)

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	p.pool, err = pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := p.pool.Ping(connectCtx); err != nil {
		p.pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	go p.healthCheckRoutine()

	logger.Info("database connection pool initialized",
		zap.Int32("max_connections", poolCfg.MaxConns),
		zap.Int32("min_connections", poolCfg.MinConns))
	return p, nil
}

func (p *ConnectionPool) configure(pc *pgxpool.Config, cfg config.DatabaseConfig) {
	pc.MaxConns = 25
	if cfg.MaxOpenConns > 0 {
		pc.MaxConns = int32(cfg.MaxOpenConns)
	}
	pc.MinConns = 2
	if cfg.MaxIdleConns > 0 {
		pc.MinConns = int32(min(cfg.MaxIdleConns, int(pc.MaxConns)))
	}
	pc.MaxConnLifetime = 30 * time.Minute
	if cfg.ConnMaxLifetime > 0 {
		pc.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	pc.MaxConnIdleTime = 10 * time.Minute
	pc.HealthCheckPeriod = time.Minute
	pc.ConnConfig.ConnectTimeout = 5 * time.Second

	pc.ConnConfig.RuntimeParams["application_name"] = "prerana_core"
	pc.ConnConfig.RuntimeParams["timezone"] = "UTC"
	pc.ConnConfig.RuntimeParams["statement_timeout"] = "30s"
	pc.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"] = "60s"

	pc.BeforeConnect = func(_ context.Context, cc *pgx.ConnConfig) error {
		p.logger.Debug("establishing database connection",
			zap.String("host", cc.Host),
			zap.Uint16("port", cc.Port))
		return nil
	}
}

// Pool returns the underlying pgx pool.
func (p *ConnectionPool) Pool() *pgxpool.Pool {
	return p.pool
}

// Do runs fn unless the breaker is open and records its outcome.
// Cancellations and missing rows do not count as failures.
func (p *ConnectionPool) Do(ctx context.Context, fn func(context.Context, *pgxpool.Pool) error) error {
	if !p.breaker.Allow() {
		return ErrCircuitOpen
	}
	err := fn(ctx, p.pool)
	if errors.Is(err, pgx.ErrNoRows) || (err != nil && ctx.Err() != nil) {
		return err
	}
	p.breaker.Record(err)
	return err
}

// Transaction runs fn in a transaction under Do.
func (p *ConnectionPool) Transaction(ctx context.Context, fn func(pgx.Tx) error) error {
	return p.Do(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		return pgx.BeginTxFunc(ctx, pool, pgx.TxOptions{}, fn)
	})
}

// Ping checks the database and feeds the outcome to the circuit breaker.
func (p *ConnectionPool) Ping(ctx context.Context) error {
	err := p.pool.Ping(ctx)
	p.breaker.Record(err)
	return err
}

func (p *ConnectionPool) healthCheckRoutine() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := p.Ping(ctx); err != nil {
				p.logger.Error("database health check failed", zap.Error(err))
			}
			cancel()
		case <-p.healthCheckStop:
			return
		}
	}
}

// Stats reports pool occupancy.
func (p *ConnectionPool) Stats() (acquired, idle, total int32) {
	s := p.pool.Stat()
	return s.AcquiredConns(), s.IdleConns(), s.TotalConns()
}

func (p *ConnectionPool) Close() {
	p.closeOnce.Do(func() {
		close(p.healthCheckStop)
		p.pool.Close()
		p.logger.Info("database connection pool closed")
	})
}

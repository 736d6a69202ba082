package database

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/joho/godotenv/autoload"
	log "github.com/sirupsen/logrus"

	"colorspin/internal/config"
)

// Service exposes the postgres connection pool and health reporting.
type Service interface {
	Pool() *pgxpool.Pool
	WithTransaction(ctx context.Context, fn func(tx pgx.Tx) error) error
	Health() map[string]string
	Close() error
}

type service struct {
	pool *pgxpool.Pool
}

var (
	cfg        = config.Load()
	database   = cfg.DBName
	password   = cfg.DBPassword
	username   = cfg.DBUser
	port       = cfg.DBPort
	host       = cfg.DBHost
	schema     = cfg.DBSchema
	dbInstance *service
)

// New connects the pool, reusing an existing instance when already open.
func New() Service {
	if dbInstance != nil {
		return dbInstance
	}

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable&search_path=%s",
		username, password, host, port, database, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.WithError(err).Fatal("failed to create connection pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		log.WithError(err).Fatal("failed to ping database")
	}

	dbInstance = &service{pool: pool}
	return dbInstance
}

// NewWithDSN connects a pool to an explicit connection string, bypassing
// the cached instance.
func NewWithDSN(ctx context.Context, dsn string) (Service, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &service{pool: pool}, nil
}

func (s *service) Pool() *pgxpool.Pool {
	return s.pool
}

// WithTransaction executes fn inside a transaction, rolling back on error
// and committing otherwise.
func (s *service) WithTransaction(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && rbErr != pgx.ErrTxClosed {
				log.WithError(rbErr).Error("transaction rollback failed")
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (s *service) Health() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	stats := make(map[string]string)

	if err := s.pool.Ping(ctx); err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("db down: %v", err)
		return stats
	}

	stats["status"] = "up"
	stats["message"] = "It's healthy"

	poolStats := s.pool.Stat()
	stats["total_conns"] = strconv.FormatInt(int64(poolStats.TotalConns()), 10)
	stats["idle_conns"] = strconv.FormatInt(int64(poolStats.IdleConns()), 10)
	stats["acquired_conns"] = strconv.FormatInt(int64(poolStats.AcquiredConns()), 10)

	return stats
}

func (s *service) Close() error {
	log.WithField("database", database).Info("disconnecting from database")
	s.pool.Close()
	dbInstance = nil
	return nil
}

// Reset clears the cached instance so tests can reconnect after
// repointing the connection variables.
func Reset() {
	dbInstance = nil
}

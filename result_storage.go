package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

var ErrResultNotFound = errors.New("verification result not found")

// ResultTimeout bounds how long a verification report can be fetched.
const ResultTimeout time.Duration = 24 * time.Hour

// ResultStorage keeps serialized verification reports by id.
type ResultStorage interface {
	StoreResult(ctx context.Context, id string, report []byte) error
	// RetrieveResult returns ErrResultNotFound for unknown or expired ids.
	RetrieveResult(ctx context.Context, id string) ([]byte, error)
}

type storedResult struct {
	report  []byte
	expires time.Time
}

type InMemoryResultStorage struct {
	results map[string]storedResult
	mutex   sync.Mutex
	now     func() time.Time
}

func NewInMemoryResultStorage() *InMemoryResultStorage {
	return &InMemoryResultStorage{results: make(map[string]storedResult), now: time.Now}
}

func (s *InMemoryResultStorage) StoreResult(_ context.Context, id string, report []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.now()
	for k, r := range s.results {
		if now.After(r.expires) {
			delete(s.results, k)
		}
	}
	s.results[id] = storedResult{report: report, expires: now.Add(ResultTimeout)}
	return nil
}

func (s *InMemoryResultStorage) RetrieveResult(_ context.Context, id string) ([]byte, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	r, ok := s.results[id]
	if !ok || s.now().After(r.expires) {
		return nil, fmt.Errorf("%w: %s", ErrResultNotFound, id)
	}
	return r.report, nil
}

// ------------------------------------------------------------------------------

type RedisResultStorage struct {
	client    *redis.Client
	namespace string
}

func NewRedisResultStorage(client *redis.Client, namespace string) *RedisResultStorage {
	return &RedisResultStorage{client: client, namespace: namespace}
}

func resultKey(namespace, id string) string {
	return fmt.Sprintf("%s:result:%s", namespace, id)
}

func (s *RedisResultStorage) StoreResult(ctx context.Context, id string, report []byte) error {
	return s.client.Set(ctx, resultKey(s.namespace, id), report, ResultTimeout).Err()
}

func (s *RedisResultStorage) RetrieveResult(ctx context.Context, id string) ([]byte, error) {
	b, err := s.client.Get(ctx, resultKey(s.namespace, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrResultNotFound, id)
	}
	return b, err
}

// ------------------------------------------------------------------------------

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type PostgresResultStorage struct {
	db *pgxpool.Pool
}

const createResultsTable = `
	CREATE TABLE IF NOT EXISTS verification_results (
		id         TEXT PRIMARY KEY,
		report     JSONB NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)`

// NewPostgresResultStorage connects to the database and creates the results
// table when it does not exist.
func NewPostgresResultStorage(ctx context.Context, config PostgresConfig) (*PostgresResultStorage, error) {
	poolConfig, err := pgxpool.ParseConfig(config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	db, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if _, err := db.Exec(ctx, createResultsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create results table: %w", err)
	}
	return &PostgresResultStorage{db: db}, nil
}

func (s *PostgresResultStorage) StoreResult(ctx context.Context, id string, report []byte) error {
	query := `
		INSERT INTO verification_results (id, report, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			report = EXCLUDED.report,
			expires_at = EXCLUDED.expires_at
	`
	_, err := s.db.Exec(ctx, query, id, report, time.Now().Add(ResultTimeout))
	return err
}

func (s *PostgresResultStorage) RetrieveResult(ctx context.Context, id string) ([]byte, error) {
	var report []byte
	query := `SELECT report FROM verification_results WHERE id = $1 AND expires_at > NOW()`
	err := s.db.QueryRow(ctx, query, id).Scan(&report)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrResultNotFound, id)
		}
		return nil, err
	}
	return report, nil
}

func (s *PostgresResultStorage) Close() {
	s.db.Close()
}

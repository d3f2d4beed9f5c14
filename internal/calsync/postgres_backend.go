package calsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresStateTableName    = "relaycal_state"
	postgresStateKey          = "default"
	postgresMutationTableName = "relaycal_mutations"
	postgresQueueKey          = "default"
	postgresOperationTimeout  = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStateBackend stores the whole state snapshot in one row.
type PostgresStateBackend struct {
	dsn       string
	tableName string
	stateKey  string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStateBackend(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStateBackend{
		dsn:       dsn,
		tableName: postgresStateTableName,
		stateKey:  postgresStateKey,
		openDB:    sql.Open,
	}, nil
}

func (b *PostgresStateBackend) Load() (*persistedState, error) {
	if b == nil {
		return nil, nil
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE state_key = $1", postgresQuoteIdentifier(b.tableName))
	var payload string
	err := b.db.QueryRowContext(ctx, query, b.stateKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snapshot persistedState
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *PostgresStateBackend) Save(state *persistedState) error {
	if b == nil || state == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (state_key, snapshot, last_sync, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (state_key)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, last_sync = EXCLUDED.last_sync, updated_at = NOW()`,
		postgresQuoteIdentifier(b.tableName))
	var lastSync sql.NullTime
	if !state.Meta.LastSync.IsZero() {
		lastSync = sql.NullTime{Time: state.Meta.LastSync, Valid: true}
	}
	_, err = b.db.ExecContext(ctx, query, b.stateKey, string(payload), lastSync)
	return err
}

func (b *PostgresStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresStateBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				state_key TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				last_sync TIMESTAMPTZ,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

// PostgresMutationLog keeps queued mutations as rows ordered by a serial id.
type PostgresMutationLog struct {
	dsn       string
	tableName string
	queueKey  string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresMutationLog(dsn string) (MutationLog, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresMutationLog{
		dsn:       dsn,
		tableName: postgresMutationTableName,
		queueKey:  postgresQueueKey,
		openDB:    sql.Open,
	}, nil
}

func (l *PostgresMutationLog) ensureReady() error {
	if l == nil {
		return ErrInvalidInput
	}
	l.initOnce.Do(func() {
		db, err := l.openDB("postgres", l.dsn)
		if err != nil {
			l.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		createTable := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				queue_key TEXT NOT NULL,
				mutation_id TEXT NOT NULL UNIQUE,
				event_id TEXT NOT NULL,
				payload TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(l.tableName))
		if _, err := db.ExecContext(ctx, createTable); err != nil {
			_ = db.Close()
			l.initErr = err
			return
		}
		createIndex := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, id)",
			postgresQuoteIdentifier(l.tableName+"_queue_key_id_idx"),
			postgresQuoteIdentifier(l.tableName),
		)
		if _, err := db.ExecContext(ctx, createIndex); err != nil {
			_ = db.Close()
			l.initErr = err
			return
		}
		l.db = db
	})
	return l.initErr
}

func (l *PostgresMutationLog) Append(ctx context.Context, m Mutation) error {
	if strings.TrimSpace(m.ID) == "" {
		return ErrInvalidInput
	}
	if err := l.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(
		"INSERT INTO %s (queue_key, mutation_id, event_id, payload, created_at) VALUES ($1, $2, $3, $4, NOW())",
		postgresQuoteIdentifier(l.tableName))
	_, err = l.db.ExecContext(ctx, query, l.queueKey, m.ID, m.EventID, string(payload))
	return err
}

func (l *PostgresMutationLog) List(ctx context.Context) ([]Mutation, error) {
	if err := l.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT payload FROM %s WHERE queue_key = $1 ORDER BY id ASC", postgresQuoteIdentifier(l.tableName))
	rows, err := l.db.QueryContext(ctx, query, l.queueKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Mutation
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var m Mutation
		if err := json.Unmarshal([]byte(payload), &m); err != nil || strings.TrimSpace(m.ID) == "" {
			continue
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func (l *PostgresMutationLog) Update(ctx context.Context, m Mutation) error {
	if err := l.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("UPDATE %s SET payload = $3 WHERE queue_key = $1 AND mutation_id = $2", postgresQuoteIdentifier(l.tableName))
	res, err := l.db.ExecContext(ctx, query, l.queueKey, m.ID, string(payload))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (l *PostgresMutationLog) Remove(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := l.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("DELETE FROM %s WHERE queue_key = $1 AND mutation_id = ANY($2)", postgresQuoteIdentifier(l.tableName))
	_, err := l.db.ExecContext(ctx, query, l.queueKey, pq.Array(ids))
	return err
}

func (l *PostgresMutationLog) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

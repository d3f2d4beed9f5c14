package calsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteOperationTimeout = 10 * time.Second

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		synced INTEGER NOT NULL DEFAULT 0,
		last_modified TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS events_synced_idx ON events (synced)`,
	`CREATE INDEX IF NOT EXISTS events_last_modified_idx ON events (last_modified)`,
	`CREATE TABLE IF NOT EXISTS sync_mappings (
		provider TEXT NOT NULL,
		provider_event_id TEXT NOT NULL,
		local_event_id TEXT NOT NULL,
		sync_status TEXT NOT NULL,
		payload TEXT NOT NULL,
		PRIMARY KEY (provider, provider_event_id)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS sync_mappings_local_idx ON sync_mappings (provider, local_event_id)`,
	`CREATE TABLE IF NOT EXISTS conflicts (
		event_id TEXT PRIMARY KEY,
		payload TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS resolutions (
		id TEXT PRIMARY KEY,
		payload TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS webhook_deliveries (
		delivery_key TEXT PRIMARY KEY,
		provider_event_id TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS calendar_state (
		state_key TEXT PRIMARY KEY,
		payload TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sync_metadata (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		payload TEXT NOT NULL
	)`,
}

// SQLiteStateBackend keeps the state in relational tables of a local SQLite
// file. Each Save rewrites the tables inside one transaction.
type SQLiteStateBackend struct {
	path   string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLiteStateBackend(path string) (StateBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLiteStateBackend{path: path, openDB: sql.Open}, nil
}

func (b *SQLiteStateBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		if dir := filepath.Dir(b.path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				b.initErr = err
				return
			}
		}
		db, err := b.openDB("sqlite3", b.path+"?_busy_timeout=5000&_journal_mode=WAL")
		if err != nil {
			b.initErr = err
			return
		}
		db.SetMaxOpenConns(1)
		ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
		defer cancel()
		for _, stmt := range sqliteSchema {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				b.initErr = err
				return
			}
		}
		b.db = db
	})
	return b.initErr
}

func (b *SQLiteStateBackend) Load() (*persistedState, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	var metaPayload string
	err := b.db.QueryRowContext(ctx, "SELECT payload FROM sync_metadata WHERE id = 1").Scan(&metaPayload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	state := &persistedState{
		Events:      map[string]Event{},
		Mappings:    map[string]SyncMapping{},
		Conflicts:   map[string]ConflictRecord{},
		Resolutions: map[string]Resolution{},
		Deliveries:  map[string]string{},
		Calendars:   map[string]CalendarState{},
	}
	if err := json.Unmarshal([]byte(metaPayload), &state.Meta); err != nil {
		return nil, err
	}
	if err := sqliteScanJSON(ctx, b.db, "SELECT id, payload FROM events", func(key string, data []byte) error {
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return err
		}
		state.Events[key] = ev
		return nil
	}); err != nil {
		return nil, err
	}
	if err := sqliteScanJSON(ctx, b.db, "SELECT provider || '|' || provider_event_id, payload FROM sync_mappings", func(key string, data []byte) error {
		var m SyncMapping
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		state.Mappings[key] = m
		return nil
	}); err != nil {
		return nil, err
	}
	if err := sqliteScanJSON(ctx, b.db, "SELECT event_id, payload FROM conflicts", func(key string, data []byte) error {
		var rec ConflictRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		state.Conflicts[key] = rec
		return nil
	}); err != nil {
		return nil, err
	}
	if err := sqliteScanJSON(ctx, b.db, "SELECT id, payload FROM resolutions", func(key string, data []byte) error {
		var res Resolution
		if err := json.Unmarshal(data, &res); err != nil {
			return err
		}
		state.Resolutions[key] = res
		return nil
	}); err != nil {
		return nil, err
	}
	if err := sqliteScanJSON(ctx, b.db, "SELECT state_key, payload FROM calendar_state", func(key string, data []byte) error {
		var cs CalendarState
		if err := json.Unmarshal(data, &cs); err != nil {
			return err
		}
		state.Calendars[key] = cs
		return nil
	}); err != nil {
		return nil, err
	}
	if err := sqliteScanJSON(ctx, b.db, "SELECT delivery_key, provider_event_id FROM webhook_deliveries", func(key string, data []byte) error {
		state.Deliveries[key] = string(data)
		return nil
	}); err != nil {
		return nil, err
	}
	return state, nil
}

func (b *SQLiteStateBackend) Save(state *persistedState) error {
	if state == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	for _, table := range []string{"events", "sync_mappings", "conflicts", "resolutions", "calendar_state", "webhook_deliveries"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}

	synced := map[string]bool{}
	for _, m := range state.Mappings {
		if _, seen := synced[m.LocalEventID]; !seen {
			synced[m.LocalEventID] = true
		}
		if m.Status != MappingSynced {
			synced[m.LocalEventID] = false
		}
	}
	for id, ev := range state.Events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO events (id, payload, synced, last_modified) VALUES (?, ?, ?, ?)",
			id, string(payload), synced[id], ev.UpdatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
	}
	for _, m := range state.Mappings {
		payload, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO sync_mappings (provider, provider_event_id, local_event_id, sync_status, payload) VALUES (?, ?, ?, ?, ?)",
			m.Provider, m.ProviderEventID, m.LocalEventID, string(m.Status), string(payload)); err != nil {
			return err
		}
	}
	for id, rec := range state.Conflicts {
		if err := sqliteInsertJSON(ctx, tx, "INSERT INTO conflicts (event_id, payload) VALUES (?, ?)", id, rec); err != nil {
			return err
		}
	}
	for id, res := range state.Resolutions {
		if err := sqliteInsertJSON(ctx, tx, "INSERT INTO resolutions (id, payload) VALUES (?, ?)", id, res); err != nil {
			return err
		}
	}
	for key, cs := range state.Calendars {
		if err := sqliteInsertJSON(ctx, tx, "INSERT INTO calendar_state (state_key, payload) VALUES (?, ?)", key, cs); err != nil {
			return err
		}
	}
	for key, eventID := range state.Deliveries {
		if _, err := tx.ExecContext(ctx, "INSERT INTO webhook_deliveries (delivery_key, provider_event_id) VALUES (?, ?)", key, eventID); err != nil {
			return err
		}
	}
	meta, err := json.Marshal(state.Meta)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO sync_metadata (id, payload) VALUES (1, ?) ON CONFLICT (id) DO UPDATE SET payload = excluded.payload",
		string(meta)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (b *SQLiteStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func sqliteInsertJSON(ctx context.Context, tx *sql.Tx, query, key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, query, key, string(payload))
	return err
}

func sqliteScanJSON(ctx context.Context, db *sql.DB, query string, fn func(key string, data []byte) error) error {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key, payload string
		if err := rows.Scan(&key, &payload); err != nil {
			return err
		}
		if err := fn(key, []byte(payload)); err != nil {
			return err
		}
	}
	return rows.Err()
}

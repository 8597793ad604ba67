// Package store holds the durable persistence layer (§4.3) and the
// authoritative in-memory State Store (§4.5). Persistence uses
// database/sql against modernc.org/sqlite (a pure-Go driver, chosen per
// DESIGN.md), with hand-written SQL mirroring the three tables in
// app/models/db_models.py.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/krinkuto11/aceorchestrator/internal/apperr"
	"github.com/krinkuto11/aceorchestrator/internal/model"
)

// DB wraps the sqlite connection and implements the raw persistence
// operations the State Store writes through to.
type DB struct {
	sql *sql.DB
}

// Open parses a DB_URL of the form "sqlite:///path/to/file.db" (or a bare
// path) and opens the database, creating its schema if absent.
func Open(ctx context.Context, dsn string) (*DB, error) {
	path := dsn
	if strings.HasPrefix(path, "sqlite:///") {
		path = strings.TrimPrefix(path, "sqlite:///")
	} else if strings.HasPrefix(path, "sqlite://") {
		path = strings.TrimPrefix(path, "sqlite://")
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, apperr.Wrap(apperr.PersistenceError, "failed to open database", err)
	}
	sqlDB.SetMaxOpenConns(1) // modernc.org/sqlite: serialize writers behind a single connection

	db := &DB{sql: sqlDB}
	if err := db.migrate(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *DB) Close() error { return db.sql.Close() }

func (db *DB) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS engines (
			engine_key TEXT PRIMARY KEY,
			container_id TEXT,
			container_name TEXT,
			host TEXT NOT NULL,
			port INTEGER NOT NULL,
			labels TEXT,
			first_seen TEXT NOT NULL,
			last_seen TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS streams (
			id TEXT PRIMARY KEY,
			engine_key TEXT NOT NULL,
			key_type TEXT NOT NULL,
			key TEXT NOT NULL,
			playback_session_id TEXT NOT NULL,
			stat_url TEXT NOT NULL,
			command_url TEXT NOT NULL,
			is_live INTEGER NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			status TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS stream_stats (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			stream_id TEXT NOT NULL,
			ts TEXT NOT NULL,
			peers INTEGER,
			speed_down INTEGER,
			speed_up INTEGER,
			downloaded INTEGER,
			uploaded INTEGER,
			status TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stream_stats_stream_id ON stream_stats(stream_id)`,
		`CREATE INDEX IF NOT EXISTS idx_stream_stats_ts ON stream_stats(ts)`,
	}
	for _, s := range stmts {
		if _, err := db.sql.ExecContext(ctx, s); err != nil {
			return apperr.Wrap(apperr.PersistenceError, "schema migration failed", err)
		}
	}
	return nil
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseUTC promotes a stored timestamp to UTC unconditionally, per §4.3:
// "any naive timestamp MUST be promoted to UTC-aware before returning."
func parseUTC(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Fall back to a handful of layouts a naive write might have used.
		for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05.999999", "2006-01-02T15:04:05"} {
			if t, err = time.Parse(layout, s); err == nil {
				break
			}
		}
		if err != nil {
			return time.Time{}, err
		}
	}
	return t.UTC(), nil
}

func (db *DB) UpsertEngine(ctx context.Context, e *model.Engine) error {
	labelsJSON, err := json.Marshal(e.Labels)
	if err != nil {
		return apperr.Wrap(apperr.PersistenceError, "marshal engine labels", err)
	}
	_, err = db.sql.ExecContext(ctx, `
		INSERT INTO engines (engine_key, container_id, container_name, host, port, labels, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(engine_key) DO UPDATE SET
			container_id=excluded.container_id,
			container_name=excluded.container_name,
			host=excluded.host,
			port=excluded.port,
			labels=excluded.labels,
			last_seen=excluded.last_seen
	`, e.EngineKey, nullable(e.ContainerID), nullable(e.ContainerName), e.Host, e.Port,
		string(labelsJSON), formatTime(e.FirstSeen), formatTime(e.LastSeen))
	if err != nil {
		return apperr.Wrap(apperr.PersistenceError, "upsert engine", err)
	}
	return nil
}

func (db *DB) UpsertStream(ctx context.Context, s *model.Stream) error {
	var endedAt any
	if s.EndedAt != nil {
		endedAt = formatTime(*s.EndedAt)
	}
	_, err := db.sql.ExecContext(ctx, `
		INSERT INTO streams (id, engine_key, key_type, key, playback_session_id, stat_url, command_url, is_live, started_at, ended_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			engine_key=excluded.engine_key,
			key_type=excluded.key_type,
			key=excluded.key,
			playback_session_id=excluded.playback_session_id,
			stat_url=excluded.stat_url,
			command_url=excluded.command_url,
			is_live=excluded.is_live,
			started_at=excluded.started_at,
			ended_at=excluded.ended_at,
			status=excluded.status
	`, s.ID, s.ContainerID, string(s.KeyType), s.Key, s.PlaybackSessionID, s.StatURL, s.CommandURL,
		boolToInt(s.IsLive), formatTime(s.StartedAt), endedAt, string(s.Status))
	if err != nil {
		return apperr.Wrap(apperr.PersistenceError, "upsert stream", err)
	}
	return nil
}

func (db *DB) UpdateStreamEnded(ctx context.Context, id string, endedAt time.Time) error {
	_, err := db.sql.ExecContext(ctx, `UPDATE streams SET ended_at = ?, status = ? WHERE id = ?`,
		formatTime(endedAt), string(model.StatusEnded), id)
	if err != nil {
		return apperr.Wrap(apperr.PersistenceError, "update stream ended", err)
	}
	return nil
}

func (db *DB) InsertStat(ctx context.Context, streamID string, s model.StatSample) error {
	_, err := db.sql.ExecContext(ctx, `
		INSERT INTO stream_stats (stream_id, ts, peers, speed_down, speed_up, downloaded, uploaded, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, streamID, formatTime(s.TS), intPtr(s.Peers), int64Ptr(s.SpeedDown), int64Ptr(s.SpeedUp),
		int64Ptr(s.Downloaded), int64Ptr(s.Uploaded), strPtr(s.Status))
	if err != nil {
		return apperr.Wrap(apperr.PersistenceError, "insert stat", err)
	}
	return nil
}

// LoadEngines hydrates every engine row, promoting timestamps to UTC.
func (db *DB) LoadEngines(ctx context.Context) ([]*model.Engine, error) {
	rows, err := db.sql.QueryContext(ctx, `SELECT engine_key, container_id, container_name, host, port, labels, first_seen, last_seen FROM engines`)
	if err != nil {
		return nil, apperr.Wrap(apperr.PersistenceError, "load engines", err)
	}
	defer rows.Close()

	var out []*model.Engine
	for rows.Next() {
		var e model.Engine
		var containerID, containerName, labelsJSON sql.NullString
		var firstSeen, lastSeen string
		if err := rows.Scan(&e.EngineKey, &containerID, &containerName, &e.Host, &e.Port, &labelsJSON, &firstSeen, &lastSeen); err != nil {
			return nil, apperr.Wrap(apperr.PersistenceError, "scan engine row", err)
		}
		e.ContainerID = containerID.String
		e.ContainerName = containerName.String
		e.Labels = map[string]string{}
		if labelsJSON.Valid && labelsJSON.String != "" {
			if err := json.Unmarshal([]byte(labelsJSON.String), &e.Labels); err != nil {
				return nil, apperr.Wrap(apperr.PersistenceError, "unmarshal engine labels", err)
			}
		}
		if e.FirstSeen, err = parseUTC(firstSeen); err != nil {
			return nil, apperr.Wrap(apperr.PersistenceError, "parse first_seen", err)
		}
		if e.LastSeen, err = parseUTC(lastSeen); err != nil {
			return nil, apperr.Wrap(apperr.PersistenceError, "parse last_seen", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// LoadStartedStreams hydrates every stream row with status="started".
func (db *DB) LoadStartedStreams(ctx context.Context) ([]*model.Stream, error) {
	rows, err := db.sql.QueryContext(ctx, `
		SELECT id, engine_key, key_type, key, playback_session_id, stat_url, command_url, is_live, started_at, ended_at, status
		FROM streams WHERE status = ?`, string(model.StatusStarted))
	if err != nil {
		return nil, apperr.Wrap(apperr.PersistenceError, "load streams", err)
	}
	defer rows.Close()

	var out []*model.Stream
	for rows.Next() {
		var s model.Stream
		var keyType, status string
		var isLive int
		var startedAt string
		var endedAt sql.NullString
		if err := rows.Scan(&s.ID, &s.ContainerID, &keyType, &s.Key, &s.PlaybackSessionID, &s.StatURL,
			&s.CommandURL, &isLive, &startedAt, &endedAt, &status); err != nil {
			return nil, apperr.Wrap(apperr.PersistenceError, "scan stream row", err)
		}
		s.KeyType = model.StreamKeyType(keyType)
		s.Status = model.StreamStatus(status)
		s.IsLive = isLive != 0
		if s.StartedAt, err = parseUTC(startedAt); err != nil {
			return nil, apperr.Wrap(apperr.PersistenceError, "parse started_at", err)
		}
		if endedAt.Valid && endedAt.String != "" {
			t, err := parseUTC(endedAt.String)
			if err != nil {
				return nil, apperr.Wrap(apperr.PersistenceError, "parse ended_at", err)
			}
			s.EndedAt = &t
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// ContainerNames implements naming.DB: every container_name on record,
// regardless of the engine's liveness.
func (db *DB) ContainerNames(ctx context.Context) ([]string, error) {
	rows, err := db.sql.QueryContext(ctx, `SELECT container_name FROM engines WHERE container_name IS NOT NULL`)
	if err != nil {
		return nil, apperr.Wrap(apperr.PersistenceError, "load container names", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, apperr.Wrap(apperr.PersistenceError, "scan container name", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func intPtr(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func int64Ptr(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func strPtr(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

// Package store persists session definitions in SQLite and backs the
// registry lookup the connection factory uses to resolve gateway
// references.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ahagelberg/Terminalis-sub001/internal/session"
)

const (
	pragmaJournalModeWAL = `PRAGMA journal_mode=WAL`
	pragmaForeignKeysOn  = `PRAGMA foreign_keys=ON`
	pragmaBusyTimeout    = `PRAGMA busy_timeout=5000`
)

var ErrNotFound = errors.New("store: session not found")

// Store is the SQLite-backed session registry.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the registry database at path and applies the
// schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("open session store: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("open session store: create parent dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	db.SetMaxOpenConns(4)

	for _, pragma := range []string{pragmaJournalModeWAL, pragmaForeignKeysOn, pragmaBusyTimeout} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("open session store: %q: %w", pragma, err)
		}
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, path: path}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func applySchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			host TEXT NOT NULL,
			port INTEGER NOT NULL,
			username TEXT NOT NULL,
			auth_method TEXT NOT NULL,
			private_key_path TEXT,
			terminal_type TEXT,
			resize_method TEXT,
			tmux_session TEXT,
			forward_x11 INTEGER NOT NULL DEFAULT 0,
			compression INTEGER NOT NULL DEFAULT 0,
			connect_timeout_ms INTEGER NOT NULL DEFAULT 0,
			keep_alive_ms INTEGER NOT NULL DEFAULT 0,
			gateway_session_id TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS port_forwards (
			session_id TEXT NOT NULL,
			name TEXT NOT NULL,
			direction TEXT NOT NULL,
			local_host TEXT,
			local_port INTEGER NOT NULL,
			remote_host TEXT NOT NULL,
			remote_port INTEGER NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (session_id, name),
			FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Save inserts or updates a session definition together with its
// forwarding rules. A missing id is generated.
func (s *Store) Save(ctx context.Context, cfg *session.Config) error {
	if cfg == nil {
		return fmt.Errorf("save session: config is nil")
	}
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("save session: name is required")
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save session: begin tx: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions(id, name, host, port, username, auth_method, private_key_path,
			terminal_type, resize_method, tmux_session, forward_x11, compression,
			connect_timeout_ms, keep_alive_ms, gateway_session_id, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, host=excluded.host, port=excluded.port,
			username=excluded.username, auth_method=excluded.auth_method,
			private_key_path=excluded.private_key_path, terminal_type=excluded.terminal_type,
			resize_method=excluded.resize_method, tmux_session=excluded.tmux_session,
			forward_x11=excluded.forward_x11, compression=excluded.compression,
			connect_timeout_ms=excluded.connect_timeout_ms, keep_alive_ms=excluded.keep_alive_ms,
			gateway_session_id=excluded.gateway_session_id, updated_at=excluded.updated_at
	`, cfg.ID, cfg.Name, cfg.Host, cfg.Port, cfg.Username, string(cfg.Auth), cfg.PrivateKeyPath,
		cfg.TerminalType, string(cfg.Resize), cfg.TmuxSession, boolInt(cfg.ForwardX11), boolInt(cfg.Compression),
		cfg.ConnectTimeout.Milliseconds(), cfg.KeepAliveInterval.Milliseconds(), cfg.GatewaySessionID, now, now)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("save session: upsert: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM port_forwards WHERE session_id = ?`, cfg.ID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("save session: clear forwards: %w", err)
	}
	for _, rule := range cfg.PortForwards {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO port_forwards(session_id, name, direction, local_host, local_port, remote_host, remote_port, enabled)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		`, cfg.ID, rule.Name, string(rule.Direction), rule.LocalHost, rule.LocalPort, rule.RemoteHost, rule.RemotePort, boolInt(rule.Enabled))
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("save session: add forward %q: %w", rule.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save session: commit: %w", err)
	}
	return nil
}

// Get loads a session by id.
func (s *Store) Get(ctx context.Context, id string) (*session.Config, error) {
	return s.getBy(ctx, `id = ?`, id)
}

// GetByName loads a session by its unique name.
func (s *Store) GetByName(ctx context.Context, name string) (*session.Config, error) {
	return s.getBy(ctx, `name = ?`, name)
}

func (s *Store) getBy(ctx context.Context, where, arg string) (*session.Config, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, host, port, username, auth_method, private_key_path,
			terminal_type, resize_method, tmux_session, forward_x11, compression,
			connect_timeout_ms, keep_alive_ms, gateway_session_id
		FROM sessions WHERE `+where, arg)

	cfg, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	if err := s.loadForwards(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// List returns all sessions ordered by name, without forwarding rules.
func (s *Store) List(ctx context.Context) ([]*session.Config, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, host, port, username, auth_method, private_key_path,
			terminal_type, resize_method, tmux_session, forward_x11, compression,
			connect_timeout_ms, keep_alive_ms, gateway_session_id
		FROM sessions ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*session.Config
	for rows.Next() {
		cfg, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		out = append(out, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

// Delete removes a session by name. Deleting an absent session is an
// error so callers can report typos.
func (s *Store) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Lookup adapts the store to the registry-lookup shape the connection
// factory consumes.
func (s *Store) Lookup(ctx context.Context) session.Lookup {
	return func(id string) *session.Config {
		cfg, err := s.Get(ctx, id)
		if err != nil {
			return nil
		}
		return cfg
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*session.Config, error) {
	var (
		cfg                              session.Config
		auth, resize                     string
		keyPath, termType, tmux, gateway sql.NullString
		forwardX11, compression          int
		connectTimeoutMS, keepAliveMS    int64
	)
	err := row.Scan(&cfg.ID, &cfg.Name, &cfg.Host, &cfg.Port, &cfg.Username, &auth, &keyPath,
		&termType, &resize, &tmux, &forwardX11, &compression,
		&connectTimeoutMS, &keepAliveMS, &gateway)
	if err != nil {
		return nil, err
	}
	cfg.Auth = session.AuthMethod(auth)
	cfg.Resize = session.ResizeMethod(resize)
	cfg.PrivateKeyPath = keyPath.String
	cfg.TerminalType = termType.String
	cfg.TmuxSession = tmux.String
	cfg.GatewaySessionID = gateway.String
	cfg.ForwardX11 = forwardX11 != 0
	cfg.Compression = compression != 0
	cfg.ConnectTimeout = time.Duration(connectTimeoutMS) * time.Millisecond
	cfg.KeepAliveInterval = time.Duration(keepAliveMS) * time.Millisecond
	return &cfg, nil
}

func (s *Store) loadForwards(ctx context.Context, cfg *session.Config) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, direction, local_host, local_port, remote_host, remote_port, enabled
		FROM port_forwards WHERE session_id = ? ORDER BY name
	`, cfg.ID)
	if err != nil {
		return fmt.Errorf("load forwards: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rule      session.PortForwardingRule
			direction string
			localHost sql.NullString
			enabled   int
		)
		if err := rows.Scan(&rule.Name, &direction, &localHost, &rule.LocalPort, &rule.RemoteHost, &rule.RemotePort, &enabled); err != nil {
			return fmt.Errorf("load forwards: %w", err)
		}
		rule.Direction = session.ForwardDirection(direction)
		rule.LocalHost = localHost.String
		rule.Enabled = enabled != 0
		cfg.PortForwards = append(cfg.PortForwards, rule)
	}
	return rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/example/roadside-relay/internal/models"
)

// SQLiteStore is the single-file session store for local runs.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	s := &SQLiteStore{db: db}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS participant_sessions (
			id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL,
			role TEXT NOT NULL,
			remote_addr TEXT,
			admitted_at TEXT NOT NULL,
			closed_at TEXT,
			close_reason TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_participant_sessions_room ON participant_sessions(room_id, admitted_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) SaveSession(ctx context.Context, r *models.SessionRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO participant_sessions(id, room_id, role, remote_addr, admitted_at) VALUES(?,?,?,?,?)`,
		r.ID, r.Room, string(r.Role), r.RemoteAddr, r.AdmittedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *SQLiteStore) CloseSession(ctx context.Context, id, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE participant_sessions SET closed_at=?, close_reason=? WHERE id=?`,
		at.UTC().Format(time.RFC3339Nano), reason, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get reads one session back.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.SessionRecord, error) {
	var (
		rec               models.SessionRecord
		role, admitted    string
		remote            sql.NullString
		closed, reasonCol sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, room_id, role, remote_addr, admitted_at, closed_at, close_reason FROM participant_sessions WHERE id=?`, id).
		Scan(&rec.ID, &rec.Room, &role, &remote, &admitted, &closed, &reasonCol)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Role = models.Role(role)
	rec.RemoteAddr = remote.String
	if t, err := time.Parse(time.RFC3339Nano, admitted); err == nil {
		rec.AdmittedAt = t
	}
	if closed.Valid {
		if t, err := time.Parse(time.RFC3339Nano, closed.String); err == nil {
			rec.ClosedAt = &t
		}
	}
	rec.CloseReason = reasonCol.String
	return &rec, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() error { return s.db.Close() }

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/roadside-relay/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies a schema script, such as migrations/001_create_participant_sessions.sql.
func (p *PostgresStore) Migrate(ctx context.Context, script string) error {
	if _, err := p.db.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (p *PostgresStore) SaveSession(ctx context.Context, r *models.SessionRecord) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO participant_sessions(id, room_id, role, remote_addr, admitted_at) VALUES($1,$2,$3,$4,$5)`,
		r.ID, r.Room, string(r.Role), r.RemoteAddr, r.AdmittedAt)
	return err
}

func (p *PostgresStore) CloseSession(ctx context.Context, id, reason string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE participant_sessions SET closed_at=$1, close_reason=$2 WHERE id=$3`, at, reason, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

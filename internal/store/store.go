package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nourmokhtar/evolvia/internal/config"
	"github.com/nourmokhtar/evolvia/internal/session"
	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed session store. It implements session.Port; the
// full session record travels as one JSON document per row, with the columns
// the list and prune queries need lifted out.
type Store struct {
	db    *sql.DB
	cfg   config.SessionStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the session store according to config. Callers running in
// ephemeral retention mode should not open a store at all.
func Open(ctx context.Context, cfg config.SessionStoreConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("session store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("session store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    lesson_ref TEXT,
    user_ref TEXT,
    record TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Load retrieves one session record by id.
func (s *Store) Load(ctx context.Context, id string) (*session.Record, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM sessions WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load session %q: %w", id, session.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load session %q: %w", id, err)
	}
	var rec session.Record
	if err := json.Unmarshal([]byte(doc), &rec); err != nil {
		return nil, fmt.Errorf("decode session %q: %w", id, err)
	}
	return &rec, nil
}

// Save upserts the record keyed by its id.
func (s *Store) Save(ctx context.Context, rec *session.Record) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session %q: %w", rec.ID, err)
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.clock()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions(id, lesson_ref, user_ref, record, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET record=excluded.record, updated_at=excluded.updated_at`,
		rec.ID, rec.LessonRef, rec.UserRef, string(doc), createdAt.UTC(), s.clock().UTC())
	if err != nil {
		return fmt.Errorf("save session %q: %w", rec.ID, err)
	}
	return nil
}

// Delete removes the record, reporting whether a row existed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete session %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// List returns all stored records, most recently updated first.
func (s *Store) List(ctx context.Context) ([]*session.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*session.Record
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var rec session.Record
		if err := json.Unmarshal([]byte(doc), &rec); err != nil {
			s.log.Warn("skipping undecodable session record", slog.String("error", err.Error()))
			continue
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// Prune enforces the configured session cap, dropping the least recently
// updated sessions first.
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.MaxSessions <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id IN (
		SELECT id FROM sessions ORDER BY updated_at DESC LIMIT -1 OFFSET ?
	)`, s.cfg.MaxSessions)
	return err
}

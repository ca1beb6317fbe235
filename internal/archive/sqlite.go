// Package archive keeps summaries of finished sessions in SQLite.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/user/patientline/internal/types"
)

var ErrNotFound = errors.New("session not found in archive")

type Store struct {
	db *sql.DB
}

var _ types.SessionArchive = (*Store)(nil)

// Open opens (or creates) the archive database at path and runs migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL DEFAULT '',
		agent_set TEXT NOT NULL DEFAULT '',
		root_agent TEXT NOT NULL DEFAULT '',
		codec TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		ended_at DATETIME NOT NULL,
		event_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_ended ON sessions(ended_at);

	CREATE TABLE IF NOT EXISTS transcript_items (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		id TEXT NOT NULL,
		kind TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		data TEXT,
		hidden INTEGER NOT NULL DEFAULT 0,
		guardrail TEXT,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (session_id, seq),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save inserts or replaces rec and its transcript.
func (s *Store) Save(ctx context.Context, rec *types.SessionRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, client_id, agent_set, root_agent, codec, outcome, started_at, ended_at, event_count, last_error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   client_id = excluded.client_id,
		   agent_set = excluded.agent_set,
		   root_agent = excluded.root_agent,
		   codec = excluded.codec,
		   outcome = excluded.outcome,
		   ended_at = excluded.ended_at,
		   event_count = excluded.event_count,
		   last_error = excluded.last_error`,
		rec.ID, rec.ClientID, rec.AgentSet, rec.RootAgent, rec.Codec, rec.Outcome,
		rec.StartedAt.UTC(), rec.EndedAt.UTC(), rec.EventCount, rec.LastError,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM transcript_items WHERE session_id = ?`, rec.ID); err != nil {
		return fmt.Errorf("clear transcript: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO transcript_items (session_id, seq, id, kind, role, title, data, hidden, guardrail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare transcript insert: %w", err)
	}
	defer stmt.Close()

	for i, item := range rec.Items {
		var guardrail []byte
		if item.Guardrail != nil {
			if guardrail, err = json.Marshal(item.Guardrail); err != nil {
				return fmt.Errorf("marshal guardrail: %w", err)
			}
		}
		var data []byte
		if len(item.Data) > 0 {
			data = item.Data
		}
		if _, err := stmt.ExecContext(ctx,
			rec.ID, i, item.ID, item.Kind, item.Role, item.Title, nullable(data),
			item.Hidden, nullable(guardrail), item.CreatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("insert transcript item %s: %w", item.ID, err)
		}
	}

	return tx.Commit()
}

func nullable(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

const sessionColumns = `id, client_id, agent_set, root_agent, codec, outcome, started_at, ended_at, event_count, last_error`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*types.SessionRecord, error) {
	var rec types.SessionRecord
	err := row.Scan(&rec.ID, &rec.ClientID, &rec.AgentSet, &rec.RootAgent, &rec.Codec,
		&rec.Outcome, &rec.StartedAt, &rec.EndedAt, &rec.EventCount, &rec.LastError)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// List returns the most recently ended sessions, newest first, without
// their transcripts.
func (s *Store) List(ctx context.Context, limit int) ([]*types.SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY ended_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*types.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Get returns one session with its transcript.
func (s *Store) Get(ctx context.Context, id types.SessionID) (*types.SessionRecord, error) {
	rec, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, kind, role, title, data, hidden, guardrail, created_at
		 FROM transcript_items WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("get transcript: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			item      types.TranscriptItem
			data      sql.NullString
			guardrail sql.NullString
		)
		if err := rows.Scan(&item.Seq, &item.ID, &item.Kind, &item.Role, &item.Title,
			&data, &item.Hidden, &guardrail, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transcript item: %w", err)
		}
		if data.Valid {
			item.Data = json.RawMessage(data.String)
		}
		if guardrail.Valid {
			var g types.GuardrailResult
			if err := json.Unmarshal([]byte(guardrail.String), &g); err != nil {
				return nil, fmt.Errorf("decode guardrail of %s: %w", item.ID, err)
			}
			item.Guardrail = &g
		}
		rec.Items = append(rec.Items, item)
	}
	return rec, rows.Err()
}

// Prune deletes sessions that ended before cutoff and reports how many
// were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE ended_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	return res.RowsAffected()
}

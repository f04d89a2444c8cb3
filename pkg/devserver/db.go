package devserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Vic-Dev/flux-capacitor/pkg/event"
)

var errNoteNotFound = errors.New("note not found")

type note struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Text  string `json:"text"`
}

// logged is the payload of an EVENT_LOGGED record: the domain event as it was appended.
type logged struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      string          `json:"at"`
}

func (s *Server) init() error {
	if _, err := s.database.Exec(
		`CREATE TABLE IF NOT EXISTS events (
		seq integer primary key autoincrement,
		type text not null,
		note_id text not null,
		payload text not null,
		created_at text not null
		)`,
	); err != nil {
		return err
	}
	if _, err := s.database.Exec(
		`CREATE TABLE IF NOT EXISTS notes (
		id text not null primary key,
		title text not null,
		text text not null,
		created_seq integer not null
		)`,
	); err != nil {
		return err
	}
	s.logger.Info("Ensured initial tables exist")
	return nil
}

func direction(desc bool) string {
	if desc {
		return "DESC"
	}
	return "ASC"
}

func (s *Server) listEvents(ctx context.Context, limit int, desc bool) ([]event.Event, error) {
	query := `SELECT seq, type, note_id, payload, created_at FROM events ORDER BY seq ` + direction(desc)
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.database.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	out := make([]event.Event, 0)
	for rows.Next() {
		var seq int64
		var l logged
		var payload string
		if err := rows.Scan(&seq, &l.Type, &l.ID, &payload, &l.At); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		if payload != "" {
			l.Payload = json.RawMessage(payload)
		}
		e, err := event.New(event.TypeEventLogged, strconv.FormatInt(seq, 10), seq, l)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Server) listNotes(ctx context.Context, desc bool) ([]note, error) {
	rows, err := s.database.QueryContext(ctx, `SELECT id, title, text FROM notes ORDER BY created_seq `+direction(desc))
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	out := make([]note, 0)
	for rows.Next() {
		var n note
		if err := rows.Scan(&n.ID, &n.Title, &n.Text); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// mutation changes the notes table inside tx once the event row exists.
type mutation func(tx *sql.Tx, seq int64) error

// appendEvent records one domain event and applies its effect on the notes table in a single transaction. It
// returns the domain event and its EVENT_LOGGED entry, both stamped with the new sequence number.
func (s *Server) appendEvent(ctx context.Context, typ, noteID string, payload interface{}, apply mutation) ([]event.Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	at := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.database.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (type, note_id, payload, created_at) VALUES (?, ?, ?, ?)`,
		typ, noteID, string(raw), at,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read sequence: %w", err)
	}
	if err := apply(tx, seq); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	domain, err := event.New(typ, noteID, seq, json.RawMessage(raw))
	if err != nil {
		return nil, err
	}
	entry, err := event.New(event.TypeEventLogged, strconv.FormatInt(seq, 10), seq, logged{Type: typ, ID: noteID, Payload: raw, At: at})
	if err != nil {
		return nil, err
	}
	return []event.Event{domain, entry}, nil
}

func requireRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errNoteNotFound
	}
	return nil
}

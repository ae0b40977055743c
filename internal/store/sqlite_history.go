package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/soyeahso/parley/internal/domain"
)

// SQLiteHistory implements History using SQLite. It owns db.
type SQLiteHistory struct {
	db *DB
}

// NewSQLiteHistory creates a history on top of an open database.
func NewSQLiteHistory(db *DB) *SQLiteHistory {
	return &SQLiteHistory{db: db}
}

const entryColumns = `message_id, sender, recipient, text, meta, sent_at, status, failed, updated_at`

func (h *SQLiteHistory) Append(e Entry) (bool, error) {
	if e.MessageID == "" {
		return false, fmt.Errorf("append: empty message id")
	}
	if e.Status == "" {
		e.Status = domain.StatusPending
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	var meta sql.NullString
	if len(e.Meta) > 0 {
		meta = sql.NullString{String: string(e.Meta), Valid: true}
	}

	res, err := h.db.sql.Exec(
		`INSERT INTO messages (message_id, conversation, sender, recipient, text, meta, sent_at, status, status_rank, failed, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(message_id) DO NOTHING`,
		e.MessageID, e.Conversation().String(), string(e.From), string(e.To), e.Text, meta,
		formatTime(ts), string(e.Status), e.Status.Rank(), e.Failed, formatTime(time.Now()),
	)
	if err != nil {
		return false, fmt.Errorf("append %s: %w", e.MessageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (h *SQLiteHistory) UpdateStatus(messageID string, status domain.ReceiptStatus) (bool, error) {
	if status.Rank() == 0 {
		return false, nil
	}
	res, err := h.db.sql.Exec(
		`UPDATE messages SET status = ?, status_rank = ?, failed = 0, updated_at = ?
		 WHERE message_id = ? AND status_rank < ?`,
		string(status), status.Rank(), formatTime(time.Now()), messageID, status.Rank(),
	)
	if err != nil {
		return false, fmt.Errorf("update status %s: %w", messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (h *SQLiteHistory) MarkFailed(messageID string) (bool, error) {
	res, err := h.db.sql.Exec(
		`UPDATE messages SET failed = 1, updated_at = ?
		 WHERE message_id = ? AND failed = 0 AND status_rank <= ?`,
		formatTime(time.Now()), messageID, domain.StatusPending.Rank(),
	)
	if err != nil {
		return false, fmt.Errorf("mark failed %s: %w", messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (h *SQLiteHistory) Get(messageID string) (Entry, bool, error) {
	row := h.db.sql.QueryRow(`SELECT `+entryColumns+` FROM messages WHERE message_id = ?`, messageID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("get %s: %w", messageID, err)
	}
	return e, true, nil
}

func (h *SQLiteHistory) Conversation(key domain.ConversationKey, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := h.db.sql.Query(
		`SELECT `+entryColumns+` FROM (
			SELECT seq, `+entryColumns+` FROM messages
			WHERE conversation = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq`,
		key.String(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("conversation %s: %w", key, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			h.db.log.Warn().Err(err).Str("conversation", key.String()).Msg("skipping unreadable history row")
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (h *SQLiteHistory) Close() error {
	return h.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var (
		e                        Entry
		from, to, status, sentAt string
		meta, updatedAt          sql.NullString
	)
	if err := s.Scan(&e.MessageID, &from, &to, &e.Text, &meta, &sentAt, &status, &e.Failed, &updatedAt); err != nil {
		return Entry{}, err
	}
	e.From = domain.PeerID(from)
	e.To = domain.PeerID(to)
	e.Status = domain.ReceiptStatus(status)
	if meta.Valid && meta.String != "" {
		e.Meta = []byte(meta.String)
	}
	e.Timestamp, _ = time.Parse(time.RFC3339Nano, sentAt)
	if updatedAt.Valid {
		e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt.String)
	}
	return e, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

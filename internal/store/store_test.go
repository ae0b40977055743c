package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/soyeahso/parley/internal/config"
	"github.com/soyeahso/parley/internal/domain"
	"github.com/soyeahso/parley/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:", logging.Silent())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// --- DB/Migration tests ---

func TestOpen_InMemory(t *testing.T) {
	db := testDB(t)
	assert.NotNil(t, db)
	assert.NotNil(t, db.SQL())
}

func TestOpen_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.db")
	db, err := Open(path, logging.Silent())
	require.NoError(t, err)
	require.NoError(t, db.Close())
	assert.FileExists(t, path)
}

func TestMigrations_Applied(t *testing.T) {
	db := testDB(t)

	var count int
	err := db.sql.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), count)
}

func TestMigrations_Idempotent(t *testing.T) {
	db := testDB(t)

	require.NoError(t, db.migrate())

	var count int
	err := db.sql.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), count)
}

func TestSchemaVersion(t *testing.T) {
	db := testDB(t)
	version, err := db.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, migrations[len(migrations)-1].Version, version)

	var name string
	require.NoError(t, db.sql.QueryRow("SELECT name FROM schema_migrations WHERE version = 1").Scan(&name))
	assert.Equal(t, "chat history", name)
}

func TestOpen_HistoryPragmas(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "history.db"), logging.Silent())
	require.NoError(t, err)
	defer db.Close()

	var mode string
	require.NoError(t, db.sql.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var timeout, synchronous int
	require.NoError(t, db.sql.QueryRow("PRAGMA busy_timeout").Scan(&timeout))
	assert.Equal(t, 5000, timeout)
	require.NoError(t, db.sql.QueryRow("PRAGMA synchronous").Scan(&synchronous))
	assert.Equal(t, 1, synchronous, "NORMAL")
}

func TestMigrations_SurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	db, err := Open(path, logging.Silent())
	require.NoError(t, err)
	h := NewSQLiteHistory(db)
	_, err = h.Append(entry("alice", "bob", "m1", "hi"))
	require.NoError(t, err)
	require.NoError(t, h.Close())

	db, err = Open(path, logging.Silent())
	require.NoError(t, err)
	h = NewSQLiteHistory(db)
	defer h.Close()
	got, ok, err := h.Get("m1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hi", got.Text)
}

func TestSchema_MessagesTable(t *testing.T) {
	db := testDB(t)

	var name string
	err := db.sql.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name='messages'",
	).Scan(&name)
	require.NoError(t, err)
	assert.Equal(t, "messages", name)
}

// --- History tests, run against every backend ---

func entry(from, to domain.PeerID, id, text string) Entry {
	return Entry{ChatMessage: domain.ChatMessage{
		From:      from,
		To:        to,
		MessageID: id,
		Text:      text,
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}}
}

func backends(t *testing.T) map[string]func() History {
	return map[string]func() History{
		"memory": func() History { return NewMemoryHistory() },
		"sqlite": func() History { return NewSQLiteHistory(testDB(t)) },
	}
}

func TestHistory_AppendIsIdempotent(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			h := open()

			added, err := h.Append(entry("alice", "bob", "m1", "hello"))
			require.NoError(t, err)
			assert.True(t, added)

			added, err = h.Append(entry("alice", "bob", "m1", "hello again"))
			require.NoError(t, err)
			assert.False(t, added)

			got, err := h.Conversation(domain.NewConversationKey("bob", "alice"), 0)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "hello", got[0].Text)
			assert.Equal(t, domain.StatusPending, got[0].Status)
		})
	}
}

func TestHistory_AppendRequiresID(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := open().Append(entry("alice", "bob", "", "x"))
			assert.Error(t, err)
		})
	}
}

func TestHistory_StatusOnlyMovesForward(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			h := open()
			_, err := h.Append(entry("alice", "bob", "m1", "hello"))
			require.NoError(t, err)

			steps := []struct {
				status domain.ReceiptStatus
				moved  bool
				want   domain.ReceiptStatus
			}{
				{domain.StatusSent, true, domain.StatusSent},
				{domain.StatusSeen, true, domain.StatusSeen},
				{domain.StatusDelivered, false, domain.StatusSeen},
				{domain.StatusSeen, false, domain.StatusSeen},
				{"bogus", false, domain.StatusSeen},
			}
			for _, s := range steps {
				moved, err := h.UpdateStatus("m1", s.status)
				require.NoError(t, err)
				assert.Equal(t, s.moved, moved, "-> %s", s.status)

				got, ok, err := h.Get("m1")
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, s.want, got.Status)
			}

			moved, err := h.UpdateStatus("missing", domain.StatusSent)
			require.NoError(t, err)
			assert.False(t, moved)
		})
	}
}

func TestHistory_MarkFailed(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			h := open()
			_, err := h.Append(entry("alice", "bob", "m1", "lost"))
			require.NoError(t, err)
			_, err = h.Append(entry("alice", "bob", "m2", "acked"))
			require.NoError(t, err)
			_, err = h.UpdateStatus("m2", domain.StatusSent)
			require.NoError(t, err)

			flagged, err := h.MarkFailed("m1")
			require.NoError(t, err)
			assert.True(t, flagged)

			flagged, err = h.MarkFailed("m1")
			require.NoError(t, err)
			assert.False(t, flagged, "already failed")

			flagged, err = h.MarkFailed("m2")
			require.NoError(t, err)
			assert.False(t, flagged, "confirmed messages stay confirmed")

			got, _, err := h.Get("m1")
			require.NoError(t, err)
			assert.True(t, got.Failed)
			assert.Equal(t, domain.StatusPending, got.Status)

			// A late confirmation clears the flag.
			moved, err := h.UpdateStatus("m1", domain.StatusSent)
			require.NoError(t, err)
			assert.True(t, moved)
			got, _, err = h.Get("m1")
			require.NoError(t, err)
			assert.False(t, got.Failed)
		})
	}
}

func TestHistory_ConversationLimitKeepsNewest(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			h := open()
			for i := range 5 {
				from, to := domain.PeerID("alice"), domain.PeerID("bob")
				if i%2 == 1 {
					from, to = to, from
				}
				_, err := h.Append(entry(from, to, fmt.Sprintf("m%d", i), fmt.Sprintf("text %d", i)))
				require.NoError(t, err)
			}
			_, err := h.Append(entry("alice", "carol", "other", "elsewhere"))
			require.NoError(t, err)

			key := domain.NewConversationKey("alice", "bob")
			got, err := h.Conversation(key, 3)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, []string{"m2", "m3", "m4"}, ids(got))
			assert.Equal(t, domain.PeerID("bob"), got[1].From)

			all, err := h.Conversation(key, 0)
			require.NoError(t, err)
			assert.Len(t, all, 5)

			none, err := h.Conversation(domain.NewConversationKey("dave", "erin"), 10)
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestHistory_PreservesMessageFields(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			h := open()
			e := entry("alice", "bob", "m1", "with meta")
			e.Meta = json.RawMessage(`{"reply":"m0"}`)
			_, err := h.Append(e)
			require.NoError(t, err)

			got, ok, err := h.Get("m1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, e.From, got.From)
			assert.Equal(t, e.To, got.To)
			assert.True(t, e.Timestamp.Equal(got.Timestamp))
			assert.JSONEq(t, `{"reply":"m0"}`, string(got.Meta))
			assert.False(t, got.UpdatedAt.IsZero())

			_, ok, err = h.Get("missing")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestOpenHistory(t *testing.T) {
	paths := config.Paths{Data: filepath.Join(t.TempDir(), "data")}
	cfg := func(store string) config.Config {
		c := config.Defaults()
		c.Identity.PeerID = "alice"
		c.Chat.HistoryStore = store
		return c
	}

	h, err := OpenHistory(cfg("memory"), paths, logging.Silent())
	require.NoError(t, err)
	assert.IsType(t, &MemoryHistory{}, h)

	h, err = OpenHistory(cfg("sqlite"), paths, logging.Silent())
	require.NoError(t, err)
	assert.IsType(t, &SQLiteHistory{}, h)
	require.NoError(t, h.Close())
	assert.FileExists(t, filepath.Join(paths.Data, "alice", "history.db"))

	_, err = OpenHistory(cfg("redis"), paths, logging.Silent())
	assert.Error(t, err)
}

func ids(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.MessageID
	}
	return out
}

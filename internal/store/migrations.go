package store

// migration is a single schema change.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered list of schema changes. New migrations are
// appended; existing ones are never edited.
var migrations = []migration{
	{
		Version: 1,
		Name:    "chat history",
		SQL: `
			CREATE TABLE messages (
				seq          INTEGER PRIMARY KEY AUTOINCREMENT,
				message_id   TEXT NOT NULL UNIQUE,
				conversation TEXT NOT NULL,
				sender       TEXT NOT NULL,
				recipient    TEXT NOT NULL,
				text         TEXT NOT NULL,
				meta         TEXT,
				sent_at      TEXT NOT NULL,
				status       TEXT NOT NULL,
				status_rank  INTEGER NOT NULL,
				failed       INTEGER NOT NULL DEFAULT 0
			);

			CREATE INDEX idx_messages_conversation ON messages (conversation, seq);
		`,
	},
	{
		Version: 2,
		Name:    "status timestamps",
		SQL: `
			ALTER TABLE messages ADD COLUMN updated_at TEXT;
			UPDATE messages SET updated_at = sent_at WHERE updated_at IS NULL;
		`,
	},
}

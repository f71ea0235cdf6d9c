package store

// migration represents a single schema migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered list of all schema migrations.
// Timestamps are stored as unix milliseconds so TTL comparisons are
// exact integer comparisons.
var migrations = []migration{
	{
		Version: 1,
		Name:    "create tokens",
		SQL: `
			CREATE TABLE tokens (
				token        TEXT PRIMARY KEY,
				identity     TEXT NOT NULL,
				display_name TEXT NOT NULL DEFAULT '',
				online       INTEGER NOT NULL DEFAULT 0,
				created_at   INTEGER NOT NULL,
				expires_at   INTEGER NOT NULL
			);

			CREATE INDEX idx_tokens_identity ON tokens (identity);
			CREATE INDEX idx_tokens_expires ON tokens (expires_at);
		`,
	},
	{
		Version: 2,
		Name:    "create history",
		SQL: `
			CREATE TABLE history (
				id              INTEGER PRIMARY KEY AUTOINCREMENT,
				msg_id          TEXT NOT NULL,
				conversation_id TEXT NOT NULL,
				sender_id       TEXT NOT NULL,
				sender_role     TEXT NOT NULL,
				receiver_id     TEXT NOT NULL,
				msg_type        TEXT NOT NULL,
				content         TEXT NOT NULL,
				sent_at         INTEGER NOT NULL,
				read_flag       INTEGER NOT NULL DEFAULT 0
			);

			CREATE INDEX idx_history_conversation ON history (conversation_id, id);
		`,
	},
	{
		Version: 3,
		Name:    "create offline queue",
		SQL: `
			CREATE TABLE offline_queue (
				id              INTEGER PRIMARY KEY AUTOINCREMENT,
				recipient       TEXT NOT NULL,
				conversation_id TEXT NOT NULL,
				message         TEXT NOT NULL,
				pushed          INTEGER NOT NULL DEFAULT 0,
				created_at      INTEGER NOT NULL
			);

			CREATE INDEX idx_offline_recipient ON offline_queue (recipient, pushed, id);
			CREATE INDEX idx_offline_pushed_age ON offline_queue (pushed, created_at);
		`,
	},
}

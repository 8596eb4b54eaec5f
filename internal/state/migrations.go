package state

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS progress (
	id                 INTEGER PRIMARY KEY CHECK (id = 1),
	run_id             TEXT    NOT NULL DEFAULT '',
	phase              TEXT    NOT NULL DEFAULT 'idle',
	query              TEXT    NOT NULL DEFAULT '',
	name_filter        TEXT    NOT NULL DEFAULT '',
	messages_processed INTEGER NOT NULL DEFAULT 0,
	total_messages     INTEGER NOT NULL DEFAULT 0,
	pdf_found          INTEGER NOT NULL DEFAULT 0,
	pdf_downloaded     INTEGER NOT NULL DEFAULT 0,
	canceled           INTEGER NOT NULL DEFAULT 0,
	email              TEXT    NOT NULL DEFAULT '',
	access_token       TEXT    NOT NULL DEFAULT '',
	token_expires_at   INTEGER NOT NULL DEFAULT 0,
	updated_at         INTEGER NOT NULL DEFAULT 0
);

INSERT OR IGNORE INTO progress (id) VALUES (1);

CREATE TABLE IF NOT EXISTS attachment_refs (
	position      INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id    TEXT NOT NULL,
	attachment_id TEXT NOT NULL,
	filename      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS activity_log (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at INTEGER NOT NULL,
	level      TEXT    NOT NULL,
	text       TEXT    NOT NULL
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}

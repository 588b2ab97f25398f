package store

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

CREATE TABLE IF NOT EXISTS folders (
	id          TEXT PRIMARY KEY,
	account_id  TEXT NOT NULL,
	path        TEXT NOT NULL,
	state       TEXT NOT NULL,
	updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS blocks (
	folder_id  TEXT NOT NULL REFERENCES folders(id) ON DELETE CASCADE,
	kind       TEXT NOT NULL CHECK(kind IN ('header', 'body')),
	block_id   INTEGER NOT NULL,
	data       BLOB NOT NULL,
	PRIMARY KEY (folder_id, kind, block_id)
);

CREATE INDEX IF NOT EXISTS idx_folders_account_id ON folders(account_id);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS operations (
	account_id  TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	longterm_id TEXT NOT NULL,
	op_type     TEXT NOT NULL,
	data        TEXT NOT NULL,
	PRIMARY KEY (account_id, seq)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_operations_longterm_id
	ON operations(longterm_id);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}

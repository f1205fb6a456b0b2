package metadata

// schemaStatements are applied in order by Open (idempotent via
// IF NOT EXISTS) and re-applied in full by the migration tool. There are
// no versioned incremental migrations: benji-migrate re-runs these same
// statements, which create missing tables and indexes but never alter
// an existing one.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS storages (
		id   INTEGER PRIMARY KEY,
		name TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS versions (
		uid                 TEXT PRIMARY KEY,
		date                TEXT NOT NULL,
		volume              TEXT NOT NULL,
		snapshot            TEXT NOT NULL DEFAULT '',
		size                INTEGER NOT NULL,
		block_size          INTEGER NOT NULL,
		status              TEXT NOT NULL,
		protected           INTEGER NOT NULL DEFAULT 0,
		storage             TEXT NOT NULL,
		labels              TEXT NOT NULL DEFAULT '{}',
		bytes_read          INTEGER NOT NULL DEFAULT 0,
		bytes_written       INTEGER NOT NULL DEFAULT 0,
		bytes_deduplicated  INTEGER NOT NULL DEFAULT 0,
		bytes_sparse        INTEGER NOT NULL DEFAULT 0,
		duration_ns         INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_versions_volume_date ON versions(volume, date DESC)`,
	`CREATE TABLE IF NOT EXISTS blocks (
		version_uid TEXT NOT NULL,
		idx         INTEGER NOT NULL,
		size        INTEGER NOT NULL,
		checksum    TEXT,
		uid_left    INTEGER,
		uid_right   INTEGER,
		valid       INTEGER NOT NULL DEFAULT 1,
		storage     TEXT NOT NULL,
		PRIMARY KEY (version_uid, idx)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_blocks_checksum ON blocks(storage, checksum)`,
	`CREATE INDEX IF NOT EXISTS idx_blocks_uid ON blocks(storage, uid_left, uid_right)`,
	`CREATE TABLE IF NOT EXISTS locks (
		scope       TEXT NOT NULL,
		name        TEXT NOT NULL,
		owner       TEXT NOT NULL,
		acquired_at TEXT NOT NULL,
		reason      TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (scope, name)
	)`,
	`CREATE TABLE IF NOT EXISTS deletion_candidates (
		storage      TEXT NOT NULL,
		uid_left     INTEGER NOT NULL,
		uid_right    INTEGER NOT NULL,
		proposed_at  TEXT NOT NULL,
		PRIMARY KEY (storage, uid_left, uid_right)
	)`,
	`CREATE TABLE IF NOT EXISTS block_uid_sequence (
		storage TEXT PRIMARY KEY,
		left_value INTEGER NOT NULL DEFAULT 0,
		right_value INTEGER NOT NULL DEFAULT 0
	)`,
}

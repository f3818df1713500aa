package store

// schema is the normalized relational layout of the mirror: identities,
// deduplicated keys and PDS endpoints, the append-only log, and the
// satellite tables for rotation keys, verification methods, and
// services. Applied with CREATE TABLE/INDEX IF NOT EXISTS so opening an
// existing database file is idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS identity (
	identity_id INTEGER PRIMARY KEY,
	did         TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS key (
	key_id INTEGER PRIMARY KEY,
	key    TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS atproto_pds (
	pds_id   INTEGER PRIMARY KEY,
	endpoint TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS plc_log (
	entry_id        INTEGER PRIMARY KEY,
	cid             BLOB NOT NULL UNIQUE,
	identity        INTEGER NOT NULL REFERENCES identity(identity_id),
	created_at      TEXT NOT NULL,
	nullified       INTEGER NOT NULL,
	type            TEXT NOT NULL CHECK (type IN ('O', 'T', 'C')),
	also_known_as   TEXT,
	atproto_signing INTEGER REFERENCES key(key_id),
	atproto_pds     INTEGER REFERENCES atproto_pds(pds_id),
	prev            INTEGER REFERENCES plc_log(entry_id),
	sig             TEXT NOT NULL,
	-- populated only for legacy (type = 'C') rows: the un-projected
	-- recoveryKey/handle/service fields a legacy create op signs over,
	-- needed to recompute its CID on reassembly (its signing key is
	-- shared with atproto_signing above).
	legacy_recovery_key TEXT,
	legacy_handle       TEXT,
	legacy_pds_service  TEXT
);

CREATE INDEX IF NOT EXISTS plc_log_created_at_idx ON plc_log(created_at DESC);
CREATE INDEX IF NOT EXISTS plc_log_identity_created_at_idx ON plc_log(identity, created_at);

CREATE TABLE IF NOT EXISTS rotation_keys (
	entry     INTEGER NOT NULL REFERENCES plc_log(entry_id),
	authority INTEGER NOT NULL,
	key       INTEGER NOT NULL REFERENCES key(key_id),
	UNIQUE(entry, authority)
);

CREATE TABLE IF NOT EXISTS verification_methods (
	entry   INTEGER NOT NULL REFERENCES plc_log(entry_id),
	service TEXT NOT NULL,
	key     INTEGER NOT NULL REFERENCES key(key_id),
	UNIQUE(entry, service)
);

CREATE TABLE IF NOT EXISTS services (
	entry    INTEGER NOT NULL REFERENCES plc_log(entry_id),
	kind     TEXT NOT NULL,
	type     TEXT NOT NULL,
	endpoint TEXT NOT NULL,
	UNIQUE(entry, kind)
);
`

// opCode maps an operation type to its single-character plc_log.type
// column value.
func opCode(t string) string {
	switch t {
	case "plc_operation":
		return "O"
	case "plc_tombstone":
		return "T"
	case "create":
		return "C"
	default:
		return ""
	}
}

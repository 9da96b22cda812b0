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

CREATE TABLE IF NOT EXISTS accounts (
	id                TEXT PRIMARY KEY,
	email             TEXT NOT NULL,
	display_name      TEXT NOT NULL DEFAULT '',
	protocol          TEXT NOT NULL CHECK(protocol IN ('imap', 'pop3')),
	incoming_host     TEXT NOT NULL,
	incoming_port     INTEGER NOT NULL,
	incoming_security TEXT NOT NULL DEFAULT 'tls',
	outgoing_host     TEXT NOT NULL DEFAULT '',
	outgoing_port     INTEGER NOT NULL DEFAULT 0,
	outgoing_security TEXT NOT NULL DEFAULT 'tls',
	auth_kind         TEXT NOT NULL DEFAULT 'password',
	enabled           INTEGER NOT NULL DEFAULT 1,
	created_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS folders (
	id            TEXT PRIMARY KEY,
	account_id    TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	path          TEXT NOT NULL,
	display_name  TEXT NOT NULL DEFAULT '',
	kind          TEXT NOT NULL DEFAULT 'other',
	uidvalidity   INTEGER NOT NULL DEFAULT 0,
	last_seen_uid INTEGER NOT NULL DEFAULT 0,
	unread_count  INTEGER NOT NULL DEFAULT 0,
	total_count   INTEGER NOT NULL DEFAULT 0,
	UNIQUE(account_id, path)
);

CREATE TABLE IF NOT EXISTS messages (
	id           TEXT PRIMARY KEY,
	folder_id    TEXT NOT NULL REFERENCES folders(id) ON DELETE CASCADE,
	uid          INTEGER NOT NULL,
	message_id   TEXT NOT NULL DEFAULT '',
	subject      TEXT NOT NULL DEFAULT '',
	sender       TEXT NOT NULL DEFAULT '',
	rcpt_to      TEXT NOT NULL DEFAULT '[]',
	rcpt_cc      TEXT NOT NULL DEFAULT '[]',
	rcpt_bcc     TEXT NOT NULL DEFAULT '[]',
	date         DATETIME,
	in_reply_to  TEXT NOT NULL DEFAULT '',
	refs         TEXT NOT NULL DEFAULT '[]',
	body_text    TEXT NOT NULL DEFAULT '',
	body_html    TEXT NOT NULL DEFAULT '',
	body_fetched INTEGER NOT NULL DEFAULT 0,
	seen         INTEGER NOT NULL DEFAULT 0,
	starred      INTEGER NOT NULL DEFAULT 0,
	deleted      INTEGER NOT NULL DEFAULT 0,
	answered     INTEGER NOT NULL DEFAULT 0,
	size         INTEGER NOT NULL DEFAULT 0,
	UNIQUE(folder_id, uid)
);

CREATE INDEX IF NOT EXISTS idx_messages_folder ON messages(folder_id);
CREATE INDEX IF NOT EXISTS idx_messages_date ON messages(date);
CREATE INDEX IF NOT EXISTS idx_messages_message_id ON messages(message_id);
CREATE INDEX IF NOT EXISTS idx_messages_deleted ON messages(deleted);
CREATE INDEX IF NOT EXISTS idx_folders_account ON folders(account_id);

CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
	subject, sender, body_text,
	content='messages', content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS messages_fts_ai AFTER INSERT ON messages BEGIN
	INSERT INTO messages_fts(rowid, subject, sender, body_text)
	VALUES (new.rowid, new.subject, new.sender, new.body_text);
END;

CREATE TRIGGER IF NOT EXISTS messages_fts_ad AFTER DELETE ON messages BEGIN
	INSERT INTO messages_fts(messages_fts, rowid, subject, sender, body_text)
	VALUES ('delete', old.rowid, old.subject, old.sender, old.body_text);
END;

CREATE TRIGGER IF NOT EXISTS messages_fts_au AFTER UPDATE ON messages BEGIN
	INSERT INTO messages_fts(messages_fts, rowid, subject, sender, body_text)
	VALUES ('delete', old.rowid, old.subject, old.sender, old.body_text);
	INSERT INTO messages_fts(rowid, subject, sender, body_text)
	VALUES (new.rowid, new.subject, new.sender, new.body_text);
END;

CREATE TABLE IF NOT EXISTS attachments (
	id         TEXT PRIMARY KEY,
	message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	filename   TEXT NOT NULL DEFAULT '',
	mime_type  TEXT NOT NULL DEFAULT '',
	size       INTEGER NOT NULL DEFAULT 0,
	fetched    INTEGER NOT NULL DEFAULT 0,
	content    BLOB
);

CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_id);

CREATE TABLE IF NOT EXISTS outbox (
	id           TEXT PRIMARY KEY,
	account_id   TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	sender       TEXT NOT NULL,
	recipients   TEXT NOT NULL DEFAULT '[]',
	payload      BLOB NOT NULL,
	state        TEXT NOT NULL DEFAULT 'queued'
		CHECK(state IN ('queued', 'sending', 'sent', 'failed')),
	fail_reason  TEXT NOT NULL DEFAULT '',
	attempts     INTEGER NOT NULL DEFAULT 0,
	last_attempt DATETIME,
	next_attempt DATETIME,
	created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_outbox_account_state ON outbox(account_id, state);
CREATE INDEX IF NOT EXISTS idx_outbox_next_attempt ON outbox(next_attempt);

CREATE TABLE IF NOT EXISTS credentials (
	account_id TEXT NOT NULL,
	kind       TEXT NOT NULL,
	ciphertext BLOB NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (account_id, kind)
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_messages_folder_uid ON messages(folder_id, uid);
CREATE INDEX IF NOT EXISTS idx_messages_in_reply_to ON messages(in_reply_to);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}

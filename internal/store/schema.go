package store

// schema creates the tables named in spec.md §6 plus one additional
// table (ratchetSessions) for the opaque ratchet library's own
// persistence, which the spec deliberately leaves unspecified since the
// ratchet is "a pre-existing library exposing opaque Session objects".
//
// Every table keyed to a local identity carries an `owner` column so one
// store can, in principle, back more than one local account; the
// required composite indexes of spec.md §6 are all `owner`-prefixed.
const schema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS contacts (
	owner      BLOB NOT NULL,
	peer       BLOB NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	public_key BLOB,
	last_seen  INTEGER,
	added_at   INTEGER NOT NULL,
	PRIMARY KEY (owner, peer)
);
CREATE INDEX IF NOT EXISTS idx_contacts_owner ON contacts(owner);

CREATE TABLE IF NOT EXISTS userProfile (
	owner        BLOB PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	updated_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS discussions (
	owner      BLOB NOT NULL,
	peer       BLOB NOT NULL,
	direction  INTEGER NOT NULL,
	status     INTEGER NOT NULL,
	we_accepted INTEGER NOT NULL DEFAULT 0,
	unread_count INTEGER NOT NULL DEFAULT 0,
	last_message_id        BLOB,
	last_message_content   TEXT,
	last_message_timestamp INTEGER,
	last_sync_timestamp INTEGER,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (owner, peer)
);
CREATE INDEX IF NOT EXISTS idx_discussions_owner_status ON discussions(owner, status);

CREATE TABLE IF NOT EXISTS messages (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	owner        BLOB NOT NULL,
	peer         BLOB NOT NULL,
	message_id   BLOB NOT NULL,
	direction    INTEGER NOT NULL,
	status       INTEGER NOT NULL,
	type         INTEGER NOT NULL,
	content      TEXT NOT NULL,
	cited_msg_id BLOB,
	cited_contact_id BLOB,
	forwarded_content TEXT,
	serialized_content BLOB,
	seeker       BLOB,
	ciphertext   BLOB,
	when_to_send INTEGER,
	timestamp    INTEGER NOT NULL,
	UNIQUE(owner, peer, message_id, direction)
);
CREATE INDEX IF NOT EXISTS idx_messages_owner_peer_status ON messages(owner, peer, status);
CREATE INDEX IF NOT EXISTS idx_messages_owner_peer_direction ON messages(owner, peer, direction);
CREATE INDEX IF NOT EXISTS idx_messages_owner_direction_status ON messages(owner, direction, status);
CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);

CREATE TABLE IF NOT EXISTS pendingEncryptedMessages (
	owner      BLOB NOT NULL,
	seeker     BLOB NOT NULL,
	ciphertext BLOB NOT NULL,
	fetched_at INTEGER NOT NULL,
	PRIMARY KEY (owner, seeker)
);
CREATE INDEX IF NOT EXISTS idx_pendingencrypted_owner ON pendingEncryptedMessages(owner);

CREATE TABLE IF NOT EXISTS pendingAnnouncements (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	owner      BLOB NOT NULL,
	peer       BLOB NOT NULL,
	announcement BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pendingann_owner_peer ON pendingAnnouncements(owner, peer);

CREATE TABLE IF NOT EXISTS activeSeekers (
	owner  BLOB NOT NULL,
	peer   BLOB NOT NULL,
	seeker BLOB NOT NULL,
	PRIMARY KEY (owner, peer)
);
CREATE INDEX IF NOT EXISTS idx_activeseekers_owner_seeker ON activeSeekers(owner, seeker);

CREATE TABLE IF NOT EXISTS announcementCursors (
	owner  BLOB PRIMARY KEY,
	cursor TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ratchetSessions (
	owner BLOB NOT NULL,
	peer  BLOB NOT NULL,
	blob  BLOB NOT NULL,
	PRIMARY KEY (owner, peer)
);
`

// migrations holds append-only schema changes applied in order after the
// base schema, each guarded by schema_version so re-running Open is
// idempotent. SQLite has no ADD COLUMN IF NOT EXISTS, so every migration
// is written to tolerate being skipped once applied rather than run
// twice.
var migrations = []string{
	// v1 is the base schema above; future migrations append here, e.g.:
	// `ALTER TABLE contacts ADD COLUMN is_blocked INTEGER NOT NULL DEFAULT 0;`,
}

package contacts

type migration struct {
	version int
	sql     string
}

// migrations must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS contacts (
	email         TEXT PRIMARY KEY,
	name          TEXT NOT NULL DEFAULT '',
	has_pgp       INTEGER NOT NULL DEFAULT 0,
	pubkey        TEXT NOT NULL DEFAULT '',
	fingerprint   TEXT NOT NULL DEFAULT '',
	attested      INTEGER NOT NULL DEFAULT 0,
	native_client INTEGER NOT NULL DEFAULT 0,
	last_check    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	last_use      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_contacts_has_pgp ON contacts(has_pgp);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_contacts_name ON contacts(name);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}

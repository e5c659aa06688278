package state

const schemaSQL = `
CREATE TABLE IF NOT EXISTS journal (
  id TEXT PRIMARY KEY,
  kind TEXT NOT NULL,
  session_id TEXT,
  subject TEXT,
  body TEXT NOT NULL,
  metadata TEXT,
  created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_journal_kind_created ON journal(kind, created_at);
CREATE INDEX IF NOT EXISTS idx_journal_session_created ON journal(session_id, created_at);
`

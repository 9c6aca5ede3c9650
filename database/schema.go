package database

// schemaMigrationsTable creates the schema_migrations table for tracking database versions.
const schemaMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    description TEXT
);
`

// ledgerSchema contains the download ledger schema (version 1).
const ledgerSchema = `
-- download_hdr table: one row per download invocation and stage (a batch)
CREATE TABLE IF NOT EXISTS download_hdr (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    sync_id TEXT NOT NULL DEFAULT '',
    download_ymd TEXT NOT NULL,
    download_hm TEXT NOT NULL,
    s3_state TEXT NOT NULL DEFAULT '',
    sync_path TEXT NOT NULL DEFAULT '',
    download_count INTEGER NOT NULL DEFAULT 0,
    is_moved_at_s3 BOOLEAN NOT NULL DEFAULT 0,
    is_moved_at_local BOOLEAN NOT NULL DEFAULT 0,
    created_by TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,

    CHECK (length(download_ymd) = 8),
    CHECK (length(download_hm) = 4),
    CHECK (download_count >= 0),
    CHECK (is_moved_at_s3 IN (0, 1)),
    CHECK (is_moved_at_local IN (0, 1))
);

CREATE INDEX IF NOT EXISTS idx_download_hdr_created_by ON download_hdr(created_by);
CREATE INDEX IF NOT EXISTS idx_download_hdr_stamp ON download_hdr(download_ymd, download_hm);
CREATE INDEX IF NOT EXISTS idx_download_hdr_sync_id ON download_hdr(sync_id);

-- download_dtl table: one row per mirrored file, child of a batch
CREATE TABLE IF NOT EXISTS download_dtl (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    download_id INTEGER NOT NULL,
    bug_no TEXT NOT NULL,
    last_modified DATETIME,
    sync_path TEXT NOT NULL DEFAULT '',
    s3_key TEXT NOT NULL DEFAULT '',
    path_copied TEXT NOT NULL DEFAULT '',
    s3_state TEXT NOT NULL DEFAULT '',
    is_moved_at_s3 BOOLEAN NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,

    FOREIGN KEY (download_id) REFERENCES download_hdr(id) ON DELETE RESTRICT,
    CHECK (is_moved_at_s3 IN (0, 1))
);

CREATE INDEX IF NOT EXISTS idx_download_dtl_download_id ON download_dtl(download_id);
CREATE INDEX IF NOT EXISTS idx_download_dtl_bug_no ON download_dtl(bug_no);
CREATE INDEX IF NOT EXISTS idx_download_dtl_moved ON download_dtl(is_moved_at_s3);
`

package store

const schema = `
CREATE TABLE IF NOT EXISTS reviews (
    app_pk      TEXT NOT NULL,
    sort_key    TEXT NOT NULL,
    review_date TEXT NOT NULL,
    rating      INTEGER,
    text        TEXT NOT NULL DEFAULT '',
    author      TEXT NOT NULL DEFAULT '',
    app_version TEXT NOT NULL DEFAULT '',
    app_name    TEXT NOT NULL DEFAULT '',
    native_id   TEXT NOT NULL DEFAULT '',
    ingested_at INTEGER NOT NULL,
    PRIMARY KEY (app_pk, sort_key)
);

CREATE TABLE IF NOT EXISTS app_counters (
    app_pk        TEXT PRIMARY KEY,
    total_reviews INTEGER NOT NULL DEFAULT 0,
    reconciled_at INTEGER,
    updated_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS ingest_schedules (
    key              TEXT PRIMARY KEY,
    app_name         TEXT NOT NULL DEFAULT '',
    interval_minutes INTEGER NOT NULL,
    enabled          BOOLEAN NOT NULL DEFAULT 1,
    next_run_at      INTEGER NOT NULL,
    last_enqueued_at INTEGER,
    in_flight_until  INTEGER,
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ingest_schedules_due ON ingest_schedules(next_run_at);

CREATE TABLE IF NOT EXISTS themes_schedules (
    key              TEXT PRIMARY KEY,
    app_name         TEXT NOT NULL DEFAULT '',
    interval_minutes INTEGER NOT NULL,
    enabled          BOOLEAN NOT NULL DEFAULT 1,
    next_run_at      INTEGER NOT NULL,
    last_enqueued_at INTEGER,
    in_flight_until  INTEGER,
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_themes_schedules_due ON themes_schedules(next_run_at);

CREATE TABLE IF NOT EXISTS themes_jobs (
    group_key     TEXT NOT NULL,
    sk            TEXT NOT NULL,
    job_id        TEXT NOT NULL,
    day           TEXT NOT NULL,
    selection     TEXT NOT NULL DEFAULT '{}',
    status        TEXT NOT NULL,
    total_reviews INTEGER NOT NULL DEFAULT 0,
    result        TEXT,
    error         TEXT NOT NULL DEFAULT '',
    created_at    INTEGER NOT NULL,
    finished_at   INTEGER,
    PRIMARY KEY (group_key, sk)
);

CREATE TABLE IF NOT EXISTS user_follows (
    user_id         TEXT NOT NULL,
    app_pk          TEXT NOT NULL,
    app_name        TEXT NOT NULL DEFAULT '',
    followed_at     INTEGER NOT NULL,
    last_seen_total INTEGER NOT NULL DEFAULT 0,
    last_seen_at    INTEGER,
    PRIMARY KEY (user_id, app_pk)
);
`

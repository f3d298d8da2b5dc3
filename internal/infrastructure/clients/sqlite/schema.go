package sqlite

// schema is the two-tier datastore layout. annotation_request is the staging
// table holding every pipeline artifact; annotation is the production table
// holding the human-facing label and description. Deleting a staging row
// cascades over its production row.
const schema = `
CREATE TABLE IF NOT EXISTS label (
    name VARCHAR(20) PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS patient (
    id   INTEGER PRIMARY KEY,
    name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS annotation_request (
    id                    INTEGER PRIMARY KEY AUTOINCREMENT,
    set_name              INTEGER NOT NULL,
    path_url              VARCHAR(200) NOT NULL,
    vision_raw            TEXT,
    structured_json       TEXT,
    validation_attempts   INTEGER NOT NULL DEFAULT 1,
    validation_status     TEXT NOT NULL DEFAULT 'fallback'
        CHECK (validation_status IN ('success', 'retry', 'fallback')),
    pydantic_output       TEXT NOT NULL DEFAULT '',
    confidence_score      REAL NOT NULL DEFAULT 0,
    gemini_enhanced       INTEGER NOT NULL DEFAULT 0,
    gemini_report         TEXT,
    urgency_level         TEXT,
    clinical_significance TEXT,
    flagged               INTEGER NOT NULL DEFAULT 0,
    processed             INTEGER NOT NULL DEFAULT 0,
    processing_error      TEXT,
    created_at            TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (set_name, path_url)
);

CREATE INDEX IF NOT EXISTS idx_request_processed_set
    ON annotation_request (processed, set_name);

CREATE INDEX IF NOT EXISTS idx_request_created_at
    ON annotation_request (created_at);

CREATE TABLE IF NOT EXISTS annotation (
    set_name   INTEGER NOT NULL,
    path_url   VARCHAR(200) NOT NULL,
    label      VARCHAR(20) NOT NULL REFERENCES label(name),
    patient_id INTEGER NOT NULL DEFAULT 0,
    "desc"     VARCHAR(4000),
    request_id INTEGER REFERENCES annotation_request(id) ON DELETE CASCADE,
    PRIMARY KEY (set_name, path_url)
);

CREATE INDEX IF NOT EXISTS idx_annotation_request_id
    ON annotation (request_id);
`

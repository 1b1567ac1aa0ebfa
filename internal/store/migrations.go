package store

const schema = `
CREATE TABLE IF NOT EXISTS application_slots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    model TEXT NOT NULL,
    app_number INTEGER NOT NULL,
    version INTEGER NOT NULL DEFAULT 1,
    parent_slot_id INTEGER REFERENCES application_slots(id),
    created_at TIMESTAMP NOT NULL,
    UNIQUE(model, app_number, version)
);

CREATE INDEX IF NOT EXISTS idx_slots_model ON application_slots(model);
CREATE INDEX IF NOT EXISTS idx_slots_model_app ON application_slots(model, app_number);

CREATE TABLE IF NOT EXISTS analysis_tasks (
    id TEXT PRIMARY KEY,
    parent_id TEXT REFERENCES analysis_tasks(id),
    service TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL,
    app_number INTEGER NOT NULL,
    tools TEXT,
    status TEXT NOT NULL DEFAULT 'pending',
    progress REAL NOT NULL DEFAULT 0,
    retry_count INTEGER NOT NULL DEFAULT 0,
    max_retries INTEGER NOT NULL DEFAULT 3,
    result_summary TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    started_at TIMESTAMP,
    completed_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_tasks_parent ON analysis_tasks(parent_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON analysis_tasks(status);
`

package sqlite

// Schema creates every table the sqlite backend needs. All statements are
// idempotent so the schema is applied on every open.
const Schema = `
-- Memories: durable typed facts mined from transcripts
CREATE TABLE IF NOT EXISTS memories (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    title TEXT NOT NULL,
    content TEXT NOT NULL,
    category TEXT NOT NULL DEFAULT '',
    confidence_score REAL NOT NULL DEFAULT 0
        CHECK (confidence_score >= 0 AND confidence_score <= 1),

    -- Provenance: transcript byte range
    source_file TEXT NOT NULL DEFAULT '',
    source_start INTEGER NOT NULL DEFAULT 0,
    source_end INTEGER NOT NULL DEFAULT 0,
    source_first_message INTEGER NOT NULL DEFAULT 0,
    source_last_message INTEGER NOT NULL DEFAULT 0,

    -- Observation and retrieval counters
    times_observed INTEGER NOT NULL DEFAULT 1 CHECK (times_observed >= 1),
    formed_at TIMESTAMP NOT NULL,
    last_observed_at TIMESTAMP NOT NULL,
    recall_count INTEGER NOT NULL DEFAULT 0 CHECK (recall_count >= 0),
    positive_feedback INTEGER NOT NULL DEFAULT 0 CHECK (positive_feedback >= 0),
    negative_feedback INTEGER NOT NULL DEFAULT 0 CHECK (negative_feedback >= 0),

    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(type);
CREATE INDEX IF NOT EXISTS idx_memories_source_file ON memories(source_file);

-- Embeddings: little-endian float32 BLOBs, one per memory
CREATE TABLE IF NOT EXISTS embeddings (
    memory_id TEXT PRIMARY KEY REFERENCES memories(id) ON DELETE CASCADE,
    embedding BLOB NOT NULL,
    dimension INTEGER NOT NULL,
    model TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_embeddings_model ON embeddings(model);

-- Entity registry
CREATE TABLE IF NOT EXISTS entities (
    id TEXT PRIMARY KEY,
    slug TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL,
    type TEXT NOT NULL,
    external_ref TEXT,
    mention_count INTEGER NOT NULL DEFAULT 0,
    first_seen_at TIMESTAMP NOT NULL,
    last_seen_at TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Every lookup key (the slug included) maps to exactly one entity, which
-- keeps alias sets of distinct entities disjoint.
CREATE TABLE IF NOT EXISTS entity_aliases (
    alias TEXT PRIMARY KEY,
    entity_id TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_entity_aliases_entity ON entity_aliases(entity_id);

-- Memory to entity links, ordered by position
CREATE TABLE IF NOT EXISTS memory_entities (
    memory_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
    entity_id TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    position INTEGER NOT NULL,
    PRIMARY KEY (memory_id, entity_id)
);

CREATE INDEX IF NOT EXISTS idx_memory_entities_entity ON memory_entities(entity_id);

-- Per-file ingestion cursor
CREATE TABLE IF NOT EXISTS extraction_state (
    file_path TEXT PRIMARY KEY,
    last_position INTEGER NOT NULL DEFAULT 0 CHECK (last_position >= 0),
    last_extracted_at TIMESTAMP
);

-- Fingerprints of chunks that were fully processed
CREATE TABLE IF NOT EXISTS processed_chunks (
    chunk_hash TEXT PRIMARY KEY,
    file_path TEXT NOT NULL,
    start_offset INTEGER NOT NULL,
    end_offset INTEGER NOT NULL,
    processed_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Chunks whose extraction exhausted retries
CREATE TABLE IF NOT EXISTS failed_chunks (
    file_path TEXT NOT NULL,
    start_offset INTEGER NOT NULL,
    end_offset INTEGER NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 1,
    last_error TEXT,
    abandoned INTEGER NOT NULL DEFAULT 0,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (file_path, start_offset)
);

-- Recall audit log
CREATE TABLE IF NOT EXISTS session_recalls (
    id INTEGER PRIMARY KEY,
    session_id TEXT NOT NULL,
    memory_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
    rank INTEGER NOT NULL,
    score REAL NOT NULL,
    recall_method TEXT NOT NULL,
    recalled_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_session_recalls_session ON session_recalls(session_id);

-- Feedback audit trail; counters live on memories
CREATE TABLE IF NOT EXISTS feedback_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    memory_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
    polarity TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

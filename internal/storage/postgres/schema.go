// Package postgres provides PostgreSQL implementations of storage interfaces.
package postgres

// Schema contains the SQL statements to create the database schema for
// PostgreSQL. Every statement is idempotent and runs on each open.
const Schema = `
-- Memories: durable typed facts mined from transcripts
CREATE TABLE IF NOT EXISTS memories (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    title TEXT NOT NULL,
    content TEXT NOT NULL,
    category TEXT NOT NULL DEFAULT '',
    confidence_score DOUBLE PRECISION NOT NULL DEFAULT 0
        CHECK (confidence_score >= 0 AND confidence_score <= 1),

    -- Provenance: transcript byte range
    source_file TEXT NOT NULL DEFAULT '',
    source_start BIGINT NOT NULL DEFAULT 0,
    source_end BIGINT NOT NULL DEFAULT 0,
    source_first_message INTEGER NOT NULL DEFAULT 0,
    source_last_message INTEGER NOT NULL DEFAULT 0,

    times_observed INTEGER NOT NULL DEFAULT 1 CHECK (times_observed >= 1),
    formed_at TIMESTAMPTZ NOT NULL,
    last_observed_at TIMESTAMPTZ NOT NULL,
    recall_count INTEGER NOT NULL DEFAULT 0 CHECK (recall_count >= 0),
    positive_feedback INTEGER NOT NULL DEFAULT 0 CHECK (positive_feedback >= 0),
    negative_feedback INTEGER NOT NULL DEFAULT 0 CHECK (negative_feedback >= 0),

    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(type);
CREATE INDEX IF NOT EXISTS idx_memories_last_observed ON memories(last_observed_at DESC);

-- Embeddings: the array column is always written; embedding_vec is added
-- by MigrationPgvector when the extension exists.
CREATE TABLE IF NOT EXISTS embeddings (
    memory_id TEXT PRIMARY KEY REFERENCES memories(id) ON DELETE CASCADE,
    embedding DOUBLE PRECISION[] NOT NULL,
    dimension INTEGER NOT NULL,
    model TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_embeddings_model ON embeddings(model);

CREATE TABLE IF NOT EXISTS entities (
    id TEXT PRIMARY KEY,
    slug TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL,
    type TEXT NOT NULL,
    external_ref TEXT,
    mention_count INTEGER NOT NULL DEFAULT 0,
    first_seen_at TIMESTAMPTZ NOT NULL,
    last_seen_at TIMESTAMPTZ NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- One row per lookup key, slug included; keeps alias sets disjoint.
CREATE TABLE IF NOT EXISTS entity_aliases (
    alias TEXT PRIMARY KEY,
    entity_id TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_entity_aliases_entity ON entity_aliases(entity_id);

CREATE TABLE IF NOT EXISTS memory_entities (
    memory_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
    entity_id TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    position INTEGER NOT NULL,
    PRIMARY KEY (memory_id, entity_id)
);

CREATE INDEX IF NOT EXISTS idx_memory_entities_entity ON memory_entities(entity_id);

CREATE TABLE IF NOT EXISTS extraction_state (
    file_path TEXT PRIMARY KEY,
    last_position BIGINT NOT NULL DEFAULT 0 CHECK (last_position >= 0),
    last_extracted_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS processed_chunks (
    chunk_hash TEXT PRIMARY KEY,
    file_path TEXT NOT NULL,
    start_offset BIGINT NOT NULL,
    end_offset BIGINT NOT NULL,
    processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS failed_chunks (
    file_path TEXT NOT NULL,
    start_offset BIGINT NOT NULL,
    end_offset BIGINT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 1,
    last_error TEXT,
    abandoned BOOLEAN NOT NULL DEFAULT FALSE,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (file_path, start_offset)
);

CREATE TABLE IF NOT EXISTS session_recalls (
    id BIGSERIAL PRIMARY KEY,
    session_id TEXT NOT NULL,
    memory_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
    rank INTEGER NOT NULL,
    score DOUBLE PRECISION NOT NULL,
    recall_method TEXT NOT NULL,
    recalled_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_session_recalls_session ON session_recalls(session_id);

CREATE TABLE IF NOT EXISTS feedback_events (
    id BIGSERIAL PRIMARY KEY,
    memory_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
    polarity TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// MigrationPgvector adds the vector column used for nearest-neighbour
// queries. Only applied when the vector extension is available.
const MigrationPgvector = `
DO $$
BEGIN
    IF NOT EXISTS (
        SELECT 1 FROM information_schema.columns
        WHERE table_name = 'embeddings' AND column_name = 'embedding_vec'
    ) THEN
        ALTER TABLE embeddings ADD COLUMN embedding_vec vector;
    END IF;
END
$$;
`

package store

import "context"

// migrate creates the necessary database tables
func (s *PGStore) migrate(ctx context.Context) error {
	schema := `
	CREATE EXTENSION IF NOT EXISTS btree_gist;

	CREATE TABLE IF NOT EXISTS bdr_conflict_history (
		id TEXT PRIMARY KEY,
		local_txid BIGINT NOT NULL,
		local_lsn BIGINT NOT NULL,
		local_commit_time TIMESTAMPTZ,
		local_tuple_origin_sysid BIGINT NOT NULL,
		local_tuple_origin_timeline BIGINT NOT NULL,
		local_tuple_origin_dboid BIGINT NOT NULL,
		remote_sysid BIGINT NOT NULL,
		remote_timeline BIGINT NOT NULL,
		remote_dboid BIGINT NOT NULL,
		remote_txid BIGINT NOT NULL,
		remote_commit_lsn BIGINT NOT NULL,
		remote_commit_time TIMESTAMPTZ,
		conflict_type TEXT NOT NULL,
		resolution TEXT NOT NULL,
		local_tuple BYTEA,
		remote_tuple BYTEA,
		tuples_compressed BOOLEAN NOT NULL DEFAULT FALSE,
		apply_error TEXT,
		logged_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_conflict_history_type ON bdr_conflict_history(conflict_type);
	CREATE INDEX IF NOT EXISTS idx_conflict_history_logged_at ON bdr_conflict_history(logged_at);

	CREATE TABLE IF NOT EXISTS bdr_sequence_chunks (
		election_id TEXT PRIMARY KEY,
		seq_id TEXT NOT NULL,
		owner_sysid BIGINT NOT NULL,
		owner_timeline BIGINT NOT NULL,
		owner_dboid BIGINT NOT NULL,
		low BIGINT NOT NULL,
		high BIGINT NOT NULL,
		committed BOOLEAN NOT NULL,
		CHECK (low < high),
		CONSTRAINT bdr_sequence_chunks_no_overlap
			EXCLUDE USING gist (seq_id WITH =, int8range(low, high) WITH &&)
			WHERE (committed)
	);

	CREATE INDEX IF NOT EXISTS idx_sequence_chunks_seq ON bdr_sequence_chunks(seq_id);

	CREATE TABLE IF NOT EXISTS bdr_global_locks (
		name TEXT PRIMARY KEY,
		holder_sysid BIGINT,
		holder_timeline BIGINT,
		holder_dboid BIGINT,
		queue JSONB NOT NULL DEFAULT '[]',
		updated_at TIMESTAMPTZ NOT NULL
	);
	`

	_, err := s.pool.Exec(ctx, schema)
	return err
}

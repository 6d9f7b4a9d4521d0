package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/decibel/bdr/pkg/origin"
)

// AppendConflictHistory writes one conflict record
func (s *PGStore) AppendConflictHistory(ctx context.Context, row *ConflictHistoryRow) error {
	query := `
		INSERT INTO bdr_conflict_history (
			id, local_txid, local_lsn, local_commit_time,
			local_tuple_origin_sysid, local_tuple_origin_timeline, local_tuple_origin_dboid,
			remote_sysid, remote_timeline, remote_dboid,
			remote_txid, remote_commit_lsn, remote_commit_time,
			conflict_type, resolution, local_tuple, remote_tuple, tuples_compressed, apply_error
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`

	_, err := s.pool.Exec(ctx, query,
		row.ID,
		int64(row.LocalTxID),
		int64(row.LocalLSN),
		row.LocalCommitTime,
		int64(row.LocalTupleOrigin.SysID),
		int64(row.LocalTupleOrigin.Timeline),
		int64(row.LocalTupleOrigin.DBOID),
		int64(row.RemoteOrigin.SysID),
		int64(row.RemoteOrigin.Timeline),
		int64(row.RemoteOrigin.DBOID),
		int64(row.RemoteTxID),
		int64(row.RemoteCommitLSN),
		row.RemoteCommitTime,
		row.ConflictType,
		row.Resolution,
		row.LocalTuple,
		row.RemoteTuple,
		row.TuplesCompressed,
		row.ApplyError,
	)

	if err != nil {
		return fmt.Errorf("failed to append conflict history: %w", err)
	}

	return nil
}

// isExclusionViolation reports whether the chunk table's overlap
// exclusion constraint fired.
func isExclusionViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23P01"
}

// SaveChunk persists an elected chunk, rejecting any overlap with a
// committed chunk for the same sequence. The conditional insert is the
// graceful path; the table's exclusion constraint is the authoritative
// guard when two transactions race past the existence check.
func (s *PGStore) SaveChunk(ctx context.Context, chunk *SequenceChunk) error {
	query := `
		INSERT INTO bdr_sequence_chunks (election_id, seq_id, owner_sysid, owner_timeline, owner_dboid, low, high, committed)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8
		WHERE NOT EXISTS (
			SELECT 1 FROM bdr_sequence_chunks
			WHERE seq_id = $2 AND committed AND low < $7 AND $6 < high
		)
	`

	result, err := s.pool.Exec(ctx, query,
		chunk.ElectionID,
		chunk.SeqID,
		int64(chunk.Owner.SysID),
		int64(chunk.Owner.Timeline),
		int64(chunk.Owner.DBOID),
		chunk.Low,
		chunk.High,
		chunk.Committed,
	)
	if isExclusionViolation(err) {
		return ErrChunkOverlap
	}
	if err != nil {
		return fmt.Errorf("failed to save sequence chunk: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrChunkOverlap
	}

	return nil
}

// LoadChunks returns all committed chunks for a sequence
func (s *PGStore) LoadChunks(ctx context.Context, seqID string) ([]SequenceChunk, error) {
	query := `
		SELECT election_id, seq_id, owner_sysid, owner_timeline, owner_dboid, low, high, committed
		FROM bdr_sequence_chunks
		WHERE seq_id = $1 AND committed
		ORDER BY low
	`

	rows, err := s.pool.Query(ctx, query, seqID)
	if err != nil {
		return nil, fmt.Errorf("failed to load sequence chunks: %w", err)
	}
	defer rows.Close()

	var chunks []SequenceChunk
	for rows.Next() {
		var c SequenceChunk
		var sysid, tli, dboid int64

		if err := rows.Scan(&c.ElectionID, &c.SeqID, &sysid, &tli, &dboid, &c.Low, &c.High, &c.Committed); err != nil {
			return nil, fmt.Errorf("failed to scan sequence chunk: %w", err)
		}
		c.Owner = origin.Origin{SysID: uint64(sysid), Timeline: uint32(tli), DBOID: uint32(dboid)}
		chunks = append(chunks, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sequence chunks: %w", err)
	}

	return chunks, nil
}

// LastCommittedChunk returns the owner's committed chunk with the highest upper bound
func (s *PGStore) LastCommittedChunk(ctx context.Context, seqID string, owner origin.Origin) (*SequenceChunk, error) {
	query := `
		SELECT election_id, seq_id, owner_sysid, owner_timeline, owner_dboid, low, high, committed
		FROM bdr_sequence_chunks
		WHERE seq_id = $1 AND committed
		  AND owner_sysid = $2 AND owner_timeline = $3 AND owner_dboid = $4
		ORDER BY high DESC
		LIMIT 1
	`

	c := &SequenceChunk{}
	var sysid, tli, dboid int64

	err := s.pool.QueryRow(ctx, query, seqID,
		int64(owner.SysID), int64(owner.Timeline), int64(owner.DBOID),
	).Scan(&c.ElectionID, &c.SeqID, &sysid, &tli, &dboid, &c.Low, &c.High, &c.Committed)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoChunk
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last committed chunk: %w", err)
	}

	c.Owner = origin.Origin{SysID: uint64(sysid), Timeline: uint32(tli), DBOID: uint32(dboid)}
	return c, nil
}

// MaxCommittedHigh returns the highest committed upper bound for a sequence
func (s *PGStore) MaxCommittedHigh(ctx context.Context, seqID string) (int64, error) {
	query := `
		SELECT COALESCE(MAX(high), 0)
		FROM bdr_sequence_chunks
		WHERE seq_id = $1 AND committed
	`

	var high int64
	if err := s.pool.QueryRow(ctx, query, seqID).Scan(&high); err != nil {
		return 0, fmt.Errorf("failed to get max committed high: %w", err)
	}
	return high, nil
}

// SaveLockState upserts the durable mirror of one global lock
func (s *PGStore) SaveLockState(ctx context.Context, row *LockStateRow) error {
	queueJSON, err := json.Marshal(row.Queue)
	if err != nil {
		return fmt.Errorf("failed to marshal lock queue: %w", err)
	}

	var sysid, tli, dboid *int64
	if row.Holder != nil {
		s := int64(row.Holder.SysID)
		t := int64(row.Holder.Timeline)
		d := int64(row.Holder.DBOID)
		sysid, tli, dboid = &s, &t, &d
	}

	query := `
		INSERT INTO bdr_global_locks (name, holder_sysid, holder_timeline, holder_dboid, queue, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE
		SET holder_sysid = $2, holder_timeline = $3, holder_dboid = $4, queue = $5, updated_at = $6
	`

	_, err = s.pool.Exec(ctx, query, row.Name, sysid, tli, dboid, queueJSON, row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save lock state: %w", err)
	}

	return nil
}

// LoadLockStates returns every mirrored lock
func (s *PGStore) LoadLockStates(ctx context.Context) ([]LockStateRow, error) {
	query := `
		SELECT name, holder_sysid, holder_timeline, holder_dboid, queue, updated_at
		FROM bdr_global_locks
		ORDER BY name
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load lock states: %w", err)
	}
	defer rows.Close()

	var states []LockStateRow
	for rows.Next() {
		var row LockStateRow
		var sysid, tli, dboid *int64
		var queueJSON []byte

		if err := rows.Scan(&row.Name, &sysid, &tli, &dboid, &queueJSON, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan lock state: %w", err)
		}

		if sysid != nil {
			row.Holder = &origin.Origin{SysID: uint64(*sysid), Timeline: uint32(*tli), DBOID: uint32(*dboid)}
		}
		if len(queueJSON) > 0 {
			if err := json.Unmarshal(queueJSON, &row.Queue); err != nil {
				return nil, fmt.Errorf("failed to unmarshal lock queue: %w", err)
			}
		}

		states = append(states, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating lock states: %w", err)
	}

	return states, nil
}

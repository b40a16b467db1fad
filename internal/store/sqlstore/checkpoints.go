package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/JoshuaAFerguson/apex/internal/store"
	"github.com/JoshuaAFerguson/apex/internal/store/models"
)

// SaveCheckpoint inserts or replaces a checkpoint, keyed by (taskId,
// checkpointId).
func (r *Repository) SaveCheckpoint(ctx context.Context, cp models.Checkpoint) error {
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	conv, err := json.Marshal(cp.ConversationState)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(cp.Metadata)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO checkpoints (task_id, checkpoint_id, stage, stage_index, conversation_state, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (task_id, checkpoint_id) DO UPDATE SET
			stage = excluded.stage,
			stage_index = excluded.stage_index,
			conversation_state = excluded.conversation_state,
			metadata = excluded.metadata,
			created_at = excluded.created_at
	`), cp.TaskID, cp.CheckpointID, cp.Stage, cp.StageIndex, string(conv), string(meta), cp.CreatedAt)
	return err
}

func scanCheckpoint(row interface{ Scan(...any) error }) (*models.Checkpoint, error) {
	cp := &models.Checkpoint{}
	var conv, meta string
	err := row.Scan(&cp.TaskID, &cp.CheckpointID, &cp.Stage, &cp.StageIndex, &conv, &meta, &cp.CreatedAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(conv), &cp.ConversationState)
	_ = json.Unmarshal([]byte(meta), &cp.Metadata)
	return cp, nil
}

const checkpointColumns = `task_id, checkpoint_id, stage, stage_index, conversation_state, metadata, created_at`

// GetCheckpoint retrieves a single checkpoint by its composite key.
func (r *Repository) GetCheckpoint(ctx context.Context, taskID, checkpointID string) (*models.Checkpoint, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+checkpointColumns+` FROM checkpoints WHERE task_id = ? AND checkpoint_id = ?
	`), taskID, checkpointID)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s/%s", store.ErrCheckpointNotFound, taskID, checkpointID)
	}
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// GetLatestCheckpoint returns the most recently created checkpoint for a
// task, used to resume work after a restart.
func (r *Repository) GetLatestCheckpoint(ctx context.Context, taskID string) (*models.Checkpoint, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+checkpointColumns+` FROM checkpoints WHERE task_id = ?
		ORDER BY created_at DESC LIMIT 1
	`), taskID)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", store.ErrCheckpointNotFound, taskID)
	}
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// ListCheckpoints lists every checkpoint for a task, oldest first.
func (r *Repository) ListCheckpoints(ctx context.Context, taskID string) ([]*models.Checkpoint, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT `+checkpointColumns+` FROM checkpoints WHERE task_id = ? ORDER BY created_at ASC
	`), taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// DeleteCheckpoint removes a single checkpoint.
func (r *Repository) DeleteCheckpoint(ctx context.Context, taskID, checkpointID string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		DELETE FROM checkpoints WHERE task_id = ? AND checkpoint_id = ?
	`), taskID, checkpointID)
	return err
}

// DeleteAllCheckpoints removes every checkpoint for a task, used once a
// task reaches a terminal state and no further resumption is possible.
func (r *Repository) DeleteAllCheckpoints(ctx context.Context, taskID string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM checkpoints WHERE task_id = ?`), taskID)
	return err
}

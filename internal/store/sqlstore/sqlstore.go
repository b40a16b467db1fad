// Package sqlstore implements store.Store over SQLite or PostgreSQL via
// sqlx, sharing one SQL dialect across both backends through db.Rebind and
// portable SQL (no driver-specific functions in the hot paths).
package sqlstore

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/JoshuaAFerguson/apex/internal/common/logger"
	"github.com/JoshuaAFerguson/apex/internal/db"
)

// Repository is a store.Store backed by a writer/reader sqlx.DB pair.
type Repository struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader
	ownsDB bool
	log    *logger.Logger
}

// New opens a Repository over the given connection pool and initializes
// its schema. The Repository takes ownership of the pool and closes it
// when Close is called.
func New(pool *db.Pool, log *logger.Logger) (*Repository, error) {
	if log == nil {
		log = logger.Default()
	}
	repo := &Repository{db: pool.Writer(), ro: pool.Reader(), ownsDB: true, log: log.WithComponent("store")}
	if err := repo.initSchema(); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// NewWithDB creates a Repository over an existing writer/reader pair
// without taking ownership (used by tests against :memory: databases).
func NewWithDB(writer, reader *sqlx.DB, log *logger.Logger) (*Repository, error) {
	if log == nil {
		log = logger.Default()
	}
	repo := &Repository{db: writer, ro: reader, ownsDB: false, log: log.WithComponent("store")}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// Close closes the underlying connection pool if the Repository owns it.
func (r *Repository) Close() error {
	if !r.ownsDB {
		return nil
	}
	wErr := r.db.Close()
	if r.ro != r.db {
		if rErr := r.ro.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}

func (r *Repository) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			description TEXT NOT NULL DEFAULT '',
			acceptance_criteria TEXT NOT NULL DEFAULT '',
			parent_task_id TEXT NOT NULL DEFAULT '',
			subtask_strategy TEXT NOT NULL DEFAULT '',
			subtask_ids TEXT NOT NULL DEFAULT '[]',
			workflow TEXT NOT NULL DEFAULT '',
			autonomy TEXT NOT NULL DEFAULT '',
			project_path TEXT NOT NULL DEFAULT '',
			branch_name TEXT NOT NULL DEFAULT '',
			priority TEXT NOT NULL DEFAULT 'normal',
			status TEXT NOT NULL DEFAULT 'pending',
			current_stage TEXT NOT NULL DEFAULT '',
			completed_at TIMESTAMP,
			error TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3,
			paused_at TIMESTAMP,
			pause_reason TEXT NOT NULL DEFAULT '',
			resume_after TIMESTAMP,
			resume_attempts INTEGER NOT NULL DEFAULT 0,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			estimated_cost REAL NOT NULL DEFAULT 0,
			conversation TEXT NOT NULL DEFAULT '[]',
			pr_url TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_priority_created ON tasks(priority, created_at)`,

		`CREATE TABLE IF NOT EXISTS task_dependencies (
			task_id TEXT NOT NULL,
			depends_on_id TEXT NOT NULL,
			PRIMARY KEY (task_id, depends_on_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deps_depends_on ON task_dependencies(depends_on_id)`,

		`CREATE TABLE IF NOT EXISTS task_logs (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			level TEXT NOT NULL DEFAULT 'info',
			message TEXT NOT NULL DEFAULT '',
			stage TEXT NOT NULL DEFAULT '',
			agent TEXT NOT NULL DEFAULT '',
			component TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_task_id ON task_logs(task_id, timestamp)`,

		`CREATE TABLE IF NOT EXISTS task_artifacts (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT '',
			path TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_task_id ON task_artifacts(task_id)`,

		`CREATE TABLE IF NOT EXISTS gates (
			task_id TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			required_at TIMESTAMP NOT NULL,
			responded_at TIMESTAMP,
			approver TEXT NOT NULL DEFAULT '',
			comment TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (task_id, name)
		)`,

		`CREATE TABLE IF NOT EXISTS templates (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			workflow TEXT NOT NULL DEFAULT '',
			priority TEXT NOT NULL DEFAULT 'normal',
			effort TEXT NOT NULL DEFAULT '',
			acceptance_criteria TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '[]',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS checkpoints (
			task_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			stage TEXT NOT NULL DEFAULT '',
			stage_index INTEGER NOT NULL DEFAULT 0,
			conversation_state TEXT NOT NULL DEFAULT '[]',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (task_id, checkpoint_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_task_created ON checkpoints(task_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS idle_tasks (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			priority TEXT NOT NULL DEFAULT 'low',
			estimated_effort TEXT NOT NULL DEFAULT '',
			suggested_workflow TEXT NOT NULL DEFAULT '',
			rationale TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			implemented INTEGER NOT NULL DEFAULT 0,
			implemented_task_id TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '[]'
		)`,
	}

	for _, stmt := range stmts {
		if _, err := r.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// priorityRankSQL is the portable CASE expression used to sort by the
// urgent > high > normal > low priority order described in the data model.
// Undefined/unrecognised priorities sort as normal.
const priorityRankSQL = `CASE priority
	WHEN 'urgent' THEN 0
	WHEN 'high' THEN 1
	WHEN 'low' THEN 3
	ELSE 2
END`

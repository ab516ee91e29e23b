package store

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/assessment-api/internal/db"
	"github.com/sells-group/assessment-api/internal/model"
)

// PostgresStore implements TaskStore using pgxpool. Per-task locking uses
// transaction-scoped advisory locks, so multiple instances may share one
// database.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool, used by tests.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS tasks (
	task_id             TEXT PRIMARY KEY,
	state               TEXT NOT NULL,
	pipeline_stage      TEXT NOT NULL,
	progress_message    TEXT NOT NULL DEFAULT '',
	total_questions     INTEGER NOT NULL DEFAULT 0,
	questions_processed INTEGER NOT NULL DEFAULT 0,
	error               TEXT NOT NULL DEFAULT '',
	dataset_id          TEXT NOT NULL DEFAULT '',
	ragflow             JSONB NOT NULL DEFAULT '{}',
	questions           JSONB NOT NULL DEFAULT '[]',
	results             JSONB NOT NULL DEFAULT '[]',
	document_statuses   JSONB NOT NULL DEFAULT '[]',
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS task_events (
	id             BIGSERIAL PRIMARY KEY,
	task_id        TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	state          TEXT NOT NULL DEFAULT '',
	pipeline_stage TEXT NOT NULL DEFAULT '',
	message        TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL DEFAULT '',
	payload        JSONB,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);
CREATE INDEX IF NOT EXISTS idx_tasks_dataset_id ON tasks(dataset_id);
CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_file_hashes ON tasks USING GIN ((ragflow->'file_hashes'));
CREATE INDEX IF NOT EXISTS idx_task_events_task_id ON task_events(task_id);
`

// Advisory lock keys live in the low 63 bits so they fit Postgres' signed
// bigint argument. purgeLockKey is a fixed key shared by all instances.
const purgeLockKey int64 = 0x6173736573735f70 // "assess_p"

func taskLockKey(taskID string) int64 {
	sum := sha256.Sum256([]byte(taskID))
	return int64(binary.BigEndian.Uint64(sum[:8]) & 0x7fffffffffffffff)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const postgresTaskColumns = `task_id, state, pipeline_stage, progress_message,
	total_questions, questions_processed, error, ragflow, questions, results,
	document_statuses, created_at, updated_at`

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (*model.TaskRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+postgresTaskColumns+` FROM tasks WHERE task_id = $1`, taskID)
	rec, err := scanTask(row)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		rec.SyncRagflowIDs()
	}
	return rec, nil
}

func (s *PostgresStore) SaveTask(ctx context.Context, rec *model.TaskRecord) error {
	ragflowJSON, questionsJSON, resultsJSON, docsJSON, err := marshalTaskBlobs(rec)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (task_id, state, pipeline_stage, progress_message,
			total_questions, questions_processed, error, dataset_id,
			ragflow, questions, results, document_statuses, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (task_id) DO UPDATE SET
			state = EXCLUDED.state,
			pipeline_stage = EXCLUDED.pipeline_stage,
			progress_message = EXCLUDED.progress_message,
			total_questions = EXCLUDED.total_questions,
			questions_processed = EXCLUDED.questions_processed,
			error = EXCLUDED.error,
			dataset_id = EXCLUDED.dataset_id,
			ragflow = EXCLUDED.ragflow,
			questions = EXCLUDED.questions,
			results = EXCLUDED.results,
			document_statuses = EXCLUDED.document_statuses,
			updated_at = EXCLUDED.updated_at`,
		rec.TaskID, string(rec.Status.State), string(rec.Status.PipelineStage),
		rec.Status.ProgressMessage, rec.Status.TotalQuestions,
		rec.Status.QuestionsProcessed, rec.Status.Error, rec.Ragflow.DatasetID,
		ragflowJSON, questionsJSON, resultsJSON, docsJSON,
		rec.Status.CreatedAt.UTC(), rec.Status.UpdatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: save task %s", rec.TaskID)
}

func (s *PostgresStore) ListTasks(ctx context.Context, page, pageSize int) ([]model.TaskStatus, int, error) {
	page, pageSize = normalizePage(page, pageSize)

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&total); err != nil {
		return nil, 0, eris.Wrap(err, "postgres: count tasks")
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+postgresTaskColumns+` FROM tasks
		 ORDER BY created_at DESC, task_id
		 LIMIT $1 OFFSET $2`,
		pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, eris.Wrap(err, "postgres: list tasks")
	}
	defer rows.Close()

	statuses, err := collectStatuses(rows)
	if err != nil {
		return nil, 0, err
	}
	return statuses, total, eris.Wrap(rows.Err(), "postgres: list tasks iterate")
}

func (s *PostgresStore) FindTasksByDatasetID(ctx context.Context, datasetID string) ([]model.TaskStatus, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+postgresTaskColumns+` FROM tasks
		 WHERE dataset_id = $1 OR ragflow->'dataset_ids' ? $1
		 ORDER BY created_at DESC`,
		datasetID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find tasks by dataset")
	}
	defer rows.Close()

	statuses, err := collectStatuses(rows)
	if err != nil {
		return nil, err
	}
	return statuses, eris.Wrap(rows.Err(), "postgres: find tasks by dataset iterate")
}

func (s *PostgresStore) FindDocumentsByHash(ctx context.Context, fileHash string) ([]DocumentMatch, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT task_id, dataset_id, ragflow->'file_hashes'->>$1
		 FROM tasks
		 WHERE ragflow->'file_hashes' ? $1
		 ORDER BY created_at DESC`,
		fileHash)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find documents by hash")
	}
	defer rows.Close()

	var matches []DocumentMatch
	for rows.Next() {
		var m DocumentMatch
		if err := rows.Scan(&m.TaskID, &m.DatasetID, &m.DocumentID); err != nil {
			return nil, eris.Wrap(err, "postgres: scan document match")
		}
		matches = append(matches, m)
	}
	return matches, eris.Wrap(rows.Err(), "postgres: find documents by hash iterate")
}

func (s *PostgresStore) AppendEvent(ctx context.Context, taskID string, ev model.TaskEvent) error {
	var payloadJSON []byte
	if ev.Payload != nil {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal event payload")
		}
		payloadJSON = b
	}
	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_events (task_id, event_type, state, pipeline_stage, message, error, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		taskID, ev.EventType, string(ev.State), string(ev.PipelineStage),
		ev.Message, ev.Error, payloadJSON, createdAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: append event for task %s", taskID)
}

func (s *PostgresStore) ListEvents(ctx context.Context, taskID string, page, pageSize int) ([]model.TaskEvent, int, error) {
	page, pageSize = normalizePage(page, pageSize)

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM task_events WHERE task_id = $1`, taskID).Scan(&total); err != nil {
		return nil, 0, eris.Wrap(err, "postgres: count events")
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, event_type, state, pipeline_stage, message, error, payload, created_at
		FROM task_events
		WHERE task_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`,
		taskID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, eris.Wrap(err, "postgres: list events")
	}
	defer rows.Close()

	var events []model.TaskEvent
	for rows.Next() {
		var ev model.TaskEvent
		var state, stage string
		var payloadJSON []byte

		if err := rows.Scan(&ev.ID, &ev.TaskID, &ev.EventType, &state, &stage,
			&ev.Message, &ev.Error, &payloadJSON, &ev.CreatedAt); err != nil {
			return nil, 0, eris.Wrap(err, "postgres: scan event")
		}
		ev.State = model.TaskState(state)
		ev.PipelineStage = model.PipelineStage(stage)
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &ev.Payload); err != nil {
				return nil, 0, eris.Wrap(err, "postgres: unmarshal event payload")
			}
		}
		events = append(events, ev)
	}
	return events, total, eris.Wrap(rows.Err(), "postgres: list events iterate")
}

func (s *PostgresStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: begin purge")
	}
	defer tx.Rollback(ctx)

	// Only one instance runs the sweep at a time; the rest skip.
	var acquired bool
	if err := tx.QueryRow(ctx,
		`SELECT pg_try_advisory_xact_lock($1)`, purgeLockKey).Scan(&acquired); err != nil {
		return 0, eris.Wrap(err, "postgres: purge lock")
	}
	if !acquired {
		return 0, nil
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM task_events WHERE task_id IN
			(SELECT task_id FROM tasks WHERE created_at < $1)`,
		cutoff.UTC()); err != nil {
		return 0, eris.Wrap(err, "postgres: purge events")
	}

	tag, err := tx.Exec(ctx, `DELETE FROM tasks WHERE created_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, eris.Wrap(err, "postgres: purge tasks")
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: commit purge")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) WithTaskLock(ctx context.Context, taskID string, fn func(ctx context.Context) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin task lock")
	}
	defer tx.Rollback(ctx)

	// Blocks until the holder's transaction ends; released on commit or
	// rollback.
	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock($1)`, taskLockKey(taskID)); err != nil {
		return eris.Wrapf(err, "postgres: lock task %s", taskID)
	}

	if err := fn(ctx); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit task lock")
}

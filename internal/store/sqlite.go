package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/assessment-api/internal/model"
)

// SQLiteStore implements TaskStore using modernc.org/sqlite. Per-task
// locking is in-process only, so a SQLite-backed deployment must run as a
// single instance.
type SQLiteStore struct {
	db *sql.DB

	mu        sync.Mutex
	taskLocks map[string]*sync.Mutex
	purgeMu   sync.Mutex
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, taskLocks: make(map[string]*sync.Mutex)}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS tasks (
	task_id             TEXT PRIMARY KEY,
	state               TEXT NOT NULL,
	pipeline_stage      TEXT NOT NULL,
	progress_message    TEXT NOT NULL DEFAULT '',
	total_questions     INTEGER NOT NULL DEFAULT 0,
	questions_processed INTEGER NOT NULL DEFAULT 0,
	error               TEXT NOT NULL DEFAULT '',
	dataset_id          TEXT NOT NULL DEFAULT '',
	ragflow             TEXT NOT NULL DEFAULT '{}',
	questions           TEXT NOT NULL DEFAULT '[]',
	results             TEXT NOT NULL DEFAULT '[]',
	document_statuses   TEXT NOT NULL DEFAULT '[]',
	created_at          DATETIME NOT NULL,
	updated_at          DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS task_events (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id        TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	state          TEXT NOT NULL DEFAULT '',
	pipeline_stage TEXT NOT NULL DEFAULT '',
	message        TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL DEFAULT '',
	payload        TEXT,
	created_at     DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);
CREATE INDEX IF NOT EXISTS idx_tasks_dataset_id ON tasks(dataset_id);
CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);
CREATE INDEX IF NOT EXISTS idx_task_events_task_id ON task_events(task_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteTaskColumns = `task_id, state, pipeline_stage, progress_message,
	total_questions, questions_processed, error, ragflow, questions, results,
	document_statuses, created_at, updated_at`

func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*model.TaskRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteTaskColumns+` FROM tasks WHERE task_id = ?`, taskID)
	rec, err := scanTask(row)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		rec.SyncRagflowIDs()
	}
	return rec, nil
}

func (s *SQLiteStore) SaveTask(ctx context.Context, rec *model.TaskRecord) error {
	ragflowJSON, questionsJSON, resultsJSON, docsJSON, err := marshalTaskBlobs(rec)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, state, pipeline_stage, progress_message,
			total_questions, questions_processed, error, dataset_id,
			ragflow, questions, results, document_statuses, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			state = excluded.state,
			pipeline_stage = excluded.pipeline_stage,
			progress_message = excluded.progress_message,
			total_questions = excluded.total_questions,
			questions_processed = excluded.questions_processed,
			error = excluded.error,
			dataset_id = excluded.dataset_id,
			ragflow = excluded.ragflow,
			questions = excluded.questions,
			results = excluded.results,
			document_statuses = excluded.document_statuses,
			updated_at = excluded.updated_at`,
		rec.TaskID, string(rec.Status.State), string(rec.Status.PipelineStage),
		rec.Status.ProgressMessage, rec.Status.TotalQuestions,
		rec.Status.QuestionsProcessed, rec.Status.Error, rec.Ragflow.DatasetID,
		ragflowJSON, questionsJSON, resultsJSON, docsJSON,
		rec.Status.CreatedAt.UTC(), rec.Status.UpdatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: save task %s", rec.TaskID)
}

func (s *SQLiteStore) ListTasks(ctx context.Context, page, pageSize int) ([]model.TaskStatus, int, error) {
	page, pageSize = normalizePage(page, pageSize)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&total); err != nil {
		return nil, 0, eris.Wrap(err, "sqlite: count tasks")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteTaskColumns+` FROM tasks
		 ORDER BY created_at DESC, task_id
		 LIMIT ? OFFSET ?`,
		pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, eris.Wrap(err, "sqlite: list tasks")
	}
	defer rows.Close()

	statuses, err := collectStatuses(rows)
	if err != nil {
		return nil, 0, err
	}
	return statuses, total, eris.Wrap(rows.Err(), "sqlite: list tasks iterate")
}

func (s *SQLiteStore) FindTasksByDatasetID(ctx context.Context, datasetID string) ([]model.TaskStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteTaskColumns+` FROM tasks
		 WHERE dataset_id = ?
		    OR EXISTS (SELECT 1 FROM json_each(tasks.ragflow, '$.dataset_ids') WHERE json_each.value = ?)
		 ORDER BY created_at DESC`,
		datasetID, datasetID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find tasks by dataset")
	}
	defer rows.Close()

	statuses, err := collectStatuses(rows)
	if err != nil {
		return nil, err
	}
	return statuses, eris.Wrap(rows.Err(), "sqlite: find tasks by dataset iterate")
}

func (s *SQLiteStore) FindDocumentsByHash(ctx context.Context, fileHash string) ([]DocumentMatch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, dataset_id, json_extract(ragflow, '$.file_hashes.' || ?)
		 FROM tasks
		 WHERE json_extract(ragflow, '$.file_hashes.' || ?) IS NOT NULL
		 ORDER BY created_at DESC`,
		fileHash, fileHash)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find documents by hash")
	}
	defer rows.Close()

	var matches []DocumentMatch
	for rows.Next() {
		var m DocumentMatch
		if err := rows.Scan(&m.TaskID, &m.DatasetID, &m.DocumentID); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan document match")
		}
		matches = append(matches, m)
	}
	return matches, eris.Wrap(rows.Err(), "sqlite: find documents by hash iterate")
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, taskID string, ev model.TaskEvent) error {
	var payloadJSON sql.NullString
	if ev.Payload != nil {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal event payload")
		}
		payloadJSON = sql.NullString{String: string(b), Valid: true}
	}
	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_events (task_id, event_type, state, pipeline_stage, message, error, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		taskID, ev.EventType, string(ev.State), string(ev.PipelineStage),
		ev.Message, ev.Error, payloadJSON, createdAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: append event for task %s", taskID)
}

func (s *SQLiteStore) ListEvents(ctx context.Context, taskID string, page, pageSize int) ([]model.TaskEvent, int, error) {
	page, pageSize = normalizePage(page, pageSize)

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_events WHERE task_id = ?`, taskID).Scan(&total); err != nil {
		return nil, 0, eris.Wrap(err, "sqlite: count events")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, event_type, state, pipeline_stage, message, error, payload, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`,
		taskID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, eris.Wrap(err, "sqlite: list events")
	}
	defer rows.Close()

	var events []model.TaskEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, *ev)
	}
	return events, total, eris.Wrap(rows.Err(), "sqlite: list events iterate")
}

func (s *SQLiteStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if !s.purgeMu.TryLock() {
		return 0, nil
	}
	defer s.purgeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM task_events WHERE task_id IN
			(SELECT task_id FROM tasks WHERE created_at < ?)`,
		cutoff.UTC())
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: purge events")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: purge tasks")
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: purge rows affected")
}

func (s *SQLiteStore) WithTaskLock(ctx context.Context, taskID string, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	mu, ok := s.taskLocks[taskID]
	if !ok {
		mu = &sync.Mutex{}
		s.taskLocks[taskID] = mu
	}
	s.mu.Unlock()

	mu.Lock()
	defer mu.Unlock()
	return fn(ctx)
}

// helpers shared by the SQLite and Postgres scanners

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}
	return page, pageSize
}

func marshalTaskBlobs(rec *model.TaskRecord) (ragflow, questions, results, docs string, err error) {
	b, err := json.Marshal(rec.Ragflow)
	if err != nil {
		return "", "", "", "", eris.Wrap(err, "marshal ragflow context")
	}
	ragflow = string(b)

	if b, err = json.Marshal(emptySlice(rec.Questions)); err != nil {
		return "", "", "", "", eris.Wrap(err, "marshal questions")
	}
	questions = string(b)

	if b, err = json.Marshal(emptySlice(rec.Results)); err != nil {
		return "", "", "", "", eris.Wrap(err, "marshal results")
	}
	results = string(b)

	if b, err = json.Marshal(emptySlice(rec.DocumentStatuses)); err != nil {
		return "", "", "", "", eris.Wrap(err, "marshal document statuses")
	}
	docs = string(b)
	return ragflow, questions, results, docs, nil
}

// emptySlice keeps nil slices serialized as [] rather than null.
func emptySlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

type scannable interface {
	Scan(dest ...any) error
}

// rowsScanner is satisfied by both *sql.Rows and pgx.Rows.
type rowsScanner interface {
	Next() bool
	Scan(dest ...any) error
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows)
}

func scanTask(row scannable) (*model.TaskRecord, error) {
	var rec model.TaskRecord
	var state, stage string
	var ragflowJSON, questionsJSON, resultsJSON, docsJSON string

	err := row.Scan(&rec.TaskID, &state, &stage, &rec.Status.ProgressMessage,
		&rec.Status.TotalQuestions, &rec.Status.QuestionsProcessed,
		&rec.Status.Error, &ragflowJSON, &questionsJSON, &resultsJSON,
		&docsJSON, &rec.Status.CreatedAt, &rec.Status.UpdatedAt)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan task")
	}

	rec.Status.TaskID = rec.TaskID
	rec.Status.State = model.TaskState(state)
	rec.Status.PipelineStage = model.PipelineStage(stage)

	if err := json.Unmarshal([]byte(ragflowJSON), &rec.Ragflow); err != nil {
		return nil, eris.Wrap(err, "unmarshal ragflow context")
	}
	if err := json.Unmarshal([]byte(questionsJSON), &rec.Questions); err != nil {
		return nil, eris.Wrap(err, "unmarshal questions")
	}
	if err := json.Unmarshal([]byte(resultsJSON), &rec.Results); err != nil {
		return nil, eris.Wrap(err, "unmarshal results")
	}
	if err := json.Unmarshal([]byte(docsJSON), &rec.DocumentStatuses); err != nil {
		return nil, eris.Wrap(err, "unmarshal document statuses")
	}
	return &rec, nil
}

func collectStatuses(rows rowsScanner) ([]model.TaskStatus, error) {
	var statuses []model.TaskStatus
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		rec.SyncRagflowIDs()
		statuses = append(statuses, rec.Status)
	}
	return statuses, nil
}

func scanEvent(row scannable) (*model.TaskEvent, error) {
	var ev model.TaskEvent
	var state, stage string
	var payloadJSON sql.NullString

	err := row.Scan(&ev.ID, &ev.TaskID, &ev.EventType, &state, &stage,
		&ev.Message, &ev.Error, &payloadJSON, &ev.CreatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "scan event")
	}
	ev.State = model.TaskState(state)
	ev.PipelineStage = model.PipelineStage(stage)
	if payloadJSON.Valid && payloadJSON.String != "" {
		if err := json.Unmarshal([]byte(payloadJSON.String), &ev.Payload); err != nil {
			return nil, eris.Wrap(err, "unmarshal event payload")
		}
	}
	return &ev, nil
}

package store

import (
	"context"
	"time"

	"github.com/sells-group/assessment-api/internal/model"
)

// DocumentMatch is one occurrence of a document content hash across tasks.
type DocumentMatch struct {
	TaskID     string `json:"task_id"`
	DocumentID string `json:"document_id"`
	DatasetID  string `json:"dataset_id,omitempty"`
}

// TaskStore defines the persistence contract for assessment tasks.
//
// Task records are stored as a single aggregate per task (flat status
// columns plus JSON blobs for the nested parts); events are append-only.
// GetTask returns (nil, nil) for an unknown task ID.
type TaskStore interface {
	GetTask(ctx context.Context, taskID string) (*model.TaskRecord, error)
	// SaveTask inserts or fully replaces a task record.
	SaveTask(ctx context.Context, rec *model.TaskRecord) error
	ListTasks(ctx context.Context, page, pageSize int) ([]model.TaskStatus, int, error)

	// Lookups over the persisted RAGFlow context.
	FindTasksByDatasetID(ctx context.Context, datasetID string) ([]model.TaskStatus, error)
	FindDocumentsByHash(ctx context.Context, fileHash string) ([]DocumentMatch, error)

	// Audit log
	AppendEvent(ctx context.Context, taskID string, ev model.TaskEvent) error
	ListEvents(ctx context.Context, taskID string, page, pageSize int) ([]model.TaskEvent, int, error)

	// PurgeOlderThan deletes tasks (and their events) created before cutoff
	// and returns the number of tasks removed. Acquisition of the purge lock
	// is best-effort: when another instance holds it the call is a
	// zero-count no-op.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// WithTaskLock runs fn while holding the per-task mutual-exclusion
	// token, so claim-and-transition sequences are atomic across instances
	// sharing one backing store.
	WithTaskLock(ctx context.Context, taskID string, fn func(ctx context.Context) error) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

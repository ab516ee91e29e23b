// Package assessment orchestrates document-based compliance assessments on
// top of RAGFlow: dataset and document lifecycle, parse polling, and
// concurrent question answering.
package assessment

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/assessment-api/internal/config"
	"github.com/sells-group/assessment-api/internal/model"
	"github.com/sells-group/assessment-api/internal/store"
	"github.com/sells-group/assessment-api/pkg/ragflow"
)

// Sentinel errors mapped to HTTP statuses by the server layer.
var (
	ErrTaskNotFound = eris.New("task not found")
	ErrInvalidState = eris.New("task is not in a valid state for this operation")
	ErrNoQuestions  = eris.New("no questions provided")
	ErrNoDocuments  = eris.New("no documents uploaded")
)

// Service runs assessment tasks. One instance is shared by the HTTP server,
// the worker pool, and the CLI; the semaphore bounds concurrent RAGFlow calls
// process-wide.
type Service struct {
	cfg    config.AssessmentConfig
	store  store.TaskStore
	client ragflow.Client
	sem    *semaphore.Weighted
	log    *zap.Logger
}

// New creates a Service.
func New(cfg config.AssessmentConfig, st store.TaskStore, client ragflow.Client) *Service {
	limit := cfg.MaxConcurrentCalls
	if limit < 1 {
		limit = 1
	}
	return &Service{
		cfg:    cfg,
		store:  st,
		client: client,
		sem:    semaphore.NewWeighted(int64(limit)),
		log:    zap.L().Named("assessment"),
	}
}

// CreateTask registers a new task holding the given questions. The pipeline
// is not started here; the caller either enqueues a one-shot run or walks the
// session flow.
func (s *Service) CreateTask(ctx context.Context, questions []model.Question, initial model.TaskState) (*model.TaskStatus, error) {
	if len(questions) == 0 {
		return nil, ErrNoQuestions
	}

	now := time.Now().UTC()
	rec := &model.TaskRecord{
		TaskID: uuid.New().String(),
		Status: model.TaskStatus{
			State:          initial,
			PipelineStage:  model.StageIdle,
			TotalQuestions: len(questions),
			CreatedAt:      now,
			UpdatedAt:      now,
		},
		Ragflow:   model.RagflowContext{FileHashes: map[string]string{}},
		Questions: questions,
	}
	rec.Status.TaskID = rec.TaskID

	if err := s.store.SaveTask(ctx, rec); err != nil {
		return nil, err
	}
	s.appendEvent(ctx, rec.TaskID, model.TaskEvent{
		EventType:     model.EventTaskCreated,
		State:         rec.Status.State,
		PipelineStage: rec.Status.PipelineStage,
		Message:       "task created",
		Payload:       map[string]any{"total_questions": len(questions)},
	})

	st := rec.Status
	return &st, nil
}

// CreateSession registers a two-phase task in AWAITING_DOCUMENTS and
// provisions its dataset up front, so the dataset ID is known to callers
// before the first document upload.
func (s *Service) CreateSession(ctx context.Context, questions []model.Question) (*model.TaskStatus, error) {
	status, err := s.CreateTask(ctx, questions, model.TaskStateAwaitingDocuments)
	if err != nil {
		return nil, err
	}

	datasetID, err := s.client.EnsureDataset(ctx, s.datasetName(status.TaskID), nil)
	if err != nil {
		return nil, eris.Wrap(err, "ensure dataset")
	}

	err = s.store.WithTaskLock(ctx, status.TaskID, func(ctx context.Context) error {
		rec, err := s.store.GetTask(ctx, status.TaskID)
		if err != nil {
			return err
		}
		if rec == nil {
			return ErrTaskNotFound
		}
		rec.Ragflow.DatasetID = datasetID
		rec.Ragflow.DatasetIDs = []string{datasetID}
		if err := s.updateStatus(ctx, rec, func(st *model.TaskStatus) {
			st.ProgressMessage = "awaiting documents"
		}); err != nil {
			return err
		}
		st := rec.Status
		status = &st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

// GetTask returns the current status of a task.
func (s *Service) GetTask(ctx context.Context, taskID string) (*model.TaskStatus, error) {
	rec, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrTaskNotFound
	}
	st := rec.Status
	return &st, nil
}

// ListTasks returns one page of task statuses plus the total count.
func (s *Service) ListTasks(ctx context.Context, page, pageSize int) ([]model.TaskStatus, int, error) {
	return s.store.ListTasks(ctx, page, pageSize)
}

// ListEvents returns one page of a task's audit log, newest first.
func (s *Service) ListEvents(ctx context.Context, taskID string, page, pageSize int) ([]model.TaskEvent, int, error) {
	rec, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, 0, err
	}
	if rec == nil {
		return nil, 0, ErrTaskNotFound
	}
	return s.store.ListEvents(ctx, taskID, page, pageSize)
}

// FindTasksByDatasetID returns every task attached to a dataset.
func (s *Service) FindTasksByDatasetID(ctx context.Context, datasetID string) ([]model.TaskStatus, error) {
	return s.store.FindTasksByDatasetID(ctx, datasetID)
}

// FindDocumentsByHash returns every uploaded document matching a content hash.
func (s *Service) FindDocumentsByHash(ctx context.Context, fileHash string) ([]store.DocumentMatch, error) {
	return s.store.FindDocumentsByHash(ctx, fileHash)
}

// ResultsPage is one page of per-question results.
type ResultsPage struct {
	TaskID   string                 `json:"task_id"`
	State    model.TaskState        `json:"state"`
	Results  []model.QuestionResult `json:"results"`
	Total    int                    `json:"total"`
	Page     int                    `json:"page"`
	PageSize int                    `json:"page_size"`
}

// Results returns one page of a task's results. Partial results are visible
// while the task is still processing.
func (s *Service) Results(ctx context.Context, taskID string, page, pageSize int) (*ResultsPage, error) {
	rec, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrTaskNotFound
	}

	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}
	total := len(rec.Results)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	return &ResultsPage{
		TaskID:   rec.TaskID,
		State:    rec.Status.State,
		Results:  rec.Results[start:end],
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	}, nil
}

// FullResults returns every result for a task, used by the Excel export.
func (s *Service) FullResults(ctx context.Context, taskID string) (*model.TaskRecord, error) {
	rec, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrTaskNotFound
	}
	return rec, nil
}

// AddDocumentsResult reports the outcome of one document upload batch.
type AddDocumentsResult struct {
	TaskID      string   `json:"task_id"`
	Uploaded    int      `json:"uploaded"`
	Skipped     int      `json:"skipped"`
	DocumentIDs []string `json:"document_ids"`
}

// AddDocuments uploads a batch of files into the task's dataset, skipping any
// file whose content hash was already uploaded. Valid from AWAITING_DOCUMENTS
// or FAILED; the task stays in AWAITING_DOCUMENTS across batches, and a
// failed task is reset to AWAITING_DOCUMENTS so the caller can retry with
// fixed documents.
func (s *Service) AddDocuments(ctx context.Context, taskID string, files []ragflow.File) (*AddDocumentsResult, error) {
	var out *AddDocumentsResult
	err := s.store.WithTaskLock(ctx, taskID, func(ctx context.Context) error {
		rec, err := s.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if rec == nil {
			return ErrTaskNotFound
		}
		switch rec.Status.State {
		case model.TaskStateAwaitingDocuments:
		case model.TaskStateFailed:
			if err := s.updateStatus(ctx, rec, func(st *model.TaskStatus) {
				st.State = model.TaskStateAwaitingDocuments
				st.PipelineStage = model.StageIdle
				st.ProgressMessage = "retrying with new documents"
				st.Error = ""
			}); err != nil {
				return err
			}
		default:
			return eris.Wrapf(ErrInvalidState, "cannot add documents in state %s", rec.Status.State)
		}

		if rec.Ragflow.DatasetID == "" {
			datasetID, err := s.client.EnsureDataset(ctx, s.datasetName(rec.TaskID), nil)
			if err != nil {
				return eris.Wrap(err, "ensure dataset")
			}
			rec.Ragflow.DatasetID = datasetID
			rec.Ragflow.DatasetIDs = []string{datasetID}
		}

		uploaded, skipped, err := s.uploadDeduped(ctx, rec, files)
		if err != nil {
			return s.failWith(ctx, rec, eris.Wrap(err, "upload documents"))
		}

		if err := s.updateStatus(ctx, rec, func(st *model.TaskStatus) {
			st.ProgressMessage = uploadSummary(uploaded, skipped)
		}); err != nil {
			return err
		}

		out = &AddDocumentsResult{
			TaskID:      rec.TaskID,
			Uploaded:    uploaded,
			Skipped:     skipped,
			DocumentIDs: append([]string(nil), rec.Ragflow.DocumentIDs...),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ClaimStart transitions a task from AWAITING_DOCUMENTS (or FAILED, for a
// manual retry) into PARSING, clearing any prior run's outputs. It is the
// cross-instance claim point: the state check and transition happen under the
// task lock, so two instances racing to start the same task cannot both win.
func (s *Service) ClaimStart(ctx context.Context, taskID string) error {
	return s.store.WithTaskLock(ctx, taskID, func(ctx context.Context) error {
		rec, err := s.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if rec == nil {
			return ErrTaskNotFound
		}
		switch rec.Status.State {
		case model.TaskStateAwaitingDocuments, model.TaskStateFailed:
		default:
			return eris.Wrapf(ErrInvalidState, "cannot start processing in state %s", rec.Status.State)
		}
		if len(rec.Ragflow.DocumentIDs) == 0 {
			return ErrNoDocuments
		}

		rec.Results = nil
		rec.DocumentStatuses = nil
		return s.updateStatus(ctx, rec, func(st *model.TaskStatus) {
			st.State = model.TaskStateParsing
			st.PipelineStage = model.StageDocumentParsing
			st.ProgressMessage = "starting document parsing"
			st.QuestionsProcessed = 0
			st.Error = ""
		})
	})
}

func (s *Service) datasetName(taskID string) string {
	return s.cfg.NamePrefix + "_dataset_" + taskID
}

func (s *Service) chatName(taskID string) string {
	return s.cfg.NamePrefix + "_chat_" + taskID
}

// appendEvent records an audit event; failures are logged, never propagated.
func (s *Service) appendEvent(ctx context.Context, taskID string, ev model.TaskEvent) {
	if err := s.store.AppendEvent(ctx, taskID, ev); err != nil {
		s.log.Warn("append event failed",
			zap.String("task_id", taskID),
			zap.String("event_type", ev.EventType),
			zap.Error(err))
	}
}

package assessment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/assessment-api/internal/model"
	"github.com/sells-group/assessment-api/pkg/ragflow"
)

// updateStatus applies a mutation to the task status, stamps UpdatedAt,
// persists the record, and appends a status_update event when anything
// client-visible changed. This is the single write path for task state; no
// other code mutates persisted status fields.
func (s *Service) updateStatus(ctx context.Context, rec *model.TaskRecord, mutate func(*model.TaskStatus)) error {
	before := rec.Status
	mutate(&rec.Status)
	rec.Status.UpdatedAt = time.Now().UTC()
	rec.SyncRagflowIDs()

	if err := s.store.SaveTask(ctx, rec); err != nil {
		return eris.Wrapf(err, "save task %s", rec.TaskID)
	}

	if statusChanged(before, rec.Status) {
		s.appendEvent(ctx, rec.TaskID, model.TaskEvent{
			EventType:     model.EventStatusUpdate,
			State:         rec.Status.State,
			PipelineStage: rec.Status.PipelineStage,
			Message:       rec.Status.ProgressMessage,
			Error:         rec.Status.Error,
		})
	}
	return nil
}

func statusChanged(a, b model.TaskStatus) bool {
	return a.State != b.State ||
		a.PipelineStage != b.PipelineStage ||
		a.ProgressMessage != b.ProgressMessage ||
		a.Error != b.Error ||
		a.QuestionsProcessed != b.QuestionsProcessed
}

// failWith marks the task failed and returns the original error.
func (s *Service) failWith(ctx context.Context, rec *model.TaskRecord, cause error) error {
	s.log.Error("task failed",
		zap.String("task_id", rec.TaskID),
		zap.Error(cause))

	if err := s.updateStatus(ctx, rec, func(st *model.TaskStatus) {
		st.State = model.TaskStateFailed
		st.PipelineStage = model.StageIdle
		st.ProgressMessage = "task failed"
		st.Error = cause.Error()
	}); err != nil {
		s.log.Error("persist failed state",
			zap.String("task_id", rec.TaskID),
			zap.Error(err))
	}
	return cause
}

// Run executes the full one-shot pipeline for a task created with documents
// in hand: dataset creation, deduplicated upload, parse wait, chat setup, and
// question processing. Any error marks the task failed with the cause
// recorded on the status.
func (s *Service) Run(ctx context.Context, taskID string, files []ragflow.File) error {
	rec, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrTaskNotFound
	}

	if err := s.updateStatus(ctx, rec, func(st *model.TaskStatus) {
		st.State = model.TaskStateUploading
		st.PipelineStage = model.StageDocumentUpload
		st.ProgressMessage = "creating dataset"
	}); err != nil {
		return err
	}

	datasetID, err := s.client.EnsureDataset(ctx, s.datasetName(rec.TaskID), nil)
	if err != nil {
		return s.failWith(ctx, rec, eris.Wrap(err, "ensure dataset"))
	}
	rec.Ragflow.DatasetID = datasetID
	rec.Ragflow.DatasetIDs = []string{datasetID}

	if err := s.updateStatus(ctx, rec, func(st *model.TaskStatus) {
		st.ProgressMessage = fmt.Sprintf("uploading %d documents", len(files))
	}); err != nil {
		return err
	}

	uploaded, skipped, err := s.uploadDeduped(ctx, rec, files)
	if err != nil {
		return s.failWith(ctx, rec, eris.Wrap(err, "upload documents"))
	}
	if uploaded == 0 && skipped > 0 {
		return s.failWith(ctx, rec, eris.Errorf("all %d documents were duplicates of already-uploaded files", skipped))
	}
	if len(rec.Ragflow.DocumentIDs) == 0 {
		return s.failWith(ctx, rec, ErrNoDocuments)
	}

	return s.runFromParsing(ctx, rec)
}

// RunForSession resumes the pipeline for a session-flow task after ClaimStart
// moved it into PARSING. Documents are already uploaded.
func (s *Service) RunForSession(ctx context.Context, taskID string) error {
	rec, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrTaskNotFound
	}
	return s.runFromParsing(ctx, rec)
}

// RunFromDataset executes the pipeline against an existing, already-parsed
// dataset: no upload, no parse wait, straight to chat setup and questions.
func (s *Service) RunFromDataset(ctx context.Context, taskID, datasetID string) error {
	rec, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrTaskNotFound
	}

	rec.Ragflow.DatasetID = datasetID
	rec.Ragflow.DatasetIDs = []string{datasetID}

	return s.runChat(ctx, rec)
}

// runFromParsing drives the tail of the pipeline shared by the one-shot and
// session flows: start parsing, wait for terminal per-document outcomes, then
// hand over to the chat phase.
func (s *Service) runFromParsing(ctx context.Context, rec *model.TaskRecord) error {
	if err := s.updateStatus(ctx, rec, func(st *model.TaskStatus) {
		st.State = model.TaskStateParsing
		st.PipelineStage = model.StageDocumentParsing
		st.ProgressMessage = fmt.Sprintf("parsing %d documents", len(rec.Ragflow.DocumentIDs))
	}); err != nil {
		return err
	}

	if err := s.client.StartParsing(ctx, rec.Ragflow.DatasetID, rec.Ragflow.DocumentIDs); err != nil {
		return s.failWith(ctx, rec, eris.Wrap(err, "start parsing"))
	}

	statuses, err := ragflow.WaitForParsing(ctx, s.client, rec.Ragflow.DatasetID, rec.Ragflow.DocumentIDs,
		ragflow.WithPollInterval(s.cfg.PollInterval()),
		ragflow.WithPollTimeout(s.cfg.ParseTimeout()))
	if err != nil {
		return s.failWith(ctx, rec, eris.Wrap(err, "wait for parsing"))
	}

	rec.DocumentStatuses = make([]model.DocumentStatus, len(statuses))
	var parsed, failed int
	var failures []string
	for i, ds := range statuses {
		rec.DocumentStatuses[i] = model.DocumentStatus{
			DocumentID:   ds.DocumentID,
			DocumentName: ds.DocumentName,
			Status:       ds.Status,
			Progress:     ds.Progress,
			Message:      ds.Message,
		}
		if ds.Status == ragflow.StatusSuccess {
			parsed++
		} else {
			failed++
			name := ds.DocumentName
			if name == "" {
				name = ds.DocumentID
			}
			failures = append(failures, fmt.Sprintf("%s: %s", name, failureReason(ds)))
		}
	}

	// No parsed documents means the chat would answer from nothing.
	if parsed == 0 {
		return s.failWith(ctx, rec,
			eris.Errorf("no documents parsed successfully: %s", strings.Join(failures, "; ")))
	}
	if failed > 0 {
		s.log.Warn("continuing with partially parsed documents",
			zap.String("task_id", rec.TaskID),
			zap.Int("parsed", parsed),
			zap.Int("failed", failed))
		if err := s.updateStatus(ctx, rec, func(st *model.TaskStatus) {
			st.ProgressMessage = fmt.Sprintf("%d of %d documents parsed; continuing without: %s",
				parsed, parsed+failed, strings.Join(failures, "; "))
		}); err != nil {
			return err
		}
	}

	return s.runChat(ctx, rec)
}

// runChat sets up the chat assistant and session, processes every question,
// and finalizes the task.
func (s *Service) runChat(ctx context.Context, rec *model.TaskRecord) error {
	if err := s.updateStatus(ctx, rec, func(st *model.TaskStatus) {
		st.State = model.TaskStateProcessing
		st.PipelineStage = model.StageChatProcessing
		st.ProgressMessage = "setting up chat assistant"
	}); err != nil {
		return err
	}

	chatID, err := s.client.EnsureChat(ctx, ragflow.ChatRequest{
		Name:                s.chatName(rec.TaskID),
		DatasetIDs:          rec.Ragflow.DatasetIDs,
		SimilarityThreshold: s.cfg.SimilarityThreshold,
		TopN:                s.cfg.TopN,
	})
	if err != nil {
		return s.failWith(ctx, rec, eris.Wrap(err, "ensure chat"))
	}
	rec.Ragflow.ChatID = chatID

	sessionID, err := s.client.CreateSession(ctx, chatID)
	if err != nil {
		return s.failWith(ctx, rec, eris.Wrap(err, "create session"))
	}
	rec.Ragflow.SessionID = sessionID

	if err := s.updateStatus(ctx, rec, func(st *model.TaskStatus) {
		st.ProgressMessage = fmt.Sprintf("processing %d questions", len(rec.Questions))
	}); err != nil {
		return err
	}

	failedQuestions, err := s.processQuestions(ctx, rec)
	if err != nil {
		return s.failWith(ctx, rec, eris.Wrap(err, "process questions"))
	}

	return s.updateStatus(ctx, rec, func(st *model.TaskStatus) {
		st.State = model.TaskStateCompleted
		st.PipelineStage = model.StageFinalizing
		if failedQuestions > 0 {
			st.ProgressMessage = fmt.Sprintf("completed with %d of %d questions failed",
				failedQuestions, len(rec.Questions))
		} else {
			st.ProgressMessage = fmt.Sprintf("completed %d questions", len(rec.Questions))
		}
	})
}

func failureReason(ds ragflow.DocumentStatus) string {
	if ds.Message != "" {
		return ds.Message
	}
	return ds.Status
}

func uploadSummary(uploaded, skipped int) string {
	if skipped > 0 {
		return fmt.Sprintf("uploaded %d documents, skipped %d duplicates", uploaded, skipped)
	}
	return fmt.Sprintf("uploaded %d documents", uploaded)
}

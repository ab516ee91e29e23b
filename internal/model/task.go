package model

import "time"

// TaskState is the coarse lifecycle state of an assessment task.
type TaskState string

const (
	TaskStatePending           TaskState = "pending"
	TaskStateAwaitingDocuments TaskState = "awaiting_documents"
	TaskStateUploading         TaskState = "uploading"
	TaskStateParsing           TaskState = "parsing"
	TaskStateProcessing        TaskState = "processing"
	TaskStateCompleted         TaskState = "completed"
	TaskStateFailed            TaskState = "failed"
)

// PipelineStage is the fine-grained progress indicator, tracked on an
// independent axis from TaskState.
type PipelineStage string

const (
	StageIdle            PipelineStage = "idle"
	StageDocumentUpload  PipelineStage = "document_upload"
	StageDocumentParsing PipelineStage = "document_parsing"
	StageChatProcessing  PipelineStage = "chat_processing"
	StageFinalizing      PipelineStage = "finalizing"
)

// TaskStatus is the client-visible view of a task. RAGFlow resource IDs are
// synced in from the RagflowContext before the status leaves the service so
// that a polling client sees them without a second lookup.
type TaskStatus struct {
	TaskID             string        `json:"task_id"`
	State              TaskState     `json:"state"`
	PipelineStage      PipelineStage `json:"pipeline_stage"`
	ProgressMessage    string        `json:"progress_message"`
	TotalQuestions     int           `json:"total_questions"`
	QuestionsProcessed int           `json:"questions_processed"`
	Error              string        `json:"error,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`

	DatasetID   string   `json:"dataset_id,omitempty"`
	DatasetIDs  []string `json:"dataset_ids,omitempty"`
	ChatID      string   `json:"chat_id,omitempty"`
	SessionID   string   `json:"session_id,omitempty"`
	DocumentIDs []string `json:"document_ids,omitempty"`

	DocumentStatuses []DocumentStatus `json:"document_statuses,omitempty"`
}

// RagflowContext tracks the external RAGFlow resources created on behalf of
// one task. FileHashes maps a SHA-256 content digest to the document ID it
// was uploaded as; every value in the map also appears in DocumentIDs.
type RagflowContext struct {
	DatasetID   string            `json:"dataset_id"`
	DatasetIDs  []string          `json:"dataset_ids"`
	DocumentIDs []string          `json:"document_ids"`
	FileHashes  map[string]string `json:"file_hashes"`
	ChatID      string            `json:"chat_id"`
	SessionID   string            `json:"session_id"`
}

// TaskRecord is the full persisted aggregate for one assessment task.
type TaskRecord struct {
	TaskID           string           `json:"task_id"`
	Status           TaskStatus       `json:"status"`
	Ragflow          RagflowContext   `json:"ragflow"`
	Questions        []Question       `json:"questions"`
	Results          []QuestionResult `json:"results"`
	DocumentStatuses []DocumentStatus `json:"document_statuses"`
}

// SyncRagflowIDs copies the RAGFlow resource IDs and document statuses from
// the record into its status so they appear in API responses.
func (r *TaskRecord) SyncRagflowIDs() {
	r.Status.DatasetID = r.Ragflow.DatasetID
	r.Status.DatasetIDs = r.Ragflow.DatasetIDs
	if len(r.Status.DatasetIDs) == 0 && r.Ragflow.DatasetID != "" {
		r.Status.DatasetIDs = []string{r.Ragflow.DatasetID}
	}
	r.Status.ChatID = r.Ragflow.ChatID
	r.Status.SessionID = r.Ragflow.SessionID
	r.Status.DocumentIDs = r.Ragflow.DocumentIDs
	r.Status.DocumentStatuses = r.DocumentStatuses
}

// TaskEvent is one append-only audit log row for a task.
type TaskEvent struct {
	ID            int64          `json:"id"`
	TaskID        string         `json:"task_id"`
	EventType     string         `json:"event_type"`
	State         TaskState      `json:"state,omitempty"`
	PipelineStage PipelineStage  `json:"pipeline_stage,omitempty"`
	Message       string         `json:"message"`
	Error         string         `json:"error,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Event types recorded in the audit log.
const (
	EventTaskCreated  = "task_created"
	EventStatusUpdate = "status_update"
)

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/assessment-api/internal/assessment"
	"github.com/sells-group/assessment-api/internal/model"
	"github.com/sells-group/assessment-api/pkg/ragflow"
)

// maxUploadBytes caps multipart request memory buffering.
const maxUploadBytes = 256 << 20

type taskListResponse struct {
	Tasks    []model.TaskStatus `json:"tasks"`
	Total    int                `json:"total"`
	Page     int                `json:"page"`
	PageSize int                `json:"page_size"`
}

type eventListResponse struct {
	TaskID   string            `json:"task_id"`
	Events   []model.TaskEvent `json:"events"`
	Total    int               `json:"total"`
	Page     int               `json:"page"`
	PageSize int               `json:"page_size"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateAssessment(w http.ResponseWriter, r *http.Request) {
	questions, err := s.questionsFromForm(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	files, err := filesFromForm(r, "documents")
	if err != nil {
		s.respondError(w, err)
		return
	}
	if len(files) == 0 {
		s.respondError(w, assessment.ErrNoDocuments)
		return
	}

	status, err := s.svc.CreateTask(r.Context(), questions, model.TaskStatePending)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.pool.Enqueue(assessment.Job{
		Kind:   assessment.JobRun,
		TaskID: status.TaskID,
		Files:  files,
	}); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, status)
}

func (s *Server) handleCreateFromDataset(w http.ResponseWriter, r *http.Request) {
	questions, err := s.questionsFromForm(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	datasetID := r.FormValue("dataset_id")
	if datasetID == "" {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "dataset_id is required"})
		return
	}

	status, err := s.svc.CreateTask(r.Context(), questions, model.TaskStatePending)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.pool.Enqueue(assessment.Job{
		Kind:      assessment.JobRunDataset,
		TaskID:    status.TaskID,
		DatasetID: datasetID,
	}); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, status)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	questions, err := s.questionsFromForm(r)
	if err != nil {
		s.respondError(w, err)
		return
	}

	status, err := s.svc.CreateSession(r.Context(), questions)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, status)
}

func (s *Server) handleAddDocuments(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	files, err := filesFromForm(r, "documents")
	if err != nil {
		s.respondError(w, err)
		return
	}
	if len(files) == 0 {
		s.respondError(w, assessment.ErrNoDocuments)
		return
	}

	res, err := s.svc.AddDocuments(r.Context(), taskID, files)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.svc.ClaimStart(r.Context(), taskID); err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.pool.Enqueue(assessment.Job{Kind: assessment.JobRunSession, TaskID: taskID}); err != nil {
		s.respondError(w, err)
		return
	}

	status, err := s.svc.GetTask(r.Context(), taskID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, status)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	page, pageSize := pageParams(r)
	tasks, total, err := s.svc.ListTasks(r.Context(), page, pageSize)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if tasks == nil {
		tasks = []model.TaskStatus{}
	}
	s.respondJSON(w, http.StatusOK, taskListResponse{
		Tasks:    tasks,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	status, err := s.svc.GetTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	page, pageSize := pageParams(r)
	events, total, err := s.svc.ListEvents(r.Context(), taskID, page, pageSize)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if events == nil {
		events = []model.TaskEvent{}
	}
	s.respondJSON(w, http.StatusOK, eventListResponse{
		TaskID:   taskID,
		Events:   events,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	})
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	page, pageSize := pageParams(r)
	res, err := s.svc.Results(r.Context(), chi.URLParam(r, "taskID"), page, pageSize)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if res.Results == nil {
		res.Results = []model.QuestionResult{}
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleResultsExcel(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	rec, err := s.svc.FullResults(r.Context(), taskID)
	if err != nil {
		s.respondError(w, err)
		return
	}

	data, err := assessment.BuildResultsXLSX(rec)
	if err != nil {
		s.respondError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="assessment_%s.xlsx"`, taskID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleTasksByDataset(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.svc.FindTasksByDatasetID(r.Context(), chi.URLParam(r, "datasetID"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	if tasks == nil {
		tasks = []model.TaskStatus{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleDocumentsByHash(w http.ResponseWriter, r *http.Request) {
	matches, err := s.svc.FindDocumentsByHash(r.Context(), chi.URLParam(r, "fileHash"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"matches": matches, "count": len(matches)})
}

// questionsFromForm parses the uploaded questions spreadsheet.
func (s *Server) questionsFromForm(r *http.Request) ([]model.Question, error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return nil, badRequest("invalid multipart form: " + err.Error())
	}
	file, _, err := r.FormFile("questions")
	if err != nil {
		return nil, badRequest("questions file is required")
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, badRequest("read questions file: " + err.Error())
	}
	questions, err := s.svc.ParseQuestions(data)
	if err != nil {
		return nil, badRequest(err.Error())
	}
	return questions, nil
}

func filesFromForm(r *http.Request, field string) ([]ragflow.File, error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return nil, badRequest("invalid multipart form: " + err.Error())
	}
	if r.MultipartForm == nil {
		return nil, nil
	}

	var files []ragflow.File
	for _, fh := range r.MultipartForm.File[field] {
		data, err := readFormFile(fh)
		if err != nil {
			return nil, err
		}
		files = append(files, ragflow.File{Name: fh.Filename, Data: data})
	}
	return files, nil
}

func readFormFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, badRequest("open uploaded file: " + err.Error())
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, badRequest("read uploaded file: " + err.Error())
	}
	return data, nil
}

func pageParams(r *http.Request) (page, pageSize int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ = strconv.Atoi(r.URL.Query().Get("page_size"))
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}
	return page, pageSize
}

// requestError is a client error carrying its HTTP status.
type requestError struct {
	status  int
	message string
}

func (e *requestError) Error() string { return e.message }

func badRequest(msg string) error {
	return &requestError{status: http.StatusBadRequest, message: msg}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("encode response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		s.respondJSON(w, reqErr.status, map[string]string{"error": reqErr.message})
	case errors.Is(err, assessment.ErrTaskNotFound):
		s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
	case errors.Is(err, assessment.ErrInvalidState):
		s.respondJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, assessment.ErrNoQuestions), errors.Is(err, assessment.ErrNoDocuments):
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, assessment.ErrQueueFull):
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "server is busy, retry later"})
	default:
		s.log.Error("internal error", zap.Error(err))
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

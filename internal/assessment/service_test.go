package assessment

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/assessment-api/internal/config"
	"github.com/sells-group/assessment-api/internal/model"
	"github.com/sells-group/assessment-api/internal/store"
	"github.com/sells-group/assessment-api/pkg/ragflow"
)

// fakeClient is an in-memory ragflow.Client. Zero values behave like a
// healthy server: uploads succeed, documents parse instantly, and every
// question gets a Yes verdict citing the first chunk.
type fakeClient struct {
	mu sync.Mutex

	uploadErr   error
	parseErr    error
	chatErr     error
	uploadCount int
	askCount    int

	docs  []ragflow.DocumentInfo
	askFn func(question string) (*ragflow.Completion, error)
}

func (f *fakeClient) ListDatasets(ctx context.Context, name string) ([]ragflow.Dataset, error) {
	return nil, nil
}

func (f *fakeClient) CreateDataset(ctx context.Context, name string, opts map[string]any) (string, error) {
	return "ds-1", nil
}

func (f *fakeClient) DeleteDatasets(ctx context.Context, ids []string) error { return nil }

func (f *fakeClient) EnsureDataset(ctx context.Context, name string, opts map[string]any) (string, error) {
	return "ds-1", nil
}

func (f *fakeClient) UploadDocument(ctx context.Context, datasetID, filename string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploadCount++
	id := fmt.Sprintf("doc-%d", f.uploadCount)
	f.docs = append(f.docs, ragflow.DocumentInfo{
		ID:       id,
		Name:     filename,
		Progress: 1.0,
		Status:   ragflow.StatusSuccess,
	})
	return id, nil
}

func (f *fakeClient) DeleteDocuments(ctx context.Context, datasetID string, ids []string) error {
	return nil
}

func (f *fakeClient) StartParsing(ctx context.Context, datasetID string, documentIDs []string) error {
	return f.parseErr
}

func (f *fakeClient) ListDocuments(ctx context.Context, datasetID string) ([]ragflow.DocumentInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ragflow.DocumentInfo(nil), f.docs...), nil
}

func (f *fakeClient) ListChats(ctx context.Context, name string) ([]ragflow.Chat, error) {
	return nil, nil
}

func (f *fakeClient) CreateChat(ctx context.Context, req ragflow.ChatRequest) (string, error) {
	return "chat-1", nil
}

func (f *fakeClient) DeleteChats(ctx context.Context, ids []string) error { return nil }

func (f *fakeClient) EnsureChat(ctx context.Context, req ragflow.ChatRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chatErr != nil {
		return "", f.chatErr
	}
	return "chat-1", nil
}

func (f *fakeClient) CreateSession(ctx context.Context, chatID string) (string, error) {
	return "sess-1", nil
}

func (f *fakeClient) Ask(ctx context.Context, chatID, sessionID, question string) (*ragflow.Completion, error) {
	f.mu.Lock()
	f.askCount++
	f.mu.Unlock()
	if f.askFn != nil {
		return f.askFn(question)
	}
	return &ragflow.Completion{
		Answer: "Answer: Yes\nDetails: confirmed by policy document. [ID:0]",
		Reference: ragflow.ReferenceBlock{
			Chunks: []ragflow.Chunk{
				{DocumentName: "policy.pdf", DocumentID: "doc-1", Content: "encryption at rest is enabled", Positions: [][]float64{{3, 10, 20, 100, 200}}},
				{DocumentName: "notes.txt", DocumentID: "doc-2", Content: "unrelated", Positions: [][]float64{{7}}},
			},
		},
	}, nil
}

func testConfig() config.AssessmentConfig {
	return config.AssessmentConfig{
		MaxConcurrentCalls:   3,
		PollIntervalSecs:     0.01,
		ParseTimeoutSecs:     2,
		SimilarityThreshold:  0.1,
		TopN:                 8,
		NamePrefix:           "assessment",
		OnlyCitedReferences:  true,
		ProgressBatchSize:    2,
		QuestionIDColumn:     "A",
		QuestionColumn:       "B",
		VendorResponseColumn: "C",
		VendorCommentColumn:  "D",
	}
}

func newTestService(t *testing.T, client ragflow.Client) (*Service, store.TaskStore) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return New(testConfig(), st, client), st
}

func sampleQuestions(n int) []model.Question {
	qs := make([]model.Question, n)
	for i := range qs {
		qs[i] = model.Question{SerialNo: i + 1, Question: fmt.Sprintf("Question %d?", i+1)}
	}
	return qs
}

func TestService_CreateTask(t *testing.T) {
	svc, st := newTestService(t, &fakeClient{})
	ctx := context.Background()

	status, err := svc.CreateTask(ctx, sampleQuestions(3), model.TaskStatePending)
	require.NoError(t, err)
	assert.NotEmpty(t, status.TaskID)
	assert.Equal(t, model.TaskStatePending, status.State)
	assert.Equal(t, model.StageIdle, status.PipelineStage)
	assert.Equal(t, 3, status.TotalQuestions)

	events, total, err := st.ListEvents(ctx, status.TaskID, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, model.EventTaskCreated, events[0].EventType)
}

func TestService_CreateTask_NoQuestions(t *testing.T) {
	svc, _ := newTestService(t, &fakeClient{})

	_, err := svc.CreateTask(context.Background(), nil, model.TaskStatePending)
	assert.ErrorIs(t, err, ErrNoQuestions)
}

func TestService_GetTask_NotFound(t *testing.T) {
	svc, _ := newTestService(t, &fakeClient{})

	_, err := svc.GetTask(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestService_Run_CompletesTask(t *testing.T) {
	client := &fakeClient{}
	svc, _ := newTestService(t, client)
	ctx := context.Background()

	status, err := svc.CreateTask(ctx, sampleQuestions(3), model.TaskStatePending)
	require.NoError(t, err)

	files := []ragflow.File{
		{Name: "policy.pdf", Data: []byte("pdf content")},
		{Name: "notes.txt", Data: []byte("txt content")},
	}
	require.NoError(t, svc.Run(ctx, status.TaskID, files))

	final, err := svc.GetTask(ctx, status.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateCompleted, final.State)
	assert.Equal(t, model.StageFinalizing, final.PipelineStage)
	assert.Equal(t, 3, final.QuestionsProcessed)
	assert.Empty(t, final.Error)
	assert.Equal(t, "ds-1", final.DatasetID)
	assert.Equal(t, "chat-1", final.ChatID)
	assert.Equal(t, "sess-1", final.SessionID)
	assert.Len(t, final.DocumentIDs, 2)
	require.Len(t, final.DocumentStatuses, 2)
	assert.Equal(t, model.DocStatusSuccess, final.DocumentStatuses[0].Status)

	page, err := svc.Results(ctx, status.TaskID, 1, 50)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	for _, r := range page.Results {
		assert.Equal(t, "Yes", r.AIResponse)
		assert.Contains(t, r.Details, "confirmed by policy document")
		// Only the cited chunk survives the filter.
		require.Len(t, r.References, 1)
		assert.Equal(t, "policy.pdf", r.References[0].DocumentName)
		require.NotNil(t, r.References[0].PageNumber)
		assert.Equal(t, 3, *r.References[0].PageNumber)
	}
	assert.Equal(t, 3, client.askCount)
}

func TestService_Run_AllDuplicatesFails(t *testing.T) {
	client := &fakeClient{}
	svc, _ := newTestService(t, client)
	ctx := context.Background()

	status, err := svc.CreateTask(ctx, sampleQuestions(1), model.TaskStatePending)
	require.NoError(t, err)

	// Two files with identical bytes: one uploads, one is an intra-batch dup.
	files := []ragflow.File{
		{Name: "a.pdf", Data: []byte("same")},
		{Name: "b.pdf", Data: []byte("same")},
	}
	require.NoError(t, svc.Run(ctx, status.TaskID, files))
	assert.Equal(t, 1, client.uploadCount)

	// Re-running with the same content uploads nothing and fails the task.
	err = svc.Run(ctx, status.TaskID, files)
	require.Error(t, err)

	final, err := svc.GetTask(ctx, status.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateFailed, final.State)
	assert.Contains(t, final.Error, "duplicates")
}

func TestService_Run_AllParseFailuresFails(t *testing.T) {
	client := &failingParseClient{fakeClient: &fakeClient{}}
	svc, _ := newTestService(t, client)
	ctx := context.Background()

	status, err := svc.CreateTask(ctx, sampleQuestions(1), model.TaskStatePending)
	require.NoError(t, err)

	files := []ragflow.File{{Name: "broken.pdf", Data: []byte("bad")}}
	err = svc.Run(ctx, status.TaskID, files)
	require.Error(t, err)

	final, err := svc.GetTask(ctx, status.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateFailed, final.State)
	assert.Contains(t, final.Error, "no documents parsed successfully")
	assert.Contains(t, final.Error, "broken.pdf")
	assert.Contains(t, final.Error, "unsupported format")
}

// failingParseClient reports every document as failed to parse.
type failingParseClient struct {
	*fakeClient
}

func (f *failingParseClient) ListDocuments(ctx context.Context, datasetID string) ([]ragflow.DocumentInfo, error) {
	docs, _ := f.fakeClient.ListDocuments(ctx, datasetID)
	for i := range docs {
		docs[i].Status = ragflow.StatusFailed
		docs[i].ProgressMsg = "unsupported format"
	}
	return docs, nil
}

func TestService_Run_QuestionFailuresAreNotFatal(t *testing.T) {
	client := &fakeClient{}
	client.askFn = func(question string) (*ragflow.Completion, error) {
		if question == "Question 2?" {
			return nil, fmt.Errorf("upstream hiccup")
		}
		return &ragflow.Completion{Answer: "Answer: No\nDetails: not found."}, nil
	}
	svc, _ := newTestService(t, client)
	ctx := context.Background()

	status, err := svc.CreateTask(ctx, sampleQuestions(3), model.TaskStatePending)
	require.NoError(t, err)

	files := []ragflow.File{{Name: "doc.pdf", Data: []byte("content")}}
	require.NoError(t, svc.Run(ctx, status.TaskID, files))

	final, err := svc.GetTask(ctx, status.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateCompleted, final.State)
	assert.Contains(t, final.ProgressMessage, "1 of 3 questions failed")

	page, err := svc.Results(ctx, status.TaskID, 1, 50)
	require.NoError(t, err)
	require.Len(t, page.Results, 3)

	bySerial := map[int]model.QuestionResult{}
	for _, r := range page.Results {
		bySerial[r.QuestionSerialNo] = r
	}
	assert.Equal(t, "N/A", bySerial[2].AIResponse)
	assert.Contains(t, bySerial[2].Details, "question failed")
	assert.Equal(t, "No", bySerial[1].AIResponse)
}

func TestService_RunFromDataset_SkipsUploadAndParsing(t *testing.T) {
	client := &fakeClient{}
	svc, _ := newTestService(t, client)
	ctx := context.Background()

	status, err := svc.CreateTask(ctx, sampleQuestions(2), model.TaskStatePending)
	require.NoError(t, err)

	require.NoError(t, svc.RunFromDataset(ctx, status.TaskID, "existing-ds"))

	final, err := svc.GetTask(ctx, status.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateCompleted, final.State)
	assert.Equal(t, "existing-ds", final.DatasetID)
	assert.Equal(t, 0, client.uploadCount)
	assert.Equal(t, 2, client.askCount)
}

func TestService_SessionFlow(t *testing.T) {
	client := &fakeClient{}
	svc, _ := newTestService(t, client)
	ctx := context.Background()

	status, err := svc.CreateTask(ctx, sampleQuestions(2), model.TaskStateAwaitingDocuments)
	require.NoError(t, err)

	res, err := svc.AddDocuments(ctx, status.TaskID, []ragflow.File{
		{Name: "one.pdf", Data: []byte("one")},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, 0, res.Skipped)

	// Same content again is a no-op upload.
	res, err = svc.AddDocuments(ctx, status.TaskID, []ragflow.File{
		{Name: "copy.pdf", Data: []byte("one")},
		{Name: "two.pdf", Data: []byte("two")},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, 1, res.Skipped)
	assert.Len(t, res.DocumentIDs, 2)

	require.NoError(t, svc.ClaimStart(ctx, status.TaskID))

	mid, err := svc.GetTask(ctx, status.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateParsing, mid.State)

	// Starting an already-claimed task is rejected.
	err = svc.ClaimStart(ctx, status.TaskID)
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, svc.RunForSession(ctx, status.TaskID))

	final, err := svc.GetTask(ctx, status.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateCompleted, final.State)
	assert.Equal(t, 2, final.QuestionsProcessed)
}

func TestService_CreateSession_ProvisionsDataset(t *testing.T) {
	svc, _ := newTestService(t, &fakeClient{})

	status, err := svc.CreateSession(context.Background(), sampleQuestions(2))
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateAwaitingDocuments, status.State)
	assert.Equal(t, "ds-1", status.DatasetID)
	assert.Equal(t, []string{"ds-1"}, status.DatasetIDs)
}

func TestService_SessionFlow_RetryAfterFailure(t *testing.T) {
	client := &fakeClient{chatErr: fmt.Errorf("chat assistant unavailable")}
	svc, _ := newTestService(t, client)
	ctx := context.Background()

	status, err := svc.CreateSession(ctx, sampleQuestions(2))
	require.NoError(t, err)

	_, err = svc.AddDocuments(ctx, status.TaskID, []ragflow.File{
		{Name: "one.pdf", Data: []byte("one")},
	})
	require.NoError(t, err)
	require.NoError(t, svc.ClaimStart(ctx, status.TaskID))
	require.Error(t, svc.RunForSession(ctx, status.TaskID))

	failed, err := svc.GetTask(ctx, status.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateFailed, failed.State)
	assert.Contains(t, failed.Error, "chat assistant unavailable")
	require.NotEmpty(t, failed.DocumentStatuses)

	// Adding corrected documents to the failed task resets it for a retry.
	client.mu.Lock()
	client.chatErr = nil
	client.mu.Unlock()
	res, err := svc.AddDocuments(ctx, status.TaskID, []ragflow.File{
		{Name: "fixed.pdf", Data: []byte("fixed")},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Uploaded)

	mid, err := svc.GetTask(ctx, status.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateAwaitingDocuments, mid.State)
	assert.Empty(t, mid.Error)

	require.NoError(t, svc.ClaimStart(ctx, status.TaskID))
	claimed, err := svc.GetTask(ctx, status.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateParsing, claimed.State)
	assert.Empty(t, claimed.DocumentStatuses)
	assert.Equal(t, 0, claimed.QuestionsProcessed)
	page, err := svc.Results(ctx, status.TaskID, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, page.Total)

	require.NoError(t, svc.RunForSession(ctx, status.TaskID))
	final, err := svc.GetTask(ctx, status.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateCompleted, final.State)
	assert.Equal(t, 2, final.QuestionsProcessed)
}

func TestService_ClaimStart_RejectsCompleted(t *testing.T) {
	client := &fakeClient{}
	svc, _ := newTestService(t, client)
	ctx := context.Background()

	status, err := svc.CreateTask(ctx, sampleQuestions(1), model.TaskStateAwaitingDocuments)
	require.NoError(t, err)
	_, err = svc.AddDocuments(ctx, status.TaskID, []ragflow.File{{Name: "a.pdf", Data: []byte("a")}})
	require.NoError(t, err)
	require.NoError(t, svc.ClaimStart(ctx, status.TaskID))
	require.NoError(t, svc.RunForSession(ctx, status.TaskID))

	err = svc.ClaimStart(ctx, status.TaskID)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestService_Run_UncitedAnswerKeepsAllReferences(t *testing.T) {
	client := &fakeClient{}
	client.askFn = func(question string) (*ragflow.Completion, error) {
		return &ragflow.Completion{
			Answer: "Answer: Yes\nDetails: see appendix. [ID:99]",
			Reference: ragflow.ReferenceBlock{
				Chunks: []ragflow.Chunk{
					{DocumentName: "policy.pdf", DocumentID: "doc-1", Content: "chunk one"},
					{DocumentName: "notes.txt", DocumentID: "doc-2", Content: "chunk two"},
				},
			},
		}, nil
	}
	svc, _ := newTestService(t, client)
	ctx := context.Background()

	status, err := svc.CreateTask(ctx, sampleQuestions(1), model.TaskStatePending)
	require.NoError(t, err)
	require.NoError(t, svc.RunFromDataset(ctx, status.TaskID, "ds-x"))

	page, err := svc.Results(ctx, status.TaskID, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Results, 1)
	// The cited index matches no chunk, so the filter keeps every reference.
	assert.Len(t, page.Results[0].References, 2)
}

func TestService_ClaimStart_RequiresDocuments(t *testing.T) {
	svc, _ := newTestService(t, &fakeClient{})
	ctx := context.Background()

	status, err := svc.CreateTask(ctx, sampleQuestions(1), model.TaskStateAwaitingDocuments)
	require.NoError(t, err)

	err = svc.ClaimStart(ctx, status.TaskID)
	assert.ErrorIs(t, err, ErrNoDocuments)
}

func TestService_AddDocuments_InvalidState(t *testing.T) {
	svc, _ := newTestService(t, &fakeClient{})
	ctx := context.Background()

	status, err := svc.CreateTask(ctx, sampleQuestions(1), model.TaskStatePending)
	require.NoError(t, err)

	_, err = svc.AddDocuments(ctx, status.TaskID, []ragflow.File{{Name: "x.pdf", Data: []byte("x")}})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestService_Results_Pagination(t *testing.T) {
	client := &fakeClient{}
	svc, _ := newTestService(t, client)
	ctx := context.Background()

	status, err := svc.CreateTask(ctx, sampleQuestions(5), model.TaskStatePending)
	require.NoError(t, err)
	require.NoError(t, svc.RunFromDataset(ctx, status.TaskID, "ds-x"))

	page, err := svc.Results(ctx, status.TaskID, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.Len(t, page.Results, 2)
	assert.Equal(t, 2, page.Page)
}

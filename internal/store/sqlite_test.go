package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/assessment-api/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func newTaskRecord(taskID string) *model.TaskRecord {
	now := time.Now().UTC().Truncate(time.Second)
	return &model.TaskRecord{
		TaskID: taskID,
		Status: model.TaskStatus{
			TaskID:        taskID,
			State:         model.TaskStatePending,
			PipelineStage: model.StageIdle,
			CreatedAt:     now,
			UpdatedAt:     now,
		},
		Ragflow: model.RagflowContext{
			FileHashes: map[string]string{},
		},
	}
}

// --- Tasks ---

func TestSQLite_Task_SaveAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	rec := newTaskRecord("task-1")
	rec.Status.State = model.TaskStateProcessing
	rec.Status.PipelineStage = model.StageChatProcessing
	rec.Status.ProgressMessage = "processing questions"
	rec.Status.TotalQuestions = 3
	rec.Status.QuestionsProcessed = 1
	rec.Ragflow = model.RagflowContext{
		DatasetID:   "ds-1",
		DatasetIDs:  []string{"ds-1"},
		DocumentIDs: []string{"doc-1", "doc-2"},
		FileHashes:  map[string]string{"abc123": "doc-1", "def456": "doc-2"},
		ChatID:      "chat-1",
		SessionID:   "sess-1",
	}
	rec.Questions = []model.Question{{SerialNo: 1, Question: "Is data encrypted at rest?"}}
	rec.Results = []model.QuestionResult{{QuestionSerialNo: 1, Question: "Is data encrypted at rest?", AIResponse: "Yes"}}

	require.NoError(t, st.SaveTask(ctx, rec))

	got, err := st.GetTask(ctx, "task-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.TaskStateProcessing, got.Status.State)
	assert.Equal(t, model.StageChatProcessing, got.Status.PipelineStage)
	assert.Equal(t, 3, got.Status.TotalQuestions)
	assert.Equal(t, 1, got.Status.QuestionsProcessed)
	assert.Equal(t, "ds-1", got.Ragflow.DatasetID)
	assert.Equal(t, map[string]string{"abc123": "doc-1", "def456": "doc-2"}, got.Ragflow.FileHashes)
	require.Len(t, got.Results, 1)
	assert.Equal(t, "Yes", got.Results[0].AIResponse)

	// RAGFlow IDs are synced into the status on load.
	assert.Equal(t, "ds-1", got.Status.DatasetID)
	assert.Equal(t, "chat-1", got.Status.ChatID)
	assert.Equal(t, "sess-1", got.Status.SessionID)
	assert.Equal(t, []string{"doc-1", "doc-2"}, got.Status.DocumentIDs)
}

func TestSQLite_Task_GetMissing(t *testing.T) {
	st := newTestSQLiteStore(t)

	got, err := st.GetTask(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLite_Task_SaveUpsert(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	rec := newTaskRecord("task-up")
	require.NoError(t, st.SaveTask(ctx, rec))

	rec.Status.State = model.TaskStateCompleted
	rec.Status.PipelineStage = model.StageFinalizing
	rec.Status.ProgressMessage = "done"
	require.NoError(t, st.SaveTask(ctx, rec))

	got, err := st.GetTask(ctx, "task-up")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.TaskStateCompleted, got.Status.State)
	assert.Equal(t, "done", got.Status.ProgressMessage)
}

func TestSQLite_Task_ListPagination(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		rec := newTaskRecord(fmt.Sprintf("task-%d", i))
		rec.Status.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Minute)
		rec.Status.UpdatedAt = rec.Status.CreatedAt
		require.NoError(t, st.SaveTask(ctx, rec))
	}

	page1, total, err := st.ListTasks(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page1, 2)
	// Newest first.
	assert.Equal(t, "task-4", page1[0].TaskID)
	assert.Equal(t, "task-3", page1[1].TaskID)

	page3, total, err := st.ListTasks(ctx, 3, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page3, 1)
	assert.Equal(t, "task-0", page3[0].TaskID)
}

func TestSQLite_Task_FindByDatasetID(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	rec1 := newTaskRecord("task-a")
	rec1.Ragflow.DatasetID = "ds-primary"
	require.NoError(t, st.SaveTask(ctx, rec1))

	rec2 := newTaskRecord("task-b")
	rec2.Ragflow.DatasetID = "ds-other"
	rec2.Ragflow.DatasetIDs = []string{"ds-other", "ds-primary"}
	require.NoError(t, st.SaveTask(ctx, rec2))

	rec3 := newTaskRecord("task-c")
	rec3.Ragflow.DatasetID = "ds-unrelated"
	require.NoError(t, st.SaveTask(ctx, rec3))

	found, err := st.FindTasksByDatasetID(ctx, "ds-primary")
	require.NoError(t, err)
	require.Len(t, found, 2)
	ids := []string{found[0].TaskID, found[1].TaskID}
	assert.ElementsMatch(t, []string{"task-a", "task-b"}, ids)
}

func TestSQLite_Task_FindDocumentsByHash(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	rec1 := newTaskRecord("task-a")
	rec1.Ragflow.DatasetID = "ds-1"
	rec1.Ragflow.FileHashes = map[string]string{"hash-x": "doc-1"}
	require.NoError(t, st.SaveTask(ctx, rec1))

	rec2 := newTaskRecord("task-b")
	rec2.Ragflow.DatasetID = "ds-2"
	rec2.Ragflow.FileHashes = map[string]string{"hash-x": "doc-9", "hash-y": "doc-8"}
	require.NoError(t, st.SaveTask(ctx, rec2))

	matches, err := st.FindDocumentsByHash(ctx, "hash-x")
	require.NoError(t, err)
	require.Len(t, matches, 2)
	byTask := map[string]DocumentMatch{}
	for _, m := range matches {
		byTask[m.TaskID] = m
	}
	assert.Equal(t, "doc-1", byTask["task-a"].DocumentID)
	assert.Equal(t, "ds-1", byTask["task-a"].DatasetID)
	assert.Equal(t, "doc-9", byTask["task-b"].DocumentID)

	none, err := st.FindDocumentsByHash(ctx, "hash-missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

// --- Events ---

func TestSQLite_Events_AppendAndList(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 3; i++ {
		ev := model.TaskEvent{
			EventType: model.EventStatusUpdate,
			State:     model.TaskStateProcessing,
			Message:   fmt.Sprintf("step %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, st.AppendEvent(ctx, "task-ev", ev))
	}

	events, total, err := st.ListEvents(ctx, "task-ev", 1, 50)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, events, 3)
	// Newest first.
	assert.Equal(t, "step 2", events[0].Message)
	assert.Equal(t, "step 0", events[2].Message)
	assert.Equal(t, model.TaskStateProcessing, events[0].State)
}

func TestSQLite_Events_Payload(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	ev := model.TaskEvent{
		EventType: model.EventTaskCreated,
		Message:   "task created",
		Payload:   map[string]any{"total_questions": float64(12)},
	}
	require.NoError(t, st.AppendEvent(ctx, "task-p", ev))

	events, _, err := st.ListEvents(ctx, "task-p", 1, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, map[string]any{"total_questions": float64(12)}, events[0].Payload)
}

// --- Purge ---

func TestSQLite_PurgeOlderThan(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	old := newTaskRecord("task-old")
	old.Status.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	old.Status.UpdatedAt = old.Status.CreatedAt
	require.NoError(t, st.SaveTask(ctx, old))
	require.NoError(t, st.AppendEvent(ctx, "task-old", model.TaskEvent{EventType: model.EventTaskCreated}))

	fresh := newTaskRecord("task-fresh")
	require.NoError(t, st.SaveTask(ctx, fresh))

	n, err := st.PurgeOlderThan(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	gone, err := st.GetTask(ctx, "task-old")
	require.NoError(t, err)
	assert.Nil(t, gone)

	kept, err := st.GetTask(ctx, "task-fresh")
	require.NoError(t, err)
	assert.NotNil(t, kept)

	_, total, err := st.ListEvents(ctx, "task-old", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, total)
}

// --- Locking ---

func TestSQLite_WithTaskLock_Serializes(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	var active, maxActive int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := st.WithTaskLock(ctx, "task-lock", func(context.Context) error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive)
}

func TestSQLite_WithTaskLock_IndependentTasks(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	// A lock held on one task must not block another.
	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = st.WithTaskLock(ctx, "task-1", func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	done := make(chan struct{})
	go func() {
		_ = st.WithTaskLock(ctx, "task-2", func(context.Context) error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lock on task-2 blocked by lock on task-1")
	}
	close(release)
}

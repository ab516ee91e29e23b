package assessment

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/assessment-api/internal/model"
	"github.com/sells-group/assessment-api/pkg/ragflow"
)

// processQuestions asks every task question against the chat session,
// bounded by the shared semaphore. Individual question failures produce an
// N/A result and are counted, never fatal; only infrastructure errors
// (context cancellation, persistence) abort the run.
//
// Results append in completion order. Progress is persisted every
// ProgressBatchSize completions and once at the end, so a status poller sees
// the counter move without a write per question.
func (s *Service) processQuestions(ctx context.Context, rec *model.TaskRecord) (int, error) {
	batch := s.cfg.ProgressBatchSize
	if batch < 1 {
		batch = 1
	}
	total := len(rec.Questions)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completed int
		failures  int
		saveErr   error
	)

	for _, q := range rec.Questions {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return failures, err
		}
		wg.Add(1)
		go func(q model.Question) {
			defer wg.Done()
			defer s.sem.Release(1)

			result, ok := s.askQuestion(ctx, rec, q)

			mu.Lock()
			defer mu.Unlock()
			rec.Results = append(rec.Results, result)
			completed++
			if !ok {
				failures++
			}

			if completed%batch == 0 || completed == total {
				n := completed
				if uerr := s.updateStatus(ctx, rec, func(st *model.TaskStatus) {
					st.QuestionsProcessed = n
					st.ProgressMessage = fmt.Sprintf("processed %d of %d questions", n, total)
				}); uerr != nil && saveErr == nil {
					saveErr = uerr
				}
			}
		}(q)
	}
	wg.Wait()

	if saveErr != nil {
		return failures, saveErr
	}
	return failures, nil
}

// askQuestion runs one question through the chat session and builds its
// result. ok reports whether the ask itself succeeded.
func (s *Service) askQuestion(ctx context.Context, rec *model.TaskRecord, q model.Question) (model.QuestionResult, bool) {
	result := model.QuestionResult{
		QuestionSerialNo: q.SerialNo,
		Question:         q.Question,
		VendorResponse:   q.VendorResponse,
		VendorComment:    q.VendorComment,
	}

	completion, err := s.client.Ask(ctx, rec.Ragflow.ChatID, rec.Ragflow.SessionID, s.framedQuestion(q))
	if err != nil {
		s.log.Warn("question failed",
			zap.String("task_id", rec.TaskID),
			zap.Int("serial_no", q.SerialNo),
			zap.Error(err))
		result.AIResponse = "N/A"
		result.Details = fmt.Sprintf("question failed: %v", err)
		result.References = []model.Reference{}
		return result, false
	}

	verdict, details := ragflow.ParseYesNo(completion.Answer)
	result.AIResponse = verdict
	result.Details = details
	result.References = s.selectReferences(completion)
	return result, true
}

// framedQuestion wraps the question with the vendor's own answer when vendor
// verification is enabled, so the assistant judges the vendor claim instead
// of answering cold.
func (s *Service) framedQuestion(q model.Question) string {
	if !s.cfg.ProcessVendorResponse || (q.VendorResponse == "" && q.VendorComment == "") {
		return q.Question
	}
	return fmt.Sprintf("The vendor responded '%s' with comments: '%s'. Please verify if this is correct based on the documents. Question: %s",
		q.VendorResponse, q.VendorComment, q.Question)
}

// selectReferences extracts references from a completion, keeping only the
// chunks the answer actually cites by [ID:N] marker when that filter is on.
// A cited set that matches no chunk position keeps all references rather than
// returning an unexplained empty list.
func (s *Service) selectReferences(completion *ragflow.Completion) []model.Reference {
	extracted := ragflow.ExtractReferences(completion.Reference)

	if s.cfg.OnlyCitedReferences {
		cited := ragflow.CitedIndices(completion.Answer)
		if len(cited) > 0 {
			var kept []ragflow.Reference
			for i, ref := range extracted {
				if cited[i] {
					kept = append(kept, ref)
				}
			}
			if len(kept) > 0 {
				extracted = kept
			}
		}
	}

	refs := make([]model.Reference, len(extracted))
	for i, r := range extracted {
		refs[i] = model.Reference{
			DocumentName: r.DocumentName,
			DocumentType: r.DocumentType,
			PageNumber:   r.PageNumber,
			ChunkIndex:   r.ChunkIndex,
			Coordinates:  r.Coordinates,
			Snippet:      r.Snippet,
			ImageURL:     r.ImageURL,
			DocumentURL:  r.DocumentURL,
		}
	}
	return refs
}

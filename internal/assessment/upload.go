package assessment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/assessment-api/internal/model"
	"github.com/sells-group/assessment-api/pkg/ragflow"
)

// uploadDeduped uploads files into the task's dataset, skipping any file
// whose SHA-256 content digest is already recorded on the task. Within one
// batch the first occurrence of a digest wins. Uploads run concurrently under
// the shared RAGFlow-call semaphore; the first upload error aborts the batch.
//
// The caller holds whatever task lock the flow requires; this function only
// mutates the in-memory record.
func (s *Service) uploadDeduped(ctx context.Context, rec *model.TaskRecord, files []ragflow.File) (uploaded, skipped int, err error) {
	if rec.Ragflow.FileHashes == nil {
		rec.Ragflow.FileHashes = map[string]string{}
	}

	type pending struct {
		file ragflow.File
		hash string
	}
	var todo []pending
	seen := map[string]bool{}
	for _, f := range files {
		sum := sha256.Sum256(f.Data)
		hash := hex.EncodeToString(sum[:])
		if _, dup := rec.Ragflow.FileHashes[hash]; dup || seen[hash] {
			skipped++
			s.log.Debug("skipping duplicate document",
				zap.String("task_id", rec.TaskID),
				zap.String("filename", f.Name),
				zap.String("hash", hash))
			continue
		}
		seen[hash] = true
		todo = append(todo, pending{file: f, hash: hash})
	}

	docIDs := make([]string, len(todo))
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for i, p := range todo {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return 0, 0, eris.Wrap(err, "acquire upload slot")
		}
		wg.Add(1)
		go func(i int, p pending) {
			defer wg.Done()
			defer s.sem.Release(1)

			id, err := s.client.UploadDocument(ctx, rec.Ragflow.DatasetID, p.file.Name, p.file.Data)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = eris.Wrapf(err, "upload %s", p.file.Name)
				}
				return
			}
			docIDs[i] = id
		}(i, p)
	}
	wg.Wait()
	if firstErr != nil {
		return 0, 0, firstErr
	}

	for i, p := range todo {
		rec.Ragflow.FileHashes[p.hash] = docIDs[i]
		rec.Ragflow.DocumentIDs = append(rec.Ragflow.DocumentIDs, docIDs[i])
	}
	return len(todo), skipped, nil
}

package ragflow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Friendly document statuses derived from the raw run/progress pair.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// ListDatasets returns datasets, optionally filtered by exact name.
//
// RAGFlow answers a name-filtered search for a missing dataset with a
// permission-style error; that is treated as an empty result, not a failure.
func (c *httpClient) ListDatasets(ctx context.Context, name string) ([]Dataset, error) {
	params := url.Values{"page": {"1"}, "page_size": {"100"}}
	if name != "" {
		params.Set("name", name)
	}
	data, err := c.request(ctx, http.MethodGet, "/api/v1/datasets", nil, params)
	if err != nil {
		var uerr *UpstreamError
		if name != "" && errors.As(err, &uerr) && strings.Contains(uerr.Message, "lacks permission") {
			return nil, nil
		}
		return nil, err
	}
	return decodeItemList[Dataset](data)
}

// CreateDataset creates a dataset and returns its ID.
func (c *httpClient) CreateDataset(ctx context.Context, name string, opts map[string]any) (string, error) {
	payload := map[string]any{"name": name}
	for k, v := range opts {
		payload[k] = v
	}
	data, err := c.request(ctx, http.MethodPost, "/api/v1/datasets", payload, nil)
	if err != nil {
		return "", err
	}
	return decodeID(data)
}

// DeleteDatasets deletes the given datasets.
func (c *httpClient) DeleteDatasets(ctx context.Context, ids []string) error {
	_, err := c.request(ctx, http.MethodDelete, "/api/v1/datasets", map[string]any{"ids": ids}, nil)
	return err
}

func (c *httpClient) EnsureDataset(ctx context.Context, name string, opts map[string]any) (string, error) {
	existing, err := c.ListDatasets(ctx, name)
	if err != nil {
		return "", err
	}
	var stale []string
	for _, ds := range existing {
		if ds.Name == name {
			zap.L().Info("ragflow: deleting existing dataset",
				zap.String("name", name), zap.String("id", ds.ID))
			stale = append(stale, ds.ID)
		}
	}
	if len(stale) > 0 {
		if err := c.DeleteDatasets(ctx, stale); err != nil {
			return "", err
		}
	}
	return c.CreateDataset(ctx, name, opts)
}

// UploadDocument uploads one document into a dataset and returns its ID.
func (c *httpClient) UploadDocument(ctx context.Context, datasetID, filename string, data []byte) (string, error) {
	raw, err := c.upload(ctx, "/api/v1/datasets/"+datasetID+"/documents", filename, data)
	if err != nil {
		return "", err
	}
	var docs []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &docs); err != nil {
		return "", eris.Wrap(err, "ragflow: decode upload response")
	}
	if len(docs) == 0 {
		return "", eris.New("ragflow: upload succeeded but no document returned")
	}
	return docs[0].ID, nil
}

// DeleteDocuments removes documents from a dataset.
func (c *httpClient) DeleteDocuments(ctx context.Context, datasetID string, ids []string) error {
	_, err := c.request(ctx, http.MethodDelete,
		"/api/v1/datasets/"+datasetID+"/documents", map[string]any{"ids": ids}, nil)
	return err
}

// StartParsing triggers chunk parsing for the given documents. The call is
// fire-and-forget; use WaitForParsing to observe progress.
func (c *httpClient) StartParsing(ctx context.Context, datasetID string, documentIDs []string) error {
	_, err := c.request(ctx, http.MethodPost,
		"/api/v1/datasets/"+datasetID+"/chunks", map[string]any{"document_ids": documentIDs}, nil)
	return err
}

// ListDocuments returns the documents of a dataset with a normalized Status.
func (c *httpClient) ListDocuments(ctx context.Context, datasetID string) ([]DocumentInfo, error) {
	params := url.Values{"page": {"1"}, "page_size": {"100"}}
	data, err := c.request(ctx, http.MethodGet, "/api/v1/datasets/"+datasetID+"/documents", nil, params)
	if err != nil {
		return nil, err
	}

	// The data field is usually {"docs": [...], "total": N} but some
	// deployments return a bare list.
	var wrapped struct {
		Docs []DocumentInfo `json:"docs"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Docs != nil {
		return normalizeDocs(wrapped.Docs), nil
	}
	var list []DocumentInfo
	if err := json.Unmarshal(data, &list); err == nil {
		return normalizeDocs(list), nil
	}
	return nil, eris.New("ragflow: unrecognized document list response shape")
}

func normalizeDocs(docs []DocumentInfo) []DocumentInfo {
	for i := range docs {
		docs[i].Status = docStatus(docs[i].Run, docs[i].Progress)
	}
	return docs
}

// docStatus maps the raw run marker and progress fraction to a friendly
// status. Progress ~1.0 is treated as success to absorb float rounding.
func docStatus(run string, progress float64) string {
	switch {
	case run == "FAIL" || run == "2":
		return StatusFailed
	case progress >= 0.999:
		return StatusSuccess
	case progress > 0:
		return StatusRunning
	default:
		return StatusPending
	}
}

// UploadAll uploads files concurrently with at most limit in-flight calls and
// returns document IDs in input order.
func UploadAll(ctx context.Context, client Client, datasetID string, files []File, limit int) ([]string, error) {
	ids := make([]string, len(files))
	g, gCtx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, f := range files {
		g.Go(func() error {
			id, err := client.UploadDocument(gCtx, datasetID, f.Name, f.Data)
			if err != nil {
				return eris.Wrapf(err, "ragflow: upload %s", f.Name)
			}
			ids[i] = id
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ids, nil
}

// File is an in-memory file to upload.
type File struct {
	Name string
	Data []byte
}

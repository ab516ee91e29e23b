package ragflow

import (
	"context"
	"time"
)

const (
	defaultPollInterval = 3 * time.Second
	defaultPollTimeout  = 10 * time.Minute
)

// Terminal statuses assigned only by WaitForParsing.
const (
	StatusTimeout  = "timeout"
	StatusNotFound = "not_found"
)

// DocumentStatus is the terminal per-document outcome of a parsing wait.
type DocumentStatus struct {
	DocumentID   string  `json:"document_id"`
	DocumentName string  `json:"document_name"`
	Status       string  `json:"status"` // success | failed | timeout | not_found
	Progress     float64 `json:"progress"`
	Message      string  `json:"message"`
}

// PollOption configures polling behavior.
type PollOption func(*pollConfig)

type pollConfig struct {
	interval time.Duration
	timeout  time.Duration
}

// WithPollInterval overrides the poll interval.
func WithPollInterval(d time.Duration) PollOption {
	return func(c *pollConfig) {
		c.interval = d
	}
}

// WithPollTimeout overrides the default timeout (applied only if the parent
// context has no deadline).
func WithPollTimeout(d time.Duration) PollOption {
	return func(c *pollConfig) {
		c.timeout = d
	}
}

// WaitForParsing polls ListDocuments until every requested document reaches a
// terminal parse state (success or failed) or the timeout elapses.
//
// It returns one DocumentStatus per requested ID, in input order. Documents
// absent from every poll response are reported not_found; documents still in
// flight at the deadline are reported timeout. Individual document failures
// never produce an error; the caller decides whether the run can continue.
// An error is returned only when a poll request itself fails.
func WaitForParsing(ctx context.Context, client Client, datasetID string, documentIDs []string, opts ...PollOption) ([]DocumentStatus, error) {
	cfg := pollConfig{interval: defaultPollInterval, timeout: defaultPollTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	terminal := make(map[string]DocumentStatus, len(documentIDs))
	lastSeen := make(map[string]DocumentInfo)

poll:
	for {
		docs, err := client.ListDocuments(ctx, datasetID)
		if err != nil {
			return nil, err
		}
		byID := make(map[string]DocumentInfo, len(docs))
		for _, d := range docs {
			byID[d.ID] = d
			lastSeen[d.ID] = d
		}

		pending := false
		for _, id := range documentIDs {
			if _, done := terminal[id]; done {
				continue
			}
			doc, ok := byID[id]
			if !ok {
				terminal[id] = DocumentStatus{
					DocumentID: id,
					Status:     StatusNotFound,
					Message:    "document not found in dataset",
				}
				continue
			}
			switch doc.Status {
			case StatusFailed:
				msg := doc.ProgressMsg
				if msg == "" {
					msg = "parsing failed"
				}
				terminal[id] = DocumentStatus{
					DocumentID:   id,
					DocumentName: doc.Name,
					Status:       StatusFailed,
					Progress:     doc.Progress,
					Message:      msg,
				}
			case StatusSuccess:
				terminal[id] = DocumentStatus{
					DocumentID:   id,
					DocumentName: doc.Name,
					Status:       StatusSuccess,
					Progress:     1.0,
					Message:      "parsed successfully",
				}
			default:
				pending = true
			}
		}

		if !pending {
			break
		}

		select {
		case <-ctx.Done():
			break poll
		case <-time.After(cfg.interval):
		}
	}

	// Anything still unresolved hit the timeout.
	for _, id := range documentIDs {
		if _, done := terminal[id]; done {
			continue
		}
		doc := lastSeen[id]
		terminal[id] = DocumentStatus{
			DocumentID:   id,
			DocumentName: doc.Name,
			Status:       StatusTimeout,
			Progress:     doc.Progress,
			Message:      "document parsing timed out",
		}
	}

	out := make([]DocumentStatus, 0, len(documentIDs))
	for _, id := range documentIDs {
		out = append(out, terminal[id])
	}
	return out, nil
}

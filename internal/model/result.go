package model

// Question is one input question for an assessment run, immutable once parsed
// from the uploaded spreadsheet. SerialNo is caller-supplied or auto-assigned
// 1-based. VendorResponse and VendorComment are optional grounding context.
type Question struct {
	SerialNo       int    `json:"serial_no"`
	Question       string `json:"question"`
	VendorResponse string `json:"vendor_response,omitempty"`
	VendorComment  string `json:"vendor_comment,omitempty"`
}

// QuestionResult is the verdict produced for one question. Results are
// rebuilt from scratch on every run, never merged with a prior run's.
type QuestionResult struct {
	QuestionSerialNo int         `json:"question_serial_no"`
	Question         string      `json:"question"`
	VendorResponse   string      `json:"vendor_response,omitempty"`
	VendorComment    string      `json:"vendor_comment,omitempty"`
	AIResponse       string      `json:"ai_response"` // Yes | No | N/A
	Details          string      `json:"details"`
	References       []Reference `json:"references"`
}

// Reference is one citation backing a verdict. For paginated formats
// (pdf, ppt) PageNumber is set; for everything else ChunkIndex is set.
// The two are never populated together. Coordinates carry the PDF
// bounding box [x1, x2, y1, y2] and are nil for all other types.
type Reference struct {
	DocumentName string    `json:"document_name"`
	DocumentType string    `json:"document_type"`
	PageNumber   *int      `json:"page_number,omitempty"`
	ChunkIndex   *int      `json:"chunk_index,omitempty"`
	Coordinates  []float64 `json:"coordinates,omitempty"`
	Snippet      string    `json:"snippet"`
	ImageURL     string    `json:"image_url,omitempty"`
	DocumentURL  string    `json:"document_url,omitempty"`
}

// Document parse statuses reported per uploaded document.
const (
	DocStatusPending  = "pending"
	DocStatusRunning  = "running"
	DocStatusSuccess  = "success"
	DocStatusFailed   = "failed"
	DocStatusTimeout  = "timeout"
	DocStatusNotFound = "not_found"
)

// DocumentStatus is the per-document parsing outcome for one run.
type DocumentStatus struct {
	DocumentID   string  `json:"document_id"`
	DocumentName string  `json:"document_name"`
	Status       string  `json:"status"`
	Progress     float64 `json:"progress"` // 0.0 - 1.0
	Message      string  `json:"message"`
}

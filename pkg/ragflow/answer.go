package ragflow

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Reference is one cleaned-up citation extracted from a completion's
// reference block. Exactly one of PageNumber and ChunkIndex is populated,
// depending on the source document type.
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

// extToType maps well-known extensions to a friendly category. Anything not
// listed falls back to the bare extension so every file type gets a label.
var extToType = map[string]string{
	".pdf":  "pdf",
	".xls":  "excel",
	".xlsx": "excel",
	".xlsm": "excel",
	".xlsb": "excel",
	".csv":  "excel",
	".doc":  "docx",
	".docx": "docx",
	".ppt":  "ppt",
	".pptx": "ppt",
}

// DetectDocType infers a document type label from the file extension.
func DetectDocType(documentName string) string {
	ext := strings.ToLower(filepath.Ext(documentName))
	if t, ok := extToType[ext]; ok {
		return t
	}
	if ext == "" {
		return "unknown"
	}
	return strings.TrimPrefix(ext, ".")
}

// Document types whose positions carry real page/slide numbers.
// PDF positions are [page, x1, x2, y1, y2]; PPT positions are
// [slide, 0, 0, 0, 0] with the trailing zeros carrying no information.
func hasPageNumber(docType string) bool {
	return docType == "pdf" || docType == "ppt"
}

// Only PDF carries meaningful bounding-box coordinates.
func hasCoordinates(docType string) bool {
	return docType == "pdf"
}

const snippetLimit = 300

// ExtractReferences converts a completion's reference block into Reference
// values. Position interpretation depends on the document type: PDF gets a
// page number plus bounding box, PPT a slide number with the zero
// coordinates discarded, and every other type a chunk/row index. Image and
// document links are rewritten as proxy URLs so raw RAGFlow links are never
// exposed to clients.
func ExtractReferences(block ReferenceBlock) []Reference {
	refs := make([]Reference, 0, len(block.Chunks))
	for _, chunk := range block.Chunks {
		docType := DetectDocType(chunk.DocumentName)
		ref := Reference{
			DocumentName: chunk.DocumentName,
			DocumentType: docType,
			Snippet:      snippet(chunk.Content),
		}

		if len(chunk.Positions) > 0 && len(chunk.Positions[0]) >= 1 {
			pos := chunk.Positions[0]
			if hasPageNumber(docType) {
				page := int(pos[0])
				ref.PageNumber = &page
				if hasCoordinates(docType) && len(pos) >= 5 {
					ref.Coordinates = []float64{pos[1], pos[2], pos[3], pos[4]}
				}
			} else {
				idx := int(pos[0])
				ref.ChunkIndex = &idx
			}
		}

		if chunk.ImageID != "" {
			ref.ImageURL = "/api/v1/proxy/image/" + chunk.ImageID
		}
		if chunk.DocumentID != "" {
			ref.DocumentURL = "/api/v1/proxy/document/" + chunk.DocumentID
			if ref.PageNumber != nil {
				ref.DocumentURL += fmt.Sprintf("#page=%d", *ref.PageNumber)
			}
		}

		refs = append(refs, ref)
	}
	return refs
}

func snippet(content string) string {
	content = strings.TrimSpace(content)
	runes := []rune(content)
	if len(runes) <= snippetLimit {
		return content
	}
	return string(runes[:snippetLimit]) + "..."
}

var (
	answerRe  = regexp.MustCompile(`(?i)\banswer\s*:\s*(yes|no|n/?a)\b`)
	detailsRe = regexp.MustCompile(`(?is)\bdetails?\s*:\s*(.*)`)
	citedRe   = regexp.MustCompile(`\[ID:(\d+)\]`)
)

// ParseYesNo extracts a Yes/No/N/A verdict and the detail explanation from an
// answer. The verdict defaults to N/A when no Answer marker is present; the
// details fall back to the full answer text when no Details marker is present.
func ParseYesNo(answerText string) (verdict, details string) {
	verdict = "N/A"
	details = answerText

	if m := answerRe.FindStringSubmatch(answerText); m != nil {
		switch strings.ToUpper(m[1]) {
		case "YES":
			verdict = "Yes"
		case "NO":
			verdict = "No"
		default:
			verdict = "N/A"
		}
	}

	if m := detailsRe.FindStringSubmatch(answerText); m != nil {
		details = strings.TrimSpace(m[1])
	}

	return verdict, details
}

// CitedIndices returns the set of [ID:N] chunk indices cited in an answer.
func CitedIndices(answerText string) map[int]bool {
	cited := make(map[int]bool)
	for _, m := range citedRe.FindAllStringSubmatch(answerText, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		cited[n] = true
	}
	return cited
}

package assessment

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/assessment-api/internal/config"
	"github.com/sells-group/assessment-api/internal/model"
)

// columnIndex resolves a spreadsheet column spec to a 0-based index. Specs
// are either a letter ("A", "AB") or a 1-based number ("3").
func columnIndex(spec string) (int, error) {
	spec = strings.ToUpper(strings.TrimSpace(spec))
	if spec == "" {
		return 0, eris.New("xlsx: empty column spec")
	}
	if n, err := strconv.Atoi(spec); err == nil {
		if n < 1 {
			return 0, eris.Errorf("xlsx: column number must be >= 1, got %d", n)
		}
		return n - 1, nil
	}
	idx := 0
	for _, r := range spec {
		if r < 'A' || r > 'Z' {
			return 0, eris.Errorf("xlsx: invalid column spec %q", spec)
		}
		idx = idx*26 + int(r-'A') + 1
	}
	return idx - 1, nil
}

// ParseQuestionsXLSX extracts questions from a spreadsheet according to the
// configured column layout. A first row whose question cell is a header-like
// label is skipped. Rows with an empty question cell are dropped; serial
// numbers come from the ID column when numeric, otherwise from row order.
func ParseQuestionsXLSX(data []byte, cfg config.AssessmentConfig) ([]model.Question, error) {
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open questions file")
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("xlsx: questions file has no sheets")
	}
	sheet := f.Sheets[0]

	idCol, err := columnIndex(cfg.QuestionIDColumn)
	if err != nil {
		return nil, err
	}
	qCol, err := columnIndex(cfg.QuestionColumn)
	if err != nil {
		return nil, err
	}
	respCol, err := columnIndex(cfg.VendorResponseColumn)
	if err != nil {
		return nil, err
	}
	commCol, err := columnIndex(cfg.VendorCommentColumn)
	if err != nil {
		return nil, err
	}

	var questions []model.Question
	serial := 0
	for i, row := range sheet.Rows {
		text := strings.TrimSpace(cellAt(row, qCol))
		if text == "" {
			continue
		}
		if i == 0 && looksLikeHeader(text) {
			continue
		}

		serial++
		q := model.Question{
			SerialNo:       serial,
			Question:       text,
			VendorResponse: strings.TrimSpace(cellAt(row, respCol)),
			VendorComment:  strings.TrimSpace(cellAt(row, commCol)),
		}
		if n, err := strconv.Atoi(strings.TrimSpace(cellAt(row, idCol))); err == nil && n > 0 {
			q.SerialNo = n
		}
		questions = append(questions, q)
	}

	if len(questions) == 0 {
		return nil, eris.New("xlsx: no questions found in file")
	}
	return questions, nil
}

// ParseQuestions parses a questions spreadsheet with the service's configured
// column layout.
func (s *Service) ParseQuestions(data []byte) ([]model.Question, error) {
	return ParseQuestionsXLSX(data, s.cfg)
}

func cellAt(row *xlsx.Row, idx int) string {
	if row == nil || idx < 0 || idx >= len(row.Cells) {
		return ""
	}
	return row.Cells[idx].String()
}

func looksLikeHeader(text string) bool {
	lower := strings.ToLower(text)
	return lower == "question" || lower == "questions" || strings.Contains(lower, "question text")
}

var resultHeaders = []string{
	"Question_Serial_No", "Question", "Vendor_Response", "Vendor_Comment",
	"AI_Response", "Details", "References",
}

// BuildResultsXLSX renders a task's results as a spreadsheet, one row per
// question with references flattened into a readable column.
func BuildResultsXLSX(rec *model.TaskRecord) ([]byte, error) {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Results")
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: add results sheet")
	}

	header := sheet.AddRow()
	for _, h := range resultHeaders {
		header.AddCell().SetString(h)
	}

	for _, r := range rec.Results {
		row := sheet.AddRow()
		row.AddCell().SetInt(r.QuestionSerialNo)
		row.AddCell().SetString(r.Question)
		row.AddCell().SetString(r.VendorResponse)
		row.AddCell().SetString(r.VendorComment)
		row.AddCell().SetString(r.AIResponse)
		row.AddCell().SetString(r.Details)
		row.AddCell().SetString(formatReferences(r.References))
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, eris.Wrap(err, "xlsx: write results")
	}
	return buf.Bytes(), nil
}

const exportSnippetLimit = 120

func formatReferences(refs []model.Reference) string {
	if len(refs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(refs))
	for _, ref := range refs {
		var loc string
		switch {
		case ref.PageNumber != nil:
			loc = fmt.Sprintf("Page %d", *ref.PageNumber)
		case ref.ChunkIndex != nil:
			loc = fmt.Sprintf("Chunk/Row %d", *ref.ChunkIndex)
		}
		s := ref.DocumentName
		if loc != "" {
			s += " (" + loc + ")"
		}
		if ref.Snippet != "" {
			snippet := ref.Snippet
			if runes := []rune(snippet); len(runes) > exportSnippetLimit {
				snippet = string(runes[:exportSnippetLimit]) + "..."
			}
			s += ": " + snippet
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, "\n")
}

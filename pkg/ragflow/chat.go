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
)

// defaultSystemPrompt instructs the assistant to answer in the strict
// Answer/Details format the verdict parser expects.
const defaultSystemPrompt = "You are a compliance/assessment assistant. " +
	"For each question you receive, determine if the evidence in the " +
	"knowledge base supports a YES or NO answer. " +
	"Respond with EXACTLY this format:\n" +
	"Answer: Yes/No\n" +
	"Details: <brief explanation>\n" +
	"If the knowledge base does not contain relevant information, " +
	"answer \"N/A\" and explain why.\n" +
	"Here is the knowledge base:\n{knowledge}\n" +
	"The above is the knowledge base."

// ListChats returns chat assistants, optionally filtered by exact name.
//
// RAGFlow answers a name-filtered search for a missing chat with a
// "doesn't exist" error; that is treated as an empty result, not a failure.
func (c *httpClient) ListChats(ctx context.Context, name string) ([]Chat, error) {
	params := url.Values{"page": {"1"}, "page_size": {"100"}}
	if name != "" {
		params.Set("name", name)
	}
	data, err := c.request(ctx, http.MethodGet, "/api/v1/chats", nil, params)
	if err != nil {
		var uerr *UpstreamError
		if name != "" && errors.As(err, &uerr) && strings.Contains(uerr.Message, "doesn't exist") {
			return nil, nil
		}
		return nil, err
	}
	return decodeItemList[Chat](data)
}

// CreateChat creates a chat assistant bound to req.DatasetIDs and returns its ID.
func (c *httpClient) CreateChat(ctx context.Context, req ChatRequest) (string, error) {
	payload := map[string]any{
		"name":        req.Name,
		"dataset_ids": req.DatasetIDs,
	}
	prompt := map[string]any{}
	if req.SimilarityThreshold > 0 {
		prompt["similarity_threshold"] = req.SimilarityThreshold
	}
	if req.TopN > 0 {
		prompt["top_n"] = req.TopN
	}
	for k, v := range req.Extra {
		payload[k] = v
	}
	if extra, ok := req.Extra["prompt"].(map[string]any); ok {
		for k, v := range extra {
			prompt[k] = v
		}
	}
	if _, ok := prompt["system"]; !ok {
		prompt["system"] = defaultSystemPrompt
	}
	if _, ok := prompt["quote"]; !ok {
		prompt["quote"] = true
	}
	payload["prompt"] = prompt

	data, err := c.request(ctx, http.MethodPost, "/api/v1/chats", payload, nil)
	if err != nil {
		return "", err
	}
	return decodeID(data)
}

// DeleteChats deletes the given chat assistants.
func (c *httpClient) DeleteChats(ctx context.Context, ids []string) error {
	_, err := c.request(ctx, http.MethodDelete, "/api/v1/chats", map[string]any{"ids": ids}, nil)
	return err
}

func (c *httpClient) EnsureChat(ctx context.Context, req ChatRequest) (string, error) {
	existing, err := c.ListChats(ctx, req.Name)
	if err != nil {
		return "", err
	}
	var stale []string
	for _, ch := range existing {
		if ch.Name == req.Name {
			zap.L().Info("ragflow: deleting existing chat",
				zap.String("name", req.Name), zap.String("id", ch.ID))
			stale = append(stale, ch.ID)
		}
	}
	if len(stale) > 0 {
		if err := c.DeleteChats(ctx, stale); err != nil {
			return "", err
		}
	}
	return c.CreateChat(ctx, req)
}

// CreateSession opens a conversation session under a chat assistant.
func (c *httpClient) CreateSession(ctx context.Context, chatID string) (string, error) {
	data, err := c.request(ctx, http.MethodPost, "/api/v1/chats/"+chatID+"/sessions", map[string]any{}, nil)
	if err != nil {
		return "", err
	}
	return decodeID(data)
}

// Ask sends one question through a session and returns the full
// non-streaming completion.
func (c *httpClient) Ask(ctx context.Context, chatID, sessionID, question string) (*Completion, error) {
	payload := map[string]any{
		"question":   question,
		"session_id": sessionID,
		"stream":     false,
	}
	data, err := c.request(ctx, http.MethodPost, "/api/v1/chats/"+chatID+"/completions", payload, nil)
	if err != nil {
		return nil, err
	}
	var comp Completion
	if err := json.Unmarshal(data, &comp); err != nil {
		return nil, eris.Wrap(err, "ragflow: decode completion")
	}
	return &comp, nil
}

// decodeID pulls the "id" field out of a data payload.
func decodeID(data json.RawMessage) (string, error) {
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", eris.Wrap(err, "ragflow: decode id")
	}
	if obj.ID == "" {
		return "", eris.New("ragflow: response missing id")
	}
	return obj.ID, nil
}

// decodeItemList decodes a data payload that is either a bare list or a
// wrapper object with a nested "data" list.
func decodeItemList[T any](data json.RawMessage) ([]T, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var list []T
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Data []T `json:"data"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil {
		return wrapped.Data, nil
	}
	return nil, eris.New("ragflow: unrecognized list response shape")
}

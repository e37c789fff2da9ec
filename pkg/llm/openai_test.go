package llm_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Mindburn-Labs/jurybox/pkg/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIClient_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "judge-model", body["model"])
		assert.Equal(t, map[string]any{"type": "json_object"}, body["response_format"])
		assert.Len(t, body["messages"], 2)

		_, _ = w.Write([]byte(`{"model":"judge-model-0613","choices":[{"message":{"content":"{\"score\":7}"}}],"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}}`))
	}))
	defer srv.Close()

	c := llm.NewOpenAIClient("sk-test", "judge-model", llm.WithBaseURL(srv.URL+"/v1/"))
	resp, err := c.Chat(context.Background(), []llm.Message{
		{Role: llm.RoleSystem, Content: "judge"},
		{Role: llm.RoleUser, Content: "score this"},
	}, &llm.SamplingOptions{JSONMode: true})
	require.NoError(t, err)
	assert.Equal(t, `{"score":7}`, resp.Content)
	assert.Equal(t, "judge-model-0613", resp.Model)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
}

func TestOpenAIClient_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			_, _ = w.Write([]byte(`{"choices":[]}`))
			return
		}
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := llm.NewOpenAIClient("sk-test", "m", llm.WithBaseURL(srv.URL)).Chat(context.Background(), nil, nil)
	var apiErr *llm.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "rate limited")

	_, err = llm.NewOpenAIClient("", "m", llm.WithBaseURL(srv.URL)).Chat(context.Background(), nil, nil)
	assert.ErrorContains(t, err, "empty choices")
}

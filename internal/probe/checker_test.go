package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mixaill76/keypool/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChecker(t *testing.T) {
	c, err := NewChecker(config.ProviderGemini, "gemini-2.0-flash", "")
	require.NoError(t, err)
	assert.Equal(t, config.ProviderGemini, c.Provider())

	c, err = NewChecker(config.ProviderAnthropic, "", "")
	require.NoError(t, err)
	assert.Equal(t, config.ProviderAnthropic, c.Provider())
	assert.NotNil(t, c.(*AnthropicChecker).HTTPClient)

	_, err = NewChecker("openai", "", "")
	assert.Error(t, err)
}

func TestAnthropicChecker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !strings.HasSuffix(r.URL.Path, "/v1/models") {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"not_found_error","message":"not found"}}`))
			return
		}
		switch r.Header.Get("X-Api-Key") {
		case "good-key":
			_, _ = w.Write([]byte(`{"data":[],"has_more":false,"first_id":"","last_id":""}`))
		case "busy-key":
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"rate limit exceeded"}}`))
		default:
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`))
		}
	}))
	defer server.Close()

	c := &AnthropicChecker{BaseURL: server.URL + "/"}

	assert.NoError(t, c.Check(context.Background(), "good-key"))

	err := c.Check(context.Background(), "bad-key")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")

	err = c.Check(context.Background(), "busy-key")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestGeminiChecker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/models/gemini-2.0-flash:countTokens") {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":404,"message":"not found","status":"NOT_FOUND"}}`))
			return
		}
		key := r.Header.Get("X-Goog-Api-Key")
		if key == "" {
			key = r.URL.Query().Get("key")
		}
		switch key {
		case "good-key":
			_, _ = w.Write([]byte(`{"totalTokens":1}`))
		case "busy-key":
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"code":429,"message":"Resource has been exhausted (e.g. check quota).","status":"RESOURCE_EXHAUSTED"}}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"code":400,"message":"API key not valid.","status":"INVALID_ARGUMENT"}}`))
		}
	}))
	defer server.Close()

	c := &GeminiChecker{Model: "gemini-2.0-flash", BaseURL: server.URL + "/", HTTPClient: server.Client()}

	assert.NoError(t, c.Check(context.Background(), "good-key"))

	err := c.Check(context.Background(), "bad-key")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")

	err = c.Check(context.Background(), "busy-key")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "RESOURCE_EXHAUSTED")
}

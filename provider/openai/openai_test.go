package openai_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/voxmeter"
	"github.com/ineyio/voxmeter/provider/openai"
)

func TestTranscribe_SendsMultipartForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/audio/transcriptions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whisper-1", r.FormValue("model"))
		assert.Equal(t, "de", r.FormValue("language"))

		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		assert.Equal(t, "note.webm", hdr.Filename)
		data, _ := io.ReadAll(f)
		assert.Equal(t, []byte("audio-bytes"), data)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"hallo welt"}`))
	}))
	defer srv.Close()

	p := openai.New("openai", srv.URL, openai.WithAPIKey("sk-test"))
	resp, err := p.Transcribe(context.Background(), voxmeter.ProviderTranscribeRequest{
		Audio:       []byte("audio-bytes"),
		Filename:    "note.webm",
		ContentType: "audio/webm",
		Language:    "de",
	})
	require.NoError(t, err)
	assert.Equal(t, "hallo welt", resp.Text)
	assert.Equal(t, "whisper-1", resp.Model)
	assert.Zero(t, resp.ReportedTokens)
}

func TestTranscribe_AutoLanguageOmitted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		_, present := r.MultipartForm.Value["language"]
		assert.False(t, present)
		_, _ = w.Write([]byte(`{"text":"ok"}`))
	}))
	defer srv.Close()

	p := openai.New("openai", srv.URL)
	_, err := p.Transcribe(context.Background(), voxmeter.ProviderTranscribeRequest{
		Audio: []byte("x"), Filename: "a.webm", ContentType: "audio/webm", Language: "auto",
	})
	require.NoError(t, err)
}

func TestEnrich_SendsSystemPrompt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)

		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
			MaxTokens int `json:"max_tokens"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o-mini", body.Model)
		assert.Equal(t, 2000, body.MaxTokens)
		require.Len(t, body.Messages, 2)
		assert.Equal(t, "system", body.Messages[0].Role)
		assert.Equal(t, "Summarize.", body.Messages[0].Content)
		assert.Equal(t, "user", body.Messages[1].Role)
		assert.Equal(t, "long text", body.Messages[1].Content)

		_, _ = w.Write([]byte(`{
			"model": "gpt-4o-mini-2024-07-18",
			"choices": [{"message": {"role": "assistant", "content": "short"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 20, "completion_tokens": 5, "total_tokens": 25}
		}`))
	}))
	defer srv.Close()

	p := openai.New("openai", srv.URL)
	resp, err := p.Enrich(context.Background(), voxmeter.ProviderEnrichRequest{
		Text:         "long text",
		SystemPrompt: "Summarize.",
	})
	require.NoError(t, err)
	assert.Equal(t, "short", resp.Text)
	assert.Equal(t, "gpt-4o-mini-2024-07-18", resp.Model)
	assert.Equal(t, int64(25), resp.ReportedTokens)
}

func TestEnrich_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices": []}`))
	}))
	defer srv.Close()

	_, err := openai.New("openai", srv.URL).Enrich(context.Background(), voxmeter.ProviderEnrichRequest{Text: "x"})
	assert.ErrorIs(t, err, voxmeter.ErrProviderUnavailable)
}

func TestHTTPErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
		fatal  bool
	}{
		{http.StatusUnauthorized, voxmeter.ErrProviderAuth, true},
		{http.StatusForbidden, voxmeter.ErrProviderAuth, true},
		{http.StatusBadRequest, voxmeter.ErrInvalidRequest, true},
		{http.StatusTooManyRequests, voxmeter.ErrRateLimited, false},
		{http.StatusInternalServerError, voxmeter.ErrProviderUnavailable, false},
		{http.StatusBadGateway, voxmeter.ErrProviderUnavailable, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"message":"nope"}}`))
			}))
			defer srv.Close()

			_, err := openai.New("openai", srv.URL).Enrich(context.Background(), voxmeter.ProviderEnrichRequest{Text: "x"})
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.fatal, voxmeter.IsFatal(err))
		})
	}
}

func TestUnreachableProvider(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := openai.New("openai", url).Enrich(context.Background(), voxmeter.ProviderEnrichRequest{Text: "x"})
	assert.ErrorIs(t, err, voxmeter.ErrProviderUnavailable)
	assert.True(t, voxmeter.IsRetryable(err))
}

func TestFromConfig(t *testing.T) {
	p := openai.FromConfig(voxmeter.ProviderConfig{Name: "primary"})
	assert.Equal(t, "primary", p.Name())
}

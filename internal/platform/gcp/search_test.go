package gcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/yungbote/contentforge-backend/internal/platform/logger"
)

func TestSearchConfigEnabled(t *testing.T) {
	assert.False(t, SearchConfig{}.Enabled())
	assert.False(t, SearchConfig{APIKey: "k"}.Enabled())
	assert.True(t, SearchConfig{APIKey: "k", EngineID: "cx"}.Enabled())

	_, err := NewSearch(context.Background(), logger.Nop(), SearchConfig{})
	assert.Error(t, err)
}

func TestCustomSearchReturnsLinks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "engine-1", q.Get("cx"))
		assert.Equal(t, "go goroutines", q.Get("q"))
		assert.Equal(t, "3", q.Get("num"))
		assert.Equal(t, "secret", q.Get("key"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{
				{"title": "Goroutines explained", "link": "https://example.com/a", "snippet": "All about goroutines"},
				{"title": "No link"},
				{"title": "Channels", "link": "https://example.com/b"},
			},
		})
	}))
	defer srv.Close()

	s, err := NewSearch(context.Background(), logger.Nop(),
		SearchConfig{APIKey: "secret", EngineID: "engine-1", Results: 5},
		option.WithEndpoint(srv.URL+"/"))
	require.NoError(t, err)

	got, err := s.Search(context.Background(), " go goroutines ", 3)
	require.NoError(t, err)
	assert.Equal(t, []SearchResult{
		{Title: "Goroutines explained", URL: "https://example.com/a", Snippet: "All about goroutines"},
		{Title: "Channels", URL: "https://example.com/b"},
	}, got)

	_, err = s.Search(context.Background(), "  ", 3)
	assert.Error(t, err)
}

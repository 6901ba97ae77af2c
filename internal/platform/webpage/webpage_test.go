package webpage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/contentforge-backend/internal/platform/logger"
	"github.com/yungbote/contentforge-backend/internal/quality"
)

const samplePage = `<!doctype html>
<html><head>
<title>Go Concurrency Guide</title>
<meta name="description" content="  Everything about   goroutines. ">
</head><body>
<header><nav><a href="/">Home</a> <a href="/blog">Blog</a></nav></header>
<div class="sidebar">Subscribe now</div>
<article>
  <h1>Go Concurrency</h1>
  <p>Goroutines are cheap.</p>
  <h2>Goroutines</h2>
  <p>Start one with <code>go</code> and a function.</p>
  <h3>Scheduling</h3>
  <p>The runtime multiplexes goroutines.</p>
  <div class="ad banner">Buy things</div>
  <h2>Channels</h2>
  <ul><li>unbuffered</li><li>buffered</li></ul>
  <script>track()</script>
  <section id="comments"><p>First!</p></section>
</article>
<footer>Copyright</footer>
</body></html>`

func TestParseExtractsArticleContent(t *testing.T) {
	p, err := Parse(strings.NewReader(samplePage), "https://example.com/go")
	require.NoError(t, err)

	assert.Equal(t, "https://example.com/go", p.URL)
	assert.Equal(t, "Go Concurrency Guide", p.Title)
	assert.Equal(t, "Everything about goroutines.", p.Description)
	assert.Equal(t, []string{"Goroutines", "Channels"}, p.H2)
	assert.Equal(t, []string{"Scheduling"}, p.H3)
	assert.Equal(t, []string{"Goroutines", "Scheduling", "Channels"}, p.Headings())

	want := strings.Join([]string{
		"# Go Concurrency",
		"Goroutines are cheap.",
		"## Goroutines",
		"Start one with go and a function.",
		"### Scheduling",
		"The runtime multiplexes goroutines.",
		"## Channels",
		"unbuffered",
		"buffered",
	}, "\n")
	assert.Equal(t, want, p.Text)

	assert.Equal(t, 2, quality.CountH2(p.Text))
	assert.Equal(t, 1, quality.CountH3(p.Text))
	for _, dropped := range []string{"Home", "Subscribe", "Buy things", "track", "First!", "Copyright"} {
		assert.NotContains(t, p.Text, dropped)
	}
}

func TestParseFallsBackToMainThenBody(t *testing.T) {
	p, err := Parse(strings.NewReader(`<html><body><nav>Menu</nav><main><h2>Only main</h2><p>text</p></main><p>outside</p></body></html>`), "u")
	require.NoError(t, err)
	assert.Equal(t, "## Only main\ntext", p.Text)

	p, err = Parse(strings.NewReader(`<html><body><h1>Title</h1><p>body text</p></body></html>`), "u")
	require.NoError(t, err)
	assert.Equal(t, "# Title\nbody text", p.Text)
	assert.Equal(t, "Title", p.Title)
}

func newTestFetcher(cfg Config) *fetcher {
	f := New(logger.Nop(), cfg).(*fetcher)
	f.sleep = func(context.Context, time.Duration) error { return nil }
	return f
}

func TestFetchRetriesTransientStatus(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(samplePage))
	}))
	defer srv.Close()

	p, err := newTestFetcher(Config{UserAgent: "test-agent"}).Fetch(context.Background(), srv.URL+"/go")
	require.NoError(t, err)
	assert.Equal(t, []string{"Goroutines", "Channels"}, p.H2)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestFetchDoesNotRetryPermanentStatus(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestFetcher(Config{}).Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestFetchRejectsOversizedAndNonHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/pdf" {
			w.Header().Set("Content-Type", "application/pdf")
			_, _ = w.Write([]byte("%PDF"))
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(samplePage))
	}))
	defer srv.Close()

	f := newTestFetcher(Config{MaxBytes: 64})
	_, err := f.Fetch(context.Background(), srv.URL+"/big")
	assert.ErrorContains(t, err, "exceeds")
	_, err = f.Fetch(context.Background(), srv.URL+"/pdf")
	assert.ErrorContains(t, err, "content type")
	_, err = f.Fetch(context.Background(), "ftp://example.com")
	assert.Error(t, err)
}

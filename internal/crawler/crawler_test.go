package crawler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// newTestSite serves a small HTML page on "/" and errors elsewhere.
func newTestSite(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><script>alert("x")</script><style>p{}</style></head>`+
			`<body><p>hello world</p></body></html>`)
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestRunCrawlsAllURLs(t *testing.T) {
	site := newTestSite(t)
	c := New(nil)

	result := c.Run(context.Background(), "job-1",
		[]string{site.URL + "/", site.URL + "/"}, 2, nil)

	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 0, result.Failed)
	assert.Contains(t, result.HTML, "hello world")
}

func TestRunStripsScriptAndStyle(t *testing.T) {
	site := newTestSite(t)
	c := New(nil)

	result := c.Run(context.Background(), "job-1", []string{site.URL + "/"}, 1, nil)

	assert.NotContains(t, result.HTML, "alert(", "script content is stripped")
	assert.NotContains(t, result.HTML, "p{}", "style content is stripped")
	assert.Contains(t, result.HTML, "hello world")
}

func TestRunCountsFailedURLs(t *testing.T) {
	site := newTestSite(t)
	c := New(nil)

	result := c.Run(context.Background(), "job-1",
		[]string{site.URL + "/", site.URL + "/missing"}, 2, nil)

	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, result.Failed, "a 404 counts as a failed URL, not a job failure")
	assert.Contains(t, result.HTML, "✓ Success")
	assert.Contains(t, result.HTML, "✗ Failed")
}

func TestRunReportsProgressPerURL(t *testing.T) {
	site := newTestSite(t)
	c := New(nil)

	var mu sync.Mutex
	var calls int
	var lastSucceeded, lastFailed int
	progress := func(succeeded, failed int, message string) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		lastSucceeded, lastFailed = succeeded, failed
		assert.Contains(t, message, "Crawling")
	}

	urls := []string{site.URL + "/", site.URL + "/", site.URL + "/missing"}
	c.Run(context.Background(), "job-1", urls, 1, progress)

	assert.Equal(t, 3, calls, "one progress report per URL")
	assert.Equal(t, 2, lastSucceeded)
	assert.Equal(t, 1, lastFailed)
}

func TestRunClampsThreadCount(t *testing.T) {
	site := newTestSite(t)
	c := New(nil)

	// More threads than URLs, and a non-positive thread count, both work.
	result := c.Run(context.Background(), "job-1", []string{site.URL + "/"}, 10, nil)
	assert.Equal(t, 1, result.Succeeded)

	result = c.Run(context.Background(), "job-2", []string{site.URL + "/"}, 0, nil)
	assert.Equal(t, 1, result.Succeeded)
}

func TestArtifactKeepsSubmitOrder(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "<html><body>page %s</body></html>", r.URL.Query().Get("n"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := New(nil)
	urls := []string{srv.URL + "/?n=first", srv.URL + "/?n=second", srv.URL + "/?n=third"}
	result := c.Run(context.Background(), "job-1", urls, 3, nil)

	first := strings.Index(result.HTML, "page first")
	second := strings.Index(result.HTML, "page second")
	third := strings.Index(result.HTML, "page third")
	require.True(t, first >= 0 && second >= 0 && third >= 0)
	assert.True(t, first < second && second < third,
		"sections appear in submit order regardless of fetch completion order")
}

func TestArtifactSummaryCounts(t *testing.T) {
	site := newTestSite(t)
	c := New(nil)

	result := c.Run(context.Background(), "job-1",
		[]string{site.URL + "/", site.URL + "/missing"}, 2, nil)

	assert.Contains(t, result.HTML, "<li>Total: 2</li>")
	assert.Contains(t, result.HTML, "<li>Succeeded: 1</li>")
	assert.Contains(t, result.HTML, "<li>Failed: 1</li>")
}

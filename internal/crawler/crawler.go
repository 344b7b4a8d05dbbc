// ============================================================================
// Crawlqueue Crawler - URL Fetch Execution Unit
// ============================================================================
//
// Package: internal/crawler
// File: crawler.go
// Function: Executes one job's URL batch with a bounded pool of fetch workers
//
// Execution Model:
//   ┌──────────────────────────────────────┐
//   │  Run(job)                            │
//   │  ┌────────┐                          │
//   │  │Fetcher1│←── index channel         │
//   │  │Fetcher2│←── (thread estimate      │
//   │  │Fetcher3│←──  bounds pool size)    │
//   │  └────────┘                          │
//   │  results collected per index,        │
//   │  assembled in submit order           │
//   └──────────────────────────────────────┘
//
// Failure Handling:
//   A failed URL is not a job failure - it is counted in the failed tally
//   and rendered as an error section in the artifact. Only the caller's
//   driver decides whether the job as a whole failed.
//
// Progress Reporting:
//   After every URL the progress callback fires with the running tallies,
//   which the dispatch driver writes through to the live status cache.
//
// ============================================================================

package crawler

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/ChuLiYu/crawlqueue/pkg/types"
)

const (
	requestTimeout = 30 * time.Second
	userAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// Progress receives the running tallies after each fetched URL.
type Progress func(succeeded, failed int, message string)

// Result is the outcome of one job's crawl.
type Result struct {
	HTML      string
	Succeeded int
	Failed    int
}

// Crawler fetches URL batches and sanitises the responses into a single
// HTML artifact.
type Crawler struct {
	client *http.Client
	log    *slog.Logger
}

// New creates a Crawler with a shared HTTP client.
func New(logger *slog.Logger) *Crawler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Crawler{
		client: &http.Client{Timeout: requestTimeout},
		log:    logger,
	}
}

// fetchOutcome is one URL's sanitised content or error, tagged with its
// position so the artifact keeps submit order.
type fetchOutcome struct {
	index int
	url   string
	html  string
	err   error
}

// Run crawls all URLs of a job with at most `threads` concurrent fetchers
// and returns the assembled artifact. The context bounds every request.
func (c *Crawler) Run(ctx context.Context, jobID types.JobID, urls []string, threads int, progress Progress) Result {
	if threads < 1 {
		threads = 1
	}
	if threads > len(urls) {
		threads = len(urls)
	}

	indexes := make(chan int)
	outcomes := make([]fetchOutcome, 0, len(urls))

	var mu sync.Mutex
	var succeeded, failed int
	var wg sync.WaitGroup

	wg.Add(threads)
	for w := 0; w < threads; w++ {
		go func() {
			defer wg.Done()
			for idx := range indexes {
				url := urls[idx]
				content, err := c.fetch(ctx, url)

				mu.Lock()
				if err != nil {
					failed++
					c.log.Error("Failed to crawl URL", "jobID", jobID, "url", url, "error", err)
				} else {
					succeeded++
				}
				outcomes = append(outcomes, fetchOutcome{index: idx, url: url, html: content, err: err})
				done := succeeded + failed
				s, f := succeeded, failed
				mu.Unlock()

				if progress != nil {
					progress(s, f, fmt.Sprintf("Crawling %d/%d", done, len(urls)))
				}
			}
		}()
	}

	for idx := range urls {
		indexes <- idx
	}
	close(indexes)
	wg.Wait()

	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].index < outcomes[j].index })

	return Result{
		HTML:      assembleArtifact(len(urls), succeeded, failed, outcomes),
		Succeeded: succeeded,
		Failed:    failed,
	}
}

// fetch retrieves one URL and strips script/style before returning the body.
func (c *Crawler) fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}
	doc.Find("script, style").Remove()

	body := doc.Find("body")
	if body.Length() > 0 {
		content, err := body.Html()
		if err != nil {
			return "", fmt.Errorf("failed to render body: %w", err)
		}
		return content, nil
	}
	content, err := doc.Html()
	if err != nil {
		return "", fmt.Errorf("failed to render document: %w", err)
	}
	return content, nil
}

// assembleArtifact renders the per-URL sections into one HTML document.
func assembleArtifact(total, succeeded, failed int, outcomes []fetchOutcome) string {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n")
	b.WriteString("<html><head><title>Crawling Results</title>")
	b.WriteString(`<meta charset="UTF-8">`)
	b.WriteString("<style>body{font-family:Arial,sans-serif;margin:20px;}")
	b.WriteString(".url-section{margin:20px 0;padding:15px;border:1px solid #ddd;border-radius:5px;}")
	b.WriteString(".url-header{color:#333;font-size:18px;margin-bottom:10px;}")
	b.WriteString(".error{color:red;}</style></head><body>\n")
	b.WriteString("<h1>Crawling Results</h1>\n")
	fmt.Fprintf(&b, "<p>Total URLs: %d</p>\n<hr>\n", total)

	for _, outcome := range outcomes {
		b.WriteString(`<div class="url-section">` + "\n")
		if outcome.err != nil {
			fmt.Fprintf(&b, `<div class="url-header error">✗ Failed: <a href=%q target="_blank">%s</a></div>`+"\n",
				outcome.url, html.EscapeString(outcome.url))
			fmt.Fprintf(&b, `<div class="error">Error: %s</div>`+"\n", html.EscapeString(outcome.err.Error()))
		} else {
			fmt.Fprintf(&b, `<div class="url-header">✓ Success: <a href=%q target="_blank">%s</a></div>`+"\n",
				outcome.url, html.EscapeString(outcome.url))
			b.WriteString(`<div style="max-height:300px;overflow:auto;border:1px solid #eee;padding:10px;">` + "\n")
			b.WriteString(outcome.html)
			b.WriteString("\n</div>\n")
		}
		b.WriteString("</div>\n")
	}

	b.WriteString("<hr>\n<p><strong>Summary:</strong></p>\n<ul>\n")
	fmt.Fprintf(&b, "<li>Total: %d</li>\n<li>Succeeded: %d</li>\n<li>Failed: %d</li>\n", total, succeeded, failed)
	b.WriteString("</ul>\n</body></html>")
	return b.String()
}

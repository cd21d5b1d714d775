package salesforce

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/forcepull/forcepull/pkg/config"
	"github.com/forcepull/forcepull/pkg/errors"
	"github.com/forcepull/forcepull/pkg/logger"
	"github.com/forcepull/forcepull/pkg/metrics"
	"github.com/forcepull/forcepull/pkg/retry"
)

// Row is one fetched record with the attributes envelope stripped.
type Row = map[string]interface{}

// RowBatch is one page of query results.
type RowBatch struct {
	// Rows holds the page's records
	Rows []Row
	// Cursor locates the next page; empty on the final batch
	Cursor string
	// TotalSize is the server-reported total result size
	TotalSize int
}

// Fetcher executes SOQL queries page by page. One page fetch is the retry
// unit: a transient failure mid-pagination resumes from the failed cursor,
// never from the first page.
type Fetcher struct {
	session *Session
	policy  *retry.Policy

	// minInterval throttles request starts when a rate limit is configured
	minInterval time.Duration
	lastRequest time.Time
}

// NewFetcher creates a Fetcher with retry and rate-limit behavior taken from
// the reliability configuration.
func NewFetcher(session *Session, rel config.ReliabilityConfig) *Fetcher {
	policy := &retry.Policy{
		MaxAttempts:     rel.RetryAttempts,
		InitialDelay:    rel.RetryDelay,
		MaxDelay:        rel.MaxRetryDelay,
		Multiplier:      rel.RetryMultiplier,
		RandomizeFactor: 0.25,
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = time.Second
	}
	if policy.Multiplier <= 1 {
		policy.Multiplier = 2.0
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = time.Minute
	}

	f := &Fetcher{
		session: session,
		policy:  policy,
	}
	if rel.RateLimitPerSec > 0 {
		f.minInterval = time.Second / time.Duration(rel.RateLimitPerSec)
	}
	return f
}

// Run starts a query and returns a lazy batch iterator. No network call is
// made until the first Next.
func (f *Fetcher) Run(ctx context.Context, q *SoqlQuery) *BatchIterator {
	endpoint := "/query"
	if q.IncludeDeleted {
		endpoint = "/queryAll"
	}

	first := f.session.RestPath(endpoint) + "?q=" + url.QueryEscape(q.Text)

	return &BatchIterator{
		fetcher: f,
		object:  q.Object,
		nextURL: first,
	}
}

// BatchIterator walks the pages of one query result. Each page is fetched on
// demand and traversed exactly once.
type BatchIterator struct {
	fetcher *Fetcher
	object  string

	nextURL string
	done    bool
	total   int
	pages   int
}

// TotalSize returns the server-reported total result size after the first
// page has been fetched.
func (it *BatchIterator) TotalSize() int { return it.total }

// Pages returns the number of pages fetched so far.
func (it *BatchIterator) Pages() int { return it.pages }

// Next fetches the next page. It returns (nil, nil) once the result set is
// exhausted. Transient failures are retried with backoff on the same cursor;
// terminal failures surface immediately.
func (it *BatchIterator) Next(ctx context.Context) (*RowBatch, error) {
	if it.done {
		return nil, nil
	}

	var page *queryResponse
	err := it.fetcher.policy.ExecuteWithCondition(ctx, func() error {
		p, err := it.fetcher.fetchPage(ctx, it.nextURL, it.object)
		if err != nil {
			if errors.IsRetryable(err) {
				metrics.RetriesTotal.WithLabelValues(it.object, errorLabel(err)).Inc()
			}
			return err
		}
		page = p
		return nil
	}, errors.IsRetryable)
	if err != nil {
		return nil, err
	}

	it.pages++
	it.total = page.TotalSize

	batch := &RowBatch{
		Rows:      make([]Row, 0, len(page.Records)),
		TotalSize: page.TotalSize,
	}
	for _, rec := range page.Records {
		delete(rec, "attributes")
		batch.Rows = append(batch.Rows, rec)
	}

	if page.Done || page.NextRecordsURL == "" {
		it.done = true
	} else {
		it.nextURL = it.fetcher.session.InstanceURL + page.NextRecordsURL
		batch.Cursor = page.NextRecordsURL
	}

	metrics.PagesFetched.WithLabelValues(it.object).Inc()
	metrics.RowsFetched.WithLabelValues(it.object).Add(float64(len(batch.Rows)))

	logger.WithContext(ctx).Debug("fetched page",
		zap.String("object", it.object),
		zap.Int("page", it.pages),
		zap.Int("rows", len(batch.Rows)),
		zap.Int("total_size", page.TotalSize),
		zap.Bool("done", it.done))

	return batch, nil
}

type queryResponse struct {
	TotalSize      int    `json:"totalSize"`
	Done           bool   `json:"done"`
	NextRecordsURL string `json:"nextRecordsUrl"`
	Records        []Row  `json:"records"`
}

// fetchPage performs one page request with no retry of its own.
func (f *Fetcher) fetchPage(ctx context.Context, rawURL, object string) (*queryResponse, error) {
	f.throttle(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create query request")
	}

	start := time.Now()
	resp, err := f.session.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeTimeout, "query request cancelled")
		}
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "query request failed")
	}
	defer resp.Body.Close()

	metrics.PageFetchSeconds.WithLabelValues(object).Observe(time.Since(start).Seconds())

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp, "query")
	}

	var page queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode query response")
	}
	return &page, nil
}

// throttle delays the next request start when a rate limit is configured.
func (f *Fetcher) throttle(ctx context.Context) {
	if f.minInterval <= 0 {
		return
	}
	elapsed := time.Since(f.lastRequest)
	if wait := f.minInterval - elapsed; wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
	f.lastRequest = time.Now()
}

type apiError struct {
	Message   string `json:"message"`
	ErrorCode string `json:"errorCode"`
}

// classifyStatus maps a non-200 API response onto the error taxonomy.
// Rejected queries and permission failures are terminal; rate limits and
// server errors are retryable.
func classifyStatus(resp *http.Response, operation string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var apiErrs []apiError
	_ = json.Unmarshal(body, &apiErrs)

	msg := strings.TrimSpace(string(body))
	code := ""
	if len(apiErrs) > 0 {
		msg = apiErrs[0].Message
		code = apiErrs[0].ErrorCode
	}

	detail := fmt.Sprintf("%s failed with status %d", operation, resp.StatusCode)
	if code != "" {
		detail = fmt.Sprintf("%s: %s", detail, code)
	}
	if msg != "" {
		detail = fmt.Sprintf("%s: %s", detail, msg)
	}

	var err *errors.Error
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		err = errors.New(errors.ErrorTypeRateLimit, detail)
	case resp.StatusCode == http.StatusUnauthorized:
		err = errors.New(errors.ErrorTypeAuthentication, detail)
	case resp.StatusCode == http.StatusForbidden:
		// REQUEST_LIMIT_EXCEEDED arrives as 403 and is retryable after backoff
		if code == "REQUEST_LIMIT_EXCEEDED" {
			err = errors.New(errors.ErrorTypeRateLimit, detail)
		} else {
			err = errors.New(errors.ErrorTypeQuery, detail)
		}
	case resp.StatusCode >= 500:
		err = errors.New(errors.ErrorTypeConnection, detail)
	case resp.StatusCode == http.StatusBadRequest:
		err = errors.New(errors.ErrorTypeQuery, detail)
	case resp.StatusCode == http.StatusNotFound:
		err = errors.New(errors.ErrorTypeQuery, detail)
	default:
		err = errors.New(errors.ErrorTypeData, detail)
	}

	if code != "" {
		err = err.WithDetail("error_code", code)
	}
	return err.WithDetail("status", resp.StatusCode)
}

func errorLabel(err error) string {
	if t := errors.GetType(err); t != "" {
		return string(t)
	}
	return "unknown"
}

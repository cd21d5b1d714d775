package salesforce

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forcepull/forcepull/pkg/config"
	"github.com/forcepull/forcepull/pkg/errors"
)

func testReliability() config.ReliabilityConfig {
	return config.ReliabilityConfig{
		RetryAttempts:   3,
		RetryDelay:      time.Millisecond,
		RetryMultiplier: 2.0,
		MaxRetryDelay:   10 * time.Millisecond,
	}
}

// pagingServer serves a three-page result set and counts requests per path.
type pagingServer struct {
	mu       sync.Mutex
	requests map[string]int
	failures map[string]int
}

func newPagingServer() *pagingServer {
	return &pagingServer{
		requests: make(map[string]int),
		failures: make(map[string]int),
	}
}

func (ps *pagingServer) count(path string) int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.requests[path]
}

func (ps *pagingServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ps.mu.Lock()
		ps.requests[r.URL.Path]++
		fail := ps.failures[r.URL.Path] > 0
		if fail {
			ps.failures[r.URL.Path]--
		}
		ps.mu.Unlock()

		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `[{"message":"server unavailable","errorCode":"SERVER_UNAVAILABLE"}]`)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/services/data/v52.0/query":
			fmt.Fprint(w, `{
				"totalSize": 5,
				"done": false,
				"nextRecordsUrl": "/services/data/v52.0/query/cursor-2",
				"records": [
					{"attributes": {"type": "Contact"}, "Id": "001", "Name": "Ada"},
					{"attributes": {"type": "Contact"}, "Id": "002", "Name": "Grace"}
				]
			}`)
		case "/services/data/v52.0/query/cursor-2":
			fmt.Fprint(w, `{
				"totalSize": 5,
				"done": false,
				"nextRecordsUrl": "/services/data/v52.0/query/cursor-3",
				"records": [
					{"attributes": {"type": "Contact"}, "Id": "003", "Name": "Edsger"},
					{"attributes": {"type": "Contact"}, "Id": "004", "Name": "Barbara"}
				]
			}`)
		case "/services/data/v52.0/query/cursor-3":
			fmt.Fprint(w, `{
				"totalSize": 5,
				"done": true,
				"records": [
					{"attributes": {"type": "Contact"}, "Id": "005", "Name": "Donald"}
				]
			}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `[{"message":"no such page","errorCode":"INVALID_QUERY_LOCATOR"}]`)
		}
	}
}

func drainAll(t *testing.T, it *BatchIterator) []Row {
	t.Helper()
	var rows []Row
	for {
		batch, err := it.Next(context.Background())
		require.NoError(t, err)
		if batch == nil {
			break
		}
		rows = append(rows, batch.Rows...)
	}
	return rows
}

func TestFetcherPaginatesOnce(t *testing.T) {
	ps := newPagingServer()
	server := httptest.NewServer(ps.handler())
	defer server.Close()

	sess := NewSession(server.URL, "token", "52.0")
	f := NewFetcher(sess, testReliability())

	q, err := BuildFromString("SELECT Id, Name FROM Contact", false)
	require.NoError(t, err)

	it := f.Run(context.Background(), q)
	rows := drainAll(t, it)

	require.Len(t, rows, 5)
	assert.Equal(t, "001", rows[0]["Id"])
	assert.Equal(t, "005", rows[4]["Id"])
	assert.Equal(t, 5, it.TotalSize())
	assert.Equal(t, 3, it.Pages())

	// Each page is requested exactly once
	assert.Equal(t, 1, ps.count("/services/data/v52.0/query"))
	assert.Equal(t, 1, ps.count("/services/data/v52.0/query/cursor-2"))
	assert.Equal(t, 1, ps.count("/services/data/v52.0/query/cursor-3"))
}

func TestFetcherStripsAttributes(t *testing.T) {
	ps := newPagingServer()
	server := httptest.NewServer(ps.handler())
	defer server.Close()

	sess := NewSession(server.URL, "token", "52.0")
	q, err := BuildFromString("SELECT Id, Name FROM Contact", false)
	require.NoError(t, err)

	rows := drainAll(t, NewFetcher(sess, testReliability()).Run(context.Background(), q))
	for _, row := range rows {
		assert.NotContains(t, row, "attributes")
	}
}

func TestFetcherRetriesFromFailedCursor(t *testing.T) {
	ps := newPagingServer()
	// Page 3 fails twice before succeeding
	ps.failures["/services/data/v52.0/query/cursor-3"] = 2

	server := httptest.NewServer(ps.handler())
	defer server.Close()

	sess := NewSession(server.URL, "token", "52.0")
	q, err := BuildFromString("SELECT Id, Name FROM Contact", false)
	require.NoError(t, err)

	rows := drainAll(t, NewFetcher(sess, testReliability()).Run(context.Background(), q))
	require.Len(t, rows, 5)

	// Retries hit only the failed cursor; earlier pages are not re-fetched
	assert.Equal(t, 1, ps.count("/services/data/v52.0/query"))
	assert.Equal(t, 1, ps.count("/services/data/v52.0/query/cursor-2"))
	assert.Equal(t, 3, ps.count("/services/data/v52.0/query/cursor-3"))
}

func TestFetcherExhaustsRetries(t *testing.T) {
	ps := newPagingServer()
	ps.failures["/services/data/v52.0/query"] = 100

	server := httptest.NewServer(ps.handler())
	defer server.Close()

	sess := NewSession(server.URL, "token", "52.0")
	q, err := BuildFromString("SELECT Id FROM Contact", false)
	require.NoError(t, err)

	it := NewFetcher(sess, testReliability()).Run(context.Background(), q)
	_, err = it.Next(context.Background())
	require.Error(t, err)
	assert.Equal(t, 3, ps.count("/services/data/v52.0/query"))
}

func TestFetcherRejectedQueryNotRetried(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `[{"message":"unexpected token: WHERE","errorCode":"MALFORMED_QUERY"}]`)
	}))
	defer server.Close()

	sess := NewSession(server.URL, "token", "52.0")
	q, err := BuildFromString("SELECT Id FROM Contact", false)
	require.NoError(t, err)

	it := NewFetcher(sess, testReliability()).Run(context.Background(), q)
	_, err = it.Next(context.Background())

	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeQuery))
	assert.Contains(t, err.Error(), "MALFORMED_QUERY")
	assert.Equal(t, 1, calls, "rejected queries must not be retried")
}

func TestFetcherRateLimitResponseIsRetryable(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, `[{"message":"request limit exceeded","errorCode":"REQUEST_LIMIT_EXCEEDED"}]`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"totalSize": 0, "done": true, "records": []}`)
	}))
	defer server.Close()

	sess := NewSession(server.URL, "token", "52.0")
	q, err := BuildFromString("SELECT Id FROM Contact", false)
	require.NoError(t, err)

	it := NewFetcher(sess, testReliability()).Run(context.Background(), q)
	batch, err := it.Next(context.Background())
	require.NoError(t, err)
	assert.Empty(t, batch.Rows)
	assert.Equal(t, 2, calls)
}

func TestFetcherIncludeDeletedUsesQueryAll(t *testing.T) {
	var path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"totalSize": 0, "done": true, "records": []}`)
	}))
	defer server.Close()

	sess := NewSession(server.URL, "token", "52.0")
	q, err := BuildFromString("SELECT Id FROM Contact", true)
	require.NoError(t, err)

	it := NewFetcher(sess, testReliability()).Run(context.Background(), q)
	_, err = it.Next(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "/services/data/v52.0/queryAll", path)
}

func TestClassifyStatusErrorCodeDetail(t *testing.T) {
	recorder := httptest.NewRecorder()
	recorder.WriteHeader(http.StatusBadRequest)
	fmt.Fprint(recorder, `[{"message":"No such column 'Nope'","errorCode":"INVALID_FIELD"}]`)

	err := classifyStatus(recorder.Result(), "query")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeQuery))

	var e *errors.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "INVALID_FIELD", e.Details["error_code"])
}

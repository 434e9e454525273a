package bulk2

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	sfjson "github.com/ajitpratap0/sforce/pkg/json"
	"github.com/ajitpratap0/sforce/pkg/session"
	"github.com/ajitpratap0/sforce/pkg/sferrors"
	"github.com/ajitpratap0/sforce/pkg/transport"
)

func testSession(t *testing.T, handler http.Handler) *session.Session {
	t.Helper()
	srv := httptest.NewTLSServer(handler)
	t.Cleanup(srv.Close)

	cfg := transport.DefaultConfig()
	cfg.InsecureSkipVerify = true
	c, err := transport.New(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return session.New(c, zap.NewNop(), "tok", u.Host, "52.0")
}

// ingestServer fakes the minimal ingest job lifecycle: each created job goes
// Open -> UploadComplete -> JobComplete on the next poll.
type ingestServer struct {
	mu       sync.Mutex
	jobs     int
	uploads  []string
	payloads []string
	states   map[string]string
}

func newIngestServer() *ingestServer {
	return &ingestServer{states: map[string]string{}}
}

func (s *ingestServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/services/data/v52.0/jobs/ingest", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.jobs++
		id := fmt.Sprintf("750J%d", s.jobs)
		body, _ := io.ReadAll(r.Body)
		s.payloads = append(s.payloads, string(body))
		s.states[id] = "Open"
		_, _ = fmt.Fprintf(w, `{"id":"%s","state":"Open","contentUrl":"services/data/v52.0/jobs/ingest/%s/batches"}`, id, id)
	})
	mux.HandleFunc("/services/data/v52.0/jobs/ingest/", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		path := r.URL.Path[len("/services/data/v52.0/jobs/ingest/"):]

		switch {
		case r.Method == http.MethodPut:
			id := path[:len(path)-len("/batches")]
			body, _ := io.ReadAll(r.Body)
			s.uploads = append(s.uploads, string(body))
			if _, ok := s.states[id]; !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodPatch:
			var payload struct {
				State string `json:"state"`
			}
			body, _ := io.ReadAll(r.Body)
			_ = sfjson.Unmarshal(body, &payload)
			s.states[path] = payload.State
			_, _ = fmt.Fprintf(w, `{"id":"%s","state":"%s"}`, path, payload.State)
		default: // GET job info
			state := s.states[path]
			if state == "UploadComplete" {
				s.states[path] = "JobComplete"
				state = "JobComplete"
			}
			_, _ = fmt.Fprintf(w,
				`{"id":"%s","state":"%s","numberRecordsProcessed":2,"numberRecordsFailed":0}`, path, state)
		}
	})
	return mux
}

func TestLoadIngestLifecycle(t *testing.T) {
	srv := newIngestServer()
	sess := testSession(t, srv.handler())
	contacts := New(sess, zap.NewNop()).Object("Contact")

	results, err := contacts.Load(context.Background(), OperationInsert,
		"Id,Name\n1,a\n2,b\n", &Options{PollInterval: time.Millisecond})
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, "750J1", results[0].JobID)
	assert.Equal(t, int64(2), results[0].RecordsProcessed)
	assert.Equal(t, 2, results[0].RecordsTotal)

	require.Len(t, srv.payloads, 1)
	assert.Contains(t, srv.payloads[0], `"operation":"insert"`)
	assert.Contains(t, srv.payloads[0], `"object":"Contact"`)
	assert.Contains(t, srv.payloads[0], `"contentType":"CSV"`)
	require.Len(t, srv.uploads, 1)
	assert.Equal(t, "Id,Name\n1,a\n2,b\n", srv.uploads[0])
}

func TestLoadSplitsAndRunsOneJobPerChunk(t *testing.T) {
	srv := newIngestServer()
	sess := testSession(t, srv.handler())
	contacts := New(sess, zap.NewNop()).Object("Contact")

	results, err := contacts.Load(context.Background(), OperationInsert,
		"Id\n1\n2\n3\n", &Options{BatchSize: 2, PollInterval: time.Millisecond, Concurrency: 2})
	require.NoError(t, err)

	assert.Len(t, results, 2)
	assert.Len(t, srv.uploads, 2)
}

func TestLoadRejectsMultiColumnDelete(t *testing.T) {
	sess := testSession(t, http.NewServeMux())
	contacts := New(sess, zap.NewNop()).Object("Contact")

	_, err := contacts.Delete(context.Background(), "Id,Name\n1,a\n", nil)
	require.Error(t, err)
	assert.True(t, sferrors.IsKind(err, sferrors.KindBulkV2Load))
	assert.Contains(t, err.Error(), "InvalidBatch")
}

func TestUploadFailureAbortsJob(t *testing.T) {
	var aborted atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("/services/data/v52.0/jobs/ingest", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"750X","state":"Open"}`))
	})
	mux.HandleFunc("/services/data/v52.0/jobs/ingest/750X/batches", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`[{"errorCode":"INVALID","message":"bad csv"}]`))
	})
	mux.HandleFunc("/services/data/v52.0/jobs/ingest/750X", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPatch {
			body, _ := io.ReadAll(r.Body)
			if string(body) != "" {
				aborted.Store(true)
			}
			_, _ = w.Write([]byte(`{"id":"750X","state":"Aborted"}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"750X","state":"Open"}`))
	})

	sess := testSession(t, mux)
	contacts := New(sess, zap.NewNop()).Object("Contact")

	_, err := contacts.Load(context.Background(), OperationInsert, "Id\n1\n", &Options{
		PollInterval: time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, sferrors.IsKind(err, sferrors.KindMalformedRequest))
	assert.True(t, aborted.Load())
}

func TestWaitForJobFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/services/data/v52.0/jobs/ingest/750F", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"750F","state":"Failed","errorMessage":"MAX_RECORDS_EXCEEDED"}`))
	})

	sess := testSession(t, mux)
	contacts := New(sess, zap.NewNop()).Object("Contact")

	_, err := contacts.WaitForJob(context.Background(), "750F", false, &Options{
		PollInterval: time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, sferrors.IsKind(err, sferrors.KindOperation))
	assert.Contains(t, err.Error(), "MAX_RECORDS_EXCEEDED")
}

func TestWaitForJobTimeout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/services/data/v52.0/jobs/ingest/750T", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"750T","state":"InProgress"}`))
	})

	sess := testSession(t, mux)
	contacts := New(sess, zap.NewNop()).Object("Contact")

	_, err := contacts.WaitForJob(context.Background(), "750T", false, &Options{
		PollInterval: time.Millisecond,
		PollTimeout:  10 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, sferrors.IsKind(err, sferrors.KindTimeout))
}

func TestQueryPagesWithLocator(t *testing.T) {
	var pages atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/services/data/v52.0/jobs/query", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), `"query":"SELECT Id FROM Contact"`)
		_, _ = w.Write([]byte(`{"id":"750Q","state":"UploadComplete"}`))
	})
	mux.HandleFunc("/services/data/v52.0/jobs/query/750Q", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"750Q","state":"JobComplete"}`))
	})
	mux.HandleFunc("/services/data/v52.0/jobs/query/750Q/results", func(w http.ResponseWriter, r *http.Request) {
		n := pages.Add(1)
		if n == 1 {
			assert.Empty(t, r.URL.Query().Get("locator"))
			w.Header().Set("Sforce-Locator", "loc2")
			w.Header().Set("Sforce-NumberOfRecords", "2")
			_, _ = w.Write([]byte("Id\n003a\n003b\n"))
			return
		}
		assert.Equal(t, "loc2", r.URL.Query().Get("locator"))
		w.Header().Set("Sforce-Locator", "null")
		w.Header().Set("Sforce-NumberOfRecords", "1")
		_, _ = w.Write([]byte("Id\n003c\x00\n"))
	})

	sess := testSession(t, mux)
	contacts := New(sess, zap.NewNop()).Object("Contact")

	it, err := contacts.Query(context.Background(), "SELECT Id FROM Contact", &Options{
		PollInterval: time.Millisecond,
	})
	require.NoError(t, err)

	all, err := it.All(context.Background())
	require.NoError(t, err)

	require.Len(t, all, 2)
	assert.Equal(t, 2, all[0].NumberOfRecords)
	assert.Equal(t, "loc2", all[0].Locator)
	assert.Equal(t, "Id\n003c\n", all[1].Records) // null byte stripped
	assert.Empty(t, all[1].Locator)
}

func TestCreateQueryJobRequiresQuery(t *testing.T) {
	sess := testSession(t, http.NewServeMux())
	contacts := New(sess, zap.NewNop()).Object("Contact")

	_, err := contacts.CreateJob(context.Background(), OperationQuery, "", nil)
	require.Error(t, err)
	assert.True(t, sferrors.IsKind(err, sferrors.KindBulkV2Extract))
}

func TestUploadJobDataRejectsOversize(t *testing.T) {
	sess := testSession(t, http.NewServeMux())
	contacts := New(sess, zap.NewNop()).Object("Contact")

	err := contacts.UploadJobData(context.Background(), "750X", string(make([]byte, MaxIngestFileSize+1)))
	require.Error(t, err)
	assert.True(t, sferrors.IsKind(err, sferrors.KindBulkV2Load))
}

func TestAllIngestRecords(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/services/data/v52.0/jobs/ingest/750R/successfulResults", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("sf__Id,sf__Created,Name\n001a,true,Acme\n"))
	})
	mux.HandleFunc("/services/data/v52.0/jobs/ingest/750R/failedResults", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("sf__Id,sf__Error,Name\n001b,REQUIRED_FIELD_MISSING,\n"))
	})
	mux.HandleFunc("/services/data/v52.0/jobs/ingest/750R/unprocessedRecords", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(""))
	})

	sess := testSession(t, mux)
	contacts := New(sess, zap.NewNop()).Object("Contact")

	records, err := contacts.AllIngestRecords(context.Background(), "750R")
	require.NoError(t, err)

	require.Len(t, records.Successful, 1)
	assert.Equal(t, "Acme", records.Successful[0]["Name"])
	require.Len(t, records.Failed, 1)
	assert.Equal(t, "REQUIRED_FIELD_MISSING", records.Failed[0]["sf__Error"])
	assert.Empty(t, records.Unprocessed)
}

func TestLoadRecordsConvertsToCSV(t *testing.T) {
	srv := newIngestServer()
	sess := testSession(t, srv.handler())
	contacts := New(sess, zap.NewNop()).Object("Contact")

	_, err := contacts.LoadRecords(context.Background(), OperationInsert,
		[]map[string]string{{"LastName": "Doe"}}, &Options{PollInterval: time.Millisecond})
	require.NoError(t, err)

	require.Len(t, srv.uploads, 1)
	assert.Equal(t, "LastName\nDoe\n", srv.uploads[0])
}

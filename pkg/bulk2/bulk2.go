// Package bulk2 implements the Bulk 2.0 API pipeline: CSV ingest jobs with
// size-capped chunked uploads, job state polling with backoff, locator-paged
// query result streaming, and ingest result retrieval.
package bulk2

import (
	"context"
	"math"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	sfjson "github.com/ajitpratap0/sforce/pkg/json"
	"github.com/ajitpratap0/sforce/pkg/session"
	"github.com/ajitpratap0/sforce/pkg/sferrors"
)

const (
	// MaxIngestFileSize is the hard cap on a single ingest upload.
	MaxIngestFileSize = 100 * 1024 * 1024
	// MaxIngestParallelism caps concurrent chunk uploads.
	MaxIngestParallelism = 10
	// DefaultQueryPageSize is the default maxRecords per query result page.
	DefaultQueryPageSize = 50000
	// DefaultWaitTimeout bounds job polling; jobs may run up to 24 hours.
	DefaultWaitTimeout = 24 * time.Hour

	maxCheckInterval = 2 * time.Second

	jsonContentType = "application/json"
	csvContentType  = "text/csv; charset=UTF-8"
)

// Operation is a Bulk 2.0 job operation.
type Operation string

const (
	OperationInsert     Operation = "insert"
	OperationUpsert     Operation = "upsert"
	OperationUpdate     Operation = "update"
	OperationDelete     Operation = "delete"
	OperationHardDelete Operation = "hardDelete"
	OperationQuery      Operation = "query"
	OperationQueryAll   Operation = "queryAll"
)

// JobState is the lifecycle state of a Bulk 2.0 job.
type JobState string

const (
	StateOpen           JobState = "Open"
	StateAborted        JobState = "Aborted"
	StateFailed         JobState = "Failed"
	StateUploadComplete JobState = "UploadComplete"
	StateInProgress     JobState = "InProgress"
	StateJobComplete    JobState = "JobComplete"
)

// ResultsType selects which ingest result stream to fetch.
type ResultsType string

const (
	ResultsSuccessful  ResultsType = "successfulResults"
	ResultsFailed      ResultsType = "failedResults"
	ResultsUnprocessed ResultsType = "unprocessedRecords"
)

// Job describes a Bulk 2.0 job.
type Job struct {
	ID                     string    `json:"id"`
	Operation              Operation `json:"operation"`
	Object                 string    `json:"object"`
	State                  JobState  `json:"state"`
	ContentURL             string    `json:"contentUrl"`
	ErrorMessage           string    `json:"errorMessage"`
	NumberRecordsProcessed int64     `json:"numberRecordsProcessed"`
	NumberRecordsFailed    int64     `json:"numberRecordsFailed"`
}

// IngestResult summarizes one completed ingest job.
type IngestResult struct {
	JobID            string
	RecordsProcessed int64
	RecordsFailed    int64
	RecordsTotal     int
}

// QueryPage is one locator-delimited page of query results.
type QueryPage struct {
	Locator         string
	NumberOfRecords int
	Records         string
	File            string
}

// IngestRecords groups the three ingest result streams, parsed.
type IngestRecords struct {
	Successful  []map[string]string
	Failed      []map[string]string
	Unprocessed []map[string]string
}

// Options tunes a Bulk 2.0 operation. The zero value gets defaults.
type Options struct {
	// BatchSize caps records per upload chunk; zero means size-bound only.
	BatchSize int
	// ColumnDelimiter for CSV payloads, COMMA when empty.
	ColumnDelimiter ColumnDelimiter
	// LineEnding for CSV payloads, LF when empty.
	LineEnding LineEnding
	// ExternalIDField keys upsert operations.
	ExternalIDField string
	// Concurrency is the number of parallel chunk uploads, capped at
	// MaxIngestParallelism.
	Concurrency int
	// PollInterval is the base delay between job state checks.
	PollInterval time.Duration
	// PollTimeout bounds the total wait for a job.
	PollTimeout time.Duration
	// MaxRecords caps records per query result page.
	MaxRecords int
}

func (o *Options) normalize() Options {
	opts := Options{}
	if o != nil {
		opts = *o
	}
	if opts.ColumnDelimiter == "" {
		opts.ColumnDelimiter = DelimiterComma
	}
	if opts.LineEnding == "" {
		opts.LineEnding = LineEndingLF
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Concurrency > MaxIngestParallelism {
		opts.Concurrency = MaxIngestParallelism
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultWaitTimeout
	}
	if opts.MaxRecords <= 0 {
		opts.MaxRecords = DefaultQueryPageSize
	}
	return opts
}

// Client hands out per-object-type Bulk 2.0 interfaces.
type Client struct {
	session *session.Session
	logger  *zap.Logger

	mu    sync.Mutex
	types map[string]*Type
}

// New creates a Bulk 2.0 client over an authenticated session.
func New(sess *session.Session, logger *zap.Logger) *Client {
	return &Client{
		session: sess,
		logger:  logger.With(zap.String("component", "bulk2")),
		types:   map[string]*Type{},
	}
}

// Object returns the Bulk 2.0 interface for one object type.
func (c *Client) Object(name string) *Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.types[name]
	if !ok {
		t = &Type{
			name:    name,
			session: c.session,
			logger:  c.logger.With(zap.String("sobject", name)),
		}
		c.types[name] = t
	}
	return t
}

// Type is the Bulk 2.0 interface for a single object type.
type Type struct {
	name    string
	session *session.Session
	logger  *zap.Logger
}

func (t *Type) jobURL(jobID string, isQuery bool) string {
	base := "jobs/ingest"
	if isQuery {
		base = "jobs/query"
	}
	if jobID != "" {
		base += "/" + jobID
	}
	return t.session.RestURL(base)
}

func (t *Type) headers(contentType, accept string) map[string]string {
	if contentType == "" {
		contentType = jsonContentType
	}
	if accept == "" {
		accept = jsonContentType
	}
	return map[string]string{
		"Content-Type":  contentType,
		"Accept":        accept,
		"X-PrettyPrint": "1",
	}
}

// CreateJob creates an ingest or query job. query is required for query
// operations and ignored otherwise.
func (t *Type) CreateJob(ctx context.Context, operation Operation, query string, opts *Options) (Job, error) {
	o := opts.normalize()
	isQuery := operation == OperationQuery || operation == OperationQueryAll

	payload := map[string]interface{}{
		"operation":       operation,
		"columnDelimiter": o.ColumnDelimiter,
		"lineEnding":      o.LineEnding,
	}
	if o.ExternalIDField != "" {
		payload["externalIdFieldName"] = o.ExternalIDField
	}
	if isQuery {
		if query == "" {
			return Job{}, sferrors.New(sferrors.KindBulkV2Extract, "query is required for query jobs")
		}
		payload["query"] = query
	} else {
		payload["object"] = t.name
		payload["contentType"] = "CSV"
	}

	body, err := sfjson.Marshal(payload)
	if err != nil {
		return Job{}, err
	}

	accept := jsonContentType
	if isQuery {
		accept = csvContentType
	}
	resp, err := t.session.Call(ctx, http.MethodPost, t.jobURL("", isQuery), t.name,
		body, t.headers(jsonContentType, accept))
	if err != nil {
		return Job{}, err
	}

	var job Job
	if err := sfjson.Unmarshal(resp.Body, &job); err != nil {
		return Job{}, err
	}
	t.logger.Debug("bulk2 job created",
		zap.String("job_id", job.ID),
		zap.String("operation", string(operation)))
	return job, nil
}

// GetJob fetches current job info.
func (t *Type) GetJob(ctx context.Context, jobID string, isQuery bool) (Job, error) {
	resp, err := t.session.Call(ctx, http.MethodGet, t.jobURL(jobID, isQuery), t.name, nil, t.headers("", ""))
	if err != nil {
		return Job{}, err
	}
	var job Job
	if err := sfjson.Unmarshal(resp.Body, &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// CloseJob marks an ingest job's uploads complete, queueing it for
// processing.
func (t *Type) CloseJob(ctx context.Context, jobID string) (Job, error) {
	return t.setJobState(ctx, jobID, false, StateUploadComplete)
}

// AbortJob aborts a query or ingest job.
func (t *Type) AbortJob(ctx context.Context, jobID string, isQuery bool) (Job, error) {
	return t.setJobState(ctx, jobID, isQuery, StateAborted)
}

// DeleteJob deletes a finished job.
func (t *Type) DeleteJob(ctx context.Context, jobID string, isQuery bool) error {
	_, err := t.session.Call(ctx, http.MethodDelete, t.jobURL(jobID, isQuery), t.name, nil, t.headers("", ""))
	return err
}

func (t *Type) setJobState(ctx context.Context, jobID string, isQuery bool, state JobState) (Job, error) {
	body, err := sfjson.Marshal(map[string]interface{}{"state": state})
	if err != nil {
		return Job{}, err
	}
	resp, err := t.session.Call(ctx, http.MethodPatch, t.jobURL(jobID, isQuery), t.name, body, t.headers("", ""))
	if err != nil {
		return Job{}, err
	}
	var job Job
	if err := sfjson.Unmarshal(resp.Body, &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// UploadJobData PUTs one CSV payload onto an open ingest job. The server
// answers 201 on success.
func (t *Type) UploadJobData(ctx context.Context, jobID, data string) error {
	if data == "" {
		return sferrors.New(sferrors.KindBulkV2Load, "data is required for ingest jobs")
	}
	if len(data) > MaxIngestFileSize {
		return sferrors.Newf(sferrors.KindBulkV2Load,
			"data size %d exceeds the max file size accepted by Bulk V2 (100 MB)", len(data))
	}

	resp, err := t.session.Call(ctx, http.MethodPut, t.jobURL(jobID, false)+"/batches", t.name,
		[]byte(data), t.headers(csvContentType, jsonContentType))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusCreated {
		return sferrors.Newf(sferrors.KindBulkV2Load,
			"failed to upload job data. Error Code %d. Response content: %s",
			resp.StatusCode, string(resp.Body))
	}
	return nil
}

// WaitForJob polls a job until it completes, with capped exponential backoff
// on top of the base interval. A failed or aborted job is an operation error;
// exceeding the poll timeout is a timeout error.
func (t *Type) WaitForJob(ctx context.Context, jobID string, isQuery bool, opts *Options) (Job, error) {
	o := opts.normalize()
	deadline := time.Now().Add(o.PollTimeout)

	delay := o.PollInterval
	attempt := 0
	var job Job

	if err := sleepCtx(ctx, o.PollInterval); err != nil {
		return Job{}, err
	}
	for time.Now().Before(deadline) {
		var err error
		job, err = t.GetJob(ctx, jobID, isQuery)
		if err != nil {
			return Job{}, err
		}

		switch job.State {
		case StateJobComplete:
			return job, nil
		case StateFailed, StateAborted:
			msg := job.ErrorMessage
			if msg == "" {
				msg = string(job.State)
			}
			return Job{}, sferrors.Newf(sferrors.KindOperation,
				"job failure. Response content: %s", msg)
		}

		if delay < maxCheckInterval {
			delay = o.PollInterval + time.Duration(math.Exp(float64(attempt))*float64(time.Millisecond))
			attempt++
		}
		if err := sleepCtx(ctx, delay); err != nil {
			return Job{}, err
		}
	}
	return Job{}, sferrors.Newf(sferrors.KindTimeout, "job timeout. Job status: %s", job.State)
}

// Insert loads new records from CSV data.
func (t *Type) Insert(ctx context.Context, csvData string, opts *Options) ([]IngestResult, error) {
	return t.Load(ctx, OperationInsert, csvData, opts)
}

// Update applies updates by record Id from CSV data.
func (t *Type) Update(ctx context.Context, csvData string, opts *Options) ([]IngestResult, error) {
	return t.Load(ctx, OperationUpdate, csvData, opts)
}

// Upsert creates or updates records keyed by opts.ExternalIDField.
func (t *Type) Upsert(ctx context.Context, csvData string, opts *Options) ([]IngestResult, error) {
	return t.Load(ctx, OperationUpsert, csvData, opts)
}

// Delete soft-deletes records; the CSV must hold a single Id column.
func (t *Type) Delete(ctx context.Context, csvData string, opts *Options) ([]IngestResult, error) {
	return t.Load(ctx, OperationDelete, csvData, opts)
}

// HardDelete deletes records bypassing the recycle bin; the CSV must hold a
// single Id column.
func (t *Type) HardDelete(ctx context.Context, csvData string, opts *Options) ([]IngestResult, error) {
	return t.Load(ctx, OperationHardDelete, csvData, opts)
}

// LoadRecords converts records to CSV and runs an ingest operation.
func (t *Type) LoadRecords(ctx context.Context, operation Operation, records []map[string]string, opts *Options) ([]IngestResult, error) {
	o := opts.normalize()
	csvData, err := ConvertRecords(records, o.ColumnDelimiter, o.LineEnding)
	if err != nil {
		return nil, err
	}
	return t.Load(ctx, operation, csvData, opts)
}

// LoadFile reads a CSV file and runs an ingest operation.
func (t *Type) LoadFile(ctx context.Context, operation Operation, path string, opts *Options) ([]IngestResult, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: file path is controlled by caller
	if err != nil {
		return nil, sferrors.Wrap(err, sferrors.KindBulkV2Load, path+" not found")
	}
	return t.Load(ctx, operation, string(data), opts)
}

// Load splits CSV data into upload-sized chunks and runs one ingest job per
// chunk, in parallel up to opts.Concurrency. A chunk whose upload fails has
// its job aborted.
func (t *Type) Load(ctx context.Context, operation Operation, csvData string, opts *Options) ([]IngestResult, error) {
	o := opts.normalize()

	if operation == OperationDelete || operation == OperationHardDelete {
		if err := validateIDOnlyHeader(csvData, o.ColumnDelimiter); err != nil {
			return nil, err
		}
	}

	chunks := SplitCSV(csvData, o.BatchSize)
	if len(chunks) == 0 {
		return nil, sferrors.New(sferrors.KindBulkV2Load, "data is required for ingest jobs")
	}

	results := make([]IngestResult, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.Concurrency)

	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			result, err := t.loadChunk(gctx, operation, chunk, o)
			if err != nil {
				return err
			}
			results[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// loadChunk runs one chunk end to end: create job, upload, close, wait.
func (t *Type) loadChunk(ctx context.Context, operation Operation, chunk Chunk, o Options) (IngestResult, error) {
	job, err := t.CreateJob(ctx, operation, "", &o)
	if err != nil {
		return IngestResult{}, err
	}
	if job.State != StateOpen {
		return IngestResult{}, sferrors.Newf(sferrors.KindBulkV2Load,
			"failed to upload job data. Job state: %s", job.State)
	}

	if err := t.UploadJobData(ctx, job.ID, chunk.Data); err != nil {
		t.abortIfRunning(ctx, job.ID)
		return IngestResult{}, err
	}
	if _, err := t.CloseJob(ctx, job.ID); err != nil {
		t.abortIfRunning(ctx, job.ID)
		return IngestResult{}, err
	}
	if _, err := t.WaitForJob(ctx, job.ID, false, &o); err != nil {
		t.abortIfRunning(ctx, job.ID)
		return IngestResult{}, err
	}

	final, err := t.GetJob(ctx, job.ID, false)
	if err != nil {
		return IngestResult{}, err
	}
	return IngestResult{
		JobID:            job.ID,
		RecordsProcessed: final.NumberRecordsProcessed,
		RecordsFailed:    final.NumberRecordsFailed,
		RecordsTotal:     chunk.Records,
	}, nil
}

// abortIfRunning aborts a job still in a pre-terminal state. Best effort on
// an error path; a failure to abort is logged, not returned.
func (t *Type) abortIfRunning(ctx context.Context, jobID string) {
	job, err := t.GetJob(ctx, jobID, false)
	if err != nil {
		t.logger.Warn("failed to check job before abort", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	switch job.State {
	case StateOpen, StateUploadComplete, StateInProgress:
		if _, err := t.AbortJob(ctx, jobID, false); err != nil {
			t.logger.Warn("failed to abort job", zap.String("job_id", jobID), zap.Error(err))
		}
	}
}

// Query runs a Bulk 2.0 query job to completion and returns an iterator over
// its locator-delimited result pages.
func (t *Type) Query(ctx context.Context, query string, opts *Options) (*QueryIterator, error) {
	return t.query(ctx, OperationQuery, query, opts)
}

// QueryAll is Query including soft-deleted and archived records.
func (t *Type) QueryAll(ctx context.Context, query string, opts *Options) (*QueryIterator, error) {
	return t.query(ctx, OperationQueryAll, query, opts)
}

func (t *Type) query(ctx context.Context, operation Operation, query string, opts *Options) (*QueryIterator, error) {
	o := opts.normalize()

	job, err := t.CreateJob(ctx, operation, query, &o)
	if err != nil {
		return nil, err
	}
	if _, err := t.WaitForJob(ctx, job.ID, true, &o); err != nil {
		return nil, err
	}

	return &QueryIterator{bulkType: t, jobID: job.ID, opts: o}, nil
}

// GetQueryResults fetches one result page. An empty locator fetches the
// first page; the returned page's locator is empty when no pages remain.
func (t *Type) GetQueryResults(ctx context.Context, jobID, locator string, maxRecords int) (QueryPage, error) {
	u := t.jobURL(jobID, true) + "/results?maxRecords=" + strconv.Itoa(maxRecords)
	if locator != "" && locator != "null" {
		u += "&locator=" + url.QueryEscape(locator)
	}

	resp, err := t.session.Call(ctx, http.MethodGet, u, t.name, nil, t.headers(jsonContentType, csvContentType))
	if err != nil {
		return QueryPage{}, err
	}

	next := resp.Header.Get("Sforce-Locator")
	if next == "null" {
		next = ""
	}
	numRecords, err := strconv.Atoi(resp.Header.Get("Sforce-NumberOfRecords"))
	if err != nil {
		return QueryPage{}, sferrors.Wrap(err, sferrors.KindBulkV2Extract,
			"missing Sforce-NumberOfRecords header")
	}

	return QueryPage{
		Locator:         next,
		NumberOfRecords: numRecords,
		Records:         filterNullBytes(string(resp.Body)),
	}, nil
}

// DownloadQueryResults streams every result page of a completed query job
// into CSV files under dir, one file per page.
func (t *Type) DownloadQueryResults(ctx context.Context, jobID, dir string, opts *Options) ([]QueryPage, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, sferrors.Newf(sferrors.KindBulkV2Load, "path does not exist: %s", dir)
	}
	o := opts.normalize()

	var pages []QueryPage
	locator := ""
	for {
		page, err := t.GetQueryResults(ctx, jobID, locator, o.MaxRecords)
		if err != nil {
			return nil, err
		}

		f, err := os.CreateTemp(dir, "*.csv")
		if err != nil {
			return nil, sferrors.Wrap(err, sferrors.KindBulkV2Load, "failed to create result file")
		}
		if _, err := f.WriteString(page.Records); err != nil {
			f.Close()
			return nil, sferrors.Wrap(err, sferrors.KindBulkV2Load, "failed to write result file")
		}
		if err := f.Close(); err != nil {
			return nil, sferrors.Wrap(err, sferrors.KindBulkV2Load, "failed to close result file")
		}

		page.File = f.Name()
		page.Records = ""
		pages = append(pages, page)

		if page.Locator == "" {
			return pages, nil
		}
		locator = page.Locator
	}
}

// GetIngestResults fetches one ingest result stream as CSV text.
func (t *Type) GetIngestResults(ctx context.Context, jobID string, resultsType ResultsType) (string, error) {
	u := t.jobURL(jobID, false) + "/" + string(resultsType)
	resp, err := t.session.Call(ctx, http.MethodGet, u, t.name, nil, t.headers(jsonContentType, csvContentType))
	if err != nil {
		return "", err
	}
	return filterNullBytes(string(resp.Body)), nil
}

// SuccessfulRecords fetches the successful-results CSV of an ingest job.
func (t *Type) SuccessfulRecords(ctx context.Context, jobID string) (string, error) {
	return t.GetIngestResults(ctx, jobID, ResultsSuccessful)
}

// FailedRecords fetches the failed-results CSV of an ingest job.
func (t *Type) FailedRecords(ctx context.Context, jobID string) (string, error) {
	return t.GetIngestResults(ctx, jobID, ResultsFailed)
}

// UnprocessedRecords fetches the unprocessed-records CSV of an ingest job.
func (t *Type) UnprocessedRecords(ctx context.Context, jobID string) (string, error) {
	return t.GetIngestResults(ctx, jobID, ResultsUnprocessed)
}

// AllIngestRecords fetches and parses all three ingest result streams.
func (t *Type) AllIngestRecords(ctx context.Context, jobID string) (IngestRecords, error) {
	var out IngestRecords
	for _, stream := range []struct {
		rt   ResultsType
		dest *[]map[string]string
	}{
		{ResultsSuccessful, &out.Successful},
		{ResultsFailed, &out.Failed},
		{ResultsUnprocessed, &out.Unprocessed},
	} {
		data, err := t.GetIngestResults(ctx, jobID, stream.rt)
		if err != nil {
			return IngestRecords{}, err
		}
		records, err := ParseRecords(data)
		if err != nil {
			return IngestRecords{}, err
		}
		*stream.dest = records
	}
	return out, nil
}

// QueryIterator pages through the results of a completed query job.
type QueryIterator struct {
	bulkType *Type
	jobID    string
	opts     Options
	locator  string
	done     bool
}

// JobID returns the id of the underlying query job.
func (it *QueryIterator) JobID() string {
	return it.jobID
}

// Next fetches the next result page, or returns false when exhausted.
func (it *QueryIterator) Next(ctx context.Context) (QueryPage, bool, error) {
	if it.done {
		return QueryPage{}, false, nil
	}

	page, err := it.bulkType.GetQueryResults(ctx, it.jobID, it.locator, it.opts.MaxRecords)
	if err != nil {
		return QueryPage{}, false, err
	}

	it.locator = page.Locator
	if page.Locator == "" {
		it.done = true
	}
	return page, true, nil
}

// All drains the iterator into a slice of pages. Each page carries its own
// CSV header row.
func (it *QueryIterator) All(ctx context.Context) ([]QueryPage, error) {
	var pages []QueryPage
	for {
		page, ok, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return pages, nil
		}
		pages = append(pages, page)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return sferrors.Wrap(ctx.Err(), sferrors.KindTimeout, "job polling canceled")
	}
}

// Package bulk implements the Bulk v1 (async) API pipeline: JSON jobs with
// batched payloads, batch state polling, and result collection. Requests
// authenticate with the X-SFDC-Session header rather than a bearer token.
package bulk

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	sfjson "github.com/ajitpratap0/sforce/pkg/json"
	"github.com/ajitpratap0/sforce/pkg/session"
	"github.com/ajitpratap0/sforce/pkg/sferrors"
)

// DefaultBatchSize is the record cap per batch; the API rejects larger ones.
const DefaultBatchSize = 10000

// DefaultPollInterval is the delay between batch state checks.
const DefaultPollInterval = 5 * time.Second

// Record is one record in a bulk payload or result set.
type Record = map[string]interface{}

// Job describes a Bulk v1 job.
type Job struct {
	ID              string `json:"id"`
	Operation       string `json:"operation"`
	Object          string `json:"object"`
	State           string `json:"state"`
	ConcurrencyMode string `json:"concurrencyMode"`
	ContentType     string `json:"contentType"`
}

// Batch describes one batch within a job.
type Batch struct {
	ID           string `json:"id"`
	JobID        string `json:"jobId"`
	State        string `json:"state"`
	StateMessage string `json:"stateMessage"`
}

// Options tunes a bulk operation. The zero value gets defaults.
type Options struct {
	// BatchSize caps records per batch; capped at DefaultBatchSize.
	BatchSize int
	// Serial asks the server to process batches in order.
	Serial bool
	// PollInterval is the delay between batch state checks.
	PollInterval time.Duration
	// PollTimeout bounds the total wait for a batch; zero means no bound.
	PollTimeout time.Duration
}

func (o *Options) normalize() Options {
	opts := Options{}
	if o != nil {
		opts = *o
	}
	if opts.BatchSize <= 0 || opts.BatchSize > DefaultBatchSize {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return opts
}

// Client hands out per-object-type bulk interfaces.
type Client struct {
	session *session.Session
	logger  *zap.Logger

	mu    sync.Mutex
	types map[string]*Type
}

// New creates a Bulk v1 client over an authenticated session.
func New(sess *session.Session, logger *zap.Logger) *Client {
	return &Client{
		session: sess,
		logger:  logger.With(zap.String("component", "bulk")),
		types:   map[string]*Type{},
	}
}

// Object returns the bulk interface for one object type. Handles are cached
// per name.
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

// Type is the bulk interface for a single object type.
type Type struct {
	name    string
	session *session.Session
	logger  *zap.Logger
}

// Insert loads new records.
func (t *Type) Insert(ctx context.Context, data []Record, opts *Options) ([]Record, error) {
	return t.loadOperation(ctx, "insert", data, "", opts)
}

// Update applies updates by record Id.
func (t *Type) Update(ctx context.Context, data []Record, opts *Options) ([]Record, error) {
	return t.loadOperation(ctx, "update", data, "", opts)
}

// Upsert creates or updates records keyed by an external-id field.
func (t *Type) Upsert(ctx context.Context, data []Record, externalIDField string, opts *Options) ([]Record, error) {
	return t.loadOperation(ctx, "upsert", data, externalIDField, opts)
}

// Delete soft-deletes records by Id.
func (t *Type) Delete(ctx context.Context, data []Record, opts *Options) ([]Record, error) {
	return t.loadOperation(ctx, "delete", data, "", opts)
}

// HardDelete deletes records bypassing the recycle bin. The profile needs the
// Bulk API Hard Delete permission.
func (t *Type) HardDelete(ctx context.Context, data []Record, opts *Options) ([]Record, error) {
	return t.loadOperation(ctx, "hardDelete", data, "", opts)
}

// Query runs a bulk SOQL query and returns all records eagerly.
func (t *Type) Query(ctx context.Context, query string, opts *Options) ([]Record, error) {
	it, err := t.QueryIter(ctx, "query", query, opts)
	if err != nil {
		return nil, err
	}
	return it.All(ctx)
}

// QueryAll is Query including soft-deleted and archived records.
func (t *Type) QueryAll(ctx context.Context, query string, opts *Options) ([]Record, error) {
	it, err := t.QueryIter(ctx, "queryAll", query, opts)
	if err != nil {
		return nil, err
	}
	return it.All(ctx)
}

// QueryIter runs a bulk query job to completion and returns an iterator over
// its result sets, one page per stored result. The operation is "query" or
// "queryAll".
func (t *Type) QueryIter(ctx context.Context, operation, query string, opts *Options) (*QueryIterator, error) {
	o := opts.normalize()

	job, err := t.createJob(ctx, operation, o.Serial, "")
	if err != nil {
		return nil, err
	}

	batch, err := t.addBatch(ctx, job.ID, []byte(query))
	if err != nil {
		return nil, err
	}

	if _, err := t.closeJob(ctx, job.ID); err != nil {
		return nil, err
	}

	final, err := t.waitForBatch(ctx, batch.JobID, batch.ID, o)
	if err != nil {
		return nil, err
	}
	if final.State == "Failed" {
		return nil, sferrors.Newf(sferrors.KindOperation,
			"bulk job %s failed: %s", final.JobID, final.StateMessage)
	}

	resultIDs, err := t.batchResultIDs(ctx, final.JobID, final.ID)
	if err != nil {
		return nil, err
	}

	return &QueryIterator{
		bulkType:  t,
		jobID:     final.JobID,
		batchID:   final.ID,
		resultIDs: resultIDs,
	}, nil
}

// loadOperation runs a DML job end to end: create, add batches, wait,
// collect, close.
func (t *Type) loadOperation(ctx context.Context, operation string, data []Record, externalIDField string, opts *Options) ([]Record, error) {
	o := opts.normalize()

	job, err := t.createJob(ctx, operation, o.Serial, externalIDField)
	if err != nil {
		return nil, err
	}

	var batches []Batch
	for start := 0; start < len(data); start += o.BatchSize {
		end := start + o.BatchSize
		if end > len(data) {
			end = len(data)
		}
		payload, err := sfjson.Marshal(data[start:end])
		if err != nil {
			return nil, err
		}
		batch, err := t.addBatch(ctx, job.ID, payload)
		if err != nil {
			return nil, err
		}
		batches = append(batches, batch)
	}

	var results []Record
	for _, batch := range batches {
		final, err := t.waitForBatch(ctx, batch.JobID, batch.ID, o)
		if err != nil {
			return nil, err
		}
		batchResults, err := t.batchResults(ctx, final.JobID, final.ID)
		if err != nil {
			return nil, err
		}
		results = append(results, batchResults...)
	}

	if _, err := t.closeJob(ctx, job.ID); err != nil {
		return nil, err
	}

	return results, nil
}

func (t *Type) createJob(ctx context.Context, operation string, serial bool, externalIDField string) (Job, error) {
	mode := "Parallel"
	if serial {
		mode = "Serial"
	}
	payload := map[string]interface{}{
		"operation":       operation,
		"object":          t.name,
		"concurrencyMode": mode,
		"contentType":     "JSON",
	}
	if operation == "upsert" {
		payload["externalIdFieldName"] = externalIDField
	}

	var job Job
	if err := t.call(ctx, http.MethodPost, t.session.BulkURL("job"), payload, &job); err != nil {
		return Job{}, err
	}
	t.logger.Debug("bulk job created",
		zap.String("job_id", job.ID),
		zap.String("operation", operation))
	return job, nil
}

func (t *Type) closeJob(ctx context.Context, jobID string) (Job, error) {
	var job Job
	err := t.call(ctx, http.MethodPost, t.session.BulkURL("job/"+jobID),
		map[string]interface{}{"state": "Closed"}, &job)
	return job, err
}

// AbortJob moves a job to Aborted. Batches already processed are not rolled
// back.
func (t *Type) AbortJob(ctx context.Context, jobID string) (Job, error) {
	var job Job
	err := t.call(ctx, http.MethodPost, t.session.BulkURL("job/"+jobID),
		map[string]interface{}{"state": "Aborted"}, &job)
	return job, err
}

// GetJob fetches the current state of a job.
func (t *Type) GetJob(ctx context.Context, jobID string) (Job, error) {
	var job Job
	err := t.call(ctx, http.MethodGet, t.session.BulkURL("job/"+jobID), nil, &job)
	return job, err
}

func (t *Type) addBatch(ctx context.Context, jobID string, payload []byte) (Batch, error) {
	resp, err := t.session.Call(ctx, http.MethodPost,
		t.session.BulkURL("job/"+jobID+"/batch"), t.name, payload, t.headers())
	if err != nil {
		return Batch{}, err
	}

	var batch Batch
	if err := sfjson.Unmarshal(resp.Body, &batch); err != nil {
		return Batch{}, err
	}
	return batch, nil
}

func (t *Type) getBatch(ctx context.Context, jobID, batchID string) (Batch, error) {
	var batch Batch
	err := t.call(ctx, http.MethodGet,
		t.session.BulkURL("job/"+jobID+"/batch/"+batchID), nil, &batch)
	return batch, err
}

// waitForBatch polls a batch until it reaches a terminal state.
func (t *Type) waitForBatch(ctx context.Context, jobID, batchID string, o Options) (Batch, error) {
	deadline := time.Time{}
	if o.PollTimeout > 0 {
		deadline = time.Now().Add(o.PollTimeout)
	}

	for {
		batch, err := t.getBatch(ctx, jobID, batchID)
		if err != nil {
			return Batch{}, err
		}
		switch batch.State {
		case "Completed", "Failed", "NotProcessed":
			return batch, nil
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			return Batch{}, sferrors.Newf(sferrors.KindTimeout,
				"batch %s of job %s still %s after %s", batchID, jobID, batch.State, o.PollTimeout)
		}

		timer := time.NewTimer(o.PollInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return Batch{}, sferrors.Wrap(ctx.Err(), sferrors.KindTimeout, "batch polling canceled")
		}
	}
}

// batchResults fetches a DML batch's per-record results.
func (t *Type) batchResults(ctx context.Context, jobID, batchID string) ([]Record, error) {
	var results []Record
	err := t.call(ctx, http.MethodGet,
		t.session.BulkURL("job/"+jobID+"/batch/"+batchID+"/result"), nil, &results)
	return results, err
}

// batchResultIDs fetches the stored-result id list of a query batch.
func (t *Type) batchResultIDs(ctx context.Context, jobID, batchID string) ([]string, error) {
	var ids []string
	err := t.call(ctx, http.MethodGet,
		t.session.BulkURL("job/"+jobID+"/batch/"+batchID+"/result"), nil, &ids)
	return ids, err
}

func (t *Type) call(ctx context.Context, method, url string, payload, out interface{}) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = sfjson.Marshal(payload)
		if err != nil {
			return err
		}
	}

	resp, err := t.session.Call(ctx, method, url, t.name, body, t.headers())
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return sfjson.Unmarshal(resp.Body, out)
}

// headers returns the Bulk v1 header set; the async API wants the session id
// in X-SFDC-Session.
func (t *Type) headers() map[string]string {
	return map[string]string{
		"Content-Type":   "application/json",
		"X-SFDC-Session": t.session.Token(),
		"X-PrettyPrint":  "1",
	}
}

// QueryIterator walks the stored results of a completed query job. It may be
// consumed once.
type QueryIterator struct {
	bulkType  *Type
	jobID     string
	batchID   string
	resultIDs []string
	next      int
}

// Next returns the records of the next stored result, or false when the
// iterator is exhausted.
func (it *QueryIterator) Next(ctx context.Context) ([]Record, bool, error) {
	if it.next >= len(it.resultIDs) {
		return nil, false, nil
	}
	resultID := it.resultIDs[it.next]
	it.next++

	var records []Record
	url := it.bulkType.session.BulkURL(
		fmt.Sprintf("job/%s/batch/%s/result/%s", it.jobID, it.batchID, resultID))
	if err := it.bulkType.call(ctx, http.MethodGet, url, nil, &records); err != nil {
		return nil, false, err
	}
	return records, true, nil
}

// All drains the iterator into a single slice.
func (it *QueryIterator) All(ctx context.Context) ([]Record, error) {
	var all []Record
	for {
		records, ok, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return all, nil
		}
		all = append(all, records...)
	}
}

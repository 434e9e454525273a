// Package sobject provides per-object-type access to the REST sobjects
// resource: describe, CRUD, external-id addressing, change tracking windows,
// and base64 blob fields.
package sobject

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"go.uber.org/zap"

	sfjson "github.com/ajitpratap0/sforce/pkg/json"
	"github.com/ajitpratap0/sforce/pkg/session"
	"github.com/ajitpratap0/sforce/pkg/soql"
)

// Record is a single SObject payload, field name to value.
type Record map[string]interface{}

// CreateResult is the response to a record creation.
type CreateResult struct {
	ID      string        `json:"id"`
	Success bool          `json:"success"`
	Errors  []interface{} `json:"errors"`
}

// UpsertResult reports the outcome of an external-id upsert. Created is true
// when the call inserted a new record (HTTP 201) rather than updating one.
type UpsertResult struct {
	StatusCode int
	ID         string
	Created    bool
}

// DeletedRecord is one entry in a deleted-records window.
type DeletedRecord struct {
	ID          string `json:"id"`
	DeletedDate string `json:"deletedDate"`
}

// DeletedResult is the response to a get-deleted call.
type DeletedResult struct {
	DeletedRecords        []DeletedRecord `json:"deletedRecords"`
	EarliestDateAvailable string          `json:"earliestDateAvailable"`
	LatestDateCovered     string          `json:"latestDateCovered"`
}

// UpdatedResult is the response to a get-updated call.
type UpdatedResult struct {
	IDs               []string `json:"ids"`
	LatestDateCovered string   `json:"latestDateCovered"`
}

// SObject is a handle onto one object type, e.g. Lead or Contact. Handles
// are cheap; the client caches them per name.
type SObject struct {
	name    string
	session *session.Session
	logger  *zap.Logger
}

// New creates a handle for the named object type.
func New(sess *session.Session, logger *zap.Logger, name string) *SObject {
	return &SObject{
		name:    name,
		session: sess,
		logger:  logger.With(zap.String("sobject", name)),
	}
}

// Name returns the object type name this handle addresses.
func (o *SObject) Name() string {
	return o.name
}

func (o *SObject) baseURL() string {
	return o.session.RestURL("sobjects/" + o.name + "/")
}

// Metadata returns the object-level metadata from a GET on the bare
// sobjects/{name}/ resource.
func (o *SObject) Metadata(ctx context.Context) (Record, error) {
	return o.getJSON(ctx, o.baseURL())
}

// Describe returns the full field-level describe for the object type.
func (o *SObject) Describe(ctx context.Context) (Record, error) {
	return o.getJSON(ctx, o.baseURL()+"describe")
}

// DescribeLayout returns the layout description for the given layout id.
func (o *SObject) DescribeLayout(ctx context.Context, layoutID string) (Record, error) {
	return o.getJSON(ctx, o.baseURL()+"describe/layouts/"+layoutID)
}

// Get retrieves a record by id.
func (o *SObject) Get(ctx context.Context, recordID string) (Record, error) {
	return o.getJSON(ctx, o.baseURL()+recordID)
}

// GetByExternalID retrieves a record addressed by an external-id field. The
// value is percent-encoded into the path.
func (o *SObject) GetByExternalID(ctx context.Context, field, value string) (Record, error) {
	return o.getJSON(ctx, o.baseURL()+soql.FormatExternalID(field, value))
}

// Create inserts a new record.
func (o *SObject) Create(ctx context.Context, data Record) (CreateResult, error) {
	body, err := sfjson.Marshal(data)
	if err != nil {
		return CreateResult{}, err
	}

	resp, err := o.session.Call(ctx, http.MethodPost, o.baseURL(), o.name, body, nil)
	if err != nil {
		return CreateResult{}, err
	}

	var result CreateResult
	if err := sfjson.Unmarshal(resp.Body, &result); err != nil {
		return CreateResult{}, err
	}
	return result, nil
}

// Update applies a partial update to a record by id and returns the HTTP
// status code, 204 on success.
func (o *SObject) Update(ctx context.Context, recordID string, data Record) (int, error) {
	body, err := sfjson.Marshal(data)
	if err != nil {
		return 0, err
	}

	resp, err := o.session.Call(ctx, http.MethodPatch, o.baseURL()+recordID, o.name, body, nil)
	if err != nil {
		return 0, err
	}
	return resp.StatusCode, nil
}

// Upsert creates or updates a record addressed by external id. The path
// identifier has the form {field}/{value}, as built by soql.FormatExternalID.
func (o *SObject) Upsert(ctx context.Context, externalID string, data Record) (UpsertResult, error) {
	body, err := sfjson.Marshal(data)
	if err != nil {
		return UpsertResult{}, err
	}

	resp, err := o.session.Call(ctx, http.MethodPatch, o.baseURL()+externalID, o.name, body, nil)
	if err != nil {
		return UpsertResult{}, err
	}

	result := UpsertResult{StatusCode: resp.StatusCode, Created: resp.StatusCode == http.StatusCreated}
	if len(resp.Body) > 0 {
		var payload struct {
			ID string `json:"id"`
		}
		if err := sfjson.Unmarshal(resp.Body, &payload); err == nil {
			result.ID = payload.ID
		}
	}
	return result, nil
}

// Delete removes a record by id and returns the HTTP status code, 204 on
// success.
func (o *SObject) Delete(ctx context.Context, recordID string) (int, error) {
	resp, err := o.session.Call(ctx, http.MethodDelete, o.baseURL()+recordID, o.name, nil, nil)
	if err != nil {
		return 0, err
	}
	return resp.StatusCode, nil
}

// Deleted lists records deleted in the [start, end] window.
func (o *SObject) Deleted(ctx context.Context, start, end time.Time) (DeletedResult, error) {
	u := fmt.Sprintf("%sdeleted/?start=%s&end=%s", o.baseURL(), isoQueryTime(start), isoQueryTime(end))

	resp, err := o.session.Call(ctx, http.MethodGet, u, o.name, nil, nil)
	if err != nil {
		return DeletedResult{}, err
	}

	var result DeletedResult
	if err := sfjson.Unmarshal(resp.Body, &result); err != nil {
		return DeletedResult{}, err
	}
	return result, nil
}

// Updated lists ids of records created or modified in the [start, end] window.
func (o *SObject) Updated(ctx context.Context, start, end time.Time) (UpdatedResult, error) {
	u := fmt.Sprintf("%supdated/?start=%s&end=%s", o.baseURL(), isoQueryTime(start), isoQueryTime(end))

	resp, err := o.session.Call(ctx, http.MethodGet, u, o.name, nil, nil)
	if err != nil {
		return UpdatedResult{}, err
	}

	var result UpdatedResult
	if err := sfjson.Unmarshal(resp.Body, &result); err != nil {
		return UpdatedResult{}, err
	}
	return result, nil
}

// UploadBase64 creates a record carrying a file in a base64 blob field, Body
// by default for Attachment-style objects.
func (o *SObject) UploadBase64(ctx context.Context, filePath, base64Field string, extra Record) (CreateResult, error) {
	data, err := o.base64Payload(filePath, base64Field, extra)
	if err != nil {
		return CreateResult{}, err
	}
	return o.Create(ctx, data)
}

// UpdateBase64 replaces the base64 blob field of an existing record from a
// file and returns the HTTP status code.
func (o *SObject) UpdateBase64(ctx context.Context, recordID, filePath, base64Field string) (int, error) {
	data, err := o.base64Payload(filePath, base64Field, nil)
	if err != nil {
		return 0, err
	}
	return o.Update(ctx, recordID, data)
}

// GetBase64 fetches the raw bytes of a blob field, e.g.
// sobjects/Attachment/{id}/Body.
func (o *SObject) GetBase64(ctx context.Context, recordID, base64Field string) ([]byte, error) {
	u := o.baseURL() + recordID + "/" + base64Field

	resp, err := o.session.Call(ctx, http.MethodGet, u, o.name, nil, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (o *SObject) base64Payload(filePath, base64Field string, extra Record) (Record, error) {
	content, err := os.ReadFile(filePath) //nolint:gosec // G304: file path is controlled by caller
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filePath, err)
	}

	if base64Field == "" {
		base64Field = "Body"
	}
	data := Record{base64Field: base64.StdEncoding.EncodeToString(content)}
	for k, v := range extra {
		data[k] = v
	}
	return data, nil
}

func (o *SObject) getJSON(ctx context.Context, u string) (Record, error) {
	resp, err := o.session.Call(ctx, http.MethodGet, u, o.name, nil, nil)
	if err != nil {
		return nil, err
	}

	var result Record
	if err := sfjson.Unmarshal(resp.Body, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// isoQueryTime renders a timestamp the way the deleted/updated endpoints
// expect it in a query string, with ':' and '+' percent-encoded.
func isoQueryTime(t time.Time) string {
	return url.QueryEscape(t.Format("2006-01-02T15:04:05-07:00"))
}

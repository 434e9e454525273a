package sobject

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

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

func TestGet(t *testing.T) {
	var gotPath string
	sess := testSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"Id":"003xx","LastName":"Doe"}`))
	}))

	contact := New(sess, zap.NewNop(), "Contact")
	rec, err := contact.Get(context.Background(), "003xx")
	require.NoError(t, err)

	assert.Equal(t, "/services/data/v52.0/sobjects/Contact/003xx", gotPath)
	assert.Equal(t, "Doe", rec["LastName"])
}

func TestGetByExternalID(t *testing.T) {
	var gotURI string
	sess := testSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURI = r.URL.RequestURI()
		_, _ = w.Write([]byte(`{"Id":"003xx"}`))
	}))

	contact := New(sess, zap.NewNop(), "Contact")
	_, err := contact.GetByExternalID(context.Background(), "Custom_Key__c", "some/value")
	require.NoError(t, err)
	assert.Equal(t, "/services/data/v52.0/sobjects/Contact/Custom_Key__c/some%2Fvalue", gotURI)
}

func TestCreate(t *testing.T) {
	var gotBody string
	sess := testSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"001new","success":true,"errors":[]}`))
	}))

	account := New(sess, zap.NewNop(), "Account")
	result, err := account.Create(context.Background(), Record{"Name": "Acme"})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "001new", result.ID)
	assert.Contains(t, gotBody, `"Name":"Acme"`)
}

func TestUpdateReturnsStatus(t *testing.T) {
	sess := testSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))

	account := New(sess, zap.NewNop(), "Account")
	status, err := account.Update(context.Background(), "001xx", Record{"Name": "New"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)
}

func TestUpsertCreated(t *testing.T) {
	sess := testSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/services/data/v52.0/sobjects/Account/Ext__c/k-1", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"001up","success":true,"created":true}`))
	}))

	account := New(sess, zap.NewNop(), "Account")
	result, err := account.Upsert(context.Background(), "Ext__c/k-1", Record{"Name": "Acme"})
	require.NoError(t, err)

	assert.True(t, result.Created)
	assert.Equal(t, http.StatusCreated, result.StatusCode)
	assert.Equal(t, "001up", result.ID)
}

func TestDeleteNotFound(t *testing.T) {
	sess := testSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`[{"errorCode":"NOT_FOUND","message":"Provided external ID field does not exist"}]`))
	}))

	account := New(sess, zap.NewNop(), "Account")
	_, err := account.Delete(context.Background(), "001missing")
	require.Error(t, err)
	assert.True(t, sferrors.IsKind(err, sferrors.KindResourceNotFound))
	assert.Contains(t, err.Error(), "resource Account not found")
}

func TestDeletedWindow(t *testing.T) {
	var gotQuery string
	sess := testSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"deletedRecords":[{"id":"001a","deletedDate":"2026-08-01T00:00:00.000+0000"}],"latestDateCovered":"2026-08-02T00:00:00.000+0000"}`))
	}))

	account := New(sess, zap.NewNop(), "Account")
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC)
	result, err := account.Deleted(context.Background(), start, end)
	require.NoError(t, err)

	assert.Contains(t, gotQuery, "start=2026-08-01T00%3A00%3A00%2B00%3A00")
	require.Len(t, result.DeletedRecords, 1)
	assert.Equal(t, "001a", result.DeletedRecords[0].ID)
}

func TestUpdatedWindow(t *testing.T) {
	sess := testSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ids":["001a","001b"],"latestDateCovered":"2026-08-02T00:00:00.000+0000"}`))
	}))

	account := New(sess, zap.NewNop(), "Account")
	result, err := account.Updated(context.Background(), time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"001a", "001b"}, result.IDs)
}

func TestUploadBase64(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0600))

	var gotBody []byte
	sess := testSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"00Patt","success":true}`))
	}))

	att := New(sess, zap.NewNop(), "Attachment")
	result, err := att.UploadBase64(context.Background(), path, "", Record{"Name": "file.bin"})
	require.NoError(t, err)

	assert.Equal(t, "00Patt", result.ID)
	encoded := base64.StdEncoding.EncodeToString([]byte("hello world"))
	assert.Contains(t, string(gotBody), encoded)
	assert.Contains(t, string(gotBody), `"Name":"file.bin"`)
}

func TestGetBase64(t *testing.T) {
	sess := testSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/services/data/v52.0/sobjects/Attachment/00Patt/Body", r.URL.Path)
		_, _ = w.Write([]byte{0x89, 0x50, 0x4e, 0x47})
	}))

	att := New(sess, zap.NewNop(), "Attachment")
	data, err := att.GetBase64(context.Background(), "00Patt", "Body")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 0x50, 0x4e, 0x47}, data)
}

func TestDescribe(t *testing.T) {
	sess := testSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/services/data/v52.0/sobjects/Lead/describe", r.URL.Path)
		_, _ = w.Write([]byte(`{"name":"Lead","fields":[]}`))
	}))

	lead := New(sess, zap.NewNop(), "Lead")
	rec, err := lead.Describe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Lead", rec["name"])
}

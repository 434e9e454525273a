package salesforce

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ajitpratap0/sforce/pkg/config"
	"github.com/ajitpratap0/sforce/pkg/session"
	"github.com/ajitpratap0/sforce/pkg/sferrors"
	"github.com/ajitpratap0/sforce/pkg/transport"
)

func testClient(t *testing.T, handler http.Handler) *Client {
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
	sess := session.New(c, zap.NewNop(), "tok", u.Host, "52.0")
	return NewFromSession(sess, zap.NewNop())
}

func TestNewRejectsIncompleteCredentials(t *testing.T) {
	_, err := New(context.Background(), config.Default(), zap.NewNop())
	require.Error(t, err)
	assert.True(t, sferrors.IsKind(err, sferrors.KindAuthenticationFailed))
}

func TestNewDirectSession(t *testing.T) {
	cfg := config.Default()
	cfg.Credentials = config.Credentials{
		SessionID:   "00D!abc",
		InstanceURL: "https://na99.salesforce.com",
	}

	c, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, "00D!abc", c.Session().Token())
	assert.Equal(t, "na99.salesforce.com", c.Session().Instance())
}

func TestSObjectHandlesAreCached(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	assert.Same(t, c.SObject("Contact"), c.SObject("Contact"))
	assert.NotSame(t, c.SObject("Contact"), c.SObject("Account"))
}

func TestAPIAccessorsAreCached(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	assert.Same(t, c.Bulk(), c.Bulk())
	assert.Same(t, c.Bulk2(), c.Bulk2())
	assert.Same(t, c.Metadata(), c.Metadata())
}

func TestSearch(t *testing.T) {
	var gotURI string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURI = r.URL.RequestURI()
		_, _ = w.Write([]byte(`{"searchRecords":[{"Id":"003xx"}]}`))
	}))

	result, err := c.Search(context.Background(), "FIND {Waldo}")
	require.NoError(t, err)

	assert.Equal(t, "/services/data/v52.0/search/?q=FIND+%7BWaldo%7D", gotURI)
	require.Len(t, result.SearchRecords, 1)
	assert.Equal(t, "003xx", result.SearchRecords[0]["Id"])
}

func TestQuickSearchWrapsFind(t *testing.T) {
	var gotQuery string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		_, _ = w.Write([]byte(`{"searchRecords":[]}`))
	}))

	_, err := c.QuickSearch(context.Background(), "Waldo")
	require.NoError(t, err)
	assert.Equal(t, "FIND {Waldo}", gotQuery)
}

func TestLimits(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/services/data/v52.0/limits/", r.URL.Path)
		_, _ = w.Write([]byte(`{"DailyApiRequests":{"Max":15000,"Remaining":14998}}`))
	}))

	limits, err := c.Limits(context.Background())
	require.NoError(t, err)
	assert.Contains(t, limits, "DailyApiRequests")
}

func TestDescribe(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/services/data/v52.0/sobjects", r.URL.Path)
		_, _ = w.Write([]byte(`{"encoding":"UTF-8","sobjects":[{"name":"Account"}]}`))
	}))

	describe, err := c.Describe(context.Background())
	require.NoError(t, err)
	assert.Contains(t, describe, "sobjects")
}

func TestSetPassword(t *testing.T) {
	var gotPath, gotBody string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		data, _ := io.ReadAll(r.Body)
		gotBody = string(data)
		w.WriteHeader(http.StatusNoContent)
	}))

	err := c.SetPassword(context.Background(), "005xx", "hunter22")
	require.NoError(t, err)
	assert.Equal(t, "/services/data/v52.0/sobjects/User/005xx/password", gotPath)
	assert.JSONEq(t, `{"NewPassword":"hunter22"}`, gotBody)
}

func TestIsSandbox(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Query().Get("q"), "IsSandbox")
		_, _ = w.Write([]byte(`{"totalSize":1,"done":true,"records":[{"IsSandbox":true}]}`))
	}))

	sandbox, err := c.IsSandbox(context.Background())
	require.NoError(t, err)
	assert.True(t, sandbox)
}

func TestApexecute(t *testing.T) {
	var gotPath, gotMethod, gotBody string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		data, _ := io.ReadAll(r.Body)
		gotBody = string(data)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))

	out, err := c.Apexecute(context.Background(), http.MethodPost, "ping", map[string]string{"echo": "hi"})
	require.NoError(t, err)

	assert.Equal(t, "/services/apexrest/ping", gotPath)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.JSONEq(t, `{"echo":"hi"}`, gotBody)
	assert.JSONEq(t, `{"status":"ok"}`, string(out))
}

func TestApexecuteNoBody(t *testing.T) {
	var gotLength int64
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLength = r.ContentLength
		_, _ = w.Write([]byte(`plain text`))
	}))

	out, err := c.Apexecute(context.Background(), http.MethodGet, "status", nil)
	require.NoError(t, err)
	assert.Zero(t, gotLength)
	assert.Equal(t, "plain text", string(out))
}

func TestToolingExecute(t *testing.T) {
	var gotPath string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"records":[]}`))
	}))

	_, err := c.ToolingExecute(context.Background(), http.MethodGet, "query/", nil)
	require.NoError(t, err)
	assert.Equal(t, "/services/data/v52.0/tooling/query/", gotPath)
}

func TestRestful(t *testing.T) {
	var gotURI string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURI = r.URL.RequestURI()
		_, _ = w.Write([]byte(`[{"version":"52.0"}]`))
	}))

	params := url.Values{"anonymousBody": {"System.debug(1);"}}
	out, err := c.Restful(context.Background(), http.MethodGet, "tooling/executeAnonymous/", params, nil)
	require.NoError(t, err)

	assert.Equal(t, "/services/data/v52.0/tooling/executeAnonymous/?anonymousBody=System.debug%281%29%3B", gotURI)
	assert.NotEmpty(t, out)
}

func TestOAuth2Userinfo(t *testing.T) {
	var gotPath string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"user_id":"005xx"}`))
	}))

	out, err := c.OAuth2(context.Background(), http.MethodGet, "userinfo", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "/services/oauth2/userinfo", gotPath)
	assert.JSONEq(t, `{"user_id":"005xx"}`, string(out))
}

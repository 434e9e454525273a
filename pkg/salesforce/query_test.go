package salesforce

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuerySinglePage(t *testing.T) {
	var gotURI string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURI = r.URL.RequestURI()
		_, _ = w.Write([]byte(`{"totalSize":1,"done":true,"records":[{"Id":"001xx","Name":"Acme"}]}`))
	}))

	result, err := c.Query(context.Background(), "SELECT Id, Name FROM Account")
	require.NoError(t, err)

	assert.Equal(t, "/services/data/v52.0/query/?q=SELECT+Id%2C+Name+FROM+Account", gotURI)
	assert.True(t, result.Done)
	assert.Equal(t, 1, result.TotalSize)
	require.Len(t, result.Records, 1)
	assert.Equal(t, "Acme", result.Records[0]["Name"])
}

func TestQueryIncludeDeletedUsesQueryAllEndpoint(t *testing.T) {
	var gotPath string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"totalSize":0,"done":true,"records":[]}`))
	}))

	_, err := c.QueryIncludeDeleted(context.Background(), "SELECT Id FROM Account")
	require.NoError(t, err)
	assert.Equal(t, "/services/data/v52.0/queryAll/", gotPath)
}

func TestQueryMoreWithLocator(t *testing.T) {
	var gotPath string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"totalSize":2,"done":true,"records":[{"Id":"001b"}]}`))
	}))

	result, err := c.QueryMore(context.Background(), "01gXX0000000001-2000", false)
	require.NoError(t, err)
	assert.Equal(t, "/services/data/v52.0/query/01gXX0000000001-2000", gotPath)
	require.Len(t, result.Records, 1)
}

func TestQueryAllFollowsPages(t *testing.T) {
	var paths []string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if len(paths) == 1 {
			_, _ = w.Write([]byte(`{"totalSize":3,"done":false,` +
				`"nextRecordsUrl":"/services/data/v52.0/query/01gXX-2",` +
				`"records":[{"Id":"001a"},{"Id":"001b"}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"totalSize":3,"done":true,"records":[{"Id":"001c"}]}`))
	}))

	result, err := c.QueryAll(context.Background(), "SELECT Id FROM Account")
	require.NoError(t, err)

	require.Len(t, paths, 2)
	assert.Equal(t, "/services/data/v52.0/query/01gXX-2", paths[1])
	assert.Equal(t, 3, result.TotalSize)
	require.Len(t, result.Records, 3)
	assert.Equal(t, "001c", result.Records[2]["Id"])
}

func TestQueryAllIterPagesLazily(t *testing.T) {
	var calls int
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			_, _ = w.Write([]byte(`{"totalSize":2,"done":false,` +
				`"nextRecordsUrl":"/services/data/v52.0/query/01gYY-2",` +
				`"records":[{"Id":"001a"}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"totalSize":2,"done":true,"records":[{"Id":"001b"}]}`))
	}))

	it := c.QueryAllIter("SELECT Id FROM Contact")

	page, ok, err := it.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, calls)
	require.Len(t, page.Records, 1)

	page, ok, err = it.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "001b", page.Records[0]["Id"])

	_, ok, err = it.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2, calls)
}

func TestQueryMalformedQueryError(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`[{"errorCode":"MALFORMED_QUERY","message":"unexpected token"}]`))
	}))

	_, err := c.Query(context.Background(), "SELECT FROM Account")
	require.Error(t, err)
}

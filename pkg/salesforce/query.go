package salesforce

import (
	"context"
	"net/http"
	"net/url"

	sfjson "github.com/ajitpratap0/sforce/pkg/json"
	"github.com/ajitpratap0/sforce/pkg/sferrors"
	"github.com/ajitpratap0/sforce/pkg/sobject"
)

// QueryResult is one page of SOQL results. When Done is false,
// NextRecordsURL identifies the next page for QueryMore.
type QueryResult struct {
	TotalSize      int              `json:"totalSize"`
	Done           bool             `json:"done"`
	NextRecordsURL string           `json:"nextRecordsUrl"`
	Records        []sobject.Record `json:"records"`
}

// Query runs a SOQL query and returns the first page of results.
func (c *Client) Query(ctx context.Context, soql string) (*QueryResult, error) {
	return c.queryEndpoint(ctx, "query/", soql)
}

// QueryIncludeDeleted runs a SOQL query that also matches archived and
// soft-deleted records.
func (c *Client) QueryIncludeDeleted(ctx context.Context, soql string) (*QueryResult, error) {
	return c.queryEndpoint(ctx, "queryAll/", soql)
}

func (c *Client) queryEndpoint(ctx context.Context, endpoint, soql string) (*QueryResult, error) {
	u := c.session.RestURL(endpoint + "?q=" + url.QueryEscape(soql))
	return c.fetchQueryPage(ctx, u)
}

// QueryMore fetches a follow-up page. identifier is either the query locator
// returned in NextRecordsURL's last path segment or, when identifierIsURL is
// set, the full nextRecordsUrl path.
func (c *Client) QueryMore(ctx context.Context, identifier string, identifierIsURL bool) (*QueryResult, error) {
	var u string
	if identifierIsURL {
		u = "https://" + c.session.Instance() + identifier
	} else {
		u = c.session.RestURL("query/" + identifier)
	}
	return c.fetchQueryPage(ctx, u)
}

// QueryAll runs a SOQL query and follows every page, returning all records.
func (c *Client) QueryAll(ctx context.Context, soql string) (*QueryResult, error) {
	return c.QueryAllIter(soql).Collect(ctx)
}

// QueryAllIncludeDeleted is QueryAll against the queryAll endpoint.
func (c *Client) QueryAllIncludeDeleted(ctx context.Context, soql string) (*QueryResult, error) {
	it := &QueryIterator{client: c, soql: soql, endpoint: "queryAll/"}
	return it.Collect(ctx)
}

// QueryAllIter returns a page iterator for a SOQL query. Pages are fetched
// lazily on Next.
func (c *Client) QueryAllIter(soql string) *QueryIterator {
	return &QueryIterator{client: c, soql: soql, endpoint: "query/"}
}

func (c *Client) fetchQueryPage(ctx context.Context, u string) (*QueryResult, error) {
	resp, err := c.session.Call(ctx, http.MethodGet, u, "query", nil, nil)
	if err != nil {
		return nil, err
	}
	var result QueryResult
	if err := sfjson.Unmarshal(resp.Body, &result); err != nil {
		return nil, sferrors.Wrap(err, sferrors.KindGeneralError, "failed to decode query response")
	}
	return &result, nil
}

// QueryIterator pages through SOQL results.
type QueryIterator struct {
	client   *Client
	soql     string
	endpoint string

	started bool
	next    string
	done    bool
}

// Next returns the next page. The second return is false once every page has
// been consumed.
func (it *QueryIterator) Next(ctx context.Context) (*QueryResult, bool, error) {
	if it.done {
		return nil, false, nil
	}

	var result *QueryResult
	var err error
	if !it.started {
		it.started = true
		result, err = it.client.queryEndpoint(ctx, it.endpoint, it.soql)
	} else {
		result, err = it.client.QueryMore(ctx, it.next, true)
	}
	if err != nil {
		return nil, false, err
	}

	if result.Done || result.NextRecordsURL == "" {
		it.done = true
	} else {
		it.next = result.NextRecordsURL
	}
	return result, true, nil
}

// Collect drains the iterator into a single result.
func (it *QueryIterator) Collect(ctx context.Context) (*QueryResult, error) {
	out := &QueryResult{Done: true}
	for {
		page, ok, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		out.TotalSize = page.TotalSize
		out.Records = append(out.Records, page.Records...)
	}
	return out, nil
}

// Package salesforce is the top-level Salesforce client. It logs in with
// whichever credential shape the configuration carries, then exposes the REST
// query and search surface, SObject CRUD handles, the Bulk v1 and v2 APIs,
// and the Metadata SOAP API, all sharing one authenticated session.
package salesforce

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/sforce/pkg/bulk"
	"github.com/ajitpratap0/sforce/pkg/bulk2"
	"github.com/ajitpratap0/sforce/pkg/config"
	sfjson "github.com/ajitpratap0/sforce/pkg/json"
	"github.com/ajitpratap0/sforce/pkg/login"
	"github.com/ajitpratap0/sforce/pkg/metadata"
	"github.com/ajitpratap0/sforce/pkg/session"
	"github.com/ajitpratap0/sforce/pkg/sferrors"
	"github.com/ajitpratap0/sforce/pkg/sobject"
	"github.com/ajitpratap0/sforce/pkg/transport"
)

// Client is an authenticated Salesforce API client. It is safe for
// concurrent use.
type Client struct {
	logger  *zap.Logger
	http    *transport.Client
	session *session.Session

	mu       sync.Mutex
	sobjects map[string]*sobject.SObject
	bulk     *bulk.Client
	bulk2    *bulk2.Client
	metadata *metadata.API
}

// New logs in with the configured credentials and returns a ready client.
// The credential shape selects the handshake; incomplete credentials fail
// before any network call.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Normalize()

	method := cfg.Credentials.Method()
	if method == config.AuthNone {
		return nil, sferrors.AuthenticationFailed("INVALID AUTH",
			"you must submit a security token, organizationId, consumer key, or session id for authentication")
	}

	httpClient, err := transport.New(cfg.Transport, logger)
	if err != nil {
		return nil, err
	}

	opts := login.Options{
		Domain:   cfg.Domain,
		Version:  cfg.Version,
		ClientID: cfg.ClientID,
	}
	result, err := login.Login(ctx, httpClient, cfg.Credentials, opts)
	if err != nil {
		_ = httpClient.Close()
		return nil, err
	}

	sess := session.New(httpClient, logger, result.SessionID, result.Instance, cfg.Version)
	if method != config.AuthDirect {
		creds := cfg.Credentials
		sess.SetRefresh(func(ctx context.Context) (string, error) {
			r, err := login.Login(ctx, httpClient, creds, opts)
			if err != nil {
				return "", err
			}
			return r.SessionID, nil
		})
	}

	c := newFromSession(sess, logger)
	c.http = httpClient
	return c, nil
}

// NewFromSession wraps an already authenticated session. No refresh hook is
// installed beyond whatever the session carries.
func NewFromSession(sess *session.Session, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return newFromSession(sess, logger)
}

func newFromSession(sess *session.Session, logger *zap.Logger) *Client {
	return &Client{
		logger:   logger.With(zap.String("component", "salesforce")),
		session:  sess,
		sobjects: map[string]*sobject.SObject{},
	}
}

// Close releases the underlying transport. Clients built from an external
// session do not own a transport and Close is a no-op.
func (c *Client) Close() error {
	if c.http != nil {
		return c.http.Close()
	}
	return nil
}

// Session exposes the underlying session, mainly for advanced callers that
// need raw authenticated requests.
func (c *Client) Session() *session.Session {
	return c.session
}

// SObject returns the CRUD handle for one object type, e.g. "Contact".
// Handles are cached per name.
func (c *Client) SObject(name string) *sobject.SObject {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sobjects[name]; ok {
		return s
	}
	s := sobject.New(c.session, c.logger, name)
	c.sobjects[name] = s
	return s
}

// Bulk returns the Bulk v1 API client.
func (c *Client) Bulk() *bulk.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bulk == nil {
		c.bulk = bulk.New(c.session, c.logger)
	}
	return c.bulk
}

// Bulk2 returns the Bulk v2 API client.
func (c *Client) Bulk2() *bulk2.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bulk2 == nil {
		c.bulk2 = bulk2.New(c.session, c.logger)
	}
	return c.bulk2
}

// Metadata returns the Metadata SOAP API client.
func (c *Client) Metadata() *metadata.API {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.metadata == nil {
		c.metadata = metadata.New(c.session, c.logger)
	}
	return c.metadata
}

// Describe returns the global describe: every object type the org exposes.
func (c *Client) Describe(ctx context.Context) (sobject.Record, error) {
	resp, err := c.session.Call(ctx, http.MethodGet, c.session.RestURL("sobjects"), "describe", nil, nil)
	if err != nil {
		return nil, err
	}
	var out sobject.Record
	if err := sfjson.Unmarshal(resp.Body, &out); err != nil {
		return nil, sferrors.Wrap(err, sferrors.KindGeneralError, "failed to decode describe response")
	}
	return out, nil
}

// Limits returns the org's API limits.
func (c *Client) Limits(ctx context.Context) (sobject.Record, error) {
	resp, err := c.session.Call(ctx, http.MethodGet, c.session.RestURL("limits/"), "limits", nil, nil)
	if err != nil {
		return nil, err
	}
	var out sobject.Record
	if err := sfjson.Unmarshal(resp.Body, &out); err != nil {
		return nil, sferrors.Wrap(err, sferrors.KindGeneralError, "failed to decode limits response")
	}
	return out, nil
}

// SearchResult is the outcome of a SOSL search.
type SearchResult struct {
	SearchRecords []sobject.Record `json:"searchRecords"`
}

// Search runs a raw SOSL search, e.g. "FIND {Waldo}".
func (c *Client) Search(ctx context.Context, sosl string) (*SearchResult, error) {
	u := c.session.RestURL("search/?q=" + url.QueryEscape(sosl))
	resp, err := c.session.Call(ctx, http.MethodGet, u, "search", nil, nil)
	if err != nil {
		return nil, err
	}
	var out SearchResult
	if err := sfjson.Unmarshal(resp.Body, &out); err != nil {
		return nil, sferrors.Wrap(err, sferrors.KindGeneralError, "failed to decode search response")
	}
	return &out, nil
}

// QuickSearch wraps the search term in a FIND clause and runs it.
func (c *Client) QuickSearch(ctx context.Context, term string) (*SearchResult, error) {
	return c.Search(ctx, fmt.Sprintf("FIND {%s}", term))
}

// SetPassword sets a user's password. The endpoint returns no content on
// success.
func (c *Client) SetPassword(ctx context.Context, userID, password string) error {
	payload, err := sfjson.Marshal(map[string]string{"NewPassword": password})
	if err != nil {
		return sferrors.Wrap(err, sferrors.KindGeneralError, "failed to encode password payload")
	}
	u := c.session.RestURL("sobjects/User/" + userID + "/password")
	_, err = c.session.Call(ctx, http.MethodPost, u, "User", payload, nil)
	return err
}

// IsSandbox reports whether the org is a sandbox.
func (c *Client) IsSandbox(ctx context.Context) (bool, error) {
	result, err := c.QueryAll(ctx, "SELECT IsSandbox FROM Organization LIMIT 1")
	if err != nil {
		return false, err
	}
	if len(result.Records) == 0 {
		return false, sferrors.New(sferrors.KindGeneralError, "Organization query returned no rows")
	}
	isSandbox, _ := result.Records[0]["IsSandbox"].(bool)
	return isSandbox, nil
}

// Restful performs a raw authenticated request against a path under the REST
// data root and returns the response body.
func (c *Client) Restful(ctx context.Context, method, path string, params url.Values, body []byte) ([]byte, error) {
	u := c.session.RestURL(path)
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	resp, err := c.session.Call(ctx, method, u, path, body, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// OAuth2 performs a raw authenticated request against a path under the
// OAuth2 root, e.g. "userinfo".
func (c *Client) OAuth2(ctx context.Context, method, path string, params url.Values, body []byte) ([]byte, error) {
	u := c.session.OAuth2URL(path)
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	resp, err := c.session.Call(ctx, method, u, path, body, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Apexecute calls an Apex REST endpoint. data, when non-nil, is sent as the
// JSON body. The raw response body is returned; Apex endpoints may answer
// with JSON or plain text.
func (c *Client) Apexecute(ctx context.Context, method, action string, data interface{}) ([]byte, error) {
	var body []byte
	if data != nil {
		var err error
		body, err = sfjson.Marshal(data)
		if err != nil {
			return nil, sferrors.Wrap(err, sferrors.KindGeneralError, "failed to encode apex payload")
		}
	}
	resp, err := c.session.Call(ctx, method, c.session.ApexURL(action), action, body, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// ToolingExecute calls a Tooling API endpoint under the data root.
func (c *Client) ToolingExecute(ctx context.Context, method, action string, data interface{}) ([]byte, error) {
	var body []byte
	if data != nil {
		var err error
		body, err = sfjson.Marshal(data)
		if err != nil {
			return nil, sferrors.Wrap(err, sferrors.KindGeneralError, "failed to encode tooling payload")
		}
	}
	resp, err := c.session.Call(ctx, method, c.session.ToolingURL(action), action, body, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Deploy uploads a metadata archive and starts an async deploy. See
// metadata.API.Deploy.
func (c *Client) Deploy(ctx context.Context, path string, opts metadata.DeployOptions) (string, string, error) {
	return c.Metadata().Deploy(ctx, path, opts)
}

// CheckDeployStatus fetches the state of an async deploy.
func (c *Client) CheckDeployStatus(ctx context.Context, asyncID string) (*metadata.DeployStatus, error) {
	return c.Metadata().CheckDeployStatus(ctx, asyncID)
}

// APIUsage returns the most recent org-wide API usage seen on any response.
func (c *Client) APIUsage() (session.Usage, bool) {
	return c.session.APIUsage()
}

// PerAppAPIUsage returns the most recent connected-app API usage.
func (c *Client) PerAppAPIUsage() (session.PerAppUsage, bool) {
	return c.session.PerAppAPIUsage()
}

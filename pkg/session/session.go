// Package session holds an authenticated Salesforce session: the bearer
// token, the instance host, and the API version, plus the call wrapper that
// classifies error responses and tracks API usage.
package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/sforce/pkg/sferrors"
	"github.com/ajitpratap0/sforce/pkg/transport"
)

// RefreshFunc re-runs the login handshake and returns a fresh token. It is
// installed by clients constructed from credentials; sessions built from an
// existing token have none.
type RefreshFunc func(ctx context.Context) (string, error)

// Session is an authenticated connection to one Salesforce instance. It is
// safe for concurrent use.
type Session struct {
	client  *transport.Client
	logger  *zap.Logger
	version string

	mu       sync.RWMutex
	token    string
	instance string
	usage    map[string]Usage
	appUsage map[string]PerAppUsage

	refresh RefreshFunc
}

// Response is a fully read HTTP response. The body is drained before the
// response is returned so connections always go back to the pool.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// New creates a session from an existing token and instance host.
func New(client *transport.Client, logger *zap.Logger, token, instance, version string) *Session {
	return &Session{
		client:   client,
		logger:   logger.With(zap.String("component", "session")),
		token:    token,
		instance: instance,
		version:  version,
		usage:    map[string]Usage{},
		appUsage: map[string]PerAppUsage{},
	}
}

// SetRefresh installs the re-login hook used to recover from an expired
// session. At most one refresh is attempted per call.
func (s *Session) SetRefresh(fn RefreshFunc) {
	s.mu.Lock()
	s.refresh = fn
	s.mu.Unlock()
}

// Token returns the current bearer token.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Instance returns the instance host, without scheme.
func (s *Session) Instance() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.instance
}

// Version returns the API version the session was built for.
func (s *Session) Version() string {
	return s.version
}

// BaseURL returns the REST data root, e.g.
// https://na1.salesforce.com/services/data/v52.0/
func (s *Session) BaseURL() string {
	return fmt.Sprintf("https://%s/services/data/v%s/", s.Instance(), s.version)
}

// RestURL joins a path onto the REST data root.
func (s *Session) RestURL(path string) string {
	return s.BaseURL() + path
}

// ToolingURL joins a path onto the Tooling API root under the data root.
func (s *Session) ToolingURL(path string) string {
	return s.BaseURL() + "tooling/" + path
}

// ApexURL joins a path onto the Apex REST root.
func (s *Session) ApexURL(path string) string {
	return fmt.Sprintf("https://%s/services/apexrest/%s", s.Instance(), path)
}

// BulkURL joins a path onto the Bulk v1 async API root.
func (s *Session) BulkURL(path string) string {
	return fmt.Sprintf("https://%s/services/async/%s/%s", s.Instance(), s.version, path)
}

// MetadataURL returns the Metadata SOAP endpoint.
func (s *Session) MetadataURL() string {
	return fmt.Sprintf("https://%s/services/Soap/m/%s/", s.Instance(), s.version)
}

// OAuth2URL joins a path onto the OAuth2 root on the instance.
func (s *Session) OAuth2URL(path string) string {
	return fmt.Sprintf("https://%s/services/oauth2/%s", s.Instance(), path)
}

// Headers returns the standard bearer headers for REST calls.
func (s *Session) Headers() map[string]string {
	return map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer " + s.Token(),
		"X-PrettyPrint": "1",
	}
}

// Call performs an authenticated request and classifies any non-2xx response
// into a typed error. The resource name is used in error messages. Extra
// headers override the standard bearer set. On a 401 with a refresh hook
// installed, the login is re-run once and the request replayed.
func (s *Session) Call(ctx context.Context, method, url, resource string, body []byte, extra map[string]string) (*Response, error) {
	resp, err := s.call(ctx, method, url, body, extra)
	if err != nil {
		return nil, sferrors.Wrap(err, sferrors.KindGeneralError, "request failed")
	}

	if resp.StatusCode == http.StatusUnauthorized {
		s.mu.RLock()
		refresh := s.refresh
		s.mu.RUnlock()
		if refresh != nil {
			token, rerr := refresh(ctx)
			if rerr != nil {
				return nil, rerr
			}
			s.mu.Lock()
			s.token = token
			s.mu.Unlock()
			s.logger.Debug("session refreshed after 401")
			resp, err = s.call(ctx, method, url, body, extra)
			if err != nil {
				return nil, sferrors.Wrap(err, sferrors.KindGeneralError, "request failed")
			}
		}
	}

	if resp.StatusCode >= 300 {
		return nil, sferrors.FromResponse(resp.StatusCode, url, resource, string(resp.Body))
	}

	if info := resp.Header.Get("Sforce-Limit-Info"); info != "" {
		s.recordUsage(info)
	}

	return resp, nil
}

func (s *Session) call(ctx context.Context, method, url string, body []byte, extra map[string]string) (*Response, error) {
	headers := s.Headers()
	for k, v := range extra {
		headers[k] = v
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       content,
	}, nil
}

func (s *Session) recordUsage(info string) {
	usage, appUsage := ParseAPIUsage(info)
	s.mu.Lock()
	defer s.mu.Unlock()
	if usage != nil {
		s.usage["api-usage"] = *usage
	}
	if appUsage != nil {
		s.appUsage["per-app-api-usage"] = *appUsage
	}
}

// APIUsage returns the most recent org-wide API usage reported by the server,
// or false when no call has carried the header yet.
func (s *Session) APIUsage() (Usage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.usage["api-usage"]
	return u, ok
}

// PerAppAPIUsage returns the most recent connected-app API usage.
func (s *Session) PerAppAPIUsage() (PerAppUsage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.appUsage["per-app-api-usage"]
	return u, ok
}

// Package login implements the authentication handshakes that produce a
// session: the SOAP partner-API logins and the OAuth2 token grants. A
// successful login yields the session id and the instance host to direct all
// subsequent API calls at.
package login

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ajitpratap0/sforce/pkg/config"
	sfjson "github.com/ajitpratap0/sforce/pkg/json"
	"github.com/ajitpratap0/sforce/pkg/sferrors"
	"github.com/ajitpratap0/sforce/pkg/transport"
)

// ClientIDPrefix is prepended to every client identifier sent in the SOAP
// CallOptions header.
const ClientIDPrefix = "RestForce"

// Result is a successful login: the bearer token and the bare instance host
// (no scheme) it is valid against.
type Result struct {
	SessionID string
	Instance  string
}

// Options carries everything a login call needs beyond the credentials.
type Options struct {
	Domain   string // "login", "test", or a custom My Domain
	Version  string // API version for the SOAP endpoint path
	ClientID string // optional app name appended to ClientIDPrefix

	// BaseURL overrides the https://{domain}.salesforce.com host, for tests.
	BaseURL string
}

func (o Options) baseURL() string {
	if o.BaseURL != "" {
		return o.BaseURL
	}
	return fmt.Sprintf("https://%s.salesforce.com", o.Domain)
}

func (o Options) clientID() string {
	if o.ClientID != "" {
		return fmt.Sprintf("%s/%s", ClientIDPrefix, o.ClientID)
	}
	return ClientIDPrefix
}

// Login dispatches on the credential shape and runs the matching handshake.
// Every failure path returns a KindAuthenticationFailed error; login calls
// are never retried.
func Login(ctx context.Context, client *transport.Client, creds config.Credentials, opts Options) (Result, error) {
	switch creds.Method() {
	case config.AuthDirect:
		instance := creds.Instance
		if instance == "" {
			instance = stripScheme(creds.InstanceURL)
		}
		return Result{SessionID: creds.SessionID, Instance: instance}, nil
	case config.AuthSOAPSecurityToken:
		body := fmt.Sprintf(soapTokenEnvelope,
			xmlEscape(opts.clientID()),
			xmlEscape(creds.Username),
			xmlEscape(creds.Password),
			xmlEscape(creds.SecurityToken))
		return soapLogin(ctx, client, opts, body)
	case config.AuthSOAPOrgID:
		body := fmt.Sprintf(soapOrgIDEnvelope,
			xmlEscape(opts.clientID()),
			xmlEscape(creds.OrganizationID),
			xmlEscape(creds.Username),
			xmlEscape(creds.Password))
		return soapLogin(ctx, client, opts, body)
	case config.AuthJWTBearer:
		return jwtLogin(ctx, client, creds, opts)
	case config.AuthOAuthPassword:
		form := url.Values{
			"grant_type":    {"password"},
			"client_id":     {creds.ConsumerKey},
			"client_secret": {creds.ConsumerSecret},
			"username":      {creds.Username},
			"password":      {creds.Password},
		}
		return tokenLogin(ctx, client, opts, form)
	case config.AuthClientCredentials:
		form := url.Values{
			"grant_type":    {"client_credentials"},
			"client_id":     {creds.ConsumerKey},
			"client_secret": {creds.ConsumerSecret},
		}
		return tokenLogin(ctx, client, opts, form)
	default:
		return Result{}, sferrors.AuthenticationFailed("INVALID AUTH",
			"you must submit a security token, organizationId, consumer key, or session id for authentication")
	}
}

// soapLogin posts a login envelope to the partner SOAP endpoint and extracts
// the session id and instance host from the response.
func soapLogin(ctx context.Context, client *transport.Client, opts Options, body string) (Result, error) {
	soapURL := fmt.Sprintf("%s/services/Soap/u/%s", opts.baseURL(), opts.Version)

	resp, err := client.Post(ctx, soapURL, strings.NewReader(body), map[string]string{
		"Content-Type": "text/xml; charset=UTF-8",
		"SOAPAction":   "login",
	})
	if err != nil {
		return Result{}, sferrors.AuthenticationFailed("REQUEST_FAILED", err.Error())
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, sferrors.AuthenticationFailed("REQUEST_FAILED", err.Error())
	}

	if resp.StatusCode != http.StatusOK {
		return Result{}, sferrors.AuthenticationFailed(
			elementValue(content, "exceptionCode"),
			elementValue(content, "exceptionMessage"))
	}

	sessionID := elementValue(content, "sessionId")
	serverURL := elementValue(content, "serverUrl")
	if sessionID == "" || serverURL == "" {
		return Result{}, sferrors.AuthenticationFailed("MALFORMED_RESPONSE",
			"login response is missing sessionId or serverUrl")
	}

	// serverUrl is the SOAP endpoint on the api host; the REST instance is
	// the same host without the "-api" suffix.
	instance := strings.Replace(strings.SplitN(stripScheme(serverURL), "/", 2)[0], "-api", "", 1)

	return Result{SessionID: sessionID, Instance: instance}, nil
}

// jwtLogin signs a short-lived RS256 assertion with the connected app's
// private key and exchanges it at the token endpoint.
func jwtLogin(ctx context.Context, client *transport.Client, creds config.Credentials, opts Options) (Result, error) {
	keyPEM := []byte(creds.PrivateKey)
	if creds.PrivateKey == "" {
		data, err := os.ReadFile(creds.PrivateKeyFile)
		if err != nil {
			return Result{}, sferrors.AuthenticationFailed("PRIVATE_KEY",
				fmt.Sprintf("failed to read private key file: %v", err))
		}
		keyPEM = data
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM(keyPEM)
	if err != nil {
		return Result{}, sferrors.AuthenticationFailed("PRIVATE_KEY",
			fmt.Sprintf("failed to parse private key: %v", err))
	}

	claims := jwt.MapClaims{
		"iss": creds.ConsumerKey,
		"sub": creds.Username,
		"aud": opts.baseURL(),
		"exp": time.Now().UTC().Add(3 * time.Minute).Unix(),
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return Result{}, sferrors.AuthenticationFailed("JWT_SIGNING",
			fmt.Sprintf("failed to sign assertion: %v", err))
	}

	form := url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"assertion":  {assertion},
	}
	return tokenLogin(ctx, client, opts, form)
}

// tokenLogin posts a form grant to /services/oauth2/token and extracts the
// access token and instance URL.
func tokenLogin(ctx context.Context, client *transport.Client, opts Options, form url.Values) (Result, error) {
	tokenURL := opts.baseURL() + "/services/oauth2/token"

	resp, err := client.Post(ctx, tokenURL, strings.NewReader(form.Encode()), map[string]string{
		"Content-Type": "application/x-www-form-urlencoded",
	})
	if err != nil {
		return Result{}, sferrors.AuthenticationFailed("REQUEST_FAILED", err.Error())
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, sferrors.AuthenticationFailed("REQUEST_FAILED", err.Error())
	}

	var payload struct {
		AccessToken      string `json:"access_token"`
		InstanceURL      string `json:"instance_url"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := sfjson.Unmarshal(content, &payload); err != nil {
		return Result{}, sferrors.AuthenticationFailed(
			fmt.Sprintf("%d", resp.StatusCode), string(content))
	}

	if resp.StatusCode != http.StatusOK {
		return Result{}, sferrors.AuthenticationFailed(payload.Error, payload.ErrorDescription)
	}

	return Result{
		SessionID: payload.AccessToken,
		Instance:  stripScheme(payload.InstanceURL),
	}, nil
}

func stripScheme(u string) string {
	u = strings.TrimPrefix(u, "https://")
	return strings.TrimPrefix(u, "http://")
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&#34;",
	"'", "&#39;",
)

func xmlEscape(s string) string {
	return xmlEscaper.Replace(s)
}

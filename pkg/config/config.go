// Package config defines the client configuration surface: credentials,
// domain and API version selection, and transport tuning. The API version is
// an explicit field here; there is no process-wide default to mutate.
package config

import (
	"github.com/ajitpratap0/sforce/pkg/transport"
)

// DefaultAPIVersion is the API version used when Config.Version is empty.
const DefaultAPIVersion = "52.0"

// DefaultDomain is the login domain used when Config.Domain is empty
// ("login" for production, "test" for sandboxes, or a custom My Domain).
const DefaultDomain = "login"

// AuthMethod identifies which login handshake a credential set selects.
type AuthMethod string

const (
	// AuthSOAPSecurityToken is the SOAP username/password/security-token login
	AuthSOAPSecurityToken AuthMethod = "soap_security_token"
	// AuthSOAPOrgID is the SOAP username/password/organization-id login
	AuthSOAPOrgID AuthMethod = "soap_org_id"
	// AuthOAuthPassword is the OAuth2 password grant
	AuthOAuthPassword AuthMethod = "oauth_password"
	// AuthJWTBearer is the OAuth2 JWT bearer grant
	AuthJWTBearer AuthMethod = "jwt_bearer"
	// AuthClientCredentials is the OAuth2 client-credentials grant
	AuthClientCredentials AuthMethod = "client_credentials"
	// AuthDirect reuses an existing session id and instance without a login call
	AuthDirect AuthMethod = "direct"
	// AuthNone means the credential set selects no flow
	AuthNone AuthMethod = ""
)

// Credentials is the union of the supported credential shapes. Exactly one
// authentication flow is selected from whichever fields are populated.
type Credentials struct {
	Username       string `json:"username" yaml:"username"`
	Password       string `json:"password" yaml:"password"`
	SecurityToken  string `json:"security_token" yaml:"security_token"`
	OrganizationID string `json:"organization_id" yaml:"organization_id"`

	// OAuth2 connected app
	ConsumerKey    string `json:"consumer_key" yaml:"consumer_key"`
	ConsumerSecret string `json:"consumer_secret" yaml:"consumer_secret"`

	// JWT bearer flow; PrivateKey takes precedence over PrivateKeyFile
	PrivateKey     string `json:"private_key" yaml:"private_key"`
	PrivateKeyFile string `json:"private_key_file" yaml:"private_key_file"`

	// Direct session reuse
	SessionID   string `json:"session_id" yaml:"session_id"`
	Instance    string `json:"instance" yaml:"instance"`
	InstanceURL string `json:"instance_url" yaml:"instance_url"`
}

// Method returns the authentication flow this credential set selects, or
// AuthNone when the combination is incomplete. Selection order mirrors the
// documented precedence: explicit session reuse first, then connected-app
// grants, then the SOAP logins.
func (c Credentials) Method() AuthMethod {
	switch {
	case c.SessionID != "" && (c.Instance != "" || c.InstanceURL != ""):
		return AuthDirect
	case c.Username != "" && c.ConsumerKey != "" && (c.PrivateKey != "" || c.PrivateKeyFile != ""):
		return AuthJWTBearer
	case c.Username != "" && c.Password != "" && c.ConsumerKey != "" && c.ConsumerSecret != "":
		return AuthOAuthPassword
	case c.ConsumerKey != "" && c.ConsumerSecret != "":
		return AuthClientCredentials
	case c.Username != "" && c.Password != "" && c.SecurityToken != "":
		return AuthSOAPSecurityToken
	case c.Username != "" && c.Password != "" && c.OrganizationID != "":
		return AuthSOAPOrgID
	default:
		return AuthNone
	}
}

// Config is the full client configuration.
type Config struct {
	Credentials Credentials `json:"credentials" yaml:"credentials"`

	// Domain selects the login host: "login", "test", or a custom My Domain.
	Domain string `json:"domain" yaml:"domain"`

	// Version is the Salesforce API version, e.g. "52.0".
	Version string `json:"version" yaml:"version"`

	// ClientID is an optional client identifier reported to the platform.
	ClientID string `json:"client_id" yaml:"client_id"`

	Transport *transport.Config `json:"transport" yaml:"transport"`
}

// Default returns a configuration with version, domain, and transport
// defaults filled in. Credentials must be supplied by the caller.
func Default() *Config {
	return &Config{
		Domain:    DefaultDomain,
		Version:   DefaultAPIVersion,
		Transport: transport.DefaultConfig(),
	}
}

// Normalize fills in zero-valued fields with defaults.
func (c *Config) Normalize() {
	if c.Domain == "" {
		c.Domain = DefaultDomain
	}
	if c.Version == "" {
		c.Version = DefaultAPIVersion
	}
	if c.Transport == nil {
		c.Transport = transport.DefaultConfig()
	}
}

// Package sforce provides a Go client library for the Salesforce platform
// APIs: REST (sobjects, query, search), Bulk API v1 and v2, the SOAP-based
// Metadata API, and the Apex/Tooling REST endpoints.
//
// The entry point is pkg/salesforce, which authenticates through one of the
// supported login flows and exposes typed handles for record CRUD, bulk job
// pipelines, and metadata deployment. Lower layers (pkg/transport,
// pkg/session, pkg/sferrors) can be used directly by callers that need more
// control over request construction and error classification.
package sforce

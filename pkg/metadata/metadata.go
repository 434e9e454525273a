// Package metadata implements the Salesforce Metadata SOAP API: file-based
// deploy and retrieve with status polling, org-wide describe and list calls,
// and per-type CRUD on metadata components.
package metadata

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/sforce/pkg/session"
	"github.com/ajitpratap0/sforce/pkg/sferrors"
)

// DefaultClient is the CallOptions client name sent with every SOAP call.
const DefaultClient = "RestForce"

// listMetadataBatchSize is the server-side cap on queries per listMetadata
// call.
const listMetadataBatchSize = 3

// API is the Metadata SOAP API client for one session.
type API struct {
	session *session.Session
	logger  *zap.Logger
	client  string

	mu    sync.Mutex
	types map[string]*Type
}

// New creates a Metadata API client on top of an authenticated session.
func New(sess *session.Session, logger *zap.Logger) *API {
	return &API{
		session: sess,
		logger:  logger.With(zap.String("component", "metadata")),
		client:  DefaultClient,
		types:   map[string]*Type{},
	}
}

// DeployOptions tunes a metadata deploy. Zero values match the server
// defaults.
type DeployOptions struct {
	CheckOnly         bool
	TestLevel         string
	RunTests          []string
	IgnoreWarnings    bool
	AllowMissingFiles bool
	AutoUpdatePackage bool
	PerformRetrieve   bool
	PurgeOnDelete     bool
	RollbackOnError   bool

	// Sandbox forces the option combination production orgs reject:
	// allowMissingFiles off and rollbackOnError on.
	Sandbox bool
}

// ComponentError is one failed component in a deploy.
type ComponentError struct {
	Type    string
	File    string
	Status  string
	Problem string
}

// TestFailure is one failed Apex test run during a deploy.
type TestFailure struct {
	Class      string
	Method     string
	Message    string
	StackTrace string
}

// DeploymentDetail summarizes component results of a deploy.
type DeploymentDetail struct {
	TotalCount    int
	FailedCount   int
	DeployedCount int
	Errors        []ComponentError
}

// UnitTestDetail summarizes Apex test results of a deploy.
type UnitTestDetail struct {
	TotalCount     int
	FailedCount    int
	CompletedCount int
	Errors         []TestFailure
}

// DeployStatus is the state of an async deploy.
type DeployStatus struct {
	State       string
	StateDetail string
	Deployment  DeploymentDetail
	UnitTest    UnitTestDetail
}

// RetrieveOptions tunes a metadata retrieve.
type RetrieveOptions struct {
	SinglePackage bool
	// Unpackaged maps metadata type name to member names, e.g.
	// {"CustomObject": {"Account"}}. A "*" member retrieves all.
	Unpackaged map[string][]string
}

// RetrieveMessage is one warning or error attached to a retrieve.
type RetrieveMessage struct {
	File    string
	Problem string
}

// RetrieveStatus is the state of an async retrieve.
type RetrieveStatus struct {
	Done         bool
	State        string
	ErrorMessage string
	Messages     []RetrieveMessage
}

// MetadataObject describes one metadata type the org supports.
type MetadataObject struct {
	Name          string
	DirectoryName string
	Suffix        string
	InFolder      bool
	MetaFile      bool
	ChildNames    []string
}

// ListMetadataQuery selects one metadata type (and folder, for foldered
// types) to list.
type ListMetadataQuery struct {
	Type   string
	Folder string
}

// FileProperties describes one component returned by ListMetadata.
type FileProperties struct {
	FullName         string
	FileName         string
	Type             string
	ID               string
	CreatedDate      string
	LastModifiedDate string
	ManageableState  string
	NamespacePrefix  string
}

// Deploy uploads a metadata archive and starts an async deploy. path may be
// a zip file or a directory, which is zipped in place. It returns the async
// process id and the initial state.
func (a *API) Deploy(ctx context.Context, path string, opts DeployOptions) (string, string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", "", sferrors.Wrap(err, sferrors.KindGeneralError, "deploy archive not found")
	}

	var archive []byte
	if info.IsDir() {
		archive, err = BuildArchive(path)
	} else {
		archive, err = os.ReadFile(path)
	}
	if err != nil {
		return "", "", sferrors.Wrap(err, sferrors.KindGeneralError, "failed to read deploy archive")
	}
	return a.DeployArchive(ctx, archive, opts)
}

// DeployArchive starts an async deploy of an in-memory zip archive.
func (a *API) DeployArchive(ctx context.Context, archive []byte, opts DeployOptions) (string, string, error) {
	if opts.Sandbox {
		opts.AllowMissingFiles = false
		opts.RollbackOnError = true
	}

	envelope := fmt.Sprintf(deployMsg,
		xmlEscape(a.client),
		xmlEscape(a.session.Token()),
		base64.StdEncoding.EncodeToString(archive),
		renderDeployOptions(opts),
	)

	root, err := a.soapCall(ctx, "deploy", envelope)
	if err != nil {
		return "", "", err
	}

	result := root.find("Body", "deployResponse", "result")
	if result == nil {
		return "", "", sferrors.New(sferrors.KindGeneralError, "malformed deploy response")
	}
	return result.text("id"), result.text("state"), nil
}

// CheckDeployStatus fetches the state of an async deploy, with component and
// test failure details.
func (a *API) CheckDeployStatus(ctx context.Context, asyncID string) (*DeployStatus, error) {
	envelope := fmt.Sprintf(checkDeployStatusMsg,
		xmlEscape(a.client),
		xmlEscape(a.session.Token()),
		xmlEscape(asyncID),
	)

	root, err := a.soapCall(ctx, "checkDeployStatus", envelope)
	if err != nil {
		return nil, err
	}

	result := root.find("Body", "checkDeployStatusResponse", "result")
	if result == nil {
		return nil, sferrors.New(sferrors.KindGeneralError, "malformed checkDeployStatus response")
	}

	status := &DeployStatus{
		State:       result.text("status"),
		StateDetail: result.text("stateDetail"),
		Deployment: DeploymentDetail{
			TotalCount:    atoi(result.text("numberComponentsTotal")),
			FailedCount:   atoi(result.text("numberComponentErrors")),
			DeployedCount: atoi(result.text("numberComponentsDeployed")),
		},
		UnitTest: UnitTestDetail{
			TotalCount:     atoi(result.text("numberTestsTotal")),
			FailedCount:    atoi(result.text("numberTestErrors")),
			CompletedCount: atoi(result.text("numberTestsCompleted")),
		},
	}

	if details := result.find("details"); details != nil {
		for _, failure := range details.children("componentFailures") {
			status.Deployment.Errors = append(status.Deployment.Errors, ComponentError{
				Type:    failure.text("componentType"),
				File:    failure.text("fileName"),
				Status:  failure.text("problemType"),
				Problem: failure.text("problem"),
			})
		}
		if testResult := details.find("runTestResult"); testResult != nil {
			for _, failure := range testResult.children("failures") {
				status.UnitTest.Errors = append(status.UnitTest.Errors, TestFailure{
					Class:      failure.text("name"),
					Method:     failure.text("methodName"),
					Message:    failure.text("message"),
					StackTrace: failure.text("stackTrace"),
				})
			}
		}
	}

	return status, nil
}

// Retrieve starts an async retrieve of the requested components and returns
// the async process id and the initial state.
func (a *API) Retrieve(ctx context.Context, opts RetrieveOptions) (string, string, error) {
	envelope := fmt.Sprintf(retrieveMsg,
		xmlEscape(a.client),
		xmlEscape(a.session.Token()),
		xmlEscape(a.session.Version()),
		opts.SinglePackage,
		renderUnpackaged(opts.Unpackaged),
	)

	root, err := a.soapCall(ctx, "retrieve", envelope)
	if err != nil {
		return "", "", err
	}

	result := root.find("Body", "retrieveResponse", "result")
	if result == nil {
		return "", "", sferrors.New(sferrors.KindGeneralError, "malformed retrieve response")
	}
	return result.text("id"), result.text("state"), nil
}

// CheckRetrieveStatus fetches the state of an async retrieve without the
// archive payload.
func (a *API) CheckRetrieveStatus(ctx context.Context, asyncID string) (*RetrieveStatus, error) {
	status, _, err := a.checkRetrieveStatus(ctx, asyncID, false)
	return status, err
}

// RetrieveZip fetches the state of an async retrieve along with the decoded
// zip archive. The archive is only present once the retrieve has finished.
func (a *API) RetrieveZip(ctx context.Context, asyncID string) (*RetrieveStatus, []byte, error) {
	return a.checkRetrieveStatus(ctx, asyncID, true)
}

func (a *API) checkRetrieveStatus(ctx context.Context, asyncID string, includeZip bool) (*RetrieveStatus, []byte, error) {
	envelope := fmt.Sprintf(checkRetrieveStatusMsg,
		xmlEscape(a.client),
		xmlEscape(a.session.Token()),
		xmlEscape(asyncID),
		includeZip,
	)

	root, err := a.soapCall(ctx, "checkRetrieveStatus", envelope)
	if err != nil {
		return nil, nil, err
	}

	result := root.find("Body", "checkRetrieveStatusResponse", "result")
	if result == nil {
		return nil, nil, sferrors.New(sferrors.KindGeneralError, "malformed checkRetrieveStatus response")
	}

	status := &RetrieveStatus{
		Done:         result.text("done") == "true",
		State:        result.text("status"),
		ErrorMessage: result.text("errorMessage"),
	}
	for _, msg := range result.children("messages") {
		status.Messages = append(status.Messages, RetrieveMessage{
			File:    msg.text("fileName"),
			Problem: msg.text("problem"),
		})
	}

	if !includeZip {
		return status, nil, nil
	}

	encoded := result.text("zipFile")
	if encoded == "" {
		return status, nil, nil
	}
	archive, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, nil, sferrors.Wrap(err, sferrors.KindGeneralError, "failed to decode retrieved archive")
	}
	return status, archive, nil
}

// DescribeMetadata lists the metadata types the org supports at the
// session's API version.
func (a *API) DescribeMetadata(ctx context.Context) ([]MetadataObject, error) {
	body := fmt.Sprintf("    <met:describeMetadata>\n      <met:asOfVersion>%s</met:asOfVersion>\n    </met:describeMetadata>\n",
		xmlEscape(a.session.Version()))

	root, err := a.soapCall(ctx, "describeMetadata", fmt.Sprintf(operationMsg,
		xmlEscape(a.client), xmlEscape(a.session.Token()), body))
	if err != nil {
		return nil, err
	}

	result := root.find("Body", "describeMetadataResponse", "result")
	if result == nil {
		return nil, sferrors.New(sferrors.KindGeneralError, "malformed describeMetadata response")
	}

	var objects []MetadataObject
	for _, obj := range result.children("metadataObjects") {
		object := MetadataObject{
			Name:          obj.text("xmlName"),
			DirectoryName: obj.text("directoryName"),
			Suffix:        obj.text("suffix"),
			InFolder:      obj.text("inFolder") == "true",
			MetaFile:      obj.text("metaFile") == "true",
		}
		for _, child := range obj.children("childXmlNames") {
			object.ChildNames = append(object.ChildNames, strings.TrimSpace(child.Content))
		}
		objects = append(objects, object)
	}
	return objects, nil
}

// ListMetadata lists components of the queried types. Queries are issued in
// batches of three, the server's per-call limit.
func (a *API) ListMetadata(ctx context.Context, queries []ListMetadataQuery) ([]FileProperties, error) {
	var all []FileProperties
	for start := 0; start < len(queries); start += listMetadataBatchSize {
		end := start + listMetadataBatchSize
		if end > len(queries) {
			end = len(queries)
		}

		var body strings.Builder
		body.WriteString("    <met:listMetadata>\n")
		for _, q := range queries[start:end] {
			body.WriteString("      <met:queries>\n")
			body.WriteString("        <met:type>" + xmlEscape(q.Type) + "</met:type>\n")
			if q.Folder != "" {
				body.WriteString("        <met:folder>" + xmlEscape(q.Folder) + "</met:folder>\n")
			}
			body.WriteString("      </met:queries>\n")
		}
		body.WriteString("      <met:asOfVersion>" + xmlEscape(a.session.Version()) + "</met:asOfVersion>\n")
		body.WriteString("    </met:listMetadata>\n")

		root, err := a.soapCall(ctx, "listMetadata", fmt.Sprintf(operationMsg,
			xmlEscape(a.client), xmlEscape(a.session.Token()), body.String()))
		if err != nil {
			return nil, err
		}

		response := root.find("Body", "listMetadataResponse")
		if response == nil {
			return nil, sferrors.New(sferrors.KindGeneralError, "malformed listMetadata response")
		}
		for _, result := range response.children("result") {
			all = append(all, FileProperties{
				FullName:         result.text("fullName"),
				FileName:         result.text("fileName"),
				Type:             result.text("type"),
				ID:               result.text("id"),
				CreatedDate:      result.text("createdDate"),
				LastModifiedDate: result.text("lastModifiedDate"),
				ManageableState:  result.text("manageableState"),
				NamespacePrefix:  result.text("namespacePrefix"),
			})
		}
	}
	return all, nil
}

// Type returns the CRUD handle for one metadata type, e.g. CustomObject.
// Handles are cached per type name.
func (a *API) Type(name string) *Type {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.types[name]; ok {
		return t
	}
	t := &Type{api: a, name: name}
	a.types[name] = t
	return t
}

func (a *API) soapCall(ctx context.Context, action, envelope string) (*node, error) {
	headers := map[string]string{
		"Content-Type": "text/xml",
		"SOAPAction":   action,
	}
	resp, err := a.session.Call(ctx, http.MethodPost, a.session.MetadataURL(), "metadata", []byte(envelope), headers)
	if err != nil {
		return nil, err
	}
	root, err := parseEnvelope(resp.Body)
	if err != nil {
		return nil, sferrors.Wrap(err, sferrors.KindGeneralError, "failed to parse SOAP response")
	}
	return root, nil
}

func renderDeployOptions(opts DeployOptions) string {
	var b strings.Builder
	flag := func(name string, value bool) {
		fmt.Fprintf(&b, "        <met:%s>%t</met:%s>\n", name, value, name)
	}
	flag("allowMissingFiles", opts.AllowMissingFiles)
	flag("autoUpdatePackage", opts.AutoUpdatePackage)
	flag("checkOnly", opts.CheckOnly)
	flag("ignoreWarnings", opts.IgnoreWarnings)
	flag("performRetrieve", opts.PerformRetrieve)
	flag("purgeOnDelete", opts.PurgeOnDelete)
	flag("rollbackOnError", opts.RollbackOnError)
	if opts.TestLevel != "" {
		fmt.Fprintf(&b, "        <met:testLevel>%s</met:testLevel>\n", xmlEscape(opts.TestLevel))
	}
	for _, test := range opts.RunTests {
		fmt.Fprintf(&b, "        <met:runTests>%s</met:runTests>\n", xmlEscape(test))
	}
	b.WriteString("        <met:singlePackage>true</met:singlePackage>\n")
	return b.String()
}

func renderUnpackaged(unpackaged map[string][]string) string {
	if len(unpackaged) == 0 {
		return ""
	}
	names := make([]string, 0, len(unpackaged))
	for name := range unpackaged {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("\n")
	for _, name := range names {
		b.WriteString("          <met:types>\n")
		for _, member := range unpackaged[name] {
			b.WriteString("            <met:members>" + xmlEscape(member) + "</met:members>\n")
		}
		b.WriteString("            <met:name>" + xmlEscape(name) + "</met:name>\n")
		b.WriteString("          </met:types>\n")
	}
	b.WriteString("        ")
	return b.String()
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

func xmlEscape(s string) string {
	return strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&apos;",
	).Replace(s)
}

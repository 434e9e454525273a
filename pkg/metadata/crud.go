package metadata

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ajitpratap0/sforce/pkg/sferrors"
)

// Component is one metadata component of a Type. Fields holds the leaf
// elements of the component besides fullName, e.g. "label" for a
// CustomObject.
type Component struct {
	FullName string
	Fields   map[string]string
}

// Type exposes CRUD operations for one metadata type.
type Type struct {
	api  *API
	name string
}

// Name returns the metadata type name.
func (t *Type) Name() string {
	return t.name
}

// Create creates the given components. Any per-component failure is
// aggregated into a single error.
func (t *Type) Create(ctx context.Context, components []Component) error {
	return t.save(ctx, "createMetadata", components)
}

// Update replaces existing components matched by fullName.
func (t *Type) Update(ctx context.Context, components []Component) error {
	return t.save(ctx, "updateMetadata", components)
}

// Upsert creates or updates components matched by fullName.
func (t *Type) Upsert(ctx context.Context, components []Component) error {
	return t.save(ctx, "upsertMetadata", components)
}

// Read fetches components by full name. Missing components come back with
// empty fields.
func (t *Type) Read(ctx context.Context, fullNames []string) ([]Component, error) {
	var body strings.Builder
	body.WriteString("    <met:readMetadata>\n")
	body.WriteString("      <met:type>" + xmlEscape(t.name) + "</met:type>\n")
	for _, name := range fullNames {
		body.WriteString("      <met:fullNames>" + xmlEscape(name) + "</met:fullNames>\n")
	}
	body.WriteString("    </met:readMetadata>\n")

	root, err := t.api.soapCall(ctx, "readMetadata", fmt.Sprintf(operationMsg,
		xmlEscape(t.api.client), xmlEscape(t.api.session.Token()), body.String()))
	if err != nil {
		return nil, err
	}

	result := root.find("Body", "readMetadataResponse", "result")
	if result == nil {
		return nil, sferrors.New(sferrors.KindGeneralError, "malformed readMetadata response")
	}

	var components []Component
	for _, record := range result.children("records") {
		component := Component{Fields: map[string]string{}}
		for i := range record.Nodes {
			child := &record.Nodes[i]
			value := strings.TrimSpace(child.Content)
			if child.XMLName.Local == "fullName" {
				component.FullName = value
				continue
			}
			if len(child.Nodes) == 0 {
				component.Fields[child.XMLName.Local] = value
			}
		}
		components = append(components, component)
	}
	return components, nil
}

// Delete removes components by full name.
func (t *Type) Delete(ctx context.Context, fullNames []string) error {
	var body strings.Builder
	body.WriteString("    <met:deleteMetadata>\n")
	body.WriteString("      <met:type>" + xmlEscape(t.name) + "</met:type>\n")
	for _, name := range fullNames {
		body.WriteString("      <met:fullNames>" + xmlEscape(name) + "</met:fullNames>\n")
	}
	body.WriteString("    </met:deleteMetadata>\n")

	root, err := t.api.soapCall(ctx, "deleteMetadata", fmt.Sprintf(operationMsg,
		xmlEscape(t.api.client), xmlEscape(t.api.session.Token()), body.String()))
	if err != nil {
		return err
	}
	return collectSaveErrors(root, "deleteMetadataResponse")
}

// Rename changes a component's full name.
func (t *Type) Rename(ctx context.Context, oldName, newName string) error {
	body := fmt.Sprintf(
		"    <met:renameMetadata>\n      <met:type>%s</met:type>\n      <met:oldFullName>%s</met:oldFullName>\n      <met:newFullName>%s</met:newFullName>\n    </met:renameMetadata>\n",
		xmlEscape(t.name), xmlEscape(oldName), xmlEscape(newName))

	root, err := t.api.soapCall(ctx, "renameMetadata", fmt.Sprintf(operationMsg,
		xmlEscape(t.api.client), xmlEscape(t.api.session.Token()), body))
	if err != nil {
		return err
	}
	return collectSaveErrors(root, "renameMetadataResponse")
}

func (t *Type) save(ctx context.Context, operation string, components []Component) error {
	var body strings.Builder
	body.WriteString("    <met:" + operation + ">\n")
	for _, component := range components {
		body.WriteString(renderComponent(t.name, component))
	}
	body.WriteString("    </met:" + operation + ">\n")

	root, err := t.api.soapCall(ctx, operation, fmt.Sprintf(operationMsg,
		xmlEscape(t.api.client), xmlEscape(t.api.session.Token()), body.String()))
	if err != nil {
		return err
	}
	return collectSaveErrors(root, operation+"Response")
}

func renderComponent(typeName string, component Component) string {
	keys := make([]string, 0, len(component.Fields))
	for k := range component.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "      <met:metadata xsi:type=\"met:%s\">\n", xmlEscape(typeName))
	b.WriteString("        <met:fullName>" + xmlEscape(component.FullName) + "</met:fullName>\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "        <met:%s>%s</met:%s>\n", k, xmlEscape(component.Fields[k]), k)
	}
	b.WriteString("      </met:metadata>\n")
	return b.String()
}

// collectSaveErrors aggregates per-component failures from a save-style
// response into one error, or returns nil when every result succeeded.
func collectSaveErrors(root *node, responseName string) error {
	response := root.find("Body", responseName)
	if response == nil {
		return sferrors.Newf(sferrors.KindGeneralError, "malformed %s", responseName)
	}

	var failed strings.Builder
	for _, result := range response.children("result") {
		if result.text("success") == "true" {
			continue
		}
		fullName := result.text("fullName")
		for _, e := range result.children("errors") {
			fmt.Fprintf(&failed, "\n%s: (%s, %s), ", fullName, e.text("statusCode"), e.text("message"))
		}
		if len(result.children("errors")) == 0 {
			fmt.Fprintf(&failed, "\n%s: (unknown, no error detail), ", fullName)
		}
	}
	if failed.Len() > 0 {
		return sferrors.Newf(sferrors.KindOperation, "failed to process metadata:%s", failed.String())
	}
	return nil
}

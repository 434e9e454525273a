package metadata

import (
	"encoding/xml"
	"strings"
)

// node is a generic parsed XML element. SOAP responses are matched by local
// element name only, so namespace prefix differences between orgs do not
// matter.
type node struct {
	XMLName xml.Name
	Content string `xml:",chardata"`
	Nodes   []node `xml:",any"`
}

func parseEnvelope(data []byte) (*node, error) {
	var root node
	if err := xml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	return &root, nil
}

// find walks down the tree following local element names, returning nil when
// any step is missing.
func (n *node) find(path ...string) *node {
	cur := n
	for _, name := range path {
		var next *node
		for i := range cur.Nodes {
			if cur.Nodes[i].XMLName.Local == name {
				next = &cur.Nodes[i]
				break
			}
		}
		if next == nil {
			return nil
		}
		cur = next
	}
	return cur
}

// children returns every direct child with the given local name.
func (n *node) children(local string) []*node {
	var out []*node
	for i := range n.Nodes {
		if n.Nodes[i].XMLName.Local == local {
			out = append(out, &n.Nodes[i])
		}
	}
	return out
}

// text returns the trimmed character data at a path, or "" when absent.
func (n *node) text(path ...string) string {
	found := n.find(path...)
	if found == nil {
		return ""
	}
	return strings.TrimSpace(found.Content)
}

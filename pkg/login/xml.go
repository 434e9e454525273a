package login

import (
	"bytes"
	"encoding/xml"
	"strings"
)

// elementValue returns the character data of the first element whose local
// name matches, regardless of namespace prefix. SOAP fault and login
// responses are flat enough that positional matching is sufficient.
func elementValue(data []byte, local string) string {
	dec := xml.NewDecoder(bytes.NewReader(data))
	depth := -1
	var buf strings.Builder

	for {
		tok, err := dec.Token()
		if err != nil {
			return ""
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if depth >= 0 {
				depth++
			} else if t.Name.Local == local {
				depth = 0
			}
		case xml.CharData:
			if depth >= 0 {
				buf.Write(t)
			}
		case xml.EndElement:
			if depth == 0 {
				return buf.String()
			}
			if depth > 0 {
				depth--
			}
		}
	}
}

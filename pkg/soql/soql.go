// Package soql builds SOQL and SOSL strings with safe value substitution.
//
// Quoting rules follow the platform's quoted string escape sequences:
// https://developer.salesforce.com/docs/atlas.en-us.soql_sosl.meta/soql_sosl/sforce_api_calls_soql_select_quotedstringescapes.htm
package soql

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ajitpratap0/sforce/pkg/sferrors"
)

var soqlEscaper = strings.NewReplacer(
	`\`, `\\`,
	`'`, `\'`,
	`"`, `\"`,
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
	"\b", `\b`,
	"\f", `\f`,
)

var likeEscaper = strings.NewReplacer(
	`%`, `\%`,
	`_`, `\_`,
)

// Literal marks a value that is substituted into a format string verbatim,
// circumventing quoting. The caller owns its safety.
type Literal string

// Like marks a substring used inside a LIKE expression. It is escaped
// (including % and _) but not quoted.
type Like string

// Format inserts values quoted for SOQL into a format string. Placeholders
// are `{}` consumed left to right, or `{N}` for an explicit argument index.
// Wrap an argument in Literal or Like to change its substitution rule.
//
//	soql.Format("SELECT Id FROM Contact WHERE LastName = {}", "O'Brien")
func Format(query string, args ...interface{}) (string, error) {
	var b strings.Builder
	b.Grow(len(query) + 16*len(args))

	next := 0
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c != '{' {
			b.WriteByte(c)
			continue
		}

		end := strings.IndexByte(query[i:], '}')
		if end < 0 {
			return "", sferrors.Newf(sferrors.KindMalformedRequest, "unterminated placeholder in query at offset %d", i)
		}
		spec := query[i+1 : i+end]
		i += end

		idx := next
		if spec != "" {
			n, err := strconv.Atoi(spec)
			if err != nil {
				return "", sferrors.Newf(sferrors.KindMalformedRequest, "invalid placeholder {%s}", spec)
			}
			idx = n
		} else {
			next++
		}
		if idx < 0 || idx >= len(args) {
			return "", sferrors.Newf(sferrors.KindMalformedRequest, "placeholder index %d out of range for %d arguments", idx, len(args))
		}

		quoted, err := substitute(args[idx])
		if err != nil {
			return "", err
		}
		b.WriteString(quoted)
	}

	return b.String(), nil
}

func substitute(value interface{}) (string, error) {
	switch v := value.(type) {
	case Literal:
		return string(v), nil
	case Like:
		return likeEscaper.Replace(soqlEscaper.Replace(string(v))), nil
	default:
		return QuoteValue(value)
	}
}

// QuoteValue quotes and escapes an individual value, or a list of values,
// for use in a SOQL value expression.
func QuoteValue(value interface{}) (string, error) {
	switch v := value.(type) {
	case nil:
		return "null", nil
	case bool:
		if v {
			return "true", nil
		}
		return "false", nil
	case string:
		return "'" + soqlEscaper.Replace(v) + "'", nil
	case int:
		return strconv.Itoa(v), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case time.Time:
		// Datetime literals must carry a zone and no sub-second precision.
		return v.UTC().Truncate(time.Second).Format("2006-01-02T15:04:05-07:00"), nil
	case Date:
		return time.Time(v).Format("2006-01-02"), nil
	case []interface{}:
		return quoteList(v)
	case []string:
		items := make([]interface{}, len(v))
		for i, s := range v {
			items[i] = s
		}
		return quoteList(items)
	case []int:
		items := make([]interface{}, len(v))
		for i, n := range v {
			items[i] = n
		}
		return quoteList(items)
	default:
		return "", sferrors.Newf(sferrors.KindMalformedRequest, "unquotable value type %T", value)
	}
}

func quoteList(values []interface{}) (string, error) {
	quoted := make([]string, len(values))
	for i, v := range values {
		q, err := QuoteValue(v)
		if err != nil {
			return "", err
		}
		quoted[i] = q
	}
	return "(" + strings.Join(quoted, ",") + ")", nil
}

// Date is a calendar date rendered as a SOQL date literal (no time portion).
type Date time.Time

// FormatExternalID creates an external ID path segment for use with
// get-by-external-id or upsert calls.
func FormatExternalID(field, value string) string {
	return field + "/" + url.PathEscape(value)
}

// Unescape reverses the SOQL escape sequences, recovering the literal value
// from an escaped string body.
func Unescape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 == len(s) {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

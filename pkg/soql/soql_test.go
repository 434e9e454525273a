package soql

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/sforce/pkg/sferrors"
)

func TestFormatQuotesStrings(t *testing.T) {
	got, err := Format("SELECT Id FROM Contact WHERE LastName = {}", "O'Brien")
	require.NoError(t, err)
	assert.Equal(t, `SELECT Id FROM Contact WHERE LastName = 'O\'Brien'`, got)
}

func TestFormatEscapeRoundTrip(t *testing.T) {
	// The escaped body must recover the literal value when unescaped.
	values := []string{
		"O'Brien",
		`back\slash`,
		"tab\there",
		"line\nbreak",
		`double"quote`,
	}
	for _, v := range values {
		quoted, err := QuoteValue(v)
		require.NoError(t, err)
		body := quoted[1 : len(quoted)-1]
		assert.Equal(t, v, Unescape(body))
	}
}

func TestFormatPlaceholders(t *testing.T) {
	got, err := Format("WHERE A = {} AND B = {} AND C = {0}", "x", 2)
	require.NoError(t, err)
	assert.Equal(t, `WHERE A = 'x' AND B = 2 AND C = 'x'`, got)

	_, err = Format("WHERE A = {}", nil)
	require.NoError(t, err)

	_, err = Format("WHERE A = {} AND B = {}", "only one")
	require.Error(t, err)
	assert.True(t, sferrors.IsKind(err, sferrors.KindMalformedRequest))
}

func TestFormatLiteralAndLike(t *testing.T) {
	got, err := Format("SELECT {} FROM Lead WHERE Name LIKE '%{}%'",
		Literal("Id, Name"), Like("50%_off"))
	require.NoError(t, err)
	assert.Equal(t, `SELECT Id, Name FROM Lead WHERE Name LIKE '%50\%\_off%'`, got)
}

func TestQuoteValueKinds(t *testing.T) {
	tests := []struct {
		in   interface{}
		want string
	}{
		{nil, "null"},
		{true, "true"},
		{false, "false"},
		{42, "42"},
		{int64(9000000000), "9000000000"},
		{2.5, "2.5"},
		{[]string{"a", "b'c"}, `('a','b\'c')`},
		{[]int{1, 2, 3}, "(1,2,3)"},
		{Date(time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC)), "2024-03-09"},
	}
	for _, tt := range tests {
		got, err := QuoteValue(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestQuoteValueDatetime(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	ts := time.Date(2024, 3, 9, 15, 30, 45, 123456789, loc)
	got, err := QuoteValue(ts)
	require.NoError(t, err)
	// Normalized to UTC, sub-second precision dropped, zone kept.
	assert.Equal(t, "2024-03-09T10:30:45+00:00", got)
}

func TestQuoteValueRejectsUnknownTypes(t *testing.T) {
	_, err := QuoteValue(struct{}{})
	require.Error(t, err)
}

func TestFormatExternalID(t *testing.T) {
	assert.Equal(t, "Ext_Id__c/a%2Fb%20c", FormatExternalID("Ext_Id__c", "a/b c"))
}

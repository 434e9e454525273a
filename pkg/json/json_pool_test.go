package json

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	type jobInfo struct {
		ID        string `json:"id"`
		Object    string `json:"object"`
		Operation string `json:"operation"`
		State     string `json:"state"`
	}

	in := jobInfo{ID: "750xx0000000001AAA", Object: "Contact", Operation: "insert", State: "Open"}
	data, err := Marshal(in)
	require.NoError(t, err)

	var out jobInfo
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestDecodeUsesNumber(t *testing.T) {
	var m map[string]interface{}
	require.NoError(t, Decode(strings.NewReader(`{"numberRecordsProcessed": 12345}`), &m))

	// UseNumber keeps integers exact instead of decoding to float64
	assert.Equal(t, "12345", m["numberRecordsProcessed"].(interface{ String() string }).String())
}

func TestBufferPoolReuse(t *testing.T) {
	buf := GetBuffer()
	buf.WriteString("payload")
	PutBuffer(buf)

	buf2 := GetBuffer()
	assert.Zero(t, buf2.Len())
	PutBuffer(buf2)
}

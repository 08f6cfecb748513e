package xmlrpc

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_ScalarParams(t *testing.T) {
	body, err := Marshal("load.start", "", "magnet:?xt=urn:btih:abc", 42, int64(1<<40), true)
	require.NoError(t, err)

	s := string(body)
	assert.Contains(t, s, "<methodName>load.start</methodName>")
	assert.Contains(t, s, "<i4>42</i4>")
	assert.Contains(t, s, "<i8>1099511627776</i8>")
	assert.Contains(t, s, "<boolean>1</boolean>")
	assert.Contains(t, s, "magnet:?xt=urn:btih:abc")
}

func TestMarshal_EscapesXML(t *testing.T) {
	body, err := Marshal("d.custom1.set", "HASH", `movies & <tv>`)
	require.NoError(t, err)

	s := string(body)
	assert.Contains(t, s, "movies &amp; &lt;tv&gt;")
	assert.NotContains(t, s, "movies & <tv>")
}

func TestMarshal_Base64(t *testing.T) {
	body, err := Marshal("load.raw_start", "", Base64([]byte{0x00, 0x01, 0xFF}))
	require.NoError(t, err)

	assert.Contains(t, string(body), "<base64>AAH/</base64>")
}

func TestMarshal_Arrays(t *testing.T) {
	body, err := Marshal("editqueue", "GroupPause", 0, "", []int{12, 13})
	require.NoError(t, err)

	s := string(body)
	assert.Equal(t, 1, strings.Count(s, "<array>"))
	assert.Contains(t, s, "<i4>12</i4>")
	assert.Contains(t, s, "<i4>13</i4>")
}

func TestUnmarshal_Scalars(t *testing.T) {
	tests := []struct {
		name string
		xml  string
		want any
	}{
		{"string", `<value><string>0.9.8</string></value>`, "0.9.8"},
		{"int", `<value><int>0</int></value>`, int64(0)},
		{"i4", `<value><i4>-7</i4></value>`, int64(-7)},
		{"i8", `<value><i8>4294967296</i8></value>`, int64(4294967296)},
		{"boolean", `<value><boolean>1</boolean></value>`, true},
		{"double", `<value><double>1.5</double></value>`, 1.5},
		{"untyped", `<value>plain</value>`, "plain"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := `<?xml version="1.0"?><methodResponse><params><param>` + tt.xml + `</param></params></methodResponse>`
			got, err := Unmarshal([]byte(resp))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUnmarshal_NestedArrays(t *testing.T) {
	resp := `<?xml version="1.0"?>
<methodResponse><params><param><value><array><data>
<value><array><data>
  <value><string>HASH1</string></value>
  <value><i8>100</i8></value>
</data></array></value>
<value><array><data>
  <value><string>HASH2</string></value>
  <value><i8>200</i8></value>
</data></array></value>
</data></array></value></param></params></methodResponse>`

	got, err := Unmarshal([]byte(resp))
	require.NoError(t, err)

	rows, ok := got.([]any)
	require.True(t, ok)
	require.Len(t, rows, 2)

	row0, ok := rows[0].([]any)
	require.True(t, ok)
	assert.Equal(t, "HASH1", row0[0])
	assert.Equal(t, int64(100), row0[1])
}

func TestUnmarshal_EmptyArrayElements(t *testing.T) {
	// rTorrent emits empty untyped values for unset fields; the element after
	// an empty one must not be swallowed.
	resp := `<?xml version="1.0"?>
<methodResponse><params><param><value><array><data>
<value></value>
<value><string>after-empty</string></value>
<value>  </value>
<value><i8>7</i8></value>
</data></array></value></param></params></methodResponse>`

	got, err := Unmarshal([]byte(resp))
	require.NoError(t, err)

	items, ok := got.([]any)
	require.True(t, ok)
	require.Len(t, items, 4)
	assert.Equal(t, "", items[0])
	assert.Equal(t, "after-empty", items[1])
	assert.Equal(t, "", items[2])
	assert.Equal(t, int64(7), items[3])
}

func TestUnmarshal_StructArray(t *testing.T) {
	resp := `<?xml version="1.0"?>
<methodResponse><params><param><value><array><data>
<value><struct>
<member><name>NZBID</name><value><i4>12</i4></value></member>
<member><name>NZBName</name><value><string>some.release</string></value></member>
<member><name>FileSizeLo</name><value><i4>524288000</i4></value></member>
<member><name>FileSizeHi</name><value><i4>1</i4></value></member>
</struct></value>
</data></array></value></param></params></methodResponse>`

	got, err := Unmarshal([]byte(resp))
	require.NoError(t, err)

	rows, ok := got.([]any)
	require.True(t, ok)
	require.Len(t, rows, 1)

	entry, ok := rows[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, int64(12), entry["NZBID"])
	assert.Equal(t, "some.release", entry["NZBName"])
	assert.Equal(t, int64(1), entry["FileSizeHi"])
}

func TestUnmarshal_Base64(t *testing.T) {
	resp := `<?xml version="1.0"?>
<methodResponse><params><param><value><base64>aGVsbG8=</base64></value></param></params></methodResponse>`

	got, err := Unmarshal([]byte(resp))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestUnmarshal_Fault(t *testing.T) {
	resp := `<?xml version="1.0"?>
<methodResponse><fault><value><struct>
<member><name>faultCode</name><value><int>-501</int></value></member>
<member><name>faultString</name><value><string>Could not find info-hash.</string></value></member>
</struct></value></fault></methodResponse>`

	_, err := Unmarshal([]byte(resp))
	require.Error(t, err)

	fault, ok := err.(*Fault)
	require.True(t, ok, "fault must surface as *Fault")
	assert.Equal(t, int64(-501), fault.Code)
	assert.Equal(t, "Could not find info-hash.", fault.Message)
}

func TestUnmarshal_EmptyParams(t *testing.T) {
	resp := `<?xml version="1.0"?><methodResponse><params></params></methodResponse>`
	got, err := Unmarshal([]byte(resp))
	require.NoError(t, err)
	assert.Equal(t, "", got)
}

func TestHelpers(t *testing.T) {
	m := map[string]any{
		"Name":   "release",
		"Count":  int64(5),
		"Ratio":  1.5,
		"NumStr": "42",
		"Flag":   true,
	}

	assert.Equal(t, "release", String(m, "Name"))
	assert.Equal(t, "", String(m, "Missing"))
	assert.Equal(t, int64(5), Int(m, "Count"))
	assert.Equal(t, int64(1), Int(m, "Ratio"))
	assert.Equal(t, int64(42), Int(m, "NumStr"))
	assert.Equal(t, int64(0), Int(m, "Missing"))
	assert.True(t, Bool(m, "Flag"))
	assert.False(t, Bool(m, "Missing"))
}

func TestRoundTrip(t *testing.T) {
	body, err := Marshal("append", "name.nzb", "http://indexer/get/1", "tv", 0, false, true, "", 0, "SCORE")
	require.NoError(t, err)

	// Requests are not responses; just confirm it is well-formed enough for
	// a server-side parser by checking the param count.
	assert.Equal(t, 9, strings.Count(string(body), "<param>"))
}

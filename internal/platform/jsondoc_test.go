package platform

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mixedDoc = `{
  "theme": "dark",
  "mcpServers": {
    "keep": {"command": "a"},
    "gone": {
      "command": "b"
    },
    "change": {"command": "c"}
  },
  "zeta": [1, 2]
}
`

func raws(kv ...string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i]] = json.RawMessage(kv[i+1])
	}
	return out
}

func TestJSONCodec_Entries(t *testing.T) {
	c := jsonCodec{key: "mcpServers"}

	got, err := c.entries([]byte(mixedDoc))
	require.NoError(t, err)
	assert.Equal(t, raws(
		"keep", `{"command":"a"}`,
		"gone", `{"command":"b"}`,
		"change", `{"command":"c"}`,
	), got)

	got, err = c.entries(nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = c.entries([]byte(`{"other": 1}`))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestJSONCodec_ApplyEditsInPlace(t *testing.T) {
	c := jsonCodec{key: "mcpServers"}

	out, err := c.apply([]byte(mixedDoc), raws(
		"keep", `{"command":"a"}`,
		"change", `{"command":"d"}`,
		"added", `{"command":"e"}`,
	))
	require.NoError(t, err)
	assert.Equal(t, `{
  "theme": "dark",
  "mcpServers": {
    "keep": {"command": "a"},
    "change": {
      "command": "d"
    },
    "added": {
      "command": "e"
    }
  },
  "zeta": [1, 2]
}
`, string(out))
}

func TestJSONCodec_ApplyCurrentIsIdentity(t *testing.T) {
	c := jsonCodec{key: "mcpServers"}
	current, err := c.entries([]byte(mixedDoc))
	require.NoError(t, err)

	out, err := c.apply([]byte(mixedDoc), current)
	require.NoError(t, err)
	assert.Equal(t, mixedDoc, string(out))
}

func TestJSONCodec_ApplyCreatesKey(t *testing.T) {
	c := jsonCodec{key: "mcpServers"}
	echo := raws("echo", `{"command":"x"}`)
	created := "{\n  \"mcpServers\": {\n    \"echo\": {\n      \"command\": \"x\"\n    }\n  }\n}\n"

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "missing document", in: "", want: created},
		{name: "whitespace document", in: "\n  \n", want: created},
		{name: "empty object", in: "{}\n", want: created},
		{
			name: "after last member",
			in:   "{\n  \"theme\": \"dark\"\n}\n",
			want: "{\n  \"theme\": \"dark\",\n  \"mcpServers\": {\n    \"echo\": {\n      \"command\": \"x\"\n    }\n  }\n}\n",
		},
		{
			name: "tab indented",
			in:   "{\n\t\"mcpServers\": {}\n}",
			want: "{\n\t\"mcpServers\": {\n\t\t\"echo\": {\n\t\t\t\"command\": \"x\"\n\t\t}\n\t}\n}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := c.apply([]byte(tt.in), echo)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(out))
		})
	}
}

func TestJSONCodec_ApplyRemovesAll(t *testing.T) {
	c := jsonCodec{key: "mcpServers"}
	out, err := c.apply([]byte(mixedDoc), nil)
	require.NoError(t, err)
	assert.Equal(t, `{
  "theme": "dark",
  "mcpServers": {},
  "zeta": [1, 2]
}
`, string(out))
}

func TestJSONCodec_RemoveFirstKeepsRest(t *testing.T) {
	c := jsonCodec{key: "servers"}
	in := "{\n  \"servers\": {\n    \"a\": {\"command\": \"a\"},\n    \"b\": {\"command\": \"b\"}\n  }\n}\n"
	out, err := c.apply([]byte(in), raws("b", `{"command":"b"}`))
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"servers\": {\n    \"b\": {\"command\": \"b\"}\n  }\n}\n", string(out))
}

func TestJSONCodec_Malformed(t *testing.T) {
	c := jsonCodec{key: "mcpServers"}
	for name, doc := range map[string]string{
		"not an object":     `[1, 2]`,
		"managed is array":  `{"mcpServers": []}`,
		"managed is null":   `{"mcpServers": null}`,
		"trailing data":     `{"a": 1} x`,
		"truncated":         `{"a":`,
		"duplicate entries": `{"mcpServers": {"a": {}, "a": {}}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := c.entries([]byte(doc))
			assert.Error(t, err)
			_, err = c.apply([]byte(doc), raws("x", `{}`))
			assert.Error(t, err)
		})
	}
}

func TestScanObjectOffsets(t *testing.T) {
	data := []byte(`  { "a" :  [1, 2] , "b":{"c":"}"} }`)
	obj, err := scanObject(data, 2)
	require.NoError(t, err)
	require.Len(t, obj.members, 2)

	assert.Equal(t, `"a" :  [1, 2]`, string(data[obj.members[0].keyStart:obj.members[0].valueEnd]))
	assert.Equal(t, `{"c":"}"}`, string(data[obj.members[1].valueStart:obj.members[1].valueEnd]))
	assert.Equal(t, byte('}'), data[obj.close])
	assert.Equal(t, len(data)-1, obj.close)
}

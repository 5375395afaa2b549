package platform

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	jsonpatch "github.com/evanphx/json-patch"
	"gopkg.in/yaml.v3"
)

// yamlCodec edits the mapping under a top-level key of a YAML document. Only the
// lines of that key's block are rewritten; everything else keeps its bytes.
type yamlCodec struct {
	key string
}

func parseYAMLRoot(data []byte) (*yaml.Node, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, errors.New("document is not a YAML mapping")
	}
	if root.Style&yaml.FlowStyle != 0 {
		return nil, errors.New("flow-style documents are not supported")
	}
	return root, nil
}

// findKey returns the key and value nodes of key in mapping, and the pair index.
func findKey(mapping *yaml.Node, key string) (*yaml.Node, *yaml.Node, int) {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i], mapping.Content[i+1], i / 2
		}
	}
	return nil, nil, -1
}

func (c yamlCodec) managed(root *yaml.Node) (*yaml.Node, *yaml.Node, int, error) {
	if root == nil {
		return nil, nil, -1, nil
	}
	keyNode, val, idx := findKey(root, c.key)
	if keyNode == nil {
		return nil, nil, -1, nil
	}
	if val.Kind == yaml.ScalarNode && val.Tag == "!!null" {
		return keyNode, nil, idx, nil
	}
	if val.Kind != yaml.MappingNode {
		return nil, nil, -1, fmt.Errorf("%q is not a mapping", c.key)
	}
	return keyNode, val, idx, nil
}

func (c yamlCodec) entries(data []byte) (map[string]json.RawMessage, error) {
	root, err := parseYAMLRoot(data)
	if err != nil {
		return nil, err
	}
	_, val, _, err := c.managed(root)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage)
	if val == nil {
		return out, nil
	}
	for i := 0; i+1 < len(val.Content); i += 2 {
		raw, err := nodeJSON(val.Content[i+1])
		if err != nil {
			return nil, fmt.Errorf("entry %q: %w", val.Content[i].Value, err)
		}
		out[val.Content[i].Value] = raw
	}
	return out, nil
}

func (c yamlCodec) apply(data []byte, next map[string]json.RawMessage) ([]byte, error) {
	root, err := parseYAMLRoot(data)
	if err != nil {
		return nil, err
	}
	keyNode, val, idx, err := c.managed(root)
	if err != nil {
		return nil, err
	}

	block, err := c.renderBlock(keyNode, val, next)
	if err != nil {
		return nil, err
	}
	if keyNode == nil {
		out := append([]byte(nil), data...)
		if len(out) > 0 && out[len(out)-1] != '\n' {
			out = append(out, '\n')
		}
		return append(out, block...), nil
	}
	if keyNode.Column != 1 {
		return nil, fmt.Errorf("%q must be a top-level block key", c.key)
	}

	lines := bytes.SplitAfter(data, []byte("\n"))
	start := keyNode.Line - 1
	end := len(lines)
	if pair := idx + 1; 2*pair < len(root.Content) {
		end = root.Content[2*pair].Line - 1
	}
	// Blank lines and column-0 comments before the next key belong to it.
	for end > start+1 && isDetachedLine(lines[end-1]) {
		end--
	}

	var out bytes.Buffer
	for _, l := range lines[:start] {
		out.Write(l)
	}
	out.Write(block)
	for _, l := range lines[end:] {
		out.Write(l)
	}
	return out.Bytes(), nil
}

func isDetachedLine(line []byte) bool {
	trimmed := strings.TrimSpace(string(line))
	return trimmed == "" || (len(line) > 0 && line[0] == '#')
}

// renderBlock encodes "key:" with exactly next beneath it. Equal entries reuse
// their original nodes, comments included.
func (c yamlCodec) renderBlock(keyNode, current *yaml.Node, next map[string]json.RawMessage) ([]byte, error) {
	value := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	existing := make(map[string]bool)
	if current != nil {
		for i := 0; i+1 < len(current.Content); i += 2 {
			k, v := current.Content[i], current.Content[i+1]
			raw, ok := next[k.Value]
			if !ok {
				continue
			}
			existing[k.Value] = true
			old, err := nodeJSON(v)
			if err == nil && jsonpatch.Equal(old, raw) {
				value.Content = append(value.Content, k, v)
				continue
			}
			n, err := jsonNode(raw)
			if err != nil {
				return nil, fmt.Errorf("entry %q: %w", k.Value, err)
			}
			value.Content = append(value.Content, k, n)
		}
	}
	for _, name := range sortedNames(next) {
		if existing[name] {
			continue
		}
		n, err := jsonNode(next[name])
		if err != nil {
			return nil, fmt.Errorf("entry %q: %w", name, err)
		}
		value.Content = append(value.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: name}, n)
	}

	key := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: c.key}
	if keyNode != nil {
		// The head comment sits above the rewritten lines and stays where it is.
		k := *keyNode
		k.HeadComment = ""
		key = &k
	}
	doc := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map", Content: []*yaml.Node{key, value}}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// nodeJSON converts a YAML value to compact JSON.
func nodeJSON(n *yaml.Node) (json.RawMessage, error) {
	var v any
	if err := n.Decode(&v); err != nil {
		return nil, err
	}
	return marshalCompact(v)
}

// jsonNode parses JSON (a YAML subset) into a block-style node, keeping key order.
func jsonNode(raw json.RawMessage) (*yaml.Node, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if len(doc.Content) == 0 {
		return nil, errors.New("empty value")
	}
	n := doc.Content[0]
	clearStyle(n)
	return n, nil
}

func clearStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		clearStyle(c)
	}
}

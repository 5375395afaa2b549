package platform

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	jsonpatch "github.com/evanphx/json-patch"
)

const defaultIndent = "  "

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// codec reads and rewrites the managed map of one document format. Both methods
// take the document without a BOM.
type codec interface {
	entries(data []byte) (map[string]json.RawMessage, error)
	apply(data []byte, next map[string]json.RawMessage) ([]byte, error)
}

// jsonMember is one "key": value pair with byte offsets into the document.
type jsonMember struct {
	key        string
	keyStart   int
	valueStart int
	valueEnd   int
	raw        json.RawMessage
}

type jsonObject struct {
	open, close int // offsets of '{' and '}'
	members     []jsonMember
}

// scanObject parses the object starting at data[at] and records where every
// member sits, so edits can splice bytes instead of re-encoding the document.
func scanObject(data []byte, at int) (jsonObject, error) {
	obj := jsonObject{open: at}
	dec := json.NewDecoder(bytes.NewReader(data[at:]))

	tok, err := dec.Token()
	if err != nil {
		return obj, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return obj, fmt.Errorf("expected object at offset %d", at)
	}
	pos := at + int(dec.InputOffset())

	for dec.More() {
		keyStart := skipSpace(data, pos, ',')
		tok, err := dec.Token()
		if err != nil {
			return obj, err
		}
		key, ok := tok.(string)
		if !ok {
			return obj, fmt.Errorf("expected object key at offset %d", keyStart)
		}
		keyEnd := at + int(dec.InputOffset())

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return obj, err
		}
		valueStart := skipSpace(data, keyEnd, ':')
		valueEnd := valueStart + len(raw)
		if valueEnd > len(data) || !bytes.Equal(data[valueStart:valueEnd], raw) {
			return obj, fmt.Errorf("cannot locate value of %q", key)
		}
		obj.members = append(obj.members, jsonMember{
			key:        key,
			keyStart:   keyStart,
			valueStart: valueStart,
			valueEnd:   valueEnd,
			raw:        raw,
		})
		pos = valueEnd
	}

	if _, err := dec.Token(); err != nil {
		return obj, err
	}
	obj.close = at + int(dec.InputOffset()) - 1
	return obj, nil
}

// skipSpace advances from pos over JSON whitespace and any of the extra bytes.
func skipSpace(data []byte, pos int, extra ...byte) int {
	for pos < len(data) {
		c := data[pos]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' || bytes.IndexByte(extra, c) >= 0 {
			pos++
			continue
		}
		break
	}
	return pos
}

// lineIndent returns the leading whitespace of the line containing pos.
func lineIndent(data []byte, pos int) string {
	start := bytes.LastIndexByte(data[:pos], '\n') + 1
	end := start
	for end < len(data) && (data[end] == ' ' || data[end] == '\t') {
		end++
	}
	return string(data[start:end])
}

type jsonDoc struct {
	root    *jsonObject // nil for an empty document
	keyIdx  int         // index of the managed member in root, -1 if absent
	managed *jsonObject
}

func parseJSONDoc(data []byte, key string) (jsonDoc, error) {
	doc := jsonDoc{keyIdx: -1}
	start := skipSpace(data, 0)
	if start == len(data) {
		return doc, nil
	}
	if data[start] != '{' {
		return doc, errors.New("document is not a JSON object")
	}
	root, err := scanObject(data, start)
	if err != nil {
		return doc, err
	}
	if len(bytes.TrimSpace(data[root.close+1:])) != 0 {
		return doc, fmt.Errorf("trailing data after offset %d", root.close+1)
	}
	doc.root = &root

	for i, m := range root.members {
		if m.key == key {
			doc.keyIdx = i
		}
	}
	if doc.keyIdx < 0 {
		return doc, nil
	}

	m := root.members[doc.keyIdx]
	if m.raw[0] != '{' {
		return doc, fmt.Errorf("%q is not an object", key)
	}
	managed, err := scanObject(data, m.valueStart)
	if err != nil {
		return doc, err
	}
	seen := make(map[string]bool, len(managed.members))
	for _, e := range managed.members {
		if seen[e.key] {
			return doc, fmt.Errorf("duplicate entry %q under %q", e.key, key)
		}
		seen[e.key] = true
	}
	doc.managed = &managed
	return doc, nil
}

// detectIndent returns the indent unit of the top-level members.
func detectIndent(data []byte, root *jsonObject) string {
	if root == nil || len(root.members) == 0 {
		return defaultIndent
	}
	gap := data[root.open+1 : root.members[0].keyStart]
	nl := bytes.LastIndexByte(gap, '\n')
	if nl < 0 || nl == len(gap)-1 {
		return defaultIndent
	}
	return string(gap[nl+1:])
}

// jsonCodec edits the object under key in a JSON document. Bytes outside that
// object are never touched; inside it, unchanged entries keep their bytes.
type jsonCodec struct {
	key string
}

func (c jsonCodec) entries(data []byte) (map[string]json.RawMessage, error) {
	doc, err := parseJSONDoc(data, c.key)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage)
	if doc.managed == nil {
		return out, nil
	}
	for _, m := range doc.managed.members {
		raw, err := compactJSON(m.raw)
		if err != nil {
			return nil, err
		}
		out[m.key] = raw
	}
	return out, nil
}

func (c jsonCodec) apply(data []byte, next map[string]json.RawMessage) ([]byte, error) {
	doc, err := parseJSONDoc(data, c.key)
	if err != nil {
		return nil, err
	}
	unit := detectIndent(data, doc.root)

	if doc.root == nil {
		obj, err := renderObject(next, unit, unit)
		if err != nil {
			return nil, err
		}
		return []byte("{\n" + unit + quoteKey(c.key) + ": " + obj + "\n}\n"), nil
	}

	root := doc.root
	if doc.managed == nil {
		if len(root.members) == 0 {
			indent := lineIndent(data, root.open)
			obj, err := renderObject(next, indent+unit, unit)
			if err != nil {
				return nil, err
			}
			insert := "\n" + indent + unit + quoteKey(c.key) + ": " + obj + "\n" + indent
			return splice(data, root.open+1, root.close, insert), nil
		}
		first, last := root.members[0], root.members[len(root.members)-1]
		obj, err := renderObject(next, lineIndent(data, first.keyStart), unit)
		if err != nil {
			return nil, err
		}
		gap := string(data[root.open+1 : first.keyStart])
		insert := "," + gap + quoteKey(c.key) + ": " + obj
		return splice(data, last.valueEnd, last.valueEnd, insert), nil
	}

	member := root.members[doc.keyIdx]
	obj, err := editObject(data, *doc.managed, next, lineIndent(data, member.keyStart), unit)
	if err != nil {
		return nil, err
	}
	return splice(data, doc.managed.open, doc.managed.close+1, obj), nil
}

// editObject rewrites obj to hold exactly next. Kept entries that are equal keep
// their bytes and order, updates are re-indented in place, additions go last in
// name order. indent is the indentation of the line that opens obj.
func editObject(data []byte, obj jsonObject, next map[string]json.RawMessage, indent, unit string) (string, error) {
	if len(next) == 0 {
		if len(obj.members) == 0 {
			return string(data[obj.open : obj.close+1]), nil
		}
		return "{}", nil
	}

	memberIndent := indent + unit
	lead := "\n" + memberIndent
	sep := "," + lead
	trail := "\n" + indent
	if n := len(obj.members); n > 0 {
		first, last := obj.members[0], obj.members[n-1]
		lead = string(data[obj.open+1 : first.keyStart])
		trail = string(data[last.valueEnd:obj.close])
		if strings.Contains(lead, "\n") {
			memberIndent = lineIndent(data, first.keyStart)
		}
		if n > 1 {
			sep = string(data[first.valueEnd:obj.members[1].keyStart])
		} else {
			sep = "," + lead
		}
	}

	var b strings.Builder
	b.WriteString("{")
	written := 0
	prev := -1
	existing := make(map[string]bool, len(obj.members))
	for i, m := range obj.members {
		existing[m.key] = true
		raw, ok := next[m.key]
		if !ok {
			continue
		}
		switch {
		case written == 0:
			b.WriteString(lead)
		case prev == i-1:
			b.Write(data[obj.members[i-1].valueEnd:m.keyStart])
		default:
			b.WriteString(sep)
		}
		b.Write(data[m.keyStart:m.valueStart])
		if jsonpatch.Equal(m.raw, raw) {
			b.Write(data[m.valueStart:m.valueEnd])
		} else {
			v, err := renderValue(raw, memberIndent, unit)
			if err != nil {
				return "", fmt.Errorf("render %q: %w", m.key, err)
			}
			b.WriteString(v)
		}
		written++
		prev = i
	}

	for _, name := range sortedNames(next) {
		if existing[name] {
			continue
		}
		if written == 0 {
			b.WriteString(lead)
		} else {
			b.WriteString(sep)
		}
		v, err := renderValue(next[name], memberIndent, unit)
		if err != nil {
			return "", fmt.Errorf("render %q: %w", name, err)
		}
		b.WriteString(quoteKey(name) + ": " + v)
		written++
	}

	b.WriteString(trail)
	b.WriteString("}")
	return b.String(), nil
}

// renderObject formats entries as a fresh object whose opening line is indented
// by indent.
func renderObject(entries map[string]json.RawMessage, indent, unit string) (string, error) {
	if len(entries) == 0 {
		return "{}", nil
	}
	var b strings.Builder
	b.WriteString("{")
	for i, name := range sortedNames(entries) {
		if i > 0 {
			b.WriteString(",")
		}
		v, err := renderValue(entries[name], indent+unit, unit)
		if err != nil {
			return "", fmt.Errorf("render %q: %w", name, err)
		}
		b.WriteString("\n" + indent + unit + quoteKey(name) + ": " + v)
	}
	b.WriteString("\n" + indent + "}")
	return b.String(), nil
}

func renderValue(raw json.RawMessage, indent, unit string) (string, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, indent, unit); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func quoteKey(key string) string {
	q, _ := marshalCompact(key)
	return string(q)
}

func splice(data []byte, from, to int, insert string) []byte {
	out := make([]byte, 0, len(data)-(to-from)+len(insert))
	out = append(out, data[:from]...)
	out = append(out, insert...)
	return append(out, data[to:]...)
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

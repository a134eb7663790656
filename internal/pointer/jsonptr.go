package pointer

import (
	"fmt"
	"strconv"
	"strings"
)

// Dereference walks doc along an RFC 6901 pointer, one reference token at a
// time. An empty pointer addresses the whole document.
func Dereference(doc any, ptr string) (any, error) {
	if ptr == "" {
		return doc, nil
	}
	if !strings.HasPrefix(ptr, "/") {
		return nil, fmt.Errorf("pointer %q must start with /", ptr)
	}
	cur := doc
	for i, raw := range strings.Split(ptr[1:], "/") {
		tok := unescapeToken(raw)
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[tok]
			if !ok {
				return nil, fmt.Errorf("segment %d: key %q absent", i, tok)
			}
			cur = next
		case []any:
			idx, err := arrayIndex(tok)
			if err != nil {
				return nil, fmt.Errorf("segment %d: %w", i, err)
			}
			if idx >= len(node) {
				return nil, fmt.Errorf("segment %d: index %d out of range (len %d)", i, idx, len(node))
			}
			cur = node[idx]
		default:
			return nil, fmt.Errorf("segment %d: %q addresses into a scalar", i, tok)
		}
	}
	return cur, nil
}

func unescapeToken(tok string) string {
	if !strings.Contains(tok, "~") {
		return tok
	}
	return strings.ReplaceAll(strings.ReplaceAll(tok, "~1", "/"), "~0", "~")
}

// arrayIndex parses an RFC 6901 array index: digits only, no leading zeros. The
// "-" token names the element past the end and never resolves.
func arrayIndex(tok string) (int, error) {
	if tok == "-" {
		return 0, fmt.Errorf("index \"-\" addresses no element")
	}
	if tok == "" || (len(tok) > 1 && tok[0] == '0') {
		return 0, fmt.Errorf("invalid array index %q", tok)
	}
	for _, c := range tok {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid array index %q", tok)
		}
	}
	n, err := strconv.Atoi(tok)
	if err != nil {
		return 0, fmt.Errorf("invalid array index %q", tok)
	}
	return n, nil
}

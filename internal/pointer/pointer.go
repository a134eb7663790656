// Package pointer resolves evidence pointers against an ingested pack.
//
// Locator grammar:
//
//	file:<relpath>
//	json:<relpath>#<json-pointer>
//	ndjson:<relpath>#<lineIndex0>
//
// JSON pointers follow RFC 6901. Resolution is pure: the same locator against
// the same pack always yields the same content and hash.
package pointer

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strconv"
	"strings"

	"github.com/dshills/adjudicator/internal/schema"
	"github.com/dshills/adjudicator/internal/taxonomy"
)

// Scheme is a locator scheme.
type Scheme string

const (
	SchemeFile   Scheme = "file"
	SchemeJSON   Scheme = "json"
	SchemeNDJSON Scheme = "ndjson"
)

// ErrorKind classifies resolution failures.
type ErrorKind string

const (
	KindMalformedLocator    ErrorKind = "MALFORMED_LOCATOR"
	KindUnknownScheme       ErrorKind = "UNKNOWN_SCHEME"
	KindPathTraversal       ErrorKind = "PATH_TRAVERSAL"
	KindFileNotFound        ErrorKind = "FILE_NOT_FOUND"
	KindPointerUnresolvable ErrorKind = "POINTER_UNRESOLVABLE"
	KindInvalidContent      ErrorKind = "INVALID_CONTENT"
)

// Error is a resolution failure.
type Error struct {
	Kind    ErrorKind
	Locator string
	Detail  string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("pointer: %s: %s", e.Kind, e.Locator)
	}
	return fmt.Sprintf("pointer: %s: %s: %s", e.Kind, e.Locator, e.Detail)
}

// Code maps the failure to its taxonomy code.
func (e *Error) Code() taxonomy.Code {
	switch e.Kind {
	case KindFileNotFound:
		return taxonomy.EvidenceArtifactMissing
	case KindInvalidContent:
		return taxonomy.EvidenceArtifactInvalid
	case KindPathTraversal:
		return taxonomy.SecurityPathTraversal
	default:
		return taxonomy.EvidencePointerUnresolvable
	}
}

// Locator is a parsed locator string.
type Locator struct {
	Raw      string
	Scheme   Scheme
	Path     string
	Fragment string
}

// Parse splits a locator into scheme, path and fragment. It does not touch
// the filesystem.
func Parse(raw string) (Locator, error) {
	scheme, rest, ok := strings.Cut(raw, ":")
	if !ok || scheme == "" {
		return Locator{}, &Error{Kind: KindMalformedLocator, Locator: raw, Detail: "missing scheme"}
	}
	loc := Locator{Raw: raw, Scheme: Scheme(scheme)}
	switch loc.Scheme {
	case SchemeFile:
		loc.Path = rest
	case SchemeJSON, SchemeNDJSON:
		p, frag, found := strings.Cut(rest, "#")
		if !found {
			return Locator{}, &Error{Kind: KindMalformedLocator, Locator: raw, Detail: "missing #fragment"}
		}
		loc.Path, loc.Fragment = p, frag
		if loc.Scheme == SchemeNDJSON {
			if _, err := parseLineIndex(frag); err != nil {
				return Locator{}, &Error{Kind: KindMalformedLocator, Locator: raw, Detail: err.Error()}
			}
		} else if frag != "" && !strings.HasPrefix(frag, "/") {
			return Locator{}, &Error{Kind: KindMalformedLocator, Locator: raw, Detail: "json pointer must be empty or start with /"}
		}
	default:
		return Locator{}, &Error{Kind: KindUnknownScheme, Locator: raw, Detail: fmt.Sprintf("scheme %q", scheme)}
	}
	if loc.Path == "" {
		return Locator{}, &Error{Kind: KindMalformedLocator, Locator: raw, Detail: "empty path"}
	}
	return loc, nil
}

func parseLineIndex(frag string) (int, error) {
	if frag == "" {
		return 0, errors.New("missing line index")
	}
	n, err := strconv.Atoi(frag)
	if err != nil || n < 0 || strconv.Itoa(n) != frag {
		return 0, fmt.Errorf("line index %q is not a non-negative integer", frag)
	}
	return n, nil
}

// Pointer is an evidence pointer and its resolution state. A resolved pointer
// has content and no error; an unresolved pointer has an error and no content.
type Pointer struct {
	Locator  string
	Resolved bool
	Content  []byte
	SHA256   string
	Err      *Error
}

// Record projects the pointer into its report form.
func (p Pointer) Record() schema.PointerRecord {
	rec := schema.PointerRecord{Locator: taxonomy.Text(p.Locator), Resolved: p.Resolved, SHA256: p.SHA256}
	if p.Err != nil {
		rec.Error = string(p.Err.Kind) + ": " + taxonomy.Text(p.Err.Detail)
		if p.Err.Detail == "" {
			rec.Error = string(p.Err.Kind)
		}
	}
	return rec
}

func resolved(raw string, content []byte) Pointer {
	sum := sha256.Sum256(content)
	return Pointer{Locator: raw, Resolved: true, Content: content, SHA256: hex.EncodeToString(sum[:])}
}

func unresolved(err *Error) Pointer {
	return Pointer{Locator: err.Locator, Err: err}
}

// Source is the read-only view of a pack the resolver needs.
type Source interface {
	Has(rel string) bool
	ReadFile(rel string) ([]byte, error)
}

// Resolver resolves locators against one pack.
type Resolver struct {
	src Source
}

// NewResolver returns a resolver over src.
func NewResolver(src Source) *Resolver {
	return &Resolver{src: src}
}

// Resolve resolves raw. It never returns empty content in place of an error.
func (r *Resolver) Resolve(raw string) Pointer {
	loc, err := Parse(raw)
	if err != nil {
		var pe *Error
		if errors.As(err, &pe) {
			return unresolved(pe)
		}
		return unresolved(&Error{Kind: KindMalformedLocator, Locator: raw, Detail: err.Error()})
	}
	if !safePath(loc.Path) {
		return unresolved(&Error{Kind: KindPathTraversal, Locator: raw})
	}
	if !r.src.Has(loc.Path) {
		return unresolved(&Error{Kind: KindFileNotFound, Locator: raw, Detail: loc.Path})
	}
	data, readErr := r.src.ReadFile(loc.Path)
	if readErr != nil {
		if errors.Is(readErr, fs.ErrNotExist) {
			return unresolved(&Error{Kind: KindFileNotFound, Locator: raw, Detail: loc.Path})
		}
		return unresolved(&Error{Kind: KindInvalidContent, Locator: raw, Detail: readErr.Error()})
	}

	switch loc.Scheme {
	case SchemeFile:
		return resolved(raw, data)
	case SchemeJSON:
		doc, err := decodeJSON(data)
		if err != nil {
			return unresolved(&Error{Kind: KindInvalidContent, Locator: raw, Detail: err.Error()})
		}
		v, err := Dereference(doc, loc.Fragment)
		if err != nil {
			return unresolved(&Error{Kind: KindPointerUnresolvable, Locator: raw, Detail: err.Error()})
		}
		return encodeResolved(raw, v)
	case SchemeNDJSON:
		n, _ := parseLineIndex(loc.Fragment)
		line, ok := nthLine(data, n)
		if !ok {
			return unresolved(&Error{Kind: KindPointerUnresolvable, Locator: raw, Detail: fmt.Sprintf("line %d out of range", n)})
		}
		v, err := decodeJSON(line)
		if err != nil {
			return unresolved(&Error{Kind: KindInvalidContent, Locator: raw, Detail: fmt.Sprintf("line %d: %v", n, err)})
		}
		return encodeResolved(raw, v)
	}
	return unresolved(&Error{Kind: KindUnknownScheme, Locator: raw})
}

// encodeResolved stores JSON values in a stable encoding so the content hash
// does not depend on the source file's whitespace or key order.
func encodeResolved(raw string, v any) Pointer {
	b, err := stableJSON(v)
	if err != nil {
		return unresolved(&Error{Kind: KindInvalidContent, Locator: raw, Detail: err.Error()})
	}
	return resolved(raw, b)
}

func safePath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return false
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return false
		}
	}
	return true
}

// decodeJSON decodes exactly one JSON value, keeping numbers exact.
func decodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("trailing data after JSON value")
	}
	return v, nil
}

// nthLine returns line n (0-based) of data. A trailing newline does not start
// an extra line; a CR before the newline is dropped.
func nthLine(data []byte, n int) ([]byte, bool) {
	data = bytes.TrimSuffix(data, []byte("\n"))
	if len(data) == 0 {
		return nil, false
	}
	lines := bytes.Split(data, []byte("\n"))
	if n >= len(lines) {
		return nil, false
	}
	return bytes.TrimSuffix(lines[n], []byte("\r")), true
}

// stableJSON encodes v with sorted object keys (encoding/json sorts map keys)
// and no HTML escaping.
func stableJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

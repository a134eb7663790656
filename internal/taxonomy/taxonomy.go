// Package taxonomy defines the closed set of failure codes that may appear in
// verification and evaluation reports. Descriptions state the gap only.
package taxonomy

import (
	"fmt"
	"sort"
	"strconv"
	"unicode/utf8"

	"github.com/dshills/adjudicator/internal/schema"
)

// Category groups failure codes.
type Category string

const (
	CategoryEvidenceContent Category = "EVIDENCE_CONTENT"
	CategoryIntegrity       Category = "INTEGRITY"
	CategorySecurity        Category = "SECURITY"
)

// Code is a failure code.
type Code string

const (
	EvidencePackMissing          Code = "EVIDENCE_PACK_MISSING"
	EvidencePackTypeInvalid      Code = "EVIDENCE_PACK_TYPE_INVALID"
	EvidenceManifestMissing      Code = "EVIDENCE_MANIFEST_MISSING"
	EvidenceManifestInvalid      Code = "EVIDENCE_MANIFEST_INVALID"
	EvidenceLayoutIncomplete     Code = "EVIDENCE_LAYOUT_INCOMPLETE"
	EvidenceArtifactMissing      Code = "EVIDENCE_ARTIFACT_MISSING"
	EvidenceArtifactInvalid      Code = "EVIDENCE_ARTIFACT_INVALID"
	EvidenceArtifactUndeclared   Code = "EVIDENCE_ARTIFACT_UNDECLARED"
	EvidenceCrossReferenceBroken Code = "EVIDENCE_CROSS_REFERENCE_BROKEN"
	EvidenceTimelineMalformed    Code = "EVIDENCE_TIMELINE_MALFORMED"
	EvidencePointerUnresolvable  Code = "EVIDENCE_POINTER_UNRESOLVABLE"
	EvidenceValueOutOfRange      Code = "EVIDENCE_VALUE_OUT_OF_RANGE"
	EvidenceValueMismatch        Code = "EVIDENCE_VALUE_MISMATCH"

	IntegrityHashMismatch        Code = "INTEGRITY_HASH_MISMATCH"
	IntegritySizeMismatch        Code = "INTEGRITY_SIZE_MISMATCH"
	IntegrityVersionIncompatible Code = "INTEGRITY_VERSION_INCOMPATIBLE"

	SecurityPathTraversal      Code = "SECURITY_PATH_TRAVERSAL"
	SecurityDisallowedFileType Code = "SECURITY_DISALLOWED_FILE_TYPE"
	SecuritySizeExceeded       Code = "SECURITY_SIZE_EXCEEDED"
	SecurityContentViolation   Code = "SECURITY_CONTENT_VIOLATION"
	SecurityArchiveDisabled    Code = "SECURITY_ARCHIVE_DISABLED"
)

type entry struct {
	category    Category
	description string
}

var entries = map[Code]entry{
	EvidencePackMissing:          {CategoryEvidenceContent, "No evidence pack exists at the resolved location."},
	EvidencePackTypeInvalid:      {CategoryEvidenceContent, "The pack location is neither a directory nor a zip archive."},
	EvidenceManifestMissing:      {CategoryEvidenceContent, "The pack contains no manifest.json."},
	EvidenceManifestInvalid:      {CategoryEvidenceContent, "The pack manifest is not valid JSON or lacks required fields."},
	EvidenceLayoutIncomplete:     {CategoryEvidenceContent, "One or more canonical evidence subtrees are absent from the pack."},
	EvidenceArtifactMissing:      {CategoryEvidenceContent, "A referenced artifact is absent from the pack."},
	EvidenceArtifactInvalid:      {CategoryEvidenceContent, "An artifact's content could not be parsed in its declared format."},
	EvidenceArtifactUndeclared:   {CategoryEvidenceContent, "The pack contains a file that the manifest does not declare."},
	EvidenceCrossReferenceBroken: {CategoryEvidenceContent, "An identifier referenced by one artifact does not match the artifact it refers to."},
	EvidenceTimelineMalformed:    {CategoryEvidenceContent, "The timeline is empty, unparseable, or not strictly ordered."},
	EvidencePointerUnresolvable:  {CategoryEvidenceContent, "An evidence pointer does not address any content in the pack."},
	EvidenceValueOutOfRange:      {CategoryEvidenceContent, "An evidence value lies outside the range the requirement accepts."},
	EvidenceValueMismatch:        {CategoryEvidenceContent, "An evidence value differs from the value the requirement expects."},

	IntegrityHashMismatch:        {CategoryIntegrity, "The computed SHA-256 of an artifact differs from its declared digest."},
	IntegritySizeMismatch:        {CategoryIntegrity, "The byte size of an artifact differs from its declared size."},
	IntegrityVersionIncompatible: {CategoryIntegrity, "The pack declares a schema version this verifier does not support."},

	SecurityPathTraversal:      {CategorySecurity, "A declared path is absolute or escapes the pack root."},
	SecurityDisallowedFileType: {CategorySecurity, "The pack contains a file of a disallowed type."},
	SecuritySizeExceeded:       {CategorySecurity, "A file or the pack as a whole exceeds the permitted size."},
	SecurityContentViolation:   {CategorySecurity, "An artifact contains material matching a prohibited content signature."},
	SecurityArchiveDisabled:    {CategorySecurity, "The pack is a zip archive and archive ingestion is disabled."},
}

// Lookup returns the category and description of code.
func Lookup(code Code) (Category, string, bool) {
	e, ok := entries[code]
	return e.category, e.description, ok
}

// Describe returns the description of code. Unknown codes panic: codes are a
// closed set and an unknown one is a programming error.
func Describe(code Code) string {
	e, ok := entries[code]
	if !ok {
		panic(fmt.Sprintf("taxonomy: unknown code %q", code))
	}
	return e.description
}

// CategoryOf returns the category of code.
func CategoryOf(code Code) Category {
	e, ok := entries[code]
	if !ok {
		panic(fmt.Sprintf("taxonomy: unknown code %q", code))
	}
	return e.category
}

// Codes returns every code in lexical order.
func Codes() []Code {
	out := make([]Code, 0, len(entries))
	for c := range entries {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NewFailure builds a report failure for code. checkID and artifact may be empty.
func NewFailure(code Code, checkID, artifact, detail string) schema.Failure {
	e, ok := entries[code]
	if !ok {
		panic(fmt.Sprintf("taxonomy: unknown code %q", code))
	}
	return schema.Failure{
		CheckID:     checkID,
		Code:        string(code),
		Category:    string(e.category),
		Description: e.description,
		Artifact:    Text(artifact),
		Detail:      Text(detail),
	}
}

// Text returns s unchanged when it is valid UTF-8 and as an ASCII-quoted Go
// string literal otherwise. Report text can then always be hashed without
// invalid bytes collapsing into U+FFFD.
func Text(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strconv.QuoteToASCII(s)
}

// Table returns the full taxonomy as a sorted list, used to fingerprint the
// verifier.
func Table() []schema.Failure {
	out := make([]schema.Failure, 0, len(entries))
	for _, c := range Codes() {
		out = append(out, NewFailure(c, "", "", ""))
	}
	return out
}

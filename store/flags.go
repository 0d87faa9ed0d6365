package store

import (
	"sort"
	"strings"
)

// Flags holds the two system flags that are stored directly on the
// mailbox_messages row, rather than in the flags join table.
type Flags struct {
	Seen    bool
	Deleted bool
}

// SystemKeyword is a well-known IMAP flag stored in the flags join table
// rather than as a boolean column.
type SystemKeyword string

const (
	KeywordAnswered SystemKeyword = "\\Answered"
	KeywordFlagged  SystemKeyword = "\\Flagged"
	KeywordDraft    SystemKeyword = "\\Draft"
	KeywordRecent   SystemKeyword = "\\Recent" // session-local, never stored
)

// MergeKeywords adds add to base, case-sensitively, returning the merged,
// sorted, deduplicated list and whether it changed.
func MergeKeywords(base, add []string) ([]string, bool) {
	set := map[string]bool{}
	for _, k := range base {
		set[k] = true
	}
	changed := false
	for _, k := range add {
		if !set[k] {
			set[k] = true
			changed = true
		}
	}
	if !changed {
		return base, false
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, true
}

// RemoveKeywords removes remove from base, returning the result and whether
// it changed.
func RemoveKeywords(base, remove []string) ([]string, bool) {
	rm := map[string]bool{}
	for _, k := range remove {
		rm[k] = true
	}
	out := make([]string, 0, len(base))
	changed := false
	for _, k := range base {
		if rm[k] {
			changed = true
			continue
		}
		out = append(out, k)
	}
	return out, changed
}

// AnnotationValue is one (owner, value) pair for an annotation entry.
// OwnerID 0 denotes the shared value (value.shared); any other OwnerID is
// the owning user's id (value.priv).
type AnnotationValue struct {
	OwnerID int64
	Value   string
}

// Annotations maps an entry name (e.g. "/comment") to its stored values.
type Annotations map[string][]AnnotationValue

// Shared returns the shared (owner 0) value for entry, if set.
func (a Annotations) Shared(entry string) (string, bool) {
	for _, v := range a[entry] {
		if v.OwnerID == 0 {
			return v.Value, true
		}
	}
	return "", false
}

// Private returns owner's private value for entry, if set.
func (a Annotations) Private(entry string, owner int64) (string, bool) {
	for _, v := range a[entry] {
		if v.OwnerID == owner {
			return v.Value, true
		}
	}
	return "", false
}

// ParseFlagsKeywords splits a STORE/FETCH flag-list into system flags and
// free-form keywords.
func ParseFlagsKeywords(flagstrs []string) (Flags, []string, error) {
	var fl Flags
	var kw []string
	for _, f := range flagstrs {
		switch strings.ToLower(f) {
		case `\seen`:
			fl.Seen = true
		case `\deleted`:
			fl.Deleted = true
		case `\recent`:
			// \Recent is session-local and never written to storage; ignore
			// silently if a client names it explicitly.
		default:
			kw = append(kw, f)
		}
	}
	return fl, kw, nil
}

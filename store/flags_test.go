package store

import (
	"reflect"
	"testing"
)

func TestParseFlagsKeywords(t *testing.T) {
	fl, kw, err := ParseFlagsKeywords([]string{`\Seen`, `\deleted`, `\Flagged`, "custom", `\Recent`})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !fl.Seen || !fl.Deleted {
		t.Fatalf("flags %+v", fl)
	}
	// \Recent is session-local and silently dropped.
	if !reflect.DeepEqual(kw, []string{`\Flagged`, "custom"}) {
		t.Fatalf("keywords %v", kw)
	}
}

func TestMergeRemoveKeywords(t *testing.T) {
	merged, changed := MergeKeywords([]string{"a", "c"}, []string{"b", "c"})
	if !changed || !reflect.DeepEqual(merged, []string{"a", "b", "c"}) {
		t.Fatalf("merged %v changed %v", merged, changed)
	}
	_, changed = MergeKeywords([]string{"a"}, []string{"a"})
	if changed {
		t.Fatal("no-op merge reported a change")
	}

	left, changed := RemoveKeywords([]string{"a", "b", "c"}, []string{"b"})
	if !changed || !reflect.DeepEqual(left, []string{"a", "c"}) {
		t.Fatalf("left %v changed %v", left, changed)
	}
	_, changed = RemoveKeywords([]string{"a"}, []string{"x"})
	if changed {
		t.Fatal("no-op removal reported a change")
	}
}

func TestAnnotationsLookup(t *testing.T) {
	a := Annotations{
		"/comment": {{OwnerID: 0, Value: "shared"}, {OwnerID: 42, Value: "mine"}},
	}
	if v, ok := a.Shared("/comment"); !ok || v != "shared" {
		t.Fatalf("shared %q ok=%v", v, ok)
	}
	if v, ok := a.Private("/comment", 42); !ok || v != "mine" {
		t.Fatalf("private %q ok=%v", v, ok)
	}
	if _, ok := a.Private("/comment", 7); ok {
		t.Fatal("unexpected private value for other owner")
	}
	if _, ok := a.Shared("/missing"); ok {
		t.Fatal("unexpected value for missing entry")
	}
}

package imapserver

import (
	"reflect"
	"testing"
)

// xparse runs fn against a parser over line, converting syntax-error
// panics into test failures.
func xparse[T any](t *testing.T, line string, fn func(p *parser) T) T {
	t.Helper()
	p := newParser(line, nil)
	defer func() {
		if x := recover(); x != nil {
			t.Fatalf("parsing %q: %v", line, x)
		}
	}()
	return fn(p)
}

func xparseErr(t *testing.T, line string, fn func(p *parser)) {
	t.Helper()
	defer func() {
		x := recover()
		if x == nil {
			t.Fatalf("parsing %q: expected syntax error", line)
		}
		if e, ok := x.(imapError); !ok || e.kind != errSyntax {
			t.Fatalf("parsing %q: expected syntax error, got %#v", line, x)
		}
	}()
	fn(newParser(line, nil))
}

func TestParseTagCommand(t *testing.T) {
	p := newParser("A1 UID FETCH 1:* FLAGS", nil)
	if tag := p.xtag(); tag != "A1" {
		t.Fatalf("tag %q, expected A1", tag)
	}
	p.xspace()
	if cmd := p.xcommand(); cmd != "UID" {
		t.Fatalf("command %q, expected UID", cmd)
	}
}

func TestParseNumSetResolve(t *testing.T) {
	tests := []struct {
		line string
		max  uint32
		want string
	}{
		{"1:9,11", 20, "1:9,11"},
		{"*", 7, "7"},
		{"5:*", 7, "5:7"},
		{"*:5", 7, "5:7"},
		{"3,3,3", 7, "3"},
	}
	for _, tc := range tests {
		set := xparse(t, tc.line, func(p *parser) numSet { s := p.xnumSet(); p.xempty(); return s })
		r := set.resolve(tc.max)
		if got := r.String(); got != tc.want {
			t.Errorf("resolve(%q, %d) = %q, expected %q", tc.line, tc.max, got, tc.want)
		}
	}

	xparseErr(t, "1:", func(p *parser) { p.xnumSet() })
	xparseErr(t, "0", func(p *parser) { p.xnumSet() })
	xparseErr(t, "a", func(p *parser) { p.xnumSet() })
}

func TestParseFetchMacros(t *testing.T) {
	all := xparse(t, "ALL", func(p *parser) []fetchAtt { return p.xfetchAtts() })
	var fields []string
	for _, a := range all {
		fields = append(fields, a.field)
	}
	want := []string{"FLAGS", "INTERNALDATE", "RFC822.SIZE", "ENVELOPE"}
	if !reflect.DeepEqual(fields, want) {
		t.Fatalf("ALL expanded to %v, expected %v", fields, want)
	}

	full := xparse(t, "full", func(p *parser) []fetchAtt { return p.xfetchAtts() })
	if len(full) != 5 || full[4].field != "BODY" {
		t.Fatalf("FULL expanded to %v", full)
	}
}

func TestParseFetchSections(t *testing.T) {
	atts := xparse(t, "(UID BODY.PEEK[1.2.HEADER.FIELDS (From To)]<0.100> BINARY[2] BINARY.SIZE[2])", func(p *parser) []fetchAtt { return p.xfetchAtts() })
	if len(atts) != 4 {
		t.Fatalf("expected 4 attributes, got %d", len(atts))
	}

	sect := atts[1]
	if sect.field != "BODYSECTION" || !sect.peek {
		t.Fatalf("expected peeking body section, got %+v", sect)
	}
	if !reflect.DeepEqual(sect.section.part, []uint32{1, 2}) || sect.section.msgtext != "HEADER.FIELDS" {
		t.Fatalf("bad section %+v", sect.section)
	}
	if !reflect.DeepEqual(sect.section.fields, []string{"From", "To"}) {
		t.Fatalf("bad fields %v", sect.section.fields)
	}
	if sect.partial == nil || sect.partial.offset != 0 || sect.partial.length != 100 {
		t.Fatalf("bad partial %+v", sect.partial)
	}

	if atts[2].field != "BINARY" || atts[2].peek {
		t.Fatalf("bad binary att %+v", atts[2])
	}
	if atts[3].field != "BINARY.SIZE" {
		t.Fatalf("bad binary.size att %+v", atts[3])
	}

	xparseErr(t, "BODY.PEEK", func(p *parser) { p.xfetchAtt() })
	xparseErr(t, "BODY[2.MIME", func(p *parser) { p.xfetchAtt() })
	xparseErr(t, "BODY[MIME]", func(p *parser) { p.xfetchAtt() })
}

func TestParseFetchAnnotation(t *testing.T) {
	atts := xparse(t, "ANNOTATION (/comment value.priv)", func(p *parser) []fetchAtt { return []fetchAtt{p.xfetchAtt()} })
	a := atts[0]
	if a.field != "ANNOTATION" {
		t.Fatalf("field %q", a.field)
	}
	if !reflect.DeepEqual(a.annotation.entries, []string{"/comment"}) {
		t.Fatalf("entries %v", a.annotation.entries)
	}
	if !reflect.DeepEqual(a.annotation.attribs, []string{"value.priv"}) {
		t.Fatalf("attribs %v", a.annotation.attribs)
	}

	// Attribs default to both values when only entries are given.
	atts = xparse(t, "ANNOTATION (/comment)", func(p *parser) []fetchAtt { return []fetchAtt{p.xfetchAtt()} })
	if !reflect.DeepEqual(atts[0].annotation.attribs, []string{"value.priv", "value.shared"}) {
		t.Fatalf("default attribs %v", atts[0].annotation.attribs)
	}
}

func TestParseFlagList(t *testing.T) {
	flags := xparse(t, `(\Seen \Flagged custom)`, func(p *parser) []string { return p.xflagList() })
	if !reflect.DeepEqual(flags, []string{`\Seen`, `\Flagged`, "custom"}) {
		t.Fatalf("flags %v", flags)
	}

	empty := xparse(t, "()", func(p *parser) []string { return p.xflagList() })
	if len(empty) != 0 {
		t.Fatalf("expected empty list, got %v", empty)
	}

	xparseErr(t, `(\Seen`, func(p *parser) { p.xflagList() })
}

func TestParseQuoted(t *testing.T) {
	s := xparse(t, `"hello \"there\" \\ world"`, func(p *parser) string { return p.xquoted() })
	if s != `hello "there" \ world` {
		t.Fatalf("quoted %q", s)
	}
	xparseErr(t, `"unterminated`, func(p *parser) { p.xquoted() })
}

func TestParseStoreAnnotations(t *testing.T) {
	st := &storeCmd{}
	p := newParser(`(/comment (value.priv "hello" value.shared NIL))`, nil)
	st.xparseAnnotations(p, 42)
	p.xempty()

	if len(st.annotations) != 2 {
		t.Fatalf("expected 2 annotation sets, got %+v", st.annotations)
	}
	a := st.annotations[0]
	if a.entry != "/comment" || a.shared || a.value != "hello" || a.remove {
		t.Fatalf("bad priv set %+v", a)
	}
	b := st.annotations[1]
	if b.entry != "/comment" || !b.shared || !b.remove {
		t.Fatalf("bad shared removal %+v", b)
	}
}

func TestCommandGroups(t *testing.T) {
	// Grouping controls which pipelined commands may overlap: both FETCH
	// forms and STORE each have their own group, control commands have
	// none.
	if commands["FETCH"].group != 2 || commands["STORE"].group != 3 {
		t.Fatalf("unexpected groups: fetch %d store %d", commands["FETCH"].group, commands["STORE"].group)
	}
	if uidGroups["FETCH"] != 1 || uidGroups["STORE"] != 3 {
		t.Fatalf("unexpected uid groups %v", uidGroups)
	}
	if commands["NOOP"].group != 0 || commands["SELECT"].group != 0 {
		t.Fatal("control commands must be exclusive")
	}
}

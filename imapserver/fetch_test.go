package imapserver

import (
	"strings"
	"testing"
	"time"

	"github.com/orbitmail/imapd/store"
)

func TestEnvelopeRendering(t *testing.T) {
	env := &store.Envelope{
		Date:      time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		Subject:   "Hi",
		From:      []store.Address{{Mailbox: "a", Host: "b"}},
		To:        []store.Address{{Name: "Jan", Mailbox: "jan", Host: "example.org"}},
		MessageID: "<m1@b>",
	}
	got := xenvelope(env).pack()
	want := `("Wed, 01 Jan 2020 00:00:00 +0000" "Hi" ((NIL NIL "a" "b")) ((NIL NIL "a" "b")) ((NIL NIL "a" "b")) (("Jan" NIL "jan" "example.org")) NIL NIL NIL "<m1@b>")`
	if got != want {
		t.Fatalf("envelope:\n got %s\nwant %s", got, want)
	}

	if got := xenvelope(nil).pack(); got != "NIL" {
		t.Fatalf("nil envelope rendered %q", got)
	}
}

func TestBodystructureSinglePart(t *testing.T) {
	p := &store.Part{
		MediaType:         "TEXT",
		MediaSubType:      "PLAIN",
		ContentTypeParams: map[string]string{"charset": "us-ascii"},
		BodyOffset:        20,
		EndOffset:         62,
		Lines:             3,
	}
	got := xbodystructure(p, false).pack()
	want := `("TEXT" "PLAIN" ("CHARSET" "us-ascii") NIL NIL "7BIT" 42 3)`
	if got != want {
		t.Fatalf("bodystructure:\n got %s\nwant %s", got, want)
	}

	// Extended form appends md5, disposition, language, location.
	got = xbodystructure(p, true).pack()
	if !strings.HasSuffix(got, `42 3 NIL NIL NIL NIL)`) {
		t.Fatalf("extended bodystructure %s", got)
	}
}

func TestBodystructureMultipart(t *testing.T) {
	p := &store.Part{
		MediaType:    "MULTIPART",
		MediaSubType: "MIXED",
		Parts: []store.Part{
			{MediaType: "TEXT", MediaSubType: "PLAIN", BodyOffset: 0, EndOffset: 10, Lines: 1},
			{MediaType: "TEXT", MediaSubType: "HTML", BodyOffset: 0, EndOffset: 20, Lines: 1, ContentTransferEncoding: "BASE64"},
		},
	}
	got := xbodystructure(p, false).pack()
	want := `(("TEXT" "PLAIN" NIL NIL NIL "7BIT" 10 1)("TEXT" "HTML" NIL NIL NIL "BASE64" 20 1) "MIXED")`
	if got != want {
		t.Fatalf("multipart:\n got %s\nwant %s", got, want)
	}
}

func TestFilterHeader(t *testing.T) {
	hdr := []byte("From: a@b\r\nTo: c@d\r\nSubject: hello\r\n continued\r\nX-Other: x\r\n\r\n")

	got := string(filterHeader(hdr, []string{"subject"}, false))
	if got != "Subject: hello\r\n continued\r\n\r\n" {
		t.Fatalf("header.fields: %q", got)
	}

	got = string(filterHeader(hdr, []string{"subject"}, true))
	if got != "From: a@b\r\nTo: c@d\r\nX-Other: x\r\n\r\n" {
		t.Fatalf("header.fields.not: %q", got)
	}
}

func TestClampPartial(t *testing.T) {
	data := []byte("0123456789")

	d, label := clampPartial(data, &partial{offset: 2, length: 3}, "BODY[]")
	if string(d) != "234" || label != "BODY[]<2>" {
		t.Fatalf("partial %q label %q", d, label)
	}

	// Offset past the end clamps to empty; length past the end clamps to
	// the rest.
	d, _ = clampPartial(data, &partial{offset: 99, length: 1}, "BODY[]")
	if len(d) != 0 {
		t.Fatalf("expected empty partial, got %q", d)
	}
	d, _ = clampPartial(data, &partial{offset: 5, length: 0xffffffff}, "BODY[]")
	if string(d) != "56789" {
		t.Fatalf("tail partial %q", d)
	}

	d, label = clampPartial(data, nil, "BODY[]")
	if string(d) != "0123456789" || label != "BODY[]" {
		t.Fatalf("no partial %q label %q", d, label)
	}
}

func TestPartDeref(t *testing.T) {
	m := &store.Message{
		Part: &store.Part{
			MediaType:    "MULTIPART",
			MediaSubType: "MIXED",
			Parts: []store.Part{
				{MediaType: "TEXT", MediaSubType: "PLAIN"},
				{
					MediaType:    "MESSAGE",
					MediaSubType: "RFC822",
					Parts: []store.Part{{
						MediaType:    "MULTIPART",
						MediaSubType: "ALTERNATIVE",
						Parts: []store.Part{
							{MediaType: "TEXT", MediaSubType: "PLAIN"},
							{MediaType: "TEXT", MediaSubType: "HTML"},
						},
					}},
				},
			},
		},
	}

	p := xpartDeref(m, []uint32{1})
	if p.MediaSubType != "PLAIN" {
		t.Fatalf("part 1 is %s/%s", p.MediaType, p.MediaSubType)
	}

	// Stepping through a message/rfc822 part enters the nested message.
	p = xpartDeref(m, []uint32{2, 2})
	if p.MediaSubType != "HTML" {
		t.Fatalf("part 2.2 is %s/%s", p.MediaType, p.MediaSubType)
	}
}

func TestDecodedBase64(t *testing.T) {
	raw := []byte("preamble\r\naGVsbG8g\r\nd29ybGQ=\r\n")
	m := &store.Message{Raw: raw}
	p := &store.Part{ContentTransferEncoding: "BASE64", BodyOffset: 10, EndOffset: int64(len(raw))}
	got := xdecoded(p, m)
	if string(got) != "hello world" {
		t.Fatalf("decoded %q", got)
	}
}

func TestSectionLabel(t *testing.T) {
	tests := []struct {
		sec  sectionSpec
		want string
	}{
		{sectionSpec{}, ""},
		{sectionSpec{part: []uint32{1, 2}}, "1.2"},
		{sectionSpec{msgtext: "HEADER"}, "HEADER"},
		{sectionSpec{part: []uint32{2}, msgtext: "MIME"}, "2.MIME"},
		{sectionSpec{msgtext: "HEADER.FIELDS", fields: []string{"from", "to"}}, "HEADER.FIELDS (FROM TO)"},
	}
	for _, tc := range tests {
		if got := sectionLabel(&tc.sec); got != tc.want {
			t.Errorf("sectionLabel(%+v) = %q, expected %q", tc.sec, got, tc.want)
		}
	}
}

func TestString0Literal(t *testing.T) {
	if got := string0("plain").pack(); got != `"plain"` {
		t.Fatalf("quoted %s", got)
	}
	if got := string0(`with "quote"`).pack(); got != `"with \"quote\""` {
		t.Fatalf("escaped %s", got)
	}
	// Values a quoted string cannot carry become literals.
	if got := string0("a\r\nb").pack(); got != "{4}\r\na\r\nb" {
		t.Fatalf("literal %q", got)
	}
}

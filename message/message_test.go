package message

import (
	"strings"
	"testing"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func TestParseSimpleMessage(t *testing.T) {
	raw := []byte("From: a@b\r\nTo: Jan <jan@example.org>\r\nSubject: Hi\r\nDate: Wed, 01 Jan 2020 00:00:00 +0000\r\nMessage-Id: <m1@b>\r\n\r\nhello\r\nworld\r\n")

	p, err := Parser{}.Parse(raw)
	tcheck(t, err, "parse")

	if p.MediaType != "TEXT" || p.MediaSubType != "PLAIN" {
		t.Fatalf("media type %s/%s, expected TEXT/PLAIN", p.MediaType, p.MediaSubType)
	}
	if string(raw[p.BodyOffset:p.EndOffset]) != "hello\r\nworld\r\n" {
		t.Fatalf("body %q", raw[p.BodyOffset:p.EndOffset])
	}
	if p.Lines != 2 {
		t.Fatalf("lines %d, expected 2", p.Lines)
	}

	env := p.Envelope
	if env == nil {
		t.Fatal("no envelope")
	}
	if env.Subject != "Hi" || env.MessageID != "<m1@b>" {
		t.Fatalf("envelope %+v", env)
	}
	if len(env.From) != 1 || env.From[0].Mailbox != "a" || env.From[0].Host != "b" {
		t.Fatalf("from %+v", env.From)
	}
	if len(env.To) != 1 || env.To[0].Name != "Jan" || env.To[0].Host != "example.org" {
		t.Fatalf("to %+v", env.To)
	}
	if env.Date.IsZero() || env.Date.Year() != 2020 {
		t.Fatalf("date %v", env.Date)
	}
}

func TestParseMultipart(t *testing.T) {
	raw := []byte(strings.Join([]string{
		"From: a@b",
		`Content-Type: multipart/mixed; boundary="xyz"`,
		"",
		"preamble",
		"--xyz",
		"Content-Type: text/plain",
		"",
		"part one",
		"--xyz",
		"Content-Type: text/html",
		"Content-Transfer-Encoding: base64",
		"",
		"PGI+aGk8L2I+",
		"--xyz--",
		"trailer",
		"",
	}, "\r\n"))

	p, err := Parser{}.Parse(raw)
	tcheck(t, err, "parse")

	if p.MediaType != "MULTIPART" || p.MediaSubType != "MIXED" {
		t.Fatalf("media type %s/%s", p.MediaType, p.MediaSubType)
	}
	if len(p.Parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(p.Parts))
	}

	one := p.Parts[0]
	if one.MediaSubType != "PLAIN" {
		t.Fatalf("part 1 is %s", one.MediaSubType)
	}
	if got := string(raw[one.BodyOffset:one.EndOffset]); got != "part one" {
		t.Fatalf("part 1 body %q", got)
	}

	two := p.Parts[1]
	if two.MediaSubType != "HTML" || two.ContentTransferEncoding != "BASE64" {
		t.Fatalf("part 2 %s cte %s", two.MediaSubType, two.ContentTransferEncoding)
	}
	if two.DecodedSize != int64(len("<b>hi</b>")) {
		t.Fatalf("part 2 decoded size %d", two.DecodedSize)
	}
}

func TestParseNestedMessage(t *testing.T) {
	raw := []byte(strings.Join([]string{
		"From: outer@example.org",
		"Content-Type: message/rfc822",
		"",
		"From: inner@example.org",
		"Subject: inside",
		"",
		"inner body",
		"",
	}, "\r\n"))

	p, err := Parser{}.Parse(raw)
	tcheck(t, err, "parse")

	if p.MediaType != "MESSAGE" || p.MediaSubType != "RFC822" {
		t.Fatalf("media type %s/%s", p.MediaType, p.MediaSubType)
	}
	if len(p.Parts) != 1 {
		t.Fatalf("expected nested part")
	}
	nested := p.Parts[0]
	if nested.Envelope == nil || nested.Envelope.Subject != "inside" {
		t.Fatalf("nested envelope %+v", nested.Envelope)
	}
}

func TestParseDefaultsWithoutContentType(t *testing.T) {
	p, err := Parser{}.Parse([]byte("X: y\r\n\r\nbody"))
	tcheck(t, err, "parse")
	if p.MediaType != "TEXT" || p.MediaSubType != "PLAIN" {
		t.Fatalf("default media type %s/%s", p.MediaType, p.MediaSubType)
	}
	if p.ContentTypeParams["charset"] != "us-ascii" {
		t.Fatalf("default charset %v", p.ContentTypeParams)
	}
}

func TestParseMissingBoundary(t *testing.T) {
	_, err := Parser{}.Parse([]byte("Content-Type: multipart/mixed; boundary=q\r\n\r\nno delimiters here\r\n"))
	if err == nil {
		t.Fatal("expected error for multipart without matching boundary lines")
	}
}

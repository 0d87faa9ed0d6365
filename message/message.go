// Package message implements the message-parsing collaborator: it turns
// raw RFC 5322 bytes into the part tree and envelope the FETCH handler
// renders. Only structure relevant to BODY/BODYSTRUCTURE/ENVELOPE is
// derived; full MIME handling stays out of the IMAP core.
package message

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"strings"

	"github.com/orbitmail/imapd/store"
)

// Parser implements store.MessageParser.
type Parser struct{}

func (Parser) Parse(raw []byte) (*store.Part, error) {
	p, err := parsePart(raw, 0, int64(len(raw)), true)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// parsePart parses raw[offset:end] as one MIME part. wantEnvelope is set
// for the top level and nested message/rfc822 parts.
func parsePart(raw []byte, offset, end int64, wantEnvelope bool) (*store.Part, error) {
	p := &store.Part{HeaderOffset: offset, EndOffset: end}

	bodyOffset, header, err := splitHeader(raw, offset, end)
	if err != nil {
		return nil, err
	}
	p.BodyOffset = bodyOffset

	ct := header.Get("Content-Type")
	mediatype, params := "text/plain", map[string]string{"charset": "us-ascii"}
	if ct != "" {
		mt, ps, err := mime.ParseMediaType(ct)
		if err == nil {
			mediatype, params = mt, ps
		}
	}
	t := strings.SplitN(mediatype, "/", 2)
	p.MediaType = strings.ToUpper(t[0])
	if len(t) == 2 {
		p.MediaSubType = strings.ToUpper(t[1])
	}
	p.ContentTypeParams = params
	p.ContentID = header.Get("Content-Id")
	p.ContentDesc = header.Get("Content-Description")
	p.ContentTransferEncoding = strings.ToUpper(header.Get("Content-Transfer-Encoding"))
	p.ContentMD5 = header.Get("Content-Md5")
	p.Location = header.Get("Content-Location")
	if lang := header.Get("Content-Language"); lang != "" {
		for _, l := range strings.Split(lang, ",") {
			p.Language = append(p.Language, strings.TrimSpace(l))
		}
	}
	if disp := header.Get("Content-Disposition"); disp != "" {
		if d, ps, err := mime.ParseMediaType(disp); err == nil {
			p.Disposition = strings.ToUpper(d)
			p.DispositionParams = ps
		}
	}

	body := raw[bodyOffset:end]
	p.Lines = int64(bytes.Count(body, []byte("\n")))
	p.DecodedSize = decodedSize(body, p.ContentTransferEncoding)

	if wantEnvelope {
		p.Envelope = parseEnvelope(header)
	}

	switch {
	case p.MediaType == "MULTIPART":
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart without boundary")
		}
		children, err := splitMultipart(raw, bodyOffset, end, boundary)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			child, err := parsePart(raw, c[0], c[1], false)
			if err != nil {
				return nil, err
			}
			p.Parts = append(p.Parts, *child)
		}
	case p.MediaType == "MESSAGE" && p.MediaSubType == "RFC822":
		child, err := parsePart(raw, bodyOffset, end, true)
		if err != nil {
			return nil, err
		}
		p.Parts = []store.Part{*child}
	}
	return p, nil
}

// splitHeader finds the blank line ending the header and parses the header
// fields. Returns the absolute body offset.
func splitHeader(raw []byte, offset, end int64) (int64, textproto.MIMEHeader, error) {
	region := raw[offset:end]
	bodyAt := int64(len(region))
	headerLen := bodyAt
	if i := bytes.Index(region, []byte("\r\n\r\n")); i >= 0 {
		headerLen = int64(i) + 2
		bodyAt = int64(i) + 4
	} else if i := bytes.Index(region, []byte("\n\n")); i >= 0 {
		headerLen = int64(i) + 1
		bodyAt = int64(i) + 2
	}
	tr := textproto.NewReader(bufio.NewReader(bytes.NewReader(append(region[:headerLen:headerLen], '\r', '\n'))))
	header, err := tr.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		// Tolerate malformed headers: treat as an empty header rather than
		// failing the whole message.
		header = textproto.MIMEHeader{}
	}
	return offset + bodyAt, header, nil
}

// splitMultipart returns [start,end) offset pairs for each child part
// between the boundary delimiters.
func splitMultipart(raw []byte, bodyOffset, end int64, boundary string) ([][2]int64, error) {
	delim := []byte("--" + boundary)
	var children [][2]int64
	var start int64 = -1
	pos := bodyOffset
	for pos < end {
		lineEnd := pos
		for lineEnd < end && raw[lineEnd] != '\n' {
			lineEnd++
		}
		line := bytes.TrimRight(raw[pos:lineEnd], "\r")
		if bytes.HasPrefix(line, delim) {
			if start >= 0 {
				// Child ends before this boundary line's preceding CRLF.
				childEnd := pos
				if childEnd > start && raw[childEnd-1] == '\n' {
					childEnd--
					if childEnd > start && raw[childEnd-1] == '\r' {
						childEnd--
					}
				}
				children = append(children, [2]int64{start, childEnd})
				start = -1
			}
			if bytes.HasPrefix(line, append(append([]byte{}, delim...), '-', '-')) {
				break
			}
			start = lineEnd + 1
		}
		pos = lineEnd + 1
	}
	if len(children) == 0 {
		return nil, fmt.Errorf("multipart boundary %q not found", boundary)
	}
	return children, nil
}

func decodedSize(body []byte, cte string) int64 {
	switch cte {
	case "BASE64":
		clean := bytes.Map(func(r rune) rune {
			if r == '\r' || r == '\n' {
				return -1
			}
			return r
		}, body)
		if data, err := base64.StdEncoding.DecodeString(string(clean)); err == nil {
			return int64(len(data))
		}
		return int64(len(body))
	case "QUOTED-PRINTABLE":
		if data, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(body))); err == nil {
			return int64(len(data))
		}
		return int64(len(body))
	default:
		return int64(len(body))
	}
}

func parseEnvelope(header textproto.MIMEHeader) *store.Envelope {
	env := &store.Envelope{
		Subject:   header.Get("Subject"),
		InReplyTo: header.Get("In-Reply-To"),
		MessageID: header.Get("Message-Id"),
	}
	if d := header.Get("Date"); d != "" {
		if t, err := mail.ParseDate(d); err == nil {
			env.Date = t
		}
	}
	env.From = parseAddresses(header.Get("From"))
	env.Sender = parseAddresses(header.Get("Sender"))
	env.ReplyTo = parseAddresses(header.Get("Reply-To"))
	env.To = parseAddresses(header.Get("To"))
	env.CC = parseAddresses(header.Get("Cc"))
	env.BCC = parseAddresses(header.Get("Bcc"))
	return env
}

func parseAddresses(s string) []store.Address {
	if s == "" {
		return nil
	}
	addrs, err := mail.ParseAddressList(s)
	if err != nil {
		return nil
	}
	var l []store.Address
	for _, a := range addrs {
		mb, host := a.Address, ""
		if i := strings.LastIndexByte(a.Address, '@'); i >= 0 {
			mb, host = a.Address[:i], a.Address[i+1:]
		}
		l = append(l, store.Address{Name: a.Name, Mailbox: mb, Host: host})
	}
	return l
}

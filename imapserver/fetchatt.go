package imapserver

import (
	"strings"
)

// fetchSpec is one parsed FETCH command: the target set, the requested
// attributes in client order, and the CONDSTORE modifier.
type fetchSpec struct {
	isUID        bool
	set          numSet
	atts         []fetchAtt
	changedSince int64 // 0 means no CHANGEDSINCE given.
}

// fetchAtt is one requested attribute.
type fetchAtt struct {
	field      string // Canonical name: FLAGS, ENVELOPE, INTERNALDATE, RFC822.SIZE, RFC822, RFC822.HEADER, RFC822.TEXT, BODY, BODYSTRUCTURE, BODYSECTION, BINARY, BINARY.SIZE, MODSEQ, ANNOTATION, UID.
	peek       bool
	section    *sectionSpec
	partial    *partial
	annotation *annotationFetch
}

// sectionSpec addresses part data within a message, e.g. BODY[1.2.HEADER].
type sectionSpec struct {
	part    []uint32 // MIME part path; empty means whole message.
	msgtext string   // "", HEADER, HEADER.FIELDS, HEADER.FIELDS.NOT, TEXT, MIME.
	fields  []string // For HEADER.FIELDS[.NOT].
}

type partial struct {
	offset uint32
	length uint32
}

// annotationFetch is the ANNOTATION (entries attribs) fetch argument.
type annotationFetch struct {
	entries []string
	attribs []string // value, value.priv, value.shared.
}

// xfetchAtts parses the attribute list of a FETCH command, expanding the
// ALL/FAST/FULL macros.
func (p *parser) xfetchAtts() []fetchAtt {
	defer p.context("fetchAtts")()

	// Macros are only valid as the sole attribute, without parens.
	if !p.hasPrefix("(") {
		w := p.xtakeall()
		switch toUpper(w) {
		case "ALL":
			return []fetchAtt{{field: "FLAGS"}, {field: "INTERNALDATE"}, {field: "RFC822.SIZE"}, {field: "ENVELOPE"}}
		case "FAST":
			return []fetchAtt{{field: "FLAGS"}, {field: "INTERNALDATE"}, {field: "RFC822.SIZE"}}
		case "FULL":
			return []fetchAtt{{field: "FLAGS"}, {field: "INTERNALDATE"}, {field: "RFC822.SIZE"}, {field: "ENVELOPE"}, {field: "BODY"}}
		}
		// Not a macro: re-parse as a single attribute.
		p.o -= len(w)
		return []fetchAtt{p.xfetchAtt()}
	}

	p.xtake("(")
	atts := []fetchAtt{p.xfetchAtt()}
	for p.space() {
		atts = append(atts, p.xfetchAtt())
	}
	p.xtake(")")
	return atts
}

func (p *parser) xfetchAtt() fetchAtt {
	defer p.context("fetchAtt")()
	f := p.xtakeFetchField()
	switch f {
	case "FLAGS", "ENVELOPE", "INTERNALDATE", "RFC822.SIZE", "BODYSTRUCTURE", "MODSEQ", "UID":
		return fetchAtt{field: f}
	case "RFC822", "RFC822.HEADER", "RFC822.TEXT":
		return fetchAtt{field: f}
	case "BODY":
		if !p.hasPrefix("[") {
			return fetchAtt{field: "BODY"}
		}
		return p.xbodySection("BODYSECTION", false)
	case "BODY.PEEK":
		if !p.hasPrefix("[") {
			p.xerrorf("BODY.PEEK requires a section")
		}
		return p.xbodySection("BODYSECTION", true)
	case "BINARY":
		return p.xbodySection("BINARY", false)
	case "BINARY.PEEK":
		return p.xbodySection("BINARY", true)
	case "BINARY.SIZE":
		a := p.xbodySection("BINARY.SIZE", true)
		if a.partial != nil {
			p.xerrorf("BINARY.SIZE cannot take a partial")
		}
		return a
	case "ANNOTATION":
		return p.xannotationFetch()
	}
	p.xerrorf("unknown fetch attribute %q", f)
	return fetchAtt{}
}

func (p *parser) xtakeFetchField() string {
	start := p.o
	for p.o < len(p.orig) {
		c := p.upper[p.o]
		if c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '.' {
			p.o++
			continue
		}
		break
	}
	if p.o == start {
		p.xerrorf("expected fetch attribute")
	}
	return p.upper[start:p.o]
}

// xbodySection parses [section]<partial>.
func (p *parser) xbodySection(field string, peek bool) fetchAtt {
	a := fetchAtt{field: field, peek: peek, section: &sectionSpec{}}
	p.xtake("[")
	sec := a.section

	// Leading part numbers: 1.2.3 optionally followed by .HEADER etc.
	for !p.empty() && p.upper[p.o] >= '0' && p.upper[p.o] <= '9' {
		sec.part = append(sec.part, p.xnznumber())
		if !p.take(".") {
			break
		}
	}

	if !p.hasPrefix("]") {
		switch {
		case p.take("HEADER.FIELDS.NOT"):
			sec.msgtext = "HEADER.FIELDS.NOT"
			p.xspace()
			sec.fields = p.xheaderList()
		case p.take("HEADER.FIELDS"):
			sec.msgtext = "HEADER.FIELDS"
			p.xspace()
			sec.fields = p.xheaderList()
		case p.take("HEADER"):
			sec.msgtext = "HEADER"
		case p.take("TEXT"):
			sec.msgtext = "TEXT"
		case p.take("MIME"):
			sec.msgtext = "MIME"
			if len(sec.part) == 0 {
				p.xerrorf("MIME requires a part number")
			}
		default:
			p.xerrorf("bad section")
		}
	}
	p.xtake("]")

	if field == "BINARY" || field == "BINARY.SIZE" {
		if sec.msgtext != "" {
			p.xerrorf("BINARY sections take only part numbers")
		}
	}

	if p.take("<") {
		offset := p.xnumber()
		var length uint32
		haveLength := false
		if p.take(".") {
			length = p.xnznumber()
			haveLength = true
		}
		p.xtake(">")
		if !haveLength {
			length = 0xffffffff
		}
		a.partial = &partial{offset, length}
	}
	return a
}

func (p *parser) xheaderList() []string {
	p.xtake("(")
	l := []string{p.xastring()}
	for p.space() {
		l = append(l, p.xastring())
	}
	p.xtake(")")
	return l
}

// xannotationFetch parses ANNOTATION (entry ... attrib ...) per RFC 5257.
// Entries start with "/", attribs are value/value.priv/value.shared.
func (p *parser) xannotationFetch() fetchAtt {
	a := fetchAtt{field: "ANNOTATION", annotation: &annotationFetch{}}
	p.xspace()
	p.xtake("(")
	for {
		w := p.xannotationEntry()
		if strings.HasPrefix(strings.ToLower(w), "value") {
			a.annotation.attribs = append(a.annotation.attribs, strings.ToLower(w))
		} else {
			a.annotation.entries = append(a.annotation.entries, w)
		}
		if !p.space() {
			break
		}
	}
	p.xtake(")")
	if len(a.annotation.entries) == 0 {
		p.xerrorf("annotation fetch needs at least one entry")
	}
	if len(a.annotation.attribs) == 0 {
		a.annotation.attribs = []string{"value.priv", "value.shared"}
	}
	return a
}

func (p *parser) xannotationEntry() string {
	if p.hasPrefix(`"`) {
		return p.xquoted()
	}
	return p.xtakechars(atomChar+"/.", "annotation entry")
}

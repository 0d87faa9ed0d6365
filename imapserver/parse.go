package imapserver

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/orbitmail/imapd/store"
)

var (
	listWildcards  = "%*"
	char           = charRange('\x01', '\x7f')
	ctl            = charRange('\x01', '\x19')
	quotedSpecials = `"\`
	respSpecials   = "]"
	atomChar       = charRemove(char, "(){ "+ctl+listWildcards+quotedSpecials+respSpecials)
	astringChar    = atomChar + respSpecials
)

func charRange(first, last rune) string {
	r := ""
	c := first
	r += string(c)
	for c < last {
		c++
		r += string(c)
	}
	return r
}

func charRemove(s, remove string) string {
	r := ""
next:
	for _, c := range s {
		for _, x := range remove {
			if c == x {
				continue next
			}
		}
		r += string(c)
	}
	return r
}

// parser parses a single command line. orig is the line in original casing,
// upper the same bytes uppercased; we match against upper for IMAP's case
// insensitivity but return slices of orig where casing matters.
type parser struct {
	orig     string
	upper    string
	o        int
	contexts []string // What we are parsing, for error messages.
	conn     *conn
}

// toUpper only touches a-z: it must keep offsets into orig and upper
// aligned, which strings.ToUpper does not guarantee for invalid bytes.
func toUpper(s string) string {
	r := []byte(s)
	for i, c := range r {
		if c >= 'a' && c <= 'z' {
			r[i] = c - 0x20
		}
	}
	return string(r)
}

func newParser(s string, conn *conn) *parser {
	return &parser{s, toUpper(s), 0, nil, conn}
}

func (p *parser) xerrorf(format string, args ...any) {
	errmsg := fmt.Sprintf(format, args...)
	remaining := fmt.Sprintf("remaining %q", p.orig[p.o:])
	if len(p.contexts) > 0 {
		remaining += ", context " + strings.Join(p.contexts, ",")
	}
	xsyntaxErrorf("%s (%s)", errmsg, remaining)
}

func (p *parser) context(s string) func() {
	p.contexts = append(p.contexts, s)
	return func() {
		p.contexts = p.contexts[:len(p.contexts)-1]
	}
}

func (p *parser) empty() bool {
	return p.o == len(p.orig)
}

func (p *parser) xempty() {
	if !p.empty() {
		p.xerrorf("leftover data")
	}
}

func (p *parser) hasPrefix(s string) bool {
	return strings.HasPrefix(p.upper[p.o:], s)
}

func (p *parser) take(s string) bool {
	if !p.hasPrefix(s) {
		return false
	}
	p.o += len(s)
	return true
}

func (p *parser) xtake(s string) {
	if !p.take(s) {
		p.xerrorf("expected %q", s)
	}
}

func (p *parser) space() bool {
	return p.take(" ")
}

func (p *parser) xspace() {
	if !p.space() {
		p.xerrorf("expected space")
	}
}

func (p *parser) xtakeall() string {
	r := p.orig[p.o:]
	p.o = len(p.orig)
	return r
}

func (p *parser) xtakechars(chars string, what string) string {
	p.xtakemin1(chars, what)
	return p.takechars(chars)
}

func (p *parser) takechars(chars string) string {
	start := p.o
	for p.o < len(p.orig) && strings.ContainsRune(chars, rune(p.orig[p.o])) {
		p.o++
	}
	return p.orig[start:p.o]
}

func (p *parser) xtakemin1(chars string, what string) {
	if p.empty() || !strings.ContainsRune(chars, rune(p.orig[p.o])) {
		p.xerrorf("expected %s", what)
	}
}

// xtag parses a command tag.
func (p *parser) xtag() string {
	tagChar := charRemove(astringChar, "+")
	r := p.takechars(tagChar)
	if r == "" {
		p.xerrorf("expected tag")
	}
	return r
}

// xcommand parses a command name.
func (p *parser) xcommand() string {
	r := p.takechars(charRange('A', 'Z') + charRange('a', 'z') + "0123456789")
	if r == "" {
		p.xerrorf("expected command")
	}
	// Return in upper case; command lookup is case-insensitive.
	return toUpper(r)
}

func (p *parser) xatom() string {
	r := p.takechars(atomChar)
	if r == "" {
		p.xerrorf("expected atom")
	}
	return r
}

// xquoted parses a quoted string at the current position.
func (p *parser) xquoted() string {
	p.xtake(`"`)
	var b strings.Builder
	for !p.empty() && !p.hasPrefix(`"`) {
		c := p.orig[p.o]
		if c == '\\' {
			p.o++
			if p.empty() || p.orig[p.o] != '"' && p.orig[p.o] != '\\' {
				p.xerrorf(`bad escape in quoted string`)
			}
			c = p.orig[p.o]
		}
		b.WriteByte(c)
		p.o++
	}
	p.xtake(`"`)
	return b.String()
}

// xliteral parses a literal ({N}\r\n followed by N raw bytes read from the
// connection after sending a continuation when synchronising).
func (p *parser) xliteral() string {
	p.xtake("{")
	size := p.xnumber64()
	sync := true
	if p.take("+") {
		sync = false
	}
	p.xtake("}")
	p.xempty()
	buf := p.conn.xreadliteral(size, sync)
	line := p.conn.xreadline()
	p.orig, p.upper, p.o = line, toUpper(line), 0
	return buf
}

// xstring parses a quoted string or literal.
func (p *parser) xstring() string {
	if p.hasPrefix(`"`) {
		return p.xquoted()
	}
	return p.xliteral()
}

// xastring parses an atom, quoted string or literal.
func (p *parser) xastring() string {
	if p.hasPrefix(`"`) || p.hasPrefix("{") {
		return p.xstring()
	}
	r := p.takechars(astringChar)
	if r == "" {
		p.xerrorf("expected astring")
	}
	return r
}

func (p *parser) xnumber() uint32 {
	n := p.xnumber64()
	if n > 0xffffffff {
		p.xerrorf("number too large")
	}
	return uint32(n)
}

func (p *parser) xnumber64() int64 {
	digits := p.takechars("0123456789")
	if digits == "" {
		p.xerrorf("expected number")
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		p.xerrorf("parsing number: %v", err)
	}
	return n
}

func (p *parser) xnznumber() uint32 {
	n := p.xnumber()
	if n == 0 {
		p.xerrorf("expected nonzero number")
	}
	return n
}

// numSet is a parsed sequence set, before resolution against the session.
// A "*" is represented by 0 in a seqRange bound and resolved later.
type numSet struct {
	ranges []seqRange
}

type seqRange struct {
	lo, hi uint32 // 0 means "*".
}

// xnumSet parses an IMAP sequence-set, e.g. "1:9,11,20:*".
func (p *parser) xnumSet() numSet {
	defer p.context("numSet")()
	var s numSet
	for {
		s.ranges = append(s.ranges, p.xseqRange())
		if !p.take(",") {
			break
		}
	}
	return s
}

func (p *parser) xseqRange() seqRange {
	lo := p.xseqNumber()
	hi := lo
	if p.take(":") {
		hi = p.xseqNumber()
	}
	return seqRange{lo, hi}
}

func (p *parser) xseqNumber() uint32 {
	if p.take("*") {
		return 0
	}
	return p.xnznumber()
}

// resolve turns the parsed set into a concrete MessageSet. "*" resolves to
// max (the largest known UID or MSN) and reversed ends are swapped. Numbers
// above max are kept as given, not clamped. With max 0 the result is empty.
func (s numSet) resolve(max uint32) store.MessageSet {
	var r store.MessageSet
	for _, sr := range s.ranges {
		lo, hi := sr.lo, sr.hi
		if lo == 0 {
			lo = max
		}
		if hi == 0 {
			hi = max
		}
		if lo > hi {
			lo, hi = hi, lo
		}
		if max == 0 {
			continue
		}
		r.AddRange(store.UID(lo), store.UID(hi))
	}
	return r
}

// xflagList parses a parenthesised, possibly empty flag list.
func (p *parser) xflagList() []string {
	var l []string
	p.xtake("(")
	if !p.hasPrefix(")") {
		l = append(l, p.xflag())
		for p.space() {
			l = append(l, p.xflag())
		}
	}
	p.xtake(")")
	return l
}

func (p *parser) xflag() string {
	backslash := p.take(`\`)
	s := p.xatom()
	if backslash {
		s = `\` + s
	}
	return s
}

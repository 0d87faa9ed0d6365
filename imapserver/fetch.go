package imapserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime/quotedprintable"
	"sort"
	"strings"

	"golang.org/x/time/rate"

	"github.com/orbitmail/imapd/db"
	"github.com/orbitmail/imapd/metrics"
	"github.com/orbitmail/imapd/store"
)

// fetchCmd carries one FETCH command's state across its phases: set
// resolution, the CONDSTORE filter, the implicit seen update, the batched
// attribute fetch, and paced response emission.
type fetchCmd struct {
	conn    *conn
	cmd     *command
	spec    fetchSpec
	session *store.Session

	target   store.MessageSet // UIDs to fetch, after filtering.
	expunged store.MessageSet // Requested UIDs that were pending expunge.
	msgs     []*store.Message
}

// cmdxFetch handles FETCH and UID FETCH.
//
// State: Selected
func (c *conn) cmdxFetch(cmd *command, isUID bool, p *parser) {
	p.xspace()
	set := p.xnumSet()
	p.xspace()
	atts := p.xfetchAtts()

	var changedSince int64
	if p.space() {
		p.xtake("(")
		p.xtake("CHANGEDSINCE")
		p.xspace()
		changedSince = p.xnumber64()
		if changedSince <= 0 {
			p.xerrorf("CHANGEDSINCE modseq must be positive")
		}
		p.xtake(")")
	}
	p.xempty()

	f := &fetchCmd{
		conn:    c,
		cmd:     cmd,
		spec:    fetchSpec{isUID: isUID, set: set, atts: atts, changedSince: changedSince},
		session: c.session,
	}
	f.resolveTarget()
	f.filterChangedSince()
	f.setSeen()
	f.fetchData()
	f.emit()

	if !f.expunged.IsEmpty() {
		has := "has"
		if f.expunged.Count() > 1 {
			has = "have"
		}
		c.finishf(cmd, "NO UID(s) %s %s been expunged", f.expunged.String(), has)
		return
	}
	c.finishf(cmd, "OK FETCH completed")
}

// resolveTarget turns the parsed sequence set into concrete UIDs,
// splitting off the pending-expunged UIDs for the final NO (RFC 2180
// §4.1.2): the client still thinks they exist, but their data is gone.
func (f *fetchCmd) resolveTarget() {
	s := f.session
	if f.spec.isUID {
		resolved := f.spec.set.resolve(uint32(s.LargestUID()))
		f.target = resolved.Intersection(s.Messages())
	} else {
		count := s.Count()
		for _, sr := range f.spec.set.ranges {
			lo, hi := sr.lo, sr.hi
			if lo == 0 {
				lo = uint32(count)
			}
			if hi == 0 {
				hi = uint32(count)
			}
			if lo > hi {
				lo, hi = hi, lo
			}
			if lo == 0 || int(hi) > count {
				xuserErrorf("message sequence number out of range")
			}
			for n := lo; n <= hi; n++ {
				f.target.Add(s.UID(int(n)))
			}
		}
	}

	f.expunged = f.target.Intersection(s.Expunged())
	f.target.RemoveSet(f.expunged)
}

// filterChangedSince drops UIDs whose modseq is not past the CHANGEDSINCE
// floor, checking both live and expunged rows (RFC 4551 §3.3.1).
func (f *fetchCmd) filterChangedSince() {
	if f.spec.changedSince == 0 || f.target.IsEmpty() {
		return
	}
	c := f.conn
	mb := c.mailbox
	var unchanged store.MessageSet
	err := c.server.DB.Read(context.Background(), func(tx *db.Transaction) error {
		q := `select uid from mailbox_messages where mailbox=$1 and modseq<=$2 and ` + f.target.Where("uid") +
			` union select uid from deleted_messages where mailbox=$1 and modseq<=$2 and ` + f.target.Where("uid")
		rows, err := tx.Query(q, mb.ID, f.spec.changedSince)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var uid uint32
			if err := rows.Scan(&uid); err != nil {
				return err
			}
			unchanged.Add(store.UID(uid))
		}
		return rows.Err()
	})
	xcheckf(err, "filtering on changedsince")
	f.target.RemoveSet(unchanged)
}

// impliesSeen reports whether the request includes a non-peek body fetch,
// which sets \Seen as a side effect.
func (f *fetchCmd) impliesSeen() bool {
	for _, a := range f.spec.atts {
		switch a.field {
		case "RFC822", "RFC822.TEXT":
			return true
		case "BODYSECTION", "BINARY":
			if !a.peek {
				return true
			}
		}
	}
	return false
}

// setSeen runs the implicit \Seen update for a non-peek fetch on a
// writable mailbox, in its own transaction before any data is read, so
// every UID in the response has \Seen set before the tagged OK.
func (f *fetchCmd) setSeen() {
	if !f.impliesSeen() || f.session.ReadOnly() || f.target.IsEmpty() {
		return
	}
	if !f.session.Permissions().Allowed(store.RightKeepSeen) {
		return
	}

	c := f.conn
	mb := c.mailbox
	work := f.target.Union(store.MessageSet{})
	var newModSeq int64
	var updated bool
	err := c.server.DB.Write(context.Background(), func(tx *db.Transaction) error {
		modseq, err := tx.LockMailboxForUpdate(mb.ID)
		if err != nil {
			return err
		}
		newModSeq = modseq

		// Drop UIDs that are already seen; if nothing is left the
		// transaction ends without consuming a modseq.
		rows, err := tx.Query(`select uid from mailbox_messages where mailbox=$1 and seen and uid between $2 and $3`, mb.ID, uint32(work.Min()), uint32(work.Max()))
		if err != nil {
			return err
		}
		for rows.Next() {
			var uid uint32
			if err := rows.Scan(&uid); err != nil {
				rows.Close()
				return err
			}
			work.Remove(store.UID(uid))
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if work.IsEmpty() {
			return nil
		}

		if _, err := tx.Exec(`update mailbox_messages set modseq=$2, seen=true where mailbox=$1 and `+work.Where("uid"), mb.ID, modseq); err != nil {
			return err
		}
		if _, err := tx.Exec(`update mailboxes set nextmodseq=$2 where id=$1`, mb.ID, modseq+1); err != nil {
			return err
		}
		updated = true
		return nil
	})
	xcheckf(err, "setting seen flag")

	if updated {
		mb.SetCounters(0, store.ModSeq(newModSeq+1))
		metrics.ModSeqBumps.WithLabelValues("fetch-seen").Inc()
		c.xcluster("mailbox %s nextmodseq=%d", mb.Name, newModSeq+1)
		c.refreshMailbox()
	}
}

// categories returns the attribute categories this fetch needs. Trivia is
// always included: it confirms the rows still exist.
func (f *fetchCmd) categories() []store.FetchCategory {
	need := map[store.FetchCategory]bool{store.FetchTrivia: true}
	for _, a := range f.spec.atts {
		switch a.field {
		case "FLAGS":
			need[store.FetchFlags] = true
		case "ENVELOPE":
			need[store.FetchAddresses] = true
		case "BODY", "BODYSTRUCTURE":
			need[store.FetchPartNumbers] = true
		case "RFC822", "RFC822.HEADER", "RFC822.TEXT", "BODYSECTION", "BINARY", "BINARY.SIZE":
			need[store.FetchBody] = true
			need[store.FetchPartNumbers] = true
		case "ANNOTATION":
			need[store.FetchAnnotations] = true
		}
	}
	var l []store.FetchCategory
	for cat := range need {
		l = append(l, cat)
	}
	return l
}

// fetchData issues the batched fetches for all needed categories.
func (f *fetchCmd) fetchData() {
	if f.target.IsEmpty() {
		return
	}
	f.target.ForEach(func(uid store.UID) {
		f.msgs = append(f.msgs, &store.Message{UID: uid})
	})
	c := f.conn
	fetcher := store.NewFetcher(c.mailbox, f.msgs, c.server.DB, c.server.Blobs, c.server.Parser)
	ctx := context.Background()
	for _, cat := range f.categories() {
		err := fetcher.Fetch(ctx, cat)
		xcheckf(err, "fetching message data")
	}
}

// emit renders one FETCH response per message and writes them paced: one
// batch per second, batch size adapting to the backlog, so an impatient
// client sees steady progress without the server front-loading a huge
// burst.
func (f *fetchCmd) emit() {
	var queue []string
	for _, m := range f.msgs {
		if m.Expunged {
			// Expunged under us after set resolution; report with the rest.
			f.expunged.Add(m.UID)
			continue
		}
		msn := f.session.MSN(m.UID)
		if msn == 0 {
			continue
		}
		queue = append(queue, fmt.Sprintf("* %d FETCH %s", msn, f.renderAtts(m).pack()))
	}

	lim := rate.NewLimiter(rate.Limit(1), 1)
	ctx := context.Background()
	for len(queue) > 0 {
		if err := lim.Wait(ctx); err != nil {
			xcheckf(err, "pacing fetch responses")
		}
		n := len(queue) / 30
		if n < 1 {
			n = 1
		}
		if n > len(queue) {
			n = len(queue)
		}
		for _, line := range queue[:n] {
			f.conn.respond(line)
		}
		queue = queue[n:]
	}
}

// renderAtts assembles the response items for one message, in the exact
// order the client asked for them. UID is prepended for UID FETCH; MODSEQ is
// appended when CHANGEDSINCE was given and MODSEQ was not itself asked
// for (RFC 4551 §3.3.2).
func (f *fetchCmd) renderAtts(m *store.Message) token {
	var items []token
	haveUID, haveModSeq := false, false
	for _, a := range f.spec.atts {
		if a.field == "UID" {
			haveUID = true
		}
		if a.field == "MODSEQ" {
			haveModSeq = true
		}
	}
	if f.spec.isUID && !haveUID {
		items = append(items, bare("UID"), number(m.UID))
	}
	for _, a := range f.spec.atts {
		items = append(items, f.renderAtt(m, a)...)
	}
	if f.spec.changedSince > 0 && !haveModSeq {
		items = append(items, bare("MODSEQ"), listspace{number64(m.ModSeq)})
	}
	return listspace(items)
}

func (f *fetchCmd) renderAtt(m *store.Message, a fetchAtt) []token {
	switch a.field {
	case "UID":
		return []token{bare("UID"), number(m.UID)}
	case "FLAGS":
		var l []token
		for _, fl := range m.FlagList(f.session.IsRecent(m.UID)) {
			l = append(l, bare(fl))
		}
		return []token{bare("FLAGS"), listspace(l)}
	case "INTERNALDATE":
		return []token{bare("INTERNALDATE"), dquote(m.InternalDate.Format("02-Jan-2006 15:04:05 -0700"))}
	case "RFC822.SIZE":
		return []token{bare("RFC822.SIZE"), number64(m.Size)}
	case "MODSEQ":
		return []token{bare("MODSEQ"), listspace{number64(m.ModSeq)}}
	case "ENVELOPE":
		return []token{bare("ENVELOPE"), xenvelope(m.Envelope)}
	case "BODY":
		return []token{bare("BODY"), xbodystructure(m.Part, false)}
	case "BODYSTRUCTURE":
		return []token{bare("BODYSTRUCTURE"), xbodystructure(m.Part, true)}
	case "RFC822":
		return []token{bare("RFC822"), syncliteral(m.Raw)}
	case "RFC822.HEADER":
		return []token{bare("RFC822.HEADER"), syncliteral(m.Raw[:m.Part.BodyOffset])}
	case "RFC822.TEXT":
		return []token{bare("RFC822.TEXT"), syncliteral(m.Raw[m.Part.BodyOffset:])}
	case "BODYSECTION":
		label, data := f.xsection(m, a)
		return []token{bare(label), data}
	case "BINARY":
		label, data := f.xbinary(m, a)
		return []token{bare(label), data}
	case "BINARY.SIZE":
		part := xpartDeref(m, a.section.part)
		data := xdecoded(part, m)
		return []token{bare(fmt.Sprintf("BINARY.SIZE[%s]", partPath(a.section.part))), number64(int64(len(data)))}
	case "ANNOTATION":
		return f.renderAnnotation(m, a)
	}
	xserverErrorf("missing case for fetch attribute %q", a.field)
	return nil
}

// xsection renders BODY[...]<partial> data.
func (f *fetchCmd) xsection(m *store.Message, a fetchAtt) (string, token) {
	sec := a.section
	part := xpartDeref(m, sec.part)

	var data []byte
	switch sec.msgtext {
	case "":
		if len(sec.part) == 0 {
			data = m.Raw
		} else {
			data = m.Raw[part.BodyOffset:part.EndOffset]
		}
	case "HEADER":
		data = m.Raw[part.HeaderOffset:part.BodyOffset]
	case "HEADER.FIELDS":
		data = filterHeader(m.Raw[part.HeaderOffset:part.BodyOffset], sec.fields, false)
	case "HEADER.FIELDS.NOT":
		data = filterHeader(m.Raw[part.HeaderOffset:part.BodyOffset], sec.fields, true)
	case "TEXT":
		data = m.Raw[part.BodyOffset:part.EndOffset]
	case "MIME":
		data = m.Raw[part.HeaderOffset:part.BodyOffset]
	}

	label := "BODY[" + sectionLabel(sec) + "]"
	data, label = clampPartial(data, a.partial, label)
	return label, syncliteral(data)
}

// xbinary renders BINARY[part]<partial>: the part's bytes with the
// content-transfer-encoding decoded.
func (f *fetchCmd) xbinary(m *store.Message, a fetchAtt) (string, token) {
	part := xpartDeref(m, a.section.part)
	data := xdecoded(part, m)
	label := "BINARY[" + partPath(a.section.part) + "]"
	data, label = clampPartial(data, a.partial, label)
	return label, syncliteral(data)
}

func clampPartial(data []byte, pt *partial, label string) ([]byte, string) {
	if pt == nil {
		return data, label
	}
	offset := int64(pt.offset)
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	end := offset + int64(pt.length)
	if end > int64(len(data)) || end < offset {
		end = int64(len(data))
	}
	return data[offset:end], fmt.Sprintf("%s<%d>", label, pt.offset)
}

// xpartDeref walks the part-number path, stepping into the nested message
// for message/rfc822 parts.
func xpartDeref(m *store.Message, nums []uint32) *store.Part {
	p := m.Part
	for _, n := range nums {
		if p.MediaType == "MESSAGE" && p.MediaSubType == "RFC822" && len(p.Parts) == 1 {
			p = &p.Parts[0]
		}
		if p.MediaType != "MULTIPART" && n == 1 && len(p.Parts) == 0 {
			// Part 1 of a non-multipart is the part itself.
			continue
		}
		if int(n) > len(p.Parts) {
			xuserErrorf("no such part %d", n)
		}
		p = &p.Parts[n-1]
	}
	return p
}

func partPath(nums []uint32) string {
	var l []string
	for _, n := range nums {
		l = append(l, fmt.Sprintf("%d", n))
	}
	return strings.Join(l, ".")
}

func sectionLabel(sec *sectionSpec) string {
	s := partPath(sec.part)
	if sec.msgtext != "" {
		if s != "" {
			s += "."
		}
		s += sec.msgtext
		if len(sec.fields) > 0 {
			s += " (" + strings.Join(upperAll(sec.fields), " ") + ")"
		}
	}
	return s
}

func upperAll(l []string) []string {
	r := make([]string, len(l))
	for i, s := range l {
		r[i] = toUpper(s)
	}
	return r
}

// xdecoded returns the part's bytes after undoing its declared
// content-transfer-encoding.
func xdecoded(p *store.Part, m *store.Message) []byte {
	raw := m.Raw[p.BodyOffset:p.EndOffset]
	switch p.ContentTransferEncoding {
	case "", "7BIT", "8BIT", "BINARY":
		return raw
	case "BASE64":
		clean := bytes.Map(func(r rune) rune {
			if r == '\r' || r == '\n' {
				return -1
			}
			return r
		}, raw)
		data, err := base64.StdEncoding.DecodeString(string(clean))
		if err != nil {
			xusercodeErrorf("UNKNOWN-CTE", "decoding base64 part: %v", err)
		}
		return data
	case "QUOTED-PRINTABLE":
		data, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(raw)))
		if err != nil {
			xusercodeErrorf("UNKNOWN-CTE", "decoding quoted-printable part: %v", err)
		}
		return data
	default:
		xusercodeErrorf("UNKNOWN-CTE", "cannot decode %s", p.ContentTransferEncoding)
	}
	return nil
}

// filterHeader keeps (or with not, drops) the named fields from raw header
// bytes, preserving folded continuation lines, and terminates with CRLF.
func filterHeader(hdr []byte, fields []string, not bool) []byte {
	want := map[string]bool{}
	for _, f := range fields {
		want[strings.ToLower(f)] = true
	}
	var out bytes.Buffer
	keep := false
	for _, line := range bytes.SplitAfter(hdr, []byte("\n")) {
		if len(bytes.TrimRight(line, "\r\n")) == 0 {
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			// Continuation of the previous field.
			if keep {
				out.Write(line)
			}
			continue
		}
		i := bytes.IndexByte(line, ':')
		if i < 0 {
			keep = false
			continue
		}
		name := strings.ToLower(strings.TrimSpace(string(line[:i])))
		keep = want[name] != not
		if keep {
			out.Write(line)
		}
	}
	out.WriteString("\r\n")
	return out.Bytes()
}

// renderAnnotation renders the ANNOTATION fetch item per RFC 5257 §4.3.
func (f *fetchCmd) renderAnnotation(m *store.Message, a fetchAtt) []token {
	var entries []token
	for _, entry := range a.annotation.entries {
		var vals []token
		for _, attrib := range a.annotation.attribs {
			wantPriv := attrib == "value" || attrib == "value.priv"
			wantShared := attrib == "value" || attrib == "value.shared"
			if wantPriv {
				if v, ok := m.Annotations.Private(entry, f.conn.userID); ok {
					vals = append(vals, bare("value.priv"), string0(v))
				} else if attrib == "value.priv" {
					vals = append(vals, bare("value.priv"), nilt)
				}
			}
			if wantShared {
				if v, ok := m.Annotations.Shared(entry); ok {
					vals = append(vals, bare("value.shared"), string0(v))
				} else if attrib == "value.shared" {
					vals = append(vals, bare("value.shared"), nilt)
				}
			}
		}
		entries = append(entries, bare(entry), listspace(vals))
	}
	return []token{bare("ANNOTATION"), listspace(entries)}
}

// xenvelope renders the RFC 3501 ENVELOPE structure.
func xenvelope(env *store.Envelope) token {
	if env == nil {
		return nilt
	}
	var date token = nilt
	if !env.Date.IsZero() {
		date = dquote(env.Date.Format("Mon, 02 Jan 2006 15:04:05 -0700"))
	}
	addresses := func(l []store.Address) token {
		if len(l) == 0 {
			return nilt
		}
		var r concat
		for _, a := range l {
			r = append(r, listspace{nilOrString(a.Name), nilt, string0(a.Mailbox), string0(a.Host)})
		}
		return listspace{r}
	}
	sender := env.Sender
	if len(sender) == 0 {
		sender = env.From
	}
	replyTo := env.ReplyTo
	if len(replyTo) == 0 {
		replyTo = env.From
	}
	return listspace{
		date,
		nilOrString(env.Subject),
		addresses(env.From),
		addresses(sender),
		addresses(replyTo),
		addresses(env.To),
		addresses(env.CC),
		addresses(env.BCC),
		nilOrString(env.InReplyTo),
		nilOrString(env.MessageID),
	}
}

func bodyFldParams(params map[string]string) token {
	if len(params) == 0 {
		return nilt
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var l listspace
	for _, k := range keys {
		l = append(l, string0(toUpper(k)), string0(params[k]))
	}
	return l
}

func bodyFldEnc(s string) token {
	up := toUpper(s)
	switch up {
	case "", "7BIT":
		return dquote("7BIT")
	case "8BIT", "BINARY", "BASE64", "QUOTED-PRINTABLE":
		return dquote(up)
	}
	return string0(s)
}

func bodyFldLang(l []string) token {
	switch len(l) {
	case 0:
		return nilt
	case 1:
		return string0(l[0])
	}
	var r listspace
	for _, s := range l {
		r = append(r, string0(s))
	}
	return r
}

func bodyFldDisp(p *store.Part) token {
	if p.Disposition == "" {
		return nilt
	}
	return listspace{string0(p.Disposition), bodyFldParams(p.DispositionParams)}
}

// xbodystructure renders BODY (extended=false) or BODYSTRUCTURE
// (extended=true). Multiparts are the concatenated children, then the
// subtype, then with extended the extension fields. A message/rfc822
// single part inserts the nested envelope and structure before its line
// count.
func xbodystructure(p *store.Part, extended bool) token {
	if p == nil {
		return nilt
	}
	if p.MediaType == "MULTIPART" {
		var parts concat
		for i := range p.Parts {
			parts = append(parts, xbodystructure(&p.Parts[i], extended))
		}
		l := listspace{parts, string0(p.MediaSubType)}
		if extended {
			l = append(l, bodyFldParams(p.ContentTypeParams), bodyFldDisp(p), bodyFldLang(p.Language), nilOrString(p.Location))
		}
		return l
	}

	l := listspace{
		string0(p.MediaType),
		string0(p.MediaSubType),
		bodyFldParams(p.ContentTypeParams),
		nilOrString(p.ContentID),
		nilOrString(p.ContentDesc),
		bodyFldEnc(p.ContentTransferEncoding),
		number64(p.RawSize()),
	}
	if p.MediaType == "MESSAGE" && p.MediaSubType == "RFC822" && len(p.Parts) == 1 {
		nested := &p.Parts[0]
		l = append(l, xenvelope(nested.Envelope), xbodystructure(nested, extended), number64(p.Lines))
	} else if p.MediaType == "TEXT" {
		l = append(l, number64(p.Lines))
	}
	if extended {
		l = append(l, nilOrString(p.ContentMD5), bodyFldDisp(p), bodyFldLang(p.Language), nilOrString(p.Location))
	}
	return l
}

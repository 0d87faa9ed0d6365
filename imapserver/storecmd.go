package imapserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/orbitmail/imapd/db"
	"github.com/orbitmail/imapd/metrics"
	"github.com/orbitmail/imapd/store"
)

// storeOp is the parsed operator of a STORE command.
type storeOp int

const (
	storeReplace storeOp = iota // FLAGS
	storeAdd                    // +FLAGS
	storeRemove                 // -FLAGS
	storeAnnotation             // ANNOTATION (...)
)

// annotationSet is one entry to store: empty Value deletes the row.
type annotationSet struct {
	entry  string
	shared bool
	value  string
	remove bool
}

type storeCmd struct {
	conn    *conn
	cmd     *command
	session *store.Session

	isUID          bool
	op             storeOp
	silent         bool
	unchangedSince int64 // -1 when not given; 0 is a valid given value.
	flags          store.Flags
	setFlags       []string // Flag strings as given, for keyword handling.
	keywords       []string
	annotations    []annotationSet

	target   store.MessageSet
	expunged store.MessageSet
	stored   store.MessageSet // UIDs actually selected for update.
	modified store.MessageSet // Rejected by UNCHANGEDSINCE.
	newModSeq int64
	updated  bool
}

// cmdxStore handles STORE and UID STORE: atomic flag or annotation changes
// with the optional UNCHANGEDSINCE guard (RFC 4551).
//
// State: Selected
func (c *conn) cmdxStore(cmd *command, isUID bool, p *parser) {
	st := &storeCmd{conn: c, cmd: cmd, session: c.session, isUID: isUID, unchangedSince: -1}

	p.xspace()
	set := p.xnumSet()
	p.xspace()
	if p.take("(") {
		p.xtake("UNCHANGEDSINCE")
		p.xspace()
		st.unchangedSince = p.xnumber64()
		p.xtake(")")
		p.xspace()
	}

	switch {
	case p.take("ANNOTATION"):
		st.op = storeAnnotation
		p.xspace()
		st.xparseAnnotations(p, c.userID)
	default:
		if p.take("+") {
			st.op = storeAdd
		} else if p.take("-") {
			st.op = storeRemove
		}
		p.xtake("FLAGS")
		if p.take(".SILENT") {
			st.silent = true
		}
		p.xspace()
		flagstrs := p.xflagList()
		var err error
		st.flags, st.keywords, err = store.ParseFlagsKeywords(flagstrs)
		if err != nil {
			p.xerrorf("parsing flags: %v", err)
		}
		st.setFlags = flagstrs
	}
	p.xempty()

	if c.session.ReadOnly() {
		xusercodeErrorf("READ-ONLY", "mailbox is read-only")
	}
	st.xcheckRights()

	st.resolveTarget(set)
	st.xapply()
	st.respond()

	if !st.expunged.IsEmpty() {
		has := "has"
		if st.expunged.Count() > 1 {
			has = "have"
		}
		c.finishf(cmd, "NO UID(s) %s %s been expunged", st.expunged.String(), has)
		return
	}
	if !st.modified.IsEmpty() {
		c.finishf(cmd, "OK [MODIFIED %s] STORE completed", st.modified.String())
		return
	}
	c.finishf(cmd, "OK STORE completed")
}

// xparseAnnotations parses (entry (attrib value ...) ...) per RFC 5257.
func (st *storeCmd) xparseAnnotations(p *parser, userID int64) {
	p.xtake("(")
	for {
		entry := p.xannotationEntry()
		p.xspace()
		p.xtake("(")
		for {
			attrib := strings.ToLower(p.xannotationEntry())
			p.xspace()
			var value string
			var remove bool
			if p.take("NIL") {
				remove = true
			} else {
				value = p.xstring()
				remove = value == ""
			}
			var shared bool
			switch attrib {
			case "value.priv":
			case "value.shared":
				shared = true
			default:
				p.xerrorf("cannot store attrib %q", attrib)
			}
			st.annotations = append(st.annotations, annotationSet{entry: store.NormalizeMailboxName(entry), shared: shared, value: value, remove: remove})
			if !p.space() {
				break
			}
		}
		p.xtake(")")
		if !p.space() {
			break
		}
	}
	p.xtake(")")
}

// xcheckRights applies the §4.7 permission gates, computed once.
func (st *storeCmd) xcheckRights() {
	perms := st.session.Permissions()
	name := st.conn.mailbox.Name
	deny := func() {
		xuserErrorf("%s is not accessible", name)
	}
	if st.op == storeAnnotation {
		for _, a := range st.annotations {
			if a.shared {
				if !perms.Allowed(store.RightWriteSharedAnnotation) {
					deny()
				}
			} else if !perms.Allowed(store.RightRead) {
				deny()
			}
		}
		return
	}
	if st.flags.Seen && !perms.Allowed(store.RightKeepSeen) {
		deny()
	}
	if st.flags.Deleted && !perms.Allowed(store.RightDeleteMessages) {
		deny()
	}
	// Any other flag, or an empty flag list (which with FLAGS clears
	// keywords), needs the general write right.
	if (len(st.keywords) > 0 || len(st.setFlags) == 0 || st.op == storeReplace) && !perms.Allowed(store.RightWrite) {
		deny()
	}
}

func (st *storeCmd) resolveTarget(set numSet) {
	s := st.session
	if st.isUID {
		st.target = set.resolve(uint32(s.LargestUID())).Intersection(s.Messages())
	} else {
		count := s.Count()
		for _, sr := range set.ranges {
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
				st.target.Add(s.UID(int(n)))
			}
		}
	}
	st.expunged = st.target.Intersection(s.Expunged())
	st.target.RemoveSet(st.expunged)
}

// xapply runs the whole store in one transaction: selector, pre-queries,
// writes, and the modseq allocation. A failure rolls everything back.
func (st *storeCmd) xapply() {
	if st.target.IsEmpty() {
		return
	}
	c := st.conn
	mb := c.mailbox

	err := c.server.DB.Write(context.Background(), func(tx *db.Transaction) error {
		modseq, err := tx.LockMailboxForUpdate(mb.ID)
		if err != nil {
			return err
		}
		st.newModSeq = modseq

		if err := st.selectUnmodified(tx); err != nil {
			return err
		}
		if st.stored.IsEmpty() {
			return nil
		}

		var touched bool
		if st.op == storeAnnotation {
			touched, err = st.applyAnnotations(tx)
		} else {
			touched, err = st.applyFlags(tx)
		}
		if err != nil {
			return err
		}
		if !touched {
			// Nothing actually changed; commit without consuming a modseq.
			return nil
		}
		if _, err := tx.Exec(`update mailboxes set nextmodseq=$2 where id=$1`, mb.ID, modseq+1); err != nil {
			return err
		}
		st.updated = true
		return nil
	})
	if err != nil {
		xserverErrorf("Database error. Rolling transaction back: %v", err)
	}

	if st.updated {
		mb.SetCounters(0, store.ModSeq(st.newModSeq+1))
		metrics.ModSeqBumps.WithLabelValues("store").Inc()
		c.xcluster("mailbox %s nextmodseq=%d", mb.Name, st.newModSeq+1)
		c.refreshMailbox()
	}
}

// selectUnmodified produces the subset of the target that passes the
// UNCHANGEDSINCE guard, locked for update in UID order. Rejected UIDs form
// the MODIFIED response code; without the modifier everything passes.
func (st *storeCmd) selectUnmodified(tx *db.Transaction) error {
	mb := st.conn.mailbox
	q := `select uid from mailbox_messages where mailbox=$1 and ` + st.target.Where("uid")
	args := []any{mb.ID}
	if st.unchangedSince >= 0 {
		q += ` and modseq<=$2`
		args = append(args, st.unchangedSince)
	}
	q += ` order by uid for update`
	rows, err := tx.Query(q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var uid uint32
		if err := rows.Scan(&uid); err != nil {
			return err
		}
		st.stored.Add(store.UID(uid))
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if st.unchangedSince >= 0 {
		st.modified = st.target.Difference(st.stored)
	}
	return nil
}

// applyFlags writes the flag changes: seen/deleted as booleans on the
// message row, everything else through the flags join table. Returns
// whether any row actually changed.
func (st *storeCmd) applyFlags(tx *db.Transaction) (bool, error) {
	mb := st.conn.mailbox

	changeSeen := st.op == storeReplace || st.flags.Seen
	changeDeleted := st.op == storeReplace || st.flags.Deleted
	newSeen := st.flags.Seen && st.op != storeRemove
	newDeleted := st.flags.Deleted && st.op != storeRemove

	var kwIDs []int64
	for _, kw := range st.keywords {
		id, err := store.FlagID(tx, kw)
		if err != nil {
			return false, err
		}
		kwIDs = append(kwIDs, id)
	}

	// Pre-query which keywords are already on which UIDs, so the writes
	// below only touch rows that need it.
	present := map[store.UID]map[int64]bool{}
	if st.op == storeReplace || len(kwIDs) > 0 {
		rows, err := tx.Query(`select uid, flag from flags where mailbox=$1 and `+st.stored.Where("uid"), mb.ID)
		if err != nil {
			return false, err
		}
		for rows.Next() {
			var uid uint32
			var flag int64
			if err := rows.Scan(&uid, &flag); err != nil {
				rows.Close()
				return false, err
			}
			if present[store.UID(uid)] == nil {
				present[store.UID(uid)] = map[int64]bool{}
			}
			present[store.UID(uid)][flag] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return false, err
		}
	}

	wantIDs := map[int64]bool{}
	for _, id := range kwIDs {
		wantIDs[id] = true
	}

	// Keyword deletes and inserts, tracking which UIDs changed.
	var changedKw store.MessageSet
	var inserts [][]any
	st.stored.ForEach(func(uid store.UID) {
		have := present[uid]
		switch st.op {
		case storeAdd:
			for _, id := range kwIDs {
				if !have[id] {
					inserts = append(inserts, []any{mb.ID, uint32(uid), id})
					changedKw.Add(uid)
				}
			}
		case storeRemove:
			for id := range have {
				if wantIDs[id] {
					changedKw.Add(uid)
				}
			}
		case storeReplace:
			for id := range have {
				if !wantIDs[id] {
					changedKw.Add(uid)
				}
			}
			for _, id := range kwIDs {
				if !have[id] {
					inserts = append(inserts, []any{mb.ID, uint32(uid), id})
					changedKw.Add(uid)
				}
			}
		}
	})

	if st.op == storeRemove && len(kwIDs) > 0 && !changedKw.IsEmpty() {
		var ids []uint32
		changedKw.ForEach(func(uid store.UID) { ids = append(ids, uint32(uid)) })
		q := `delete from flags where mailbox=$1 and uid=any($2) and flag=any($3)`
		if _, err := tx.Exec(q, mb.ID, db.UIDArray(ids), int64Array(kwIDs)); err != nil {
			return false, err
		}
	}
	if st.op == storeReplace {
		q := `delete from flags where mailbox=$1 and ` + st.stored.Where("uid")
		var args []any
		args = append(args, mb.ID)
		if len(kwIDs) > 0 {
			q += ` and not flag=any($2)`
			args = append(args, int64Array(kwIDs))
		}
		if _, err := tx.Exec(q, args...); err != nil {
			return false, err
		}
	}
	if err := tx.CopyIn("flags", []string{"mailbox", "uid", "flag"}, inserts); err != nil {
		return false, err
	}

	// The modseq update only matches rows that actually change: rows whose
	// seen/deleted already has the target value, and rows with no keyword
	// change, must not consume a modseq.
	var conds []string
	set := []string{fmt.Sprintf("modseq=%d", st.newModSeq)}
	if changeSeen {
		set = append(set, fmt.Sprintf("seen=%t", newSeen))
		if newSeen {
			conds = append(conds, "not seen")
		} else {
			conds = append(conds, "seen")
		}
	}
	if changeDeleted {
		set = append(set, fmt.Sprintf("deleted=%t", newDeleted))
		if newDeleted {
			conds = append(conds, "not deleted")
		} else {
			conds = append(conds, "deleted")
		}
	}
	if !changedKw.IsEmpty() {
		conds = append(conds, changedKw.Where("uid"))
	}
	if len(conds) == 0 {
		return false, nil
	}
	q := `update mailbox_messages set ` + strings.Join(set, ", ") +
		` where mailbox=$1 and ` + st.stored.Where("uid") +
		` and (` + strings.Join(conds, " or ") + `)`
	res, err := tx.Exec(q, mb.ID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// applyAnnotations writes annotation changes: delete on empty value, else
// update-then-insert-missing. Owner is the user id for value.priv, NULL
// for value.shared.
func (st *storeCmd) applyAnnotations(tx *db.Transaction) (bool, error) {
	mb := st.conn.mailbox
	touched := false
	var uids []uint32
	st.stored.ForEach(func(uid store.UID) { uids = append(uids, uint32(uid)) })
	arr := db.UIDArray(uids)

	for _, a := range st.annotations {
		// owner is the user id for value.priv, NULL for value.shared; the
		// "is not distinct from" comparison matches both.
		var owner any
		if !a.shared {
			owner = st.conn.userID
		}
		if a.remove {
			res, err := tx.Exec(`delete from annotations where mailbox=$1 and uid=any($2) and name=$3 and owner is not distinct from $4`, mb.ID, arr, a.entry, owner)
			if err != nil {
				return false, err
			}
			if n, _ := res.RowsAffected(); n > 0 {
				touched = true
			}
			continue
		}

		res, err := tx.Exec(`update annotations set value=$5 where mailbox=$1 and uid=any($2) and name=$3 and owner is not distinct from $4`, mb.ID, arr, a.entry, owner, a.value)
		if err != nil {
			return false, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			touched = true
		}

		// Insert for UIDs that had no row yet.
		res, err = tx.Exec(`insert into annotations (mailbox, uid, name, value, owner)
			select $1, uid, $3, $5, $4 from mailbox_messages where mailbox=$1 and uid=any($2)
			and not exists (select 1 from annotations a where a.mailbox=$1 and a.uid=mailbox_messages.uid and a.name=$3 and a.owner is not distinct from $4)`,
			mb.ID, arr, a.entry, owner, a.value)
		if err != nil {
			return false, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			touched = true
		}
	}

	if !touched {
		return false, nil
	}
	q := `update mailbox_messages set modseq=$2 where mailbox=$1 and ` + st.stored.Where("uid")
	if _, err := tx.Exec(q, mb.ID, st.newModSeq); err != nil {
		return false, err
	}
	return true, nil
}

// respond emits the untagged FETCH responses. A normal STORE announces
// the new flags for every stored message; with .SILENT they are omitted,
// except that a CONDSTORE store must still convey the new MODSEQ
// (RFC 4551 §3.2).
func (st *storeCmd) respond() {
	c := st.conn
	if st.stored.IsEmpty() {
		return
	}

	if st.silent {
		if st.unchangedSince >= 0 && st.updated {
			st.stored.ForEach(func(uid store.UID) {
				msn := st.session.MSN(uid)
				if msn == 0 {
					return
				}
				c.respond(fmt.Sprintf("* %d FETCH (UID %d MODSEQ (%d))", msn, uid, st.newModSeq))
			})
		}
		return
	}

	// Re-read flags so the response shows the committed state, including
	// keywords another client raced in.
	var msgs []*store.Message
	st.stored.ForEach(func(uid store.UID) {
		msgs = append(msgs, &store.Message{UID: uid})
	})
	fetcher := store.NewFetcher(c.mailbox, msgs, c.server.DB, c.server.Blobs, c.server.Parser)
	ctx := context.Background()
	xcheckf(fetcher.Fetch(ctx, store.FetchTrivia), "fetching flags after store")
	xcheckf(fetcher.Fetch(ctx, store.FetchFlags), "fetching flags after store")

	for _, m := range msgs {
		if m.Expunged {
			continue
		}
		msn := st.session.MSN(m.UID)
		if msn == 0 {
			continue
		}
		flags := strings.Join(m.FlagList(st.session.IsRecent(m.UID)), " ")
		items := fmt.Sprintf("FLAGS (%s)", flags)
		if st.isUID {
			items = fmt.Sprintf("UID %d ", m.UID) + items
		}
		if st.unchangedSince >= 0 {
			items += fmt.Sprintf(" MODSEQ (%d)", m.ModSeq)
		}
		c.respond(fmt.Sprintf("* %d FETCH (%s)", msn, items))
	}
}

func int64Array(l []int64) any {
	return db.Int64Array(l)
}

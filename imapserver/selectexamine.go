package imapserver

import (
	"context"
	"errors"
	"fmt"

	"github.com/orbitmail/imapd/db"
	"github.com/orbitmail/imapd/metrics"
	"github.com/orbitmail/imapd/store"
)

// cmdSelect opens a mailbox read-write.
func (c *conn) cmdSelect(cmd *command, p *parser) {
	c.cmdxSelectExamine(cmd, p, false)
}

// cmdExamine opens a mailbox read-only.
func (c *conn) cmdExamine(cmd *command, p *parser) {
	c.cmdxSelectExamine(cmd, p, true)
}

func (c *conn) cmdxSelectExamine(cmd *command, p *parser, readOnly bool) {
	p.xspace()
	name := p.xastring()
	p.xempty()

	ctx := context.Background()

	// A failed SELECT deselects the current mailbox (RFC 3501 §6.3.1).
	if c.session != nil {
		c.session.Close()
		c.session = nil
		c.mailbox = nil
		c.state = stateAuthenticated
	}

	mb, err := store.OpenMailbox(ctx, c.server.DB, name)
	if errors.Is(err, store.ErrUnknownMailbox) {
		xuserErrorf("no such mailbox %q", name)
	}
	xcheckf(err, "opening mailbox")

	perms, err := store.FetchPermissions(ctx, c.server.DB, mb.ID, c.username, c.userID)
	xcheckf(err, "fetching permissions")
	if !perms.Allowed(store.RightRead) {
		xuserErrorf("%s is not accessible", name)
	}

	c.mailbox = mb
	c.session = store.NewSession(mb, readOnly, perms, c)
	c.state = stateSelected

	// A fresh view with no peer to copy from waits for a
	// SessionInitialiser round before replying; Refresh runs it inline.
	if !c.session.Initialised() {
		c.refreshMailbox()
	}
	// The refresh's EXISTS/RECENT are superseded by SELECT's own required
	// untagged responses below.
	c.discardUpdates()

	s := c.session
	c.respond(`* FLAGS (\Answered \Flagged \Deleted \Seen \Draft)`)
	c.respond(formatf("* %d EXISTS", s.Count()))
	c.respond(formatf("* %d RECENT", s.RecentCount()))
	c.respond(formatf("* OK [UIDVALIDITY %d] uids are stable", mb.UIDValidity))
	c.respond(formatf("* OK [UIDNEXT %d] next uid", mb.UIDNext()))
	c.respond(formatf("* OK [HIGHESTMODSEQ %d] modseq tracked", int64(mb.NextModSeq())-1))
	if readOnly {
		c.respond(`* OK [PERMANENTFLAGS ()] read-only`)
		c.finishf(cmd, "OK [READ-ONLY] %s completed", cmd.name)
	} else {
		c.respond(`* OK [PERMANENTFLAGS (\Answered \Flagged \Deleted \Seen \Draft \*)] flags allowed`)
		c.finishf(cmd, "OK [READ-WRITE] %s completed", cmd.name)
	}
}

func (c *conn) discardUpdates() {
	c.updatesMu.Lock()
	c.updates = nil
	c.updatesMu.Unlock()
}

// cmdClose deselects the mailbox, silently expunging \Deleted messages
// first when the mailbox is read-write.
func (c *conn) cmdClose(cmd *command, p *parser) {
	p.xempty()
	if !c.session.ReadOnly() && c.session.Permissions().Allowed(store.RightExpunge) {
		c.xexpungeDeleted()
	}
	c.session.Close()
	c.session = nil
	c.mailbox = nil
	c.discardUpdates()
	c.state = stateAuthenticated
	c.finishf(cmd, "OK CLOSE completed")
}

// cmdUnselect deselects without expunging (RFC 3691).
func (c *conn) cmdUnselect(cmd *command, p *parser) {
	p.xempty()
	c.session.Close()
	c.session = nil
	c.mailbox = nil
	c.discardUpdates()
	c.state = stateAuthenticated
	c.finishf(cmd, "OK UNSELECT completed")
}

// cmdExpunge removes \Deleted messages and announces the removals.
func (c *conn) cmdExpunge(cmd *command, p *parser) {
	p.xempty()
	if c.session.ReadOnly() {
		xusercodeErrorf("READ-ONLY", "mailbox is read-only")
	}
	if !c.session.Permissions().Allowed(store.RightExpunge) {
		xuserErrorf("%s is not accessible", c.mailbox.Name)
	}
	n := c.xexpungeDeleted()
	if n > 0 {
		// The refresh picks the removals up from deleted_messages and
		// queues the EXPUNGE responses, flushed before our tagged OK.
		c.refreshMailbox()
	}
	c.finishf(cmd, "OK EXPUNGE completed")
}

// xexpungeDeleted moves \Deleted rows to deleted_messages in one
// transaction, consuming one modseq when anything was removed. Returns the
// number of messages expunged.
func (c *conn) xexpungeDeleted() int {
	ctx := context.Background()
	mb := c.mailbox
	var uids []uint32
	err := c.server.DB.Write(ctx, func(tx *db.Transaction) error {
		modseq, err := tx.LockMailboxForUpdate(mb.ID)
		if err != nil {
			return err
		}
		rows, err := tx.Query(`select uid from mailbox_messages where mailbox=$1 and deleted order by uid`, mb.ID)
		if err != nil {
			return err
		}
		for rows.Next() {
			var uid uint32
			if err := rows.Scan(&uid); err != nil {
				rows.Close()
				return err
			}
			uids = append(uids, uid)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(uids) == 0 {
			return nil
		}

		var copyRows [][]any
		for _, uid := range uids {
			copyRows = append(copyRows, []any{mb.ID, uid, modseq})
		}
		if err := tx.CopyIn("deleted_messages", []string{"mailbox", "uid", "modseq"}, copyRows); err != nil {
			return err
		}
		arr := db.UIDArray(uids)
		if _, err := tx.Exec(`delete from flags where mailbox=$1 and uid=any($2)`, mb.ID, arr); err != nil {
			return err
		}
		if _, err := tx.Exec(`delete from annotations where mailbox=$1 and uid=any($2)`, mb.ID, arr); err != nil {
			return err
		}
		if _, err := tx.Exec(`delete from mailbox_messages where mailbox=$1 and uid=any($2)`, mb.ID, arr); err != nil {
			return err
		}
		if _, err := tx.Exec(`update mailboxes set nextmodseq=$2 where id=$1`, mb.ID, modseq+1); err != nil {
			return err
		}
		mb.SetCounters(0, store.ModSeq(modseq+1))
		return nil
	})
	xcheckf(err, "expunging messages")
	if len(uids) > 0 {
		metrics.ModSeqBumps.WithLabelValues("expunge").Inc()
		c.xcluster("mailbox %s nextmodseq=%d", mb.Name, int64(mb.NextModSeq()))
	}
	return len(uids)
}

func formatf(format string, args ...any) string {
	return fmt.Sprintf(format, args...)
}

package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/orbitmail/imapd/metrics"
	"github.com/orbitmail/imapd/mlog"
)

// MessageChange is one changed-or-new message row, as returned by
// InitTx.ChangedMessages.
type MessageChange struct {
	UID    UID
	ModSeq ModSeq
}

// InitTx is the transaction surface the SessionInitialiser needs. It is
// implemented for PostgreSQL by dbInitTx; tests supply a fake.
type InitTx interface {
	// FirstRecent reads mailboxes.first_recent for the mailbox.
	FirstRecent(mailboxID int64) (UID, error)
	// SetFirstRecent advances first_recent, guarded by
	// "WHERE first_recent < $new" so concurrent writers need no lock.
	SetFirstRecent(mailboxID int64, firstRecent UID) error
	// ChangedMessages returns uid/modseq for rows with uid < newUidnext and
	// (uid >= oldUidnext or modseq >= oldModSeq). The modseq clause is
	// omitted when initialising.
	ChangedMessages(mailboxID int64, newUidnext, oldUidnext UID, oldModSeq ModSeq, initialising bool) ([]MessageChange, error)
	// ExpungedMessages returns UIDs from deleted_messages with
	// modseq >= oldModSeq.
	ExpungedMessages(mailboxID int64, oldModSeq ModSeq) (MessageSet, error)
	Commit() error
	Rollback() error
}

// InitBackend opens InitTx transactions for SessionInitialiser runs.
type InitBackend interface {
	BeginInit(ctx context.Context) (InitTx, error)
}

// siState tracks where a SessionInitialiser run is in its step sequence.
// The run suspends at database calls; the state makes progress observable
// for logging and tests.
type siState int

const (
	siNoTransaction siState = iota
	siWaitingForLock
	siHaveUidnext
	siReceivingChanges
	siUpdated
	siQueriesDone
	siDone
)

var siStateStrings = map[siState]string{
	siNoTransaction:    "notransaction",
	siWaitingForLock:   "waitingforlock",
	siHaveUidnext:      "haveuidnext",
	siReceivingChanges: "receivingchanges",
	siUpdated:          "updated",
	siQueriesDone:      "queriesdone",
	siDone:             "done",
}

func (s siState) String() string { return siStateStrings[s] }

// sessionInitialiser brings a set of Sessions forward to their mailbox's
// current uidnext/nextmodseq and hands each session its updates. One runs
// per mailbox at a time (enforced by MailboxState.Refresh).
//
// All database reads happen before any session is touched; a failed
// transaction leaves every session exactly as it was, to be caught up by
// the next trigger.
type sessionInitialiser struct {
	mailbox *MailboxState
	backend InitBackend
	log     mlog.Log

	state    siState
	sessions []*Session

	newUidnext UID
	newModSeq  ModSeq
	oldUidnext UID
	oldModSeq  ModSeq

	initialising bool
	changeRecent bool
	firstRecent  UID
	recipient    *Session // Session that gets \Recent for new UIDs.

	tx       InitTx
	changes  []MessageChange
	expunged MessageSet
}

func newSessionInitialiser(mb *MailboxState, be InitBackend, log mlog.Log) *sessionInitialiser {
	return &sessionInitialiser{mailbox: mb, backend: be, log: log}
}

func (si *sessionInitialiser) run(ctx context.Context) error {
	defer func() {
		if si.tx != nil && si.state != siDone {
			if err := si.tx.Rollback(); err != nil {
				si.log.Errorx("rollback session initialiser transaction", err)
			}
		}
	}()

	for si.state != siDone {
		var err error
		switch si.state {
		case siNoTransaction:
			err = si.snapshot()
		case siWaitingForLock:
			err = si.grabLock(ctx)
		case siHaveUidnext:
			err = si.recordRecent()
		case siReceivingChanges:
			err = si.findChanges()
		case siUpdated:
			err = si.recordChanges()
		case siQueriesDone:
			err = si.finish()
		}
		if err != nil {
			return fmt.Errorf("session initialiser %s: %w", si.state, err)
		}
	}
	return nil
}

// snapshot reads the mailbox's current counters and decides whether any
// session is behind. If none is, the run is over before a transaction is
// started.
func (si *sessionInitialiser) snapshot() error {
	si.newUidnext = si.mailbox.UIDNext()
	si.newModSeq = si.mailbox.NextModSeq()

	for _, s := range si.mailbox.Sessions() {
		s.mu.Lock()
		dead := s.closed
		s.mu.Unlock()
		if dead {
			si.mailbox.removeSession(s)
			continue
		}
		si.sessions = append(si.sessions, s)
	}
	if len(si.sessions) == 0 {
		si.state = siDone
		metrics.SessionInitialiserRuns.WithLabelValues("skipped").Inc()
		return nil
	}

	behind := false
	for i, s := range si.sessions {
		u, m := s.UIDNext(), s.NextModSeq()
		if i == 0 || u < si.oldUidnext {
			si.oldUidnext = u
		}
		if i == 0 || m < si.oldModSeq {
			si.oldModSeq = m
		}
		if u < si.newUidnext || m < si.newModSeq || !s.Initialised() {
			behind = true
		}
	}
	if !behind {
		si.state = siDone
		metrics.SessionInitialiserRuns.WithLabelValues("skipped").Inc()
		return nil
	}
	si.initialising = si.oldUidnext <= 1
	si.state = siWaitingForLock
	return nil
}

// grabLock opens the transaction and, when \Recent reassignment may be
// needed, reads the persisted first_recent. If every new UID has already
// been announced \Recent by some session, the fetch is skipped.
func (si *sessionInitialiser) grabLock(ctx context.Context) error {
	var err error
	si.tx, err = si.backend.BeginInit(ctx)
	if err != nil {
		return err
	}

	var writable bool
	var highestRecent UID
	for _, s := range si.sessions {
		if !s.ReadOnly() {
			writable = true
		}
		recent := s.Recent()
		if r := recent.Max(); r > highestRecent {
			highestRecent = r
		}
	}
	if writable && si.mailbox.FirstRecent()+1 < si.newUidnext && highestRecent+1 != si.newUidnext {
		si.firstRecent, err = si.tx.FirstRecent(si.mailbox.ID)
		if err != nil {
			return err
		}
		si.changeRecent = si.firstRecent < si.newUidnext
	}
	si.state = siHaveUidnext
	return nil
}

// recordRecent picks the session that will be told the new UIDs are
// \Recent (the first writable one, else the first) and persists the
// advanced first_recent. The in-memory assignment waits until the
// transaction commits.
func (si *sessionInitialiser) recordRecent() error {
	if si.changeRecent {
		for _, s := range si.sessions {
			if !s.ReadOnly() {
				si.recipient = s
				break
			}
		}
		if si.recipient == nil {
			si.recipient = si.sessions[0]
		}
		if err := si.tx.SetFirstRecent(si.mailbox.ID, si.newUidnext); err != nil {
			return err
		}
	}
	si.state = siReceivingChanges
	return nil
}

// findChanges runs the messages and expunges queries.
func (si *sessionInitialiser) findChanges() error {
	var err error
	si.changes, err = si.tx.ChangedMessages(si.mailbox.ID, si.newUidnext, si.oldUidnext, si.oldModSeq, si.initialising)
	if err != nil {
		return err
	}
	if !si.initialising {
		si.expunged, err = si.tx.ExpungedMessages(si.mailbox.ID, si.oldModSeq)
		if err != nil {
			return err
		}
	}
	si.state = siUpdated
	return nil
}

// recordChanges commits the transaction, then applies the buffered rows to
// the sessions. Nothing reaches a session if the commit fails.
func (si *sessionInitialiser) recordChanges() error {
	if err := si.tx.Commit(); err != nil {
		return err
	}
	si.tx = nil

	if si.changeRecent {
		first := si.mailbox.FirstRecent()
		if si.firstRecent > first {
			first = si.firstRecent
		}
		for uid := first; uid < si.newUidnext; uid++ {
			si.recipient.AddRecent(uid)
		}
		si.mailbox.mu.Lock()
		if si.newUidnext > si.mailbox.firstRecent {
			si.mailbox.firstRecent = si.newUidnext
		}
		si.mailbox.mu.Unlock()
	}

	for _, ch := range si.changes {
		for _, s := range si.sessions {
			// The uid test is strictly implied by the modseq test for new
			// messages, but kept: it documents what the row means.
			if s.UIDNext() <= ch.UID || s.NextModSeq() <= ch.ModSeq {
				s.AddUnannounced(ch.UID)
			}
		}
	}
	if !si.expunged.IsEmpty() {
		for _, s := range si.sessions {
			s.Expunge(si.expunged)
		}
	}
	si.state = siQueriesDone
	return nil
}

// finish advances every session's cursors past the announced changes and
// lets each session flush its updates to its client. Cursors move only
// after the untagged responses are queued, so a client never learns of a
// modseq before the message that carries it.
func (si *sessionInitialiser) finish() error {
	for _, s := range si.sessions {
		s.SetUIDNext(si.newUidnext)
		s.SetNextModSeq(si.newModSeq)
		s.emitUpdates()
	}
	si.log.Debug("session initialiser done",
		slog.Int64("mailbox", si.mailbox.ID),
		slog.Int("sessions", len(si.sessions)),
		slog.Int("changes", len(si.changes)),
		slog.Int("expunged", si.expunged.Count()))
	si.sessions = nil
	si.state = siDone
	metrics.SessionInitialiserRuns.WithLabelValues("ran").Inc()
	return nil
}

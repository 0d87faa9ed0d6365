package store

import (
	"context"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/orbitmail/imapd/metrics"
	"github.com/orbitmail/imapd/mlog"
)

// MailboxState is the process-wide shared state for one opened mailbox. All
// Sessions for the mailbox, across all connections in this process, point at
// the same MailboxState. Mutation of the counters and the session list
// happens under mu; database writes serialise across processes via SELECT
// ... FOR UPDATE on the mailbox row, never through mu.
type MailboxState struct {
	ID          int64
	Name        string
	UIDValidity uint32

	mu          sync.Mutex
	uidnext     UID
	nextModSeq  ModSeq
	firstRecent UID // Smallest UID never announced \Recent to any session.
	sessions    []*Session

	again bool // Another refresh was requested while one was running.
}

// Process-wide mailbox registry. Sessions of different connections for the
// same mailbox must share one MailboxState so SessionInitialiser updates
// reach all of them.
var (
	statesMu sync.Mutex
	states   = map[int64]*MailboxState{}

	refreshes singleflight.Group
)

// OpenMailboxState returns the shared MailboxState for the mailbox, creating
// it from the given row values on first open. Counters of an already-open
// state are advanced (never regressed) to the given values.
func OpenMailboxState(id int64, name string, uidvalidity uint32, uidnext UID, nextModSeq ModSeq, firstRecent UID) *MailboxState {
	statesMu.Lock()
	defer statesMu.Unlock()
	mb := states[id]
	if mb == nil {
		mb = &MailboxState{ID: id, Name: name, UIDValidity: uidvalidity, uidnext: uidnext, nextModSeq: nextModSeq, firstRecent: firstRecent}
		states[id] = mb
		return mb
	}
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if uidnext > mb.uidnext {
		mb.uidnext = uidnext
	}
	if nextModSeq > mb.nextModSeq {
		mb.nextModSeq = nextModSeq
	}
	if firstRecent > mb.firstRecent {
		mb.firstRecent = firstRecent
	}
	return mb
}

// LookupMailboxState returns the open MailboxState for id, or nil.
func LookupMailboxState(id int64) *MailboxState {
	statesMu.Lock()
	defer statesMu.Unlock()
	return states[id]
}

// LookupMailboxStateByName returns the open MailboxState named name, or
// nil. Used by the cluster listener, which receives names, not ids.
func LookupMailboxStateByName(name string) *MailboxState {
	statesMu.Lock()
	defer statesMu.Unlock()
	for _, mb := range states {
		if mb.Name == name {
			return mb
		}
	}
	return nil
}

// MailboxStates returns all mailboxes open in this process.
func MailboxStates() []*MailboxState {
	statesMu.Lock()
	defer statesMu.Unlock()
	l := make([]*MailboxState, 0, len(states))
	for _, mb := range states {
		l = append(l, mb)
	}
	return l
}

// UIDNext returns the last uidnext the process has seen for this mailbox.
func (mb *MailboxState) UIDNext() UID {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.uidnext
}

// NextModSeq returns the last nextmodseq the process has seen.
func (mb *MailboxState) NextModSeq() ModSeq {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.nextModSeq
}

// FirstRecent returns the smallest UID not yet announced \Recent.
func (mb *MailboxState) FirstRecent() UID {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.firstRecent
}

// SetCounters advances uidnext/nextmodseq after a committed modifying
// transaction. Values only move forward.
func (mb *MailboxState) SetCounters(uidnext UID, nextModSeq ModSeq) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if uidnext > mb.uidnext {
		mb.uidnext = uidnext
	}
	if nextModSeq > mb.nextModSeq {
		mb.nextModSeq = nextModSeq
	}
}

// Sessions returns a snapshot of the attached sessions.
func (mb *MailboxState) Sessions() []*Session {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return append([]*Session{}, mb.sessions...)
}

// addSession attaches s. Called from NewSession.
func (mb *MailboxState) addSession(s *Session) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.sessions = append(mb.sessions, s)
	metrics.SessionsGauge.WithLabelValues(strconv.FormatInt(mb.ID, 10)).Set(float64(len(mb.sessions)))
}

// removeSession detaches s. Called from Session.Close; also used by the
// SessionInitialiser to purge sessions found dead during a refresh.
func (mb *MailboxState) removeSession(s *Session) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	for i, have := range mb.sessions {
		if have == s {
			mb.sessions = append(mb.sessions[:i], mb.sessions[i+1:]...)
			break
		}
	}
	metrics.SessionsGauge.WithLabelValues(strconv.FormatInt(mb.ID, 10)).Set(float64(len(mb.sessions)))
}

// newestSession returns the most recently attached live session, if any.
// A new Session bootstraps its view from it.
func (mb *MailboxState) newestSession() *Session {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	for i := len(mb.sessions) - 1; i >= 0; i-- {
		if !mb.sessions[i].closed {
			return mb.sessions[i]
		}
	}
	return nil
}

// Refresh brings all sessions of the mailbox forward to the mailbox's
// current uidnext/nextmodseq by running a SessionInitialiser. Called after
// any committed modifying transaction, and on SELECT of a mailbox with no
// peer session to copy from.
//
// At most one SessionInitialiser runs per mailbox at a time; concurrent
// Refresh calls coalesce: if one is running, the need for another is noted
// and it re-runs on completion.
func (mb *MailboxState) Refresh(ctx context.Context, be InitBackend, log mlog.Log) {
	mb.mu.Lock()
	mb.again = true
	mb.mu.Unlock()

	key := strconv.FormatInt(mb.ID, 10)
	for {
		mb.mu.Lock()
		if !mb.again {
			mb.mu.Unlock()
			return
		}
		mb.mu.Unlock()

		_, err, shared := refreshes.Do(key, func() (any, error) {
			// Only the leader consumes the pending flag, and only once its
			// run is starting: a request noted after this point keeps the
			// flag set and forces another run.
			mb.mu.Lock()
			mb.again = false
			mb.mu.Unlock()
			si := newSessionInitialiser(mb, be, log)
			return nil, si.run(ctx)
		})
		if shared {
			// Joined a run that may have snapshotted state from before this
			// request; loop so a fresh run covers it unless the leader's
			// snapshot already did (it then consumed our flag).
			metrics.SessionInitialiserRuns.WithLabelValues("coalesced").Inc()
			continue
		}
		if err != nil {
			log.Errorx("session initialiser", err, mlog.Field("mailbox", mb.Name))
			metrics.SessionInitialiserRuns.WithLabelValues("failed").Inc()
			return
		}
	}
}

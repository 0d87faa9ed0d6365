package store

import (
	"sync"
)

// UpdateSink receives a Session's pending updates. The IMAP connection
// implements it by flushing EXISTS/RECENT/EXPUNGE/FETCH untagged responses
// at its next safe point; tests implement it by recording calls.
type UpdateSink interface {
	// EmitUpdates is called by the SessionInitialiser once the session's
	// cursors have been brought forward, after its transaction committed.
	// The implementation reads the session's Unannounced/Expunged sets and
	// announces them to the client.
	EmitUpdates(s *Session)
}

// Session is one client's view of one selected mailbox. It is created on
// SELECT/EXAMINE and closed on CLOSE/LOGOUT/connection drop.
//
// The msns set is the client's view of live UIDs; a message's MSN is purely
// its 1-based position in msns in ascending UID order. UIDs recorded in
// expunges stay in msns until the client has been told they are gone.
type Session struct {
	mailbox  *MailboxState
	readOnly bool
	perms    Permissions
	sink     UpdateSink

	mu          sync.Mutex
	uidnext     UID        // Last uidnext announced to this session.
	nextModSeq  ModSeq     // Modseq cursor.
	msns        MessageSet // Live UIDs known to the client.
	recent      MessageSet // UIDs this session has been told are \Recent.
	expunges    MessageSet // Expunged but not yet announced.
	unannounced MessageSet // Added/changed but not yet announced.
	initialised bool
	closed      bool
}

// NewSession creates a Session attached to mb. If a peer session is already
// open it copies the newest peer's uidnext, nextmodseq and msns (minus the
// peer's pending expunges), so a second SELECT of an open mailbox is
// populated immediately. Otherwise the session starts empty and the caller
// must schedule a refresh to populate it.
func NewSession(mb *MailboxState, readOnly bool, perms Permissions, sink UpdateSink) *Session {
	s := &Session{mailbox: mb, readOnly: readOnly, perms: perms, sink: sink}
	if peer := mb.newestSession(); peer != nil {
		peer.mu.Lock()
		s.uidnext = peer.uidnext
		s.nextModSeq = peer.nextModSeq
		s.msns = peer.msns.Difference(peer.expunges)
		s.initialised = peer.initialised
		peer.mu.Unlock()
	}
	mb.addSession(s)
	return s
}

// Close detaches the session from its mailbox. Further updates no longer
// reach it.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.mailbox.removeSession(s)
}

// Mailbox returns the shared MailboxState this session views.
func (s *Session) Mailbox() *MailboxState { return s.mailbox }

// ReadOnly reports whether the mailbox was opened with EXAMINE.
func (s *Session) ReadOnly() bool { return s.readOnly }

// Permissions returns the session's resolved ACL rights.
func (s *Session) Permissions() Permissions { return s.perms }

// Initialised reports whether the session's view has been populated, either
// by copying a peer or by a completed SessionInitialiser run. SELECT waits
// for this before sending its tagged OK.
func (s *Session) Initialised() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialised
}

// Empty reports whether the session knows of no messages at all, announced
// or pending.
func (s *Session) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msns.IsEmpty() && s.unannounced.IsEmpty()
}

// UIDNext returns the last uidnext announced to this session.
func (s *Session) UIDNext() UID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uidnext
}

// NextModSeq returns the session's modseq cursor.
func (s *Session) NextModSeq() ModSeq {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextModSeq
}

// SetUIDNext advances the uidnext cursor. It never regresses.
func (s *Session) SetUIDNext(u UID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u > s.uidnext {
		s.uidnext = u
	}
	s.initialised = true
}

// SetNextModSeq advances the modseq cursor. It never regresses.
func (s *Session) SetNextModSeq(m ModSeq) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m > s.nextModSeq {
		s.nextModSeq = m
	}
}

// UID returns the UID at 1-based sequence number msn, or 0 if out of range.
func (s *Session) UID(msn int) UID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msns.Value(msn)
}

// MSN returns uid's 1-based message sequence number, or 0 if the client
// does not know the UID.
func (s *Session) MSN(uid UID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msns.Index(uid)
}

// Count returns the number of messages in the client's view, including
// expunged-but-unannounced ones.
func (s *Session) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msns.Count()
}

// LargestUID returns the largest UID in the client's view, or 0.
func (s *Session) LargestUID() UID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msns.Max()
}

// Messages returns a copy of the client's live-UID view.
func (s *Session) Messages() MessageSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msns.Union(MessageSet{})
}

// Recent returns the set of UIDs announced \Recent to this session.
func (s *Session) Recent() MessageSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recent.Union(MessageSet{})
}

// RecentCount returns the number of \Recent UIDs.
func (s *Session) RecentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recent.Count()
}

// IsRecent reports whether uid has been announced \Recent to this session.
func (s *Session) IsRecent(uid UID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recent.Contains(uid)
}

// AddRecent marks uid \Recent in this session.
func (s *Session) AddRecent(uid UID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent.Add(uid)
}

// Expunged returns the UIDs the client thinks exist but must still be told
// are gone.
func (s *Session) Expunged() MessageSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expunges.Union(MessageSet{})
}

// Expunge records uids as expunged. They remain visible in the client's
// view (and keep their MSNs) until ClearExpunged is called per UID after
// the client has been told. UIDs the client never saw are dropped.
func (s *Session) Expunge(uids MessageSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expunges.AddSet(uids.Intersection(s.msns))
	s.unannounced.RemoveSet(uids)
}

// ClearExpunged removes uid from the view after its EXPUNGE response has
// been sent. Later MSNs shift down by one.
func (s *Session) ClearExpunged(uid UID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expunges.Remove(uid)
	s.msns.Remove(uid)
	s.recent.Remove(uid)
}

// Unannounced returns the UIDs added or changed but not yet announced.
func (s *Session) Unannounced() MessageSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unannounced.Union(MessageSet{})
}

// AddUnannounced records uid as pending addition/change. It does not enter
// the client's view (msns) until ClearUnannounced.
func (s *Session) AddUnannounced(uid UID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expunges.Contains(uid) {
		return
	}
	s.unannounced.Add(uid)
}

// AddUnannouncedSet records a whole set as pending.
func (s *Session) AddUnannouncedSet(uids MessageSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unannounced.AddSet(uids.Difference(s.expunges))
}

// ClearUnannounced moves all pending additions into the client's view and
// returns them. The caller announces EXISTS/FETCH for them first.
func (s *Session) ClearUnannounced() MessageSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	moved := s.unannounced.Union(MessageSet{})
	s.msns.AddSet(s.unannounced)
	s.unannounced = MessageSet{}
	s.initialised = true
	return moved
}

// emitUpdates invokes the session's sink, if any.
func (s *Session) emitUpdates() {
	if s.sink != nil {
		s.sink.EmitUpdates(s)
	}
}

package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orbitmail/imapd/mlog"
)

// fakeInitTx is an InitTx over in-memory tables.
type fakeInitTx struct {
	be *fakeInitBackend

	fetchedFirstRecent bool
	setFirstRecent     UID
	committed          bool
	rolledBack         bool
}

// fakeInitBackend records the queries of each run.
type fakeInitBackend struct {
	firstRecent UID
	changes     []MessageChange
	expunged    MessageSet

	failCommit bool
	txs        []*fakeInitTx
}

func (be *fakeInitBackend) BeginInit(ctx context.Context) (InitTx, error) {
	tx := &fakeInitTx{be: be}
	be.txs = append(be.txs, tx)
	return tx, nil
}

func (t *fakeInitTx) FirstRecent(mailboxID int64) (UID, error) {
	t.fetchedFirstRecent = true
	return t.be.firstRecent, nil
}

func (t *fakeInitTx) SetFirstRecent(mailboxID int64, firstRecent UID) error {
	t.setFirstRecent = firstRecent
	return nil
}

func (t *fakeInitTx) ChangedMessages(mailboxID int64, newUidnext, oldUidnext UID, oldModSeq ModSeq, initialising bool) ([]MessageChange, error) {
	var l []MessageChange
	for _, ch := range t.be.changes {
		if ch.UID >= newUidnext {
			continue
		}
		if initialising || ch.UID >= oldUidnext || ch.ModSeq >= oldModSeq {
			l = append(l, ch)
		}
	}
	return l, nil
}

func (t *fakeInitTx) ExpungedMessages(mailboxID int64, oldModSeq ModSeq) (MessageSet, error) {
	return t.be.expunged, nil
}

func (t *fakeInitTx) Commit() error {
	if t.be.failCommit {
		return errors.New("commit failed")
	}
	t.committed = true
	return nil
}

func (t *fakeInitTx) Rollback() error {
	t.rolledBack = true
	return nil
}

// recordingSink counts update deliveries per session.
type recordingSink struct {
	calls int
}

func (r *recordingSink) EmitUpdates(s *Session) { r.calls++ }

func testLog() mlog.Log { return mlog.New("test") }

func TestInitialiserIdempotentWhenNothingChanged(t *testing.T) {
	mb := OpenMailboxState(2001, "INBOX", 1, 5, 9, 5)
	sink := &recordingSink{}
	s := NewSession(mb, false, NewPermissions("jdoe", "lrswit"), sink)
	defer s.Close()
	s.AddUnannounced(1)
	s.ClearUnannounced()
	s.SetUIDNext(5)
	s.SetNextModSeq(9)

	be := &fakeInitBackend{}
	mb.Refresh(context.Background(), be, testLog())

	// No session behind: no transaction, no queries, no updates.
	require.Empty(t, be.txs)
	require.Equal(t, 0, sink.calls)
	unannounced := s.Unannounced()
	require.True(t, unannounced.IsEmpty())
}

func TestInitialiserAnnouncesNewMessage(t *testing.T) {
	// A peer process delivered UID 10 at modseq 7; this process learned the
	// new counters from the cluster bus and refreshes.
	mb := OpenMailboxState(2002, "INBOX", 1, 10, 7, 10)
	sink := &recordingSink{}
	s := NewSession(mb, false, NewPermissions("jdoe", "lrswit"), sink)
	defer s.Close()
	s.SetUIDNext(10)
	s.SetNextModSeq(7)

	mb.SetCounters(11, 8)
	be := &fakeInitBackend{changes: []MessageChange{{UID: 10, ModSeq: 7}}}
	mb.Refresh(context.Background(), be, testLog())

	require.Equal(t, 1, sink.calls)
	unannounced := s.Unannounced()
	require.Equal(t, "10", unannounced.String())
	require.Equal(t, UID(11), s.UIDNext())
	require.Equal(t, ModSeq(8), s.NextModSeq())
	require.Len(t, be.txs, 1)
	require.True(t, be.txs[0].committed)
}

func TestInitialiserAnnouncesExpunge(t *testing.T) {
	mb := OpenMailboxState(2003, "INBOX", 1, 4, 3, 4)
	sink := &recordingSink{}
	s := NewSession(mb, false, NewPermissions("jdoe", "lrswit"), sink)
	defer s.Close()
	s.AddUnannounced(1)
	s.AddUnannounced(2)
	s.AddUnannounced(3)
	s.ClearUnannounced()
	s.SetUIDNext(4)
	s.SetNextModSeq(3)

	mb.SetCounters(4, 4)
	be := &fakeInitBackend{expunged: NewMessageSet(2)}
	mb.Refresh(context.Background(), be, testLog())

	expunged := s.Expunged()
	require.Equal(t, "2", expunged.String())
	require.Equal(t, ModSeq(4), s.NextModSeq())
}

func TestInitialiserAssignsRecentToFirstWritableSession(t *testing.T) {
	mb := OpenMailboxState(2004, "INBOX", 1, 1, 1, 1)
	ro := NewSession(mb, true, NewPermissions("jdoe", "lr"), &recordingSink{})
	defer ro.Close()
	rw := NewSession(mb, false, NewPermissions("jdoe", "lrswit"), &recordingSink{})
	defer rw.Close()
	for _, s := range []*Session{ro, rw} {
		s.SetUIDNext(1)
		s.SetNextModSeq(1)
	}

	// Three new messages arrived.
	mb.SetCounters(4, 2)
	be := &fakeInitBackend{
		firstRecent: 1,
		changes:     []MessageChange{{1, 1}, {2, 1}, {3, 1}},
	}
	mb.Refresh(context.Background(), be, testLog())

	// The read-only session was attached first but \Recent goes to the
	// writable one; each UID to exactly one session.
	rwRecent := rw.Recent()
	require.Equal(t, "1:3", rwRecent.String())
	roRecent := ro.Recent()
	require.True(t, roRecent.IsEmpty())
	require.Equal(t, UID(4), be.txs[0].setFirstRecent)
	require.Equal(t, UID(4), mb.FirstRecent())
}

func TestInitialiserSkipsRecentFetchWhenAlreadyAnnounced(t *testing.T) {
	mb := OpenMailboxState(2005, "INBOX", 1, 4, 2, 1)
	s := NewSession(mb, false, NewPermissions("jdoe", "lrswit"), &recordingSink{})
	defer s.Close()
	s.SetUIDNext(1)
	s.SetNextModSeq(1)
	// This session already announced up to UID 3 as recent.
	s.AddRecent(1)
	s.AddRecent(2)
	s.AddRecent(3)

	be := &fakeInitBackend{changes: []MessageChange{{1, 1}, {2, 1}, {3, 1}}}
	mb.Refresh(context.Background(), be, testLog())

	// highestRecent+1 == newUidnext: the first_recent fetch and update are
	// both skipped.
	require.Len(t, be.txs, 1)
	require.False(t, be.txs[0].fetchedFirstRecent)
	require.Equal(t, UID(0), be.txs[0].setFirstRecent)
}

func TestInitialiserFailureLeavesSessionsUntouched(t *testing.T) {
	mb := OpenMailboxState(2006, "INBOX", 1, 2, 2, 2)
	sink := &recordingSink{}
	s := NewSession(mb, false, NewPermissions("jdoe", "lrswit"), sink)
	defer s.Close()
	s.AddUnannounced(1)
	s.ClearUnannounced()
	s.SetUIDNext(2)
	s.SetNextModSeq(2)

	mb.SetCounters(3, 3)
	be := &fakeInitBackend{changes: []MessageChange{{2, 2}}, failCommit: true}
	mb.Refresh(context.Background(), be, testLog())

	// Commit failed: no updates reached the session, cursors did not move.
	// The next trigger catches it up.
	require.Equal(t, 0, sink.calls)
	unannounced2 := s.Unannounced()
	require.True(t, unannounced2.IsEmpty())
	require.Equal(t, UID(2), s.UIDNext())
	require.Equal(t, ModSeq(2), s.NextModSeq())
}

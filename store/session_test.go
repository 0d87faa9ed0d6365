package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestMailbox(id int64) *MailboxState {
	// Distinct ids per test keep the process-wide registry from leaking
	// state between tests.
	return OpenMailboxState(id, "INBOX", 1, 1, 1, 1)
}

func TestSessionMSNMapping(t *testing.T) {
	mb := newTestMailbox(1001)
	s := NewSession(mb, false, NewPermissions("jdoe", "lrswit"), nil)
	defer s.Close()

	for _, uid := range []UID{3, 7, 9, 20} {
		s.AddUnannounced(uid)
	}
	s.ClearUnannounced()

	require.Equal(t, 4, s.Count())
	require.Equal(t, UID(20), s.LargestUID())

	// MSNs are positions in ascending UID order, and the mapping must
	// round-trip for every member.
	require.Equal(t, UID(3), s.UID(1))
	require.Equal(t, UID(9), s.UID(3))
	require.Equal(t, 0, s.MSN(8))
	for i := 1; i <= s.Count(); i++ {
		require.Equal(t, i, s.MSN(s.UID(i)))
	}
}

func TestSessionExpungeKeepsMSNsUntilCleared(t *testing.T) {
	mb := newTestMailbox(1002)
	s := NewSession(mb, false, NewPermissions("jdoe", "lrswit"), nil)
	defer s.Close()

	for _, uid := range []UID{1, 2, 3} {
		s.AddUnannounced(uid)
	}
	s.ClearUnannounced()

	s.Expunge(NewMessageSet(2))
	// Still visible: the client has not been told yet.
	require.Equal(t, 3, s.Count())
	require.Equal(t, 2, s.MSN(2))
	expunged := s.Expunged()
	require.Equal(t, "2", expunged.String())

	s.ClearExpunged(2)
	require.Equal(t, 2, s.Count())
	require.Equal(t, 2, s.MSN(3)) // Shifted down.
	expunged2 := s.Expunged()
	require.True(t, expunged2.IsEmpty())
}

func TestSessionExpungeDropsUnknownAndPending(t *testing.T) {
	mb := newTestMailbox(1003)
	s := NewSession(mb, false, NewPermissions("jdoe", "lrswit"), nil)
	defer s.Close()

	s.AddUnannounced(5)
	s.ClearUnannounced()
	s.AddUnannounced(9)

	// 7 was never known to the client; 9 is pending and gets dropped from
	// the pending set instead of being announced then expunged.
	s.Expunge(NewMessageSet(5, 7, 9))
	expunged := s.Expunged()
	require.Equal(t, "5", expunged.String())
	unannounced := s.Unannounced()
	require.True(t, unannounced.IsEmpty())
}

func TestSessionBootstrapFromPeer(t *testing.T) {
	mb := newTestMailbox(1004)
	a := NewSession(mb, false, NewPermissions("jdoe", "lrswit"), nil)
	defer a.Close()
	for _, uid := range []UID{1, 2, 3, 4} {
		a.AddUnannounced(uid)
	}
	a.ClearUnannounced()
	a.SetUIDNext(5)
	a.SetNextModSeq(9)
	a.Expunge(NewMessageSet(2))

	// A second SELECT of an open mailbox is populated immediately from the
	// newest peer, minus the peer's pending expunges, and needs no
	// initialiser round.
	b := NewSession(mb, true, NewPermissions("jdoe", "lr"), nil)
	defer b.Close()
	require.True(t, b.Initialised())
	messages := b.Messages()
	require.Equal(t, "1,3:4", messages.String())
	require.Equal(t, UID(5), b.UIDNext())
	require.Equal(t, ModSeq(9), b.NextModSeq())
	bExpunged := b.Expunged()
	require.True(t, bExpunged.IsEmpty())
}

func TestSessionCursorsNeverRegress(t *testing.T) {
	mb := newTestMailbox(1005)
	s := NewSession(mb, false, NewPermissions("jdoe", "lrswit"), nil)
	defer s.Close()

	s.SetUIDNext(10)
	s.SetUIDNext(4)
	require.Equal(t, UID(10), s.UIDNext())

	s.SetNextModSeq(7)
	s.SetNextModSeq(3)
	require.Equal(t, ModSeq(7), s.NextModSeq())
}

func TestSessionRecentSubsetOfView(t *testing.T) {
	mb := newTestMailbox(1006)
	s := NewSession(mb, false, NewPermissions("jdoe", "lrswit"), nil)
	defer s.Close()

	s.AddUnannounced(1)
	s.AddUnannounced(2)
	s.AddRecent(2)
	require.True(t, s.IsRecent(2))

	view := s.Messages().Union(s.Unannounced())
	rec := s.Recent()
	inter := rec.Intersection(view)
	require.Equal(t, rec.String(), inter.String())
}

func TestSessionCloseDetaches(t *testing.T) {
	mb := newTestMailbox(1007)
	s := NewSession(mb, false, NewPermissions("jdoe", "lrswit"), nil)
	require.Len(t, mb.Sessions(), 1)
	s.Close()
	require.Len(t, mb.Sessions(), 0)
	s.Close() // Idempotent.
}

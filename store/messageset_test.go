package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageSetBasics(t *testing.T) {
	var s MessageSet
	require.True(t, s.IsEmpty())

	s.Add(5)
	s.Add(6)
	s.Add(7)
	s.Add(9)
	s.Add(11)
	require.Equal(t, "5:7,9,11", s.String())
	require.Equal(t, 5, s.Count())
	require.Equal(t, UID(5), s.Min())
	require.Equal(t, UID(11), s.Max())
	require.True(t, s.Contains(6))
	require.False(t, s.Contains(8))

	require.Equal(t, UID(5), s.Value(1))
	require.Equal(t, UID(9), s.Value(4))
	require.Equal(t, UID(0), s.Value(99))

	require.Equal(t, 1, s.Index(5))
	require.Equal(t, 4, s.Index(9))
	require.Equal(t, 0, s.Index(8))
}

func TestMessageSetRemoveSplits(t *testing.T) {
	s := NewMessageSetRange(1, 10)
	s.Remove(5)
	require.Equal(t, "1:4,6:10", s.String())

	s.Remove(1)
	require.Equal(t, "2:4,6:10", s.String())

	s.Remove(10)
	require.Equal(t, "2:4,6:9", s.String())
}

func TestMessageSetParseRoundTrip(t *testing.T) {
	cases := []string{"1", "1:9,11", "1:4,6:10", "3,5,7:9"}
	for _, c := range cases {
		set, err := ParseSet(c)
		require.NoError(t, err)
		require.Equal(t, c, set.String())
	}
}

// TestMessageSetInvariants checks the set-algebra identities the
// range-merge implementations must preserve: (A ∪ B) \ B = A \ B, and
// |A ∪ B| = |A| + |B| - |A ∩ B|.
func TestMessageSetInvariants(t *testing.T) {
	a := NewMessageSet(1, 2, 3, 8, 9, 20)
	b := NewMessageSet(2, 3, 4, 5, 20, 21)

	union := a.Union(b)
	inter := a.Intersection(b)
	require.Equal(t, a.Count()+b.Count()-inter.Count(), union.Count())

	lhs := union.Difference(b)
	rhs := a.Difference(b)
	require.Equal(t, rhs.String(), lhs.String())
}

func TestMessageSetWhere(t *testing.T) {
	s := NewMessageSet(1, 2, 3, 9, 11)
	require.Equal(t, "(uid between 1 and 3 or uid between 9 and 9 or uid between 11 and 11)", s.Where("uid"))

	var empty MessageSet
	require.Equal(t, "false", empty.Where("uid"))
}

package cluster

import (
	"testing"
)

func TestParseLine(t *testing.T) {
	note, ok := ParseLine("mailbox INBOX nextmodseq=12\r\n")
	if !ok || note.Name != "INBOX" || note.NextModSeq != 12 {
		t.Fatalf("parsed %+v ok=%v", note, ok)
	}

	// Mailbox names may contain spaces; the last field wins.
	note, ok = ParseLine("mailbox Archive 2024 nextmodseq=3")
	if !ok || note.Name != "Archive 2024" || note.NextModSeq != 3 {
		t.Fatalf("parsed %+v ok=%v", note, ok)
	}

	for _, bad := range []string{
		"",
		"mailbox INBOX",
		"mailbox INBOX nextmodseq=x",
		"mailbox INBOX nextmodseq=0",
		"something else entirely",
	} {
		if _, ok := ParseLine(bad); ok {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}

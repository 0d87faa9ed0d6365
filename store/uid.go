package store

import "fmt"

// UID is a per-mailbox IMAP message identifier. It is assigned
// monotonically within a mailbox and never reused, even after the message
// it named has been expunged.
type UID uint32

func (uid UID) String() string { return fmt.Sprintf("%d", uint32(uid)) }

// ModSeq is a per-mailbox monotonically increasing counter. Every
// flag/annotation change allocates the mailbox's current ModSeq and
// increments it by one.
type ModSeq int64

func (m ModSeq) String() string { return fmt.Sprintf("%d", int64(m)) }

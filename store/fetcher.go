package store

import (
	"context"
	"fmt"
	"time"

	"github.com/orbitmail/imapd/db"
)

// BlobStore provides the raw bytes of a message. Implemented by
// blobstore.LocalStore (filesystem) and blobstore.S3Store (object storage).
type BlobStore interface {
	Read(ctx context.Context, mailboxID int64, uid UID) ([]byte, error)
}

// MessageParser turns raw message bytes into a part tree with envelope.
// Message parsing is a collaborator of the core; the message package holds
// the in-repo implementation.
type MessageParser interface {
	Parse(raw []byte) (*Part, error)
}

// Fetcher batches database and blob reads for a group of messages of one
// mailbox. The FETCH handler creates one per command and calls Fetch for
// each attribute category it is missing; each call fills the category into
// every message that does not have it yet.
type Fetcher struct {
	mailbox *MailboxState
	msgs    []*Message
	db      *db.DB
	blobs   BlobStore
	parser  MessageParser
}

// NewFetcher returns a Fetcher over msgs. All messages must belong to mb.
func NewFetcher(mb *MailboxState, msgs []*Message, sdb *db.DB, blobs BlobStore, parser MessageParser) *Fetcher {
	return &Fetcher{mailbox: mb, msgs: msgs, db: sdb, blobs: blobs, parser: parser}
}

// Fetch loads category c into every message that is still missing it.
func (f *Fetcher) Fetch(ctx context.Context, c FetchCategory) error {
	var missing []*Message
	for _, m := range f.msgs {
		if !m.Has(c) && !m.Expunged {
			missing = append(missing, m)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	var err error
	switch c {
	case FetchTrivia:
		err = f.fetchTrivia(ctx, missing)
	case FetchFlags:
		err = f.fetchFlags(ctx, missing)
	case FetchAnnotations:
		err = f.fetchAnnotations(ctx, missing)
	case FetchBody:
		err = f.fetchBody(ctx, missing)
	case FetchAddresses, FetchOtherHeader, FetchPartNumbers:
		err = f.fetchParsed(ctx, missing)
	default:
		err = fmt.Errorf("unknown fetch category %d", c)
	}
	if err != nil {
		return fmt.Errorf("fetch %s: %w", c, err)
	}
	for _, m := range missing {
		if !m.Expunged {
			m.markHave(c)
		}
	}
	return nil
}

func uidSet(msgs []*Message) MessageSet {
	var s MessageSet
	for _, m := range msgs {
		s.Add(m.UID)
	}
	return s
}

func byUID(msgs []*Message) map[UID]*Message {
	r := make(map[UID]*Message, len(msgs))
	for _, m := range msgs {
		r[m.UID] = m
	}
	return r
}

func (f *Fetcher) fetchTrivia(ctx context.Context, msgs []*Message) error {
	set := uidSet(msgs)
	index := byUID(msgs)
	seen := map[UID]bool{}
	err := f.db.Read(ctx, func(tx *db.Transaction) error {
		rows, err := tx.Query(`select uid, modseq, seen, deleted, size, internaldate from mailbox_messages where mailbox=$1 and `+set.Where("uid"), f.mailbox.ID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var uid uint32
			var modseq int64
			var seenFlag, deleted bool
			var size int64
			var internalDate time.Time
			if err := rows.Scan(&uid, &modseq, &seenFlag, &deleted, &size, &internalDate); err != nil {
				return err
			}
			m := index[UID(uid)]
			if m == nil {
				continue
			}
			m.ModSeq = ModSeq(modseq)
			m.Flags = Flags{Seen: seenFlag, Deleted: deleted}
			m.Size = size
			m.InternalDate = internalDate
			seen[m.UID] = true
		}
		return rows.Err()
	})
	if err != nil {
		return err
	}
	// Rows that vanished were expunged under us.
	for _, m := range msgs {
		if !seen[m.UID] {
			m.Expunged = true
		}
	}
	return nil
}

func (f *Fetcher) fetchFlags(ctx context.Context, msgs []*Message) error {
	index := byUID(msgs)
	var uids []uint32
	for _, m := range msgs {
		uids = append(uids, uint32(m.UID))
	}
	return f.db.Read(ctx, func(tx *db.Transaction) error {
		rows, err := tx.Query(`select f.uid, fn.name from flags f join flag_names fn on fn.id=f.flag where f.mailbox=$1 and f.uid=any($2)`, f.mailbox.ID, db.UIDArray(uids))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var uid uint32
			var name string
			if err := rows.Scan(&uid, &name); err != nil {
				return err
			}
			if m := index[UID(uid)]; m != nil {
				m.Keywords = append(m.Keywords, name)
			}
		}
		return rows.Err()
	})
}

func (f *Fetcher) fetchAnnotations(ctx context.Context, msgs []*Message) error {
	index := byUID(msgs)
	var uids []uint32
	for _, m := range msgs {
		uids = append(uids, uint32(m.UID))
	}
	return f.db.Read(ctx, func(tx *db.Transaction) error {
		rows, err := tx.Query(`select uid, name, value, coalesce(owner, 0) from annotations where mailbox=$1 and uid=any($2)`, f.mailbox.ID, db.UIDArray(uids))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var uid uint32
			var name, value string
			var owner int64
			if err := rows.Scan(&uid, &name, &value, &owner); err != nil {
				return err
			}
			m := index[UID(uid)]
			if m == nil {
				continue
			}
			if m.Annotations == nil {
				m.Annotations = Annotations{}
			}
			m.Annotations[name] = append(m.Annotations[name], AnnotationValue{OwnerID: owner, Value: value})
		}
		return rows.Err()
	})
}

func (f *Fetcher) fetchBody(ctx context.Context, msgs []*Message) error {
	for _, m := range msgs {
		raw, err := f.blobs.Read(ctx, f.mailbox.ID, m.UID)
		if err != nil {
			return fmt.Errorf("read message %d: %w", m.UID, err)
		}
		m.Raw = raw
	}
	return nil
}

// fetchParsed loads Body if needed and runs the parser, filling both the
// part tree and the envelope. Addresses, OtherHeader and PartNumbers all
// come from the same parse.
func (f *Fetcher) fetchParsed(ctx context.Context, msgs []*Message) error {
	for _, m := range msgs {
		if m.Part != nil {
			continue
		}
		if m.Raw == nil {
			raw, err := f.blobs.Read(ctx, f.mailbox.ID, m.UID)
			if err != nil {
				return fmt.Errorf("read message %d: %w", m.UID, err)
			}
			m.Raw = raw
			m.markHave(FetchBody)
		}
		part, err := f.parser.Parse(m.Raw)
		if err != nil {
			return fmt.Errorf("parse message %d: %w", m.UID, err)
		}
		m.Part = part
		m.Envelope = part.Envelope
		m.markHave(FetchAddresses)
		m.markHave(FetchOtherHeader)
		m.markHave(FetchPartNumbers)
	}
	return nil
}

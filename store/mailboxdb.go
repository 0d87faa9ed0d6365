package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"golang.org/x/text/unicode/norm"

	"github.com/orbitmail/imapd/db"
)

// ErrUnknownMailbox is returned when a mailbox name or id does not resolve.
var ErrUnknownMailbox = errors.New("no such mailbox")

// NormalizeMailboxName NFC-normalizes a mailbox name for lookup and
// storage, so differently-composed spellings of the same name collide.
func NormalizeMailboxName(name string) string {
	return norm.NFC.String(name)
}

// OpenMailbox resolves name and returns the process-shared MailboxState,
// creating it from the database row on first open.
func OpenMailbox(ctx context.Context, sdb *db.DB, name string) (*MailboxState, error) {
	name = NormalizeMailboxName(name)
	var id int64
	var uidvalidity uint32
	var uidnext, firstRecent uint32
	var nextModSeq int64
	err := sdb.Read(ctx, func(tx *db.Transaction) error {
		return tx.QueryRow(`select id, uidvalidity, uidnext, nextmodseq, first_recent from mailboxes where name=$1`, name).Scan(&id, &uidvalidity, &uidnext, &nextModSeq, &firstRecent)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownMailbox
	}
	if err != nil {
		return nil, fmt.Errorf("open mailbox %q: %w", name, err)
	}
	return OpenMailboxState(id, name, uidvalidity, UID(uidnext), ModSeq(nextModSeq), UID(firstRecent)), nil
}

// FetchPermissions resolves identifier's rights on the mailbox from the
// permissions table. The mailbox owner implicitly holds all rights; other
// identifiers without a row get no rights.
func FetchPermissions(ctx context.Context, sdb *db.DB, mailboxID int64, identifier string, userID int64) (Permissions, error) {
	var rights string
	var ownerID int64
	err := sdb.Read(ctx, func(tx *db.Transaction) error {
		if err := tx.QueryRow(`select owner from mailboxes where id=$1`, mailboxID).Scan(&ownerID); err != nil {
			return err
		}
		err := tx.QueryRow(`select rights from permissions where mailbox=$1 and identifier=$2`, mailboxID, identifier).Scan(&rights)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	})
	if err != nil {
		return Permissions{}, fmt.Errorf("fetch permissions: %w", err)
	}
	if ownerID == userID {
		rights = "lrswipkxtean"
	}
	return NewPermissions(identifier, rights), nil
}

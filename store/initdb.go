package store

import (
	"context"
	"fmt"

	"github.com/orbitmail/imapd/db"
)

// DBInitBackend implements InitBackend against PostgreSQL.
type DBInitBackend struct {
	DB *db.DB
}

func (b DBInitBackend) BeginInit(ctx context.Context) (InitTx, error) {
	tx, err := b.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &dbInitTx{tx: tx}, nil
}

type dbInitTx struct {
	tx *db.Transaction
}

func (t *dbInitTx) FirstRecent(mailboxID int64) (UID, error) {
	var first uint32
	err := t.tx.QueryRow(`select first_recent from mailboxes where id=$1`, mailboxID).Scan(&first)
	if err != nil {
		return 0, fmt.Errorf("fetch first_recent: %w", err)
	}
	return UID(first), nil
}

func (t *dbInitTx) SetFirstRecent(mailboxID int64, firstRecent UID) error {
	_, err := t.tx.Exec(`update mailboxes set first_recent=$2 where id=$1 and first_recent<$2`, mailboxID, uint32(firstRecent))
	if err != nil {
		return fmt.Errorf("advance first_recent: %w", err)
	}
	return nil
}

func (t *dbInitTx) ChangedMessages(mailboxID int64, newUidnext, oldUidnext UID, oldModSeq ModSeq, initialising bool) ([]MessageChange, error) {
	q := `select uid, modseq from mailbox_messages where mailbox=$1 and uid<$2`
	args := []any{mailboxID, uint32(newUidnext)}
	if initialising {
		// All rows are new to at least one session; the modseq clause would
		// only exclude rows we need anyway.
	} else {
		q += ` and (uid>=$3 or modseq>=$4)`
		args = append(args, uint32(oldUidnext), int64(oldModSeq))
	}
	rows, err := t.tx.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch changed messages: %w", err)
	}
	defer rows.Close()
	var l []MessageChange
	for rows.Next() {
		var uid uint32
		var modseq int64
		if err := rows.Scan(&uid, &modseq); err != nil {
			return nil, fmt.Errorf("scan changed message: %w", err)
		}
		l = append(l, MessageChange{UID(uid), ModSeq(modseq)})
	}
	return l, rows.Err()
}

func (t *dbInitTx) ExpungedMessages(mailboxID int64, oldModSeq ModSeq) (MessageSet, error) {
	rows, err := t.tx.Query(`select uid from deleted_messages where mailbox=$1 and modseq>=$2`, mailboxID, int64(oldModSeq))
	if err != nil {
		return MessageSet{}, fmt.Errorf("fetch expunged messages: %w", err)
	}
	defer rows.Close()
	var set MessageSet
	for rows.Next() {
		var uid uint32
		if err := rows.Scan(&uid); err != nil {
			return MessageSet{}, fmt.Errorf("scan expunged message: %w", err)
		}
		set.Add(UID(uid))
	}
	return set, rows.Err()
}

func (t *dbInitTx) Commit() error   { return t.tx.Commit() }
func (t *dbInitTx) Rollback() error { return t.tx.Rollback() }
